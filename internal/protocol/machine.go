// Package protocol implements the CONNECT/MESSAGE/DISCONNECT state
// machine driving the graphql-transport-ws subprotocol.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	gql "github.com/graphql-go/graphql"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/ctxstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/emitter"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/gateway"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/gqlschema"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/observability"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/registry"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/socket"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/subscriptionstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/wire"
)

// Registry is the subset of registry.Registry the machine needs.
type Registry interface {
	Register(ctx context.Context, connectionID, subscriptionID string, topics []string) error
	Unregister(ctx context.Context, connectionID, subscriptionID string) error
	Disconnect(ctx context.Context, connectionID string) ([]string, error)
	IsRegistered(ctx context.Context, subscriptionID string) (bool, error)
	GetConnectionSubscriptions(ctx context.Context, connectionID string) ([]string, error)
}

// SubscriptionPayloads is the subset of subscriptionstore.Store the
// machine needs.
type SubscriptionPayloads interface {
	Save(ctx context.Context, subscriptionID string, payload any) error
	Load(ctx context.Context, subscriptionID string) (map[string]any, error)
	Delete(ctx context.Context, subscriptionID string) error
}

var _ Registry = (*registry.Registry)(nil)
var _ SubscriptionPayloads = (*subscriptionstore.Store)(nil)

// Machine drives CONNECT/MESSAGE/DISCONNECT transitions for one
// invocation. It holds no cross-invocation state; every method takes
// the connectionId and loads/persists via its stores.
type Machine struct {
	ctxStore *ctxstore.Store
	reg      Registry
	subs     SubscriptionPayloads
	gw       gateway.Client
	opts     Options
	log      *zap.Logger

	supportedProtocols []string
}

// New constructs a Machine.
func New(ctxStore *ctxstore.Store, reg Registry, subs SubscriptionPayloads, gw gateway.Client, opts Options, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		ctxStore:           ctxStore,
		reg:                reg,
		subs:               subs,
		gw:                 gw,
		opts:               opts,
		log:                log,
		supportedProtocols: []string{wire.Subprotocol, wire.LegacySubprotocol},
	}
}

// ConnectResult is OnConnect's outcome, translated by the caller into
// the host's outbound envelope.
type ConnectResult struct {
	StatusCode        int
	Subprotocol       string
	SupportedProtocol *string
}

// OnConnect negotiates a subprotocol and, on success, creates a fresh
// context for connectionID.
func (m *Machine) OnConnect(ctx context.Context, connectionID string, offeredProtocols []string) (ConnectResult, error) {
	chosen, ok := negotiate(offeredProtocols, m.supportedProtocols)
	if !ok {
		return ConnectResult{StatusCode: 400, SupportedProtocol: nil}, nil
	}

	initial := ctxstore.NewDefault(connectionID)
	if err := m.ctxStore.Create(ctx, connectionID, initial); err != nil {
		return ConnectResult{}, err
	}
	observability.RecordConnectionDelta(1)
	return ConnectResult{StatusCode: 200, Subprotocol: chosen}, nil
}

func negotiate(offered, supported []string) (string, bool) {
	supportedSet := make(map[string]bool, len(supported))
	for _, s := range supported {
		supportedSet[s] = true
	}
	for _, o := range offered {
		if supportedSet[o] {
			return o, true
		}
	}
	return "", false
}

// OnMessage parses and dispatches one inbound MESSAGE frame. The
// caller must await ctxStore.Flush after this returns, success or not,
// so any queued context changes are persisted.
func (m *Machine) OnMessage(ctx context.Context, connectionID string, body []byte) error {
	sock := socket.New(connectionID, m.gw, m.ctxStore, m.log)

	// Peek "type" before paying for a full decode into the typed
	// envelope; a frame without one is never valid and closes the
	// socket without touching encoding/json at all.
	typePeek := gjson.GetBytes(body, "type")
	if !typePeek.Exists() || typePeek.Type != gjson.String {
		return sock.Close(ctx, wire.CloseBadRequest, "Invalid message received")
	}

	var envelope struct {
		ID      string          `json:"id,omitempty"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return sock.Close(ctx, wire.CloseBadRequest, "Invalid message received")
	}

	cc, err := sock.Context(ctx)
	if err != nil {
		return err
	}

	observability.RecordProtocolMessage(envelope.Type, "inbound")

	switch envelope.Type {
	case wire.TypeConnectionInit:
		return m.handleConnectionInit(ctx, sock, cc, envelope.Payload)
	case wire.TypePing:
		return m.handlePing(ctx, sock, envelope.Payload)
	case wire.TypePong:
		return nil
	case wire.TypeSubscribe:
		return m.handleSubscribe(ctx, sock, cc, envelope.ID, envelope.Payload)
	case wire.TypeComplete:
		return m.handleComplete(ctx, sock, cc, envelope.ID)
	default:
		return sock.Close(ctx, wire.CloseBadRequest, "Invalid message received")
	}
}

func (m *Machine) handleConnectionInit(ctx context.Context, sock *socket.Socket, cc *ctxstore.Context, rawPayload json.RawMessage) error {
	if cc.Init() {
		return sock.Close(ctx, wire.CloseTooManyInitialisationReqs, "Too many initialisation requests")
	}

	var connectionParams any
	if len(rawPayload) > 0 {
		if err := json.Unmarshal(rawPayload, &connectionParams); err != nil {
			return sock.Close(ctx, wire.CloseBadRequest, "Invalid message received")
		}
	}

	var ackPayload any
	if m.opts.OnConnect != nil {
		payload, ok, err := m.opts.OnConnect(ctx, cc, connectionParams)
		if err != nil {
			observability.RecordHookInvocation("onConnect", "error")
			return err
		}
		if !ok {
			observability.RecordHookInvocation("onConnect", "rejected")
			return sock.Close(ctx, wire.CloseForbidden, "Forbidden")
		}
		observability.RecordHookInvocation("onConnect", "ok")
		ackPayload = payload
	}

	cc.SetInit(true)
	cc.SetAck(true)
	cc.SetConnectionParams(connectionParams)

	return sock.Send(ctx, wire.ConnectionAck(ackPayload))
}

func (m *Machine) handlePing(ctx context.Context, sock *socket.Socket, rawPayload json.RawMessage) error {
	var payload any
	if len(rawPayload) > 0 {
		_ = json.Unmarshal(rawPayload, &payload)
	}
	return sock.Send(ctx, wire.Pong(payload))
}

// handleComplete handles a client-initiated Complete message: unregister,
// load the stored payload (a missing payload is a fatal protocol
// error), then invoke onComplete. No Complete frame is echoed back for
// a client-initiated Complete.
func (m *Machine) handleComplete(ctx context.Context, sock *socket.Socket, cc *ctxstore.Context, id string) error {
	if err := m.reg.Unregister(ctx, sock.ConnectionID(), id); err != nil {
		return err
	}
	payload, err := m.subs.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("protocol: complete for unknown subscription %s: %w", id, err)
	}
	_ = m.subs.Delete(ctx, id)

	em := emitter.New(sock, m.toEmitterHooks())
	return em.Complete(ctx, cc, id, payload, false)
}

// handleSubscribe handles a Subscribe message.
func (m *Machine) handleSubscribe(ctx context.Context, sock *socket.Socket, cc *ctxstore.Context, id string, rawPayload json.RawMessage) error {
	if !cc.Ack() {
		return sock.Close(ctx, wire.CloseUnauthorized, "Unauthorized")
	}

	registered, err := m.reg.IsRegistered(ctx, id)
	if err != nil {
		return err
	}
	if registered {
		return sock.Close(ctx, wire.CloseSubscriberAlreadyExists, "Subscriber already exists")
	}

	var payload map[string]any
	if len(rawPayload) > 0 {
		if err := json.Unmarshal(rawPayload, &payload); err != nil {
			return sock.Close(ctx, wire.CloseBadRequest, "Invalid message received")
		}
	}
	if err := m.subs.Save(ctx, id, payload); err != nil {
		return err
	}

	em := emitter.New(sock, m.toEmitterHooks())

	op, stopErrs, err := m.buildOperation(ctx, cc, id, payload)
	if err != nil {
		return err
	}
	if len(stopErrs) > 0 {
		return em.Error(ctx, cc, id, stopErrs)
	}

	switch op.Kind() {
	case "subscription":
		return m.executeSubscription(ctx, sock, cc, em, id, op)
	default:
		result := gqlschema.Execute(ctx, op)
		if err := em.Next(ctx, cc, id, result); err != nil {
			return err
		}
		return em.Complete(ctx, cc, id, payload, true)
	}
}

// buildOperation runs onSubscribe (if any), falling through to the
// default parse-validate path built from the subscribe payload and the
// configured schema.
func (m *Machine) buildOperation(ctx context.Context, cc *ctxstore.Context, id string, payload map[string]any) (*gqlschema.Operation, []wire.GraphQLError, error) {
	if m.opts.OnSubscribe != nil {
		override, errs, err := m.opts.OnSubscribe(ctx, cc, id, payload)
		if err != nil {
			return nil, nil, err
		}
		if len(errs) > 0 {
			return nil, errs, nil
		}
		if override != nil {
			return m.operationFromOverride(ctx, override)
		}
	}
	return m.defaultOperation(ctx, payload)
}

func (m *Machine) operationFromOverride(ctx context.Context, override *SubscribeOverride) (*gqlschema.Operation, []wire.GraphQLError, error) {
	schema := override.Schema
	var err error
	if schema == nil {
		schema, err = m.resolveSchema(ctx)
		if err != nil {
			return nil, nil, err
		}
	}
	op, errs, err := gqlschema.Prepare(schema, override.Query, override.OperationName, override.Variables)
	if err != nil || len(errs) > 0 {
		return nil, errs, err
	}
	op.RootValue = firstNonNil(override.RootValue, m.opts.DefaultRoot)
	op.ContextValue = firstNonNil(override.ContextValue, m.opts.DefaultContext)
	return op, nil, nil
}

func (m *Machine) defaultOperation(ctx context.Context, payload map[string]any) (*gqlschema.Operation, []wire.GraphQLError, error) {
	query, _ := payload["query"].(string)
	operationName, _ := payload["operationName"].(string)
	variables, _ := payload["variables"].(map[string]any)

	schema, err := m.resolveSchema(ctx)
	if err != nil {
		return nil, nil, err
	}
	op, errs, err := gqlschema.Prepare(schema, query, operationName, variables)
	if err != nil || len(errs) > 0 {
		return nil, errs, err
	}
	op.RootValue = m.opts.DefaultRoot
	op.ContextValue = m.opts.DefaultContext
	return op, nil, nil
}

func (m *Machine) resolveSchema(ctx context.Context) (*gql.Schema, error) {
	if m.opts.Schema == nil {
		return nil, fmt.Errorf("protocol: no schema configured")
	}
	return m.opts.Schema(ctx)
}

// executeSubscription resolves exactly the root subscription field. If
// it returns a RegistrableChannel, this registers its topics for later
// fan-out; any other value is treated as a single immediate result
// (next, then a non-notifying complete).
func (m *Machine) executeSubscription(ctx context.Context, sock *socket.Socket, cc *ctxstore.Context, em *emitter.Emitter, id string, op *gqlschema.Operation) error {
	value, errs, err := gqlschema.ResolveSubscriptionField(ctx, op)
	if err != nil {
		_ = sock.Close(ctx, wire.CloseBadRequest, "Invalid message received")
		return err
	}
	if len(errs) > 0 {
		return em.Error(ctx, cc, id, errs)
	}

	if channel, ok := value.(*gqlschema.RegistrableChannel); ok {
		if err := m.reg.Register(ctx, sock.ConnectionID(), id, channel.Topics); err != nil {
			return err
		}
		if channel.Register != nil {
			return channel.Register(ctx, sock.ConnectionID(), id)
		}
		return nil
	}

	if err := em.Next(ctx, cc, id, wire.ExecutionResult{Data: value}); err != nil {
		return err
	}
	payload, _ := m.subs.Load(ctx, id)
	return em.Complete(ctx, cc, id, payload, false)
}

// OnDisconnect tears down connectionID: unregisters every subscription,
// invokes onComplete for each with its stored payload, then onDisconnect
// (only if the connection had been acknowledged) and unconditionally
// onClose.
func (m *Machine) OnDisconnect(ctx context.Context, connectionID string, code int, reason string) error {
	if code == 0 {
		code = wire.DefaultDisconnectCode
	}
	if reason == "" {
		reason = wire.DefaultDisconnectReasonGoingAway
	}

	sock := socket.New(connectionID, m.gw, m.ctxStore, m.log)
	cc, err := sock.Context(ctx)
	if err != nil {
		return err
	}

	subscriptionIDs, err := m.reg.GetConnectionSubscriptions(ctx, connectionID)
	if err != nil {
		return err
	}

	em := emitter.New(sock, m.toEmitterHooks())
	for _, id := range subscriptionIDs {
		payload, loadErr := m.subs.Load(ctx, id)
		if loadErr != nil {
			m.log.Warn("protocol: disconnect cleanup found no stored payload",
				zap.String("connectionId", connectionID), zap.String("subscriptionId", id))
			payload = nil
		}
		if err := em.Complete(ctx, cc, id, payload, false); err != nil {
			m.log.Warn("protocol: onComplete failed during disconnect",
				zap.String("connectionId", connectionID), zap.String("subscriptionId", id), zap.Error(err))
		}
		_ = m.subs.Delete(ctx, id)
	}

	if _, err := m.reg.Disconnect(ctx, connectionID); err != nil {
		return err
	}
	observability.RecordConnectionDelta(-1)

	if cc.Ack() && m.opts.OnDisconnect != nil {
		if err := m.opts.OnDisconnect(ctx, cc, code, reason); err != nil {
			return err
		}
	}
	if m.opts.OnClose != nil {
		return m.opts.OnClose(ctx, cc, code, reason)
	}
	return nil
}

func (m *Machine) toEmitterHooks() emitter.Hooks {
	return emitter.Hooks{
		OnNext:     m.opts.Hooks.OnNext,
		OnError:    m.opts.Hooks.OnError,
		OnComplete: m.opts.Hooks.OnComplete,
	}
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
