// Package graphqlwsredis is the root entry point: a stateless, per-
// invocation Handler wired once at cold start and reused across every
// gateway event.
package graphqlwsredis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/ctxstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/fanout"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/gateway"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/gqlschema"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/protocol"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/pubsubkey"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/redisstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/registry"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/subscriptionstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/wire"
)

// EventType identifies the kind of gateway lifecycle event delivered in
// an InboundEvent.
type EventType string

const (
	EventConnect    EventType = "CONNECT"
	EventDisconnect EventType = "DISCONNECT"
	EventMessage    EventType = "MESSAGE"
)

// InboundEvent is the inbound envelope delivered by the host runtime
// (API Gateway + Lambda, or internal/devgateway).
type InboundEvent struct {
	EventType            EventType
	RouteKey             string
	ConnectionID         string
	MultiValueHeaders    map[string][]string
	Body                 []byte
	DisconnectStatusCode *int
	DisconnectReason     *string
}

// OutboundResponse is the value a Handler returns to the host runtime.
// Non-200 is used only for subprotocol rejection at CONNECT.
type OutboundResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// CustomRouteHandler services a non-$default MESSAGE route, for hosts
// that route WebSocket messages to more than one handler by route key.
type CustomRouteHandler func(ctx context.Context, event InboundEvent) (OutboundResponse, error)

// Handler is the single stateless entry point a host calls once per
// gateway event. It is safe for concurrent invocation: all per-
// connection state lives in Redis, loaded fresh by each call.
type Handler struct {
	machine            *protocol.Machine
	ctxStore           *ctxstore.Store
	registry           *registry.Registry
	customRouteHandler CustomRouteHandler
	log                *zap.Logger
}

// Deps bundles the cold-start-initialized collaborators a Handler is
// built from; callers that want full control over wiring (tests, a
// custom cmd/ entry point) can construct these directly instead of
// going through New.
type Deps struct {
	CtxStore           *ctxstore.Store
	Registry           *registry.Registry
	Subscriptions      *subscriptionstore.Store
	Gateway            gateway.Client
	Options            protocol.Options
	CustomRouteHandler CustomRouteHandler
	Log                *zap.Logger
}

// NewFromDeps builds a Handler from already-constructed collaborators.
func NewFromDeps(deps Deps) *Handler {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	machine := protocol.New(deps.CtxStore, deps.Registry, deps.Subscriptions, deps.Gateway, deps.Options, log)
	return &Handler{machine: machine, ctxStore: deps.CtxStore, registry: deps.Registry, customRouteHandler: deps.CustomRouteHandler, log: log}
}

// Config is the cold-start configuration for New: a Redis connection,
// a key prefix, a schema provider, and the optional protocol hooks.
type Config struct {
	Redis              redisstore.Options
	KeyPrefix          string
	Gateway            gateway.Client
	Schema             gqlschema.Provider
	DefaultRoot        any
	DefaultContext     any
	Hooks              protocol.Options
	CustomRouteHandler CustomRouteHandler
	Log                *zap.Logger
}

// New constructs a Handler and its full dependency graph (Redis client,
// context store, registry, subscription store) from Config. This is
// the constructor a Lambda main() or internal/devgateway calls exactly
// once at cold start.
func New(cfg Config) (*Handler, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("graphqlwsredis: Config.Gateway is required")
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pubsub"
	}
	keys := pubsubkey.New(prefix)

	rdb := redisstore.New(cfg.Redis)
	ctxStore := ctxstore.NewStore(rdb, keys, log.Named("ctxstore"))
	reg := registry.New(rdb, keys, log.Named("registry"))
	subs := subscriptionstore.New(rdb, keys)

	opts := cfg.Hooks
	opts.Schema = cfg.Schema
	opts.DefaultRoot = cfg.DefaultRoot
	opts.DefaultContext = cfg.DefaultContext

	return NewFromDeps(Deps{
		CtxStore:           ctxStore,
		Registry:           reg,
		Subscriptions:      subs,
		Gateway:            cfg.Gateway,
		Options:            opts,
		CustomRouteHandler: cfg.CustomRouteHandler,
		Log:                log,
	}), nil
}

// NewPublisher builds a fan-out Publisher sharing this Handler's
// registry, for callers that publish events from outside the
// WebSocket lifecycle (e.g. a background job or HTTP endpoint).
func (h *Handler) NewPublisher(gw gateway.Client, opts ...fanout.Option) *fanout.Publisher {
	return fanout.New(h.registry, gw, h.log.Named("fanout"), opts...)
}

// HandleEvent processes exactly one gateway lifecycle event.
// ctxStore.Flush is awaited before every 200 response; for MESSAGE and
// DISCONNECT it is awaited even when handling fails. A CONNECT that is
// rejected or fails, and a MESSAGE on a custom route, return without a
// flush.
func (h *Handler) HandleEvent(ctx context.Context, event InboundEvent) (OutboundResponse, error) {
	switch event.EventType {
	case EventConnect:
		return h.handleConnect(ctx, event)
	case EventMessage:
		return h.handleMessage(ctx, event)
	case EventDisconnect:
		return h.handleDisconnect(ctx, event)
	default:
		return OutboundResponse{}, fmt.Errorf("graphqlwsredis: unknown event type %q", event.EventType)
	}
}

func (h *Handler) handleConnect(ctx context.Context, event InboundEvent) (OutboundResponse, error) {
	offered := subprotocolsFromHeaders(event.MultiValueHeaders)
	result, err := h.machine.OnConnect(ctx, event.ConnectionID, offered)
	if err != nil {
		return OutboundResponse{}, err
	}
	if result.StatusCode != 200 {
		body, _ := json.Marshal(map[string]any{
			"error":             true,
			"message":           "no supported subprotocol offered",
			"supportedProtocol": nil,
		})
		return OutboundResponse{StatusCode: 400, Body: body}, nil
	}
	if err := h.ctxStore.Flush(ctx); err != nil {
		return OutboundResponse{}, err
	}
	return OutboundResponse{
		StatusCode: 200,
		Headers:    map[string]string{"Sec-WebSocket-Protocol": result.Subprotocol},
	}, nil
}

func (h *Handler) handleMessage(ctx context.Context, event InboundEvent) (OutboundResponse, error) {
	if event.RouteKey != "" && event.RouteKey != "$default" {
		if h.customRouteHandler == nil {
			return OutboundResponse{}, fmt.Errorf("graphqlwsredis: no customRouteHandler configured for route %q", event.RouteKey)
		}
		return h.customRouteHandler(ctx, event)
	}

	handleErr := h.machine.OnMessage(ctx, event.ConnectionID, event.Body)
	if flushErr := h.ctxStore.Flush(ctx); flushErr != nil {
		if handleErr == nil {
			handleErr = flushErr
		} else {
			h.log.Error("graphqlwsredis: flush failed after a message handling error",
				zap.String("connectionId", event.ConnectionID), zap.Error(flushErr))
		}
	}
	if handleErr != nil {
		return OutboundResponse{}, handleErr
	}
	return OutboundResponse{StatusCode: 200}, nil
}

func (h *Handler) handleDisconnect(ctx context.Context, event InboundEvent) (OutboundResponse, error) {
	code := wire.DefaultDisconnectCode
	if event.DisconnectStatusCode != nil {
		code = *event.DisconnectStatusCode
	}
	reason := wire.DefaultDisconnectReasonGoingAway
	if event.DisconnectReason != nil {
		reason = *event.DisconnectReason
	}

	handleErr := h.machine.OnDisconnect(ctx, event.ConnectionID, code, reason)
	if flushErr := h.ctxStore.Flush(ctx); flushErr != nil {
		if handleErr == nil {
			handleErr = flushErr
		}
	}
	if handleErr != nil {
		return OutboundResponse{}, handleErr
	}
	return OutboundResponse{StatusCode: 200}, nil
}

// subprotocolsFromHeaders extracts the comma-separated
// Sec-WebSocket-Protocol offerings, case-insensitively.
func subprotocolsFromHeaders(headers map[string][]string) []string {
	for name, values := range headers {
		if !strings.EqualFold(name, "Sec-WebSocket-Protocol") {
			continue
		}
		var offered []string
		for _, v := range values {
			for _, part := range strings.Split(v, ",") {
				if p := strings.TrimSpace(part); p != "" {
					offered = append(offered, p)
				}
			}
		}
		return offered
	}
	return nil
}
