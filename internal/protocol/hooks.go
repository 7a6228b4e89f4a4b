package protocol

import (
	"context"

	gql "github.com/graphql-go/graphql"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/ctxstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/gqlschema"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/wire"
)

// ConnectHook runs on ConnectionInit. Returning ok=false closes the
// connection with 4403 Forbidden. A non-nil ackPayload is included on
// the ConnectionAck frame.
type ConnectHook func(ctx context.Context, cc *ctxstore.Context, connectionParams any) (ackPayload any, ok bool, err error)

// SubscribeOverride lets onSubscribe fully determine the execution
// arguments for a Subscribe message, bypassing the default
// parse-schema-from-options path.
type SubscribeOverride struct {
	Schema        *gql.Schema
	Query         string
	OperationName string
	Variables     map[string]any
	RootValue     any
	ContextValue  any
}

// SubscribeHook runs on Subscribe, before the default execution path.
// Returning errs (non-empty) emits an error frame and stops. Returning
// a non-nil override replaces the default execution arguments.
// Returning (nil, nil, nil) falls through to the default path built
// from Options and the subscribe payload.
type SubscribeHook func(ctx context.Context, cc *ctxstore.Context, id string, payload map[string]any) (override *SubscribeOverride, errs []wire.GraphQLError, err error)

// DisconnectHook runs on DISCONNECT, only when the connection had
// completed ConnectionInit (ctx.ack was true).
type DisconnectHook func(ctx context.Context, cc *ctxstore.Context, code int, reason string) error

// CloseHook runs unconditionally on every DISCONNECT event.
type CloseHook func(ctx context.Context, cc *ctxstore.Context, code int, reason string) error

// Options configures a Machine's optional hooks and execution defaults.
type Options struct {
	Schema         gqlschema.Provider
	DefaultRoot    any
	DefaultContext any

	OnConnect    ConnectHook
	OnSubscribe  SubscribeHook
	Hooks        EmitterHooks
	OnDisconnect DisconnectHook
	OnClose      CloseHook
}

// EmitterHooks are forwarded verbatim into internal/emitter.Hooks for
// every subscription this machine services.
type EmitterHooks struct {
	OnNext     func(ctx context.Context, cc *ctxstore.Context, id string, result wire.ExecutionResult) (any, error)
	OnError    func(ctx context.Context, cc *ctxstore.Context, id string, errs []wire.GraphQLError) (any, error)
	OnComplete func(ctx context.Context, cc *ctxstore.Context, id string, payload map[string]any, notifyClient bool) error
}
