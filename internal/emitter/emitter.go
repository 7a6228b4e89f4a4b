// Package emitter frames next/error/complete messages and runs the
// optional onNext/onError/onComplete hooks around them.
package emitter

import (
	"context"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/ctxstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/wire"
)

// Sender is the narrow capability the emitter needs to deliver a frame.
// Satisfied by *socket.Socket.
type Sender interface {
	Send(ctx context.Context, data any) error
}

// NextHook lets the caller reshape or observe a Next payload before it
// is sent. A non-nil return value replaces the default payload.
type NextHook func(ctx context.Context, cc *ctxstore.Context, id string, result wire.ExecutionResult) (any, error)

// ErrorHook lets the caller reshape or observe an Error payload before
// it is sent. A non-nil return value replaces the default payload.
type ErrorHook func(ctx context.Context, cc *ctxstore.Context, id string, errs []wire.GraphQLError) (any, error)

// CompleteHook observes subscription completion. It runs before the
// Complete frame is sent (or skipped, when notifyClient is false).
// payload is the subscription's stored subscribe payload record.
type CompleteHook func(ctx context.Context, cc *ctxstore.Context, id string, payload map[string]any, notifyClient bool) error

// Hooks bundles the optional callbacks the emitter invokes. A nil field
// means "no hook registered".
type Hooks struct {
	OnNext     NextHook
	OnError    ErrorHook
	OnComplete CompleteHook
}

// Emitter frames and sends the three subscription lifecycle messages
// over a Sender, running any configured hooks around each.
type Emitter struct {
	sender Sender
	hooks  Hooks
}

// New constructs an Emitter bound to sender, with optional hooks.
func New(sender Sender, hooks Hooks) *Emitter {
	return &Emitter{sender: sender, hooks: hooks}
}

// Next sends a subscription result. If OnNext is set, its return value
// (when non-nil) replaces the default {data, errors} payload.
func (e *Emitter) Next(ctx context.Context, cc *ctxstore.Context, id string, result wire.ExecutionResult) error {
	payload := any(result)
	if e.hooks.OnNext != nil {
		replacement, err := e.hooks.OnNext(ctx, cc, id, result)
		if err != nil {
			return err
		}
		if replacement != nil {
			payload = replacement
		}
	}
	return e.sender.Send(ctx, wire.Next(id, payload))
}

// Error sends a subscription error frame. If OnError is set, its return
// value (when non-nil) replaces the default errors array.
func (e *Emitter) Error(ctx context.Context, cc *ctxstore.Context, id string, errs []wire.GraphQLError) error {
	payload := any(errs)
	if e.hooks.OnError != nil {
		replacement, err := e.hooks.OnError(ctx, cc, id, errs)
		if err != nil {
			return err
		}
		if replacement != nil {
			payload = replacement
		}
	}
	return e.sender.Send(ctx, wire.Error(id, payload))
}

// Complete runs OnComplete (if set), then, only if notifyClient is
// true, sends the Complete frame.
func (e *Emitter) Complete(ctx context.Context, cc *ctxstore.Context, id string, payload map[string]any, notifyClient bool) error {
	if e.hooks.OnComplete != nil {
		if err := e.hooks.OnComplete(ctx, cc, id, payload, notifyClient); err != nil {
			return err
		}
	}
	if !notifyClient {
		return nil
	}
	return e.sender.Send(ctx, wire.Complete(id))
}
