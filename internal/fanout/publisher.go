// Package fanout resolves a topic's subscribers and pushes a framed
// message to each, recovering from gone connections.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/gateway"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/observability"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/registry"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/wire"
)

// Mode selects how a publish's payload is turned into a per-channel
// execution result.
type Mode int

const (
	// RawForwarding wraps payload as {data: payload} verbatim.
	RawForwarding Mode = iota
	// SchemaAware re-executes the subscription's GraphQL operation with
	// rootValue = payload, letting resolvers shape per-subscription data.
	SchemaAware
)

// SchemaExecutor re-runs a subscription's stored operation for one
// publish event. Implemented by internal/gqlschema.Executor.
type SchemaExecutor interface {
	ExecuteSubscriptionEvent(ctx context.Context, subscriptionID string, rootValue any) (wire.ExecutionResult, error)
}

// Registry is the subset of registry.Registry the publisher needs.
type Registry interface {
	GetChannels(ctx context.Context, topic string) ([]registry.Channel, error)
	Disconnect(ctx context.Context, connectionID string) ([]string, error)
}

// Publisher resolves a topic's subscribers and delivers a framed
// message to each, in parallel, tolerating gone connections.
type Publisher struct {
	reg      Registry
	gw       gateway.Client
	mode     Mode
	executor SchemaExecutor
	log      *zap.Logger
}

// Option configures a Publisher at construction.
type Option func(*Publisher)

// WithSchemaAware switches the publisher to schema-aware framing,
// re-executing each subscriber's stored operation via executor.
func WithSchemaAware(executor SchemaExecutor) Option {
	return func(p *Publisher) {
		p.mode = SchemaAware
		p.executor = executor
	}
}

// New constructs a Publisher in raw-forwarding mode unless an Option
// switches it to schema-aware.
func New(reg Registry, gw gateway.Client, log *zap.Logger, opts ...Option) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{reg: reg, gw: gw, mode: RawForwarding, log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish resolves topic's subscribers and pushes a next-framed message
// to each, in parallel. Per-delivery failures never fail the publish;
// a gone connection (HTTP 410) triggers disconnect cleanup for that
// connection, with errors swallowed.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) error {
	started := time.Now()
	defer func() { observability.RecordFanoutDuration(time.Since(started).Seconds()) }()

	channels, err := p.reg.GetChannels(ctx, topic)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	goneOnce := make(map[string]*sync.Once, len(channels))
	var mu sync.Mutex

	for _, channel := range channels {
		channel := channel
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := p.resultFor(ctx, topic, channel.SubscriptionID, payload)
			if err != nil {
				p.log.Error("fanout: failed to build execution result",
					zap.String("topic", topic), zap.String("subscriptionId", channel.SubscriptionID), zap.Error(err))
				return
			}
			p.deliver(ctx, channel, result, &mu, goneOnce)
		}()
	}
	wg.Wait()
	return nil
}

func (p *Publisher) resultFor(ctx context.Context, topic, subscriptionID string, payload any) (wire.ExecutionResult, error) {
	if p.mode == RawForwarding || p.executor == nil {
		return wire.ExecutionResult{Data: payload}, nil
	}
	return p.executor.ExecuteSubscriptionEvent(ctx, subscriptionID, payload)
}

func (p *Publisher) deliver(ctx context.Context, channel registry.Channel, result wire.ExecutionResult, mu *sync.Mutex, goneOnce map[string]*sync.Once) {
	frame := wire.Next(channel.SubscriptionID, result)
	body, err := json.Marshal(frame)
	if err != nil {
		p.log.Error("fanout: failed to marshal next frame", zap.Error(err))
		return
	}

	if err := p.gw.PostToConnection(ctx, channel.ConnectionID, body); err != nil {
		if gateway.IsGone(err) {
			observability.RecordFanoutDispatch("gone")
			p.disconnectOnce(ctx, channel.ConnectionID, mu, goneOnce)
			return
		}
		observability.RecordFanoutDispatch("error")
		p.log.Warn("fanout: send failed, continuing with remaining channels",
			zap.String("connectionId", channel.ConnectionID), zap.String("subscriptionId", channel.SubscriptionID), zap.Error(err))
		return
	}
	observability.RecordFanoutDispatch("delivered")
}

// disconnectOnce ensures a single disconnect call per connection even
// when multiple channel tuples for the same connection all observe
// gone during the same publish.
func (p *Publisher) disconnectOnce(ctx context.Context, connectionID string, mu *sync.Mutex, goneOnce map[string]*sync.Once) {
	mu.Lock()
	once, ok := goneOnce[connectionID]
	if !ok {
		once = &sync.Once{}
		goneOnce[connectionID] = once
	}
	mu.Unlock()

	once.Do(func() {
		if _, err := p.reg.Disconnect(ctx, connectionID); err != nil {
			p.log.Warn("fanout: disconnect cleanup for gone connection failed",
				zap.String("connectionId", connectionID), zap.Error(err))
		}
	})
}
