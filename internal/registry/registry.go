// Package registry maintains the topic↔subscription↔connection
// triple-index that fan-out and subscribe/unsubscribe operate on,
// keeping every side in sync via atomic scripted transactions.
package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/observability"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/pubsubkey"
)

// Store is the narrow slice of Redis operations the registry needs. It
// is satisfied by redisstore.Client and by the in-memory fake used in
// tests.
type Store interface {
	RegisterTuple(ctx context.Context, connKey, subKey, tuple string, topicKeys []string) error
	UnregisterTuple(ctx context.Context, connKey, subKey, tuple string) ([]string, error)
	DisconnectConn(ctx context.Context, connKey string) ([]string, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Registry maintains the many-to-many mapping between topics,
// subscriptions, and connections.
type Registry struct {
	store Store
	keys  pubsubkey.Keys
	log   *zap.Logger
}

// New constructs a Registry.
func New(store Store, keys pubsubkey.Keys, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{store: store, keys: keys, log: log}
}

// Channel is one (connectionID, subscriptionID) delivery address.
type Channel struct {
	ConnectionID   string
	SubscriptionID string
}

// Register adds (connectionID, subscriptionID) as a subscriber of every
// topic in topics, atomically. Idempotent: registering the same triple
// twice yields exactly one tuple per topic, since SADD is naturally
// set-idempotent.
func (r *Registry) Register(ctx context.Context, connectionID, subscriptionID string, topics []string) error {
	connKey := r.keys.ConnKey(connectionID)
	subKey := r.keys.SubKey(subscriptionID)
	tuple := pubsubkey.EncodeTuple(connKey, subKey)

	topicKeys := make([]string, len(topics))
	for i, t := range topics {
		topicKeys[i] = r.keys.TopicKey(t)
	}

	if err := r.store.RegisterTuple(ctx, connKey, subKey, tuple, topicKeys); err != nil {
		return err
	}
	observability.RecordSubscriptionDelta(1)
	r.log.Debug("registry: registered subscription",
		zap.String("connectionId", connectionID),
		zap.String("subscriptionId", subscriptionID),
		zap.Strings("topics", topics))
	return nil
}

// Unregister removes (connectionID, subscriptionID) from every topic it
// referenced, and deletes the subscription record, atomically.
func (r *Registry) Unregister(ctx context.Context, connectionID, subscriptionID string) error {
	connKey := r.keys.ConnKey(connectionID)
	subKey := r.keys.SubKey(subscriptionID)
	tuple := pubsubkey.EncodeTuple(connKey, subKey)

	if _, err := r.store.UnregisterTuple(ctx, connKey, subKey, tuple); err != nil {
		return err
	}
	observability.RecordSubscriptionDelta(-1)
	r.log.Debug("registry: unregistered subscription",
		zap.String("connectionId", connectionID),
		zap.String("subscriptionId", subscriptionID))
	return nil
}

// Disconnect removes every tuple, subscription record, and the
// connection's owned-set for connectionID, atomically. It returns the
// subscription ids that were cleaned up, so the caller can invoke
// onComplete for each.
func (r *Registry) Disconnect(ctx context.Context, connectionID string) ([]string, error) {
	connKey := r.keys.ConnKey(connectionID)
	subKeys, err := r.store.DisconnectConn(ctx, connKey)
	if err != nil {
		return nil, err
	}
	subscriptionIDs := make([]string, 0, len(subKeys))
	for _, sk := range subKeys {
		subscriptionIDs = append(subscriptionIDs, pubsubkey.IDFromSubKey(sk))
	}
	if len(subscriptionIDs) > 0 {
		observability.RecordSubscriptionDelta(-len(subscriptionIDs))
	}
	r.log.Debug("registry: disconnected",
		zap.String("connectionId", connectionID),
		zap.Strings("subscriptionIds", subscriptionIDs))
	return subscriptionIDs, nil
}

// GetChannels resolves every subscriber of topic. Malformed members are
// silently dropped. Callers must tolerate concurrent mutation; no lock
// is taken.
func (r *Registry) GetChannels(ctx context.Context, topic string) ([]Channel, error) {
	members, err := r.store.SMembers(ctx, r.keys.TopicKey(topic))
	if err != nil {
		return nil, err
	}
	channels := make([]Channel, 0, len(members))
	for _, tuple := range members {
		connectionID, subscriptionID, ok := pubsubkey.DecodeTuple(tuple)
		if !ok {
			r.log.Warn("registry: dropping malformed channel tuple", zap.String("topic", topic), zap.String("tuple", tuple))
			continue
		}
		channels = append(channels, Channel{ConnectionID: connectionID, SubscriptionID: subscriptionID})
	}
	return channels, nil
}

// GetRegisteredTopics returns the topics subscriptionID references.
func (r *Registry) GetRegisteredTopics(ctx context.Context, subscriptionID string) ([]string, error) {
	members, err := r.store.SMembers(ctx, r.keys.SubKey(subscriptionID))
	if err != nil {
		return nil, err
	}
	topics := make([]string, len(members))
	for i, topicKey := range members {
		topics[i] = pubsubkey.IDFromTopicKey(topicKey)
	}
	return topics, nil
}

// GetConnectionSubscriptions returns the subscription ids owned by
// connectionID.
func (r *Registry) GetConnectionSubscriptions(ctx context.Context, connectionID string) ([]string, error) {
	members, err := r.store.SMembers(ctx, r.keys.ConnKey(connectionID))
	if err != nil {
		return nil, err
	}
	subscriptionIDs := make([]string, len(members))
	for i, subKey := range members {
		subscriptionIDs[i] = pubsubkey.IDFromSubKey(subKey)
	}
	return subscriptionIDs, nil
}

// IsRegistered reports whether subscriptionID currently has a
// subscription record.
func (r *Registry) IsRegistered(ctx context.Context, subscriptionID string) (bool, error) {
	return r.store.Exists(ctx, r.keys.SubKey(subscriptionID))
}
