// Package subscriptionstore persists the verbatim JSON subscribe
// payload for each subscription id as a single
// "graphql:subscription:{sid}" string record.
package subscriptionstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/pubsubkey"
)

// ErrNotFound is returned when a subscription has no stored payload,
// which the protocol machine treats as a fatal protocol error on
// Complete.
var ErrNotFound = errors.New("subscriptionstore: no stored payload for subscription")

// StringStore is the narrow Redis string capability this package needs.
type StringStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
}

// Store persists subscribe payload records keyed by subscription id.
type Store struct {
	strings StringStore
	keys    pubsubkey.Keys
}

// New constructs a Store.
func New(strings StringStore, keys pubsubkey.Keys) *Store {
	return &Store{strings: strings, keys: keys}
}

// Save stores payload (the client's raw Subscribe message payload)
// verbatim as JSON under subscriptionID's record.
func (s *Store) Save(ctx context.Context, subscriptionID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.strings.Set(ctx, s.keys.SubscriptionPayloadKey(subscriptionID), string(raw))
}

// Load retrieves and unmarshals subscriptionID's stored payload.
// Returns ErrNotFound if no record exists.
func (s *Store) Load(ctx context.Context, subscriptionID string) (map[string]any, error) {
	raw, err := s.LoadRaw(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// LoadRaw retrieves subscriptionID's stored payload as the verbatim
// JSON string, for callers that only need to peek a field (e.g. via
// gjson) rather than pay for a full struct decode. Returns ErrNotFound
// if no record exists.
func (s *Store) LoadRaw(ctx context.Context, subscriptionID string) (string, error) {
	raw, ok, err := s.strings.Get(ctx, s.keys.SubscriptionPayloadKey(subscriptionID))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return raw, nil
}

// Delete removes subscriptionID's stored payload, if any.
func (s *Store) Delete(ctx context.Context, subscriptionID string) error {
	return s.strings.Del(ctx, s.keys.SubscriptionPayloadKey(subscriptionID))
}
