package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/gateway"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/pubsubkey"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/registry"
)

type fakeRegistryStore struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

func newFakeRegistryStore() *fakeRegistryStore {
	return &fakeRegistryStore{sets: make(map[string]map[string]struct{})}
}

func (f *fakeRegistryStore) add(key, member string) {
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	s[member] = struct{}{}
}

func (f *fakeRegistryStore) remove(key, member string) {
	if s, ok := f.sets[key]; ok {
		delete(s, member)
	}
}

func (f *fakeRegistryStore) members(key string) []string {
	s := f.sets[key]
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	return out
}

func (f *fakeRegistryStore) RegisterTuple(ctx context.Context, connKey, subKey, tuple string, topicKeys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.add(connKey, subKey)
	for _, topicKey := range topicKeys {
		f.add(topicKey, tuple)
		f.add(subKey, topicKey)
	}
	return nil
}

func (f *fakeRegistryStore) UnregisterTuple(ctx context.Context, connKey, subKey, tuple string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	topics := f.members(subKey)
	for _, topicKey := range topics {
		f.remove(topicKey, tuple)
	}
	f.remove(connKey, subKey)
	delete(f.sets, subKey)
	return topics, nil
}

func (f *fakeRegistryStore) DisconnectConn(ctx context.Context, connKey string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.members(connKey)
	for _, subKey := range subs {
		tuple := connKey + "#" + subKey
		topics := f.members(subKey)
		for _, topicKey := range topics {
			f.remove(topicKey, tuple)
		}
		delete(f.sets, subKey)
	}
	delete(f.sets, connKey)
	return subs, nil
}

func (f *fakeRegistryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members(key), nil
}

func (f *fakeRegistryStore) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	return ok && len(s) > 0, nil
}

type fakeGateway struct {
	mu      sync.Mutex
	posted  map[string][][]byte
	goneFor map[string]bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{posted: make(map[string][][]byte), goneFor: make(map[string]bool)}
}

func (f *fakeGateway) PostToConnection(ctx context.Context, connectionID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.goneFor[connectionID] {
		return gateway.ErrGone
	}
	f.posted[connectionID] = append(f.posted[connectionID], append([]byte(nil), data...))
	return nil
}

func (f *fakeGateway) DeleteConnection(ctx context.Context, connectionID string) error {
	return nil
}

func newTestSetup() (*Publisher, *registry.Registry, *fakeGateway) {
	store := newFakeRegistryStore()
	reg := registry.New(store, pubsubkey.New("pubsub"), nil)
	gw := newFakeGateway()
	pub := New(reg, gw, nil)
	return pub, reg, gw
}

// after two subscribes to the same topic, publish sends exactly one
// frame to each connection, each with the right id.
func TestPublishCorrectness(t *testing.T) {
	ctx := context.Background()
	pub, reg, gw := newTestSetup()

	mustRegister(t, reg, "c1", "s1", "t")
	mustRegister(t, reg, "c2", "s2", "t")

	if err := pub.Publish(ctx, "t", "payload"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertSingleNext(t, gw, "c1", "s1")
	assertSingleNext(t, gw, "c2", "s2")
}

// a gone connection observed during publish is left fully
// disconnected afterward.
func TestPublishGoneCleanup(t *testing.T) {
	ctx := context.Background()
	pub, reg, gw := newTestSetup()

	mustRegister(t, reg, "e", "s1", "t")
	gw.goneFor["e"] = true

	if err := pub.Publish(ctx, "t", "payload"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	channels, err := reg.GetChannels(ctx, "t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(channels) != 0 {
		t.Fatalf("expected gone connection to be fully cleaned up, got %v", channels)
	}
	registered, _ := reg.IsRegistered(ctx, "s1")
	if registered {
		t.Fatalf("expected s1 to no longer be registered after gone cleanup")
	}
}

func TestPublishNoSubscribersIsNoop(t *testing.T) {
	pub, _, gw := newTestSetup()
	if err := pub.Publish(context.Background(), "empty-topic", "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gw.posted) != 0 {
		t.Fatalf("expected no sends for a topic with no subscribers")
	}
}

func mustRegister(t *testing.T, reg *registry.Registry, connectionID, subscriptionID, topic string) {
	t.Helper()
	if err := reg.Register(context.Background(), connectionID, subscriptionID, []string{topic}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertSingleNext(t *testing.T, gw *fakeGateway, connectionID, subscriptionID string) {
	t.Helper()
	frames := gw.posted[connectionID]
	if len(frames) != 1 {
		t.Fatalf("expected exactly one send to %s, got %d", connectionID, len(frames))
	}
	var decoded struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frames[0], &decoded); err != nil {
		t.Fatalf("expected valid JSON frame: %v", err)
	}
	if decoded.Type != "next" || decoded.ID != subscriptionID {
		t.Fatalf("expected next frame with id=%s, got %+v", subscriptionID, decoded)
	}
}
