package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	gql "github.com/graphql-go/graphql"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/ctxstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/gqlschema"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/pubsubkey"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/registry"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/subscriptionstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/wire"
)

type fakeGateway struct {
	mu     sync.Mutex
	posted map[string][][]byte
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{posted: make(map[string][][]byte)}
}

func (f *fakeGateway) PostToConnection(ctx context.Context, connectionID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted[connectionID] = append(f.posted[connectionID], append([]byte(nil), data...))
	return nil
}

func (f *fakeGateway) DeleteConnection(ctx context.Context, connectionID string) error { return nil }

func (f *fakeGateway) last(connectionID string) map[string]any {
	frames := f.posted[connectionID]
	if len(frames) == 0 {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(frames[len(frames)-1], &out)
	return out
}

type fakeHashStore struct {
	data map[string]map[string]string
}

func newFakeHashStore() *fakeHashStore {
	return &fakeHashStore{data: make(map[string]map[string]string)}
}

func (f *fakeHashStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	for k, v := range f.data[key] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeHashStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	h, ok := f.data[key]
	if !ok {
		h = make(map[string]string)
		f.data[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (f *fakeHashStore) HDel(ctx context.Context, key string, fields ...string) error {
	h, ok := f.data[key]
	if !ok {
		return nil
	}
	for _, field := range fields {
		delete(h, field)
	}
	return nil
}

func (f *fakeHashStore) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

type fakeRegistryStore struct {
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
	f.add(connKey, subKey)
	for _, topicKey := range topicKeys {
		f.add(topicKey, tuple)
		f.add(subKey, topicKey)
	}
	return nil
}

func (f *fakeRegistryStore) UnregisterTuple(ctx context.Context, connKey, subKey, tuple string) ([]string, error) {
	topics := f.members(subKey)
	for _, topicKey := range topics {
		f.remove(topicKey, tuple)
	}
	f.remove(connKey, subKey)
	delete(f.sets, subKey)
	return topics, nil
}

func (f *fakeRegistryStore) DisconnectConn(ctx context.Context, connKey string) ([]string, error) {
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
	return f.members(key), nil
}

func (f *fakeRegistryStore) Exists(ctx context.Context, key string) (bool, error) {
	s, ok := f.sets[key]
	return ok && len(s) > 0, nil
}

type fakeStringStore struct {
	data map[string]string
}

func newFakeStringStore() *fakeStringStore {
	return &fakeStringStore{data: make(map[string]string)}
}

func (f *fakeStringStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeStringStore) Set(ctx context.Context, key, value string) error {
	f.data[key] = value
	return nil
}

func (f *fakeStringStore) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func testSchema(t *testing.T) *gql.Schema {
	t.Helper()
	queryType := gql.NewObject(gql.ObjectConfig{
		Name: "Query",
		Fields: gql.Fields{
			"ping": &gql.Field{Type: gql.String, Resolve: func(p gql.ResolveParams) (any, error) { return "pong", nil }},
		},
	})
	subscriptionType := gql.NewObject(gql.ObjectConfig{
		Name: "Subscription",
		Fields: gql.Fields{
			"messaged": &gql.Field{
				Type: gql.String,
				Resolve: func(p gql.ResolveParams) (any, error) {
					return &gqlschema.RegistrableChannel{
						Topics: []string{"messaged_broadcast"},
						Register: func(ctx context.Context, connectionID, subscriptionID string) error {
							return nil
						},
					}, nil
				},
			},
		},
	})
	schema, err := gql.NewSchema(gql.SchemaConfig{Query: queryType, Subscription: subscriptionType})
	if err != nil {
		t.Fatalf("unexpected schema build error: %v", err)
	}
	return &schema
}

type testHarness struct {
	machine *Machine
	gw      *fakeGateway
	reg     *registry.Registry
}

func newTestHarness(t *testing.T) *testHarness {
	keys := pubsubkey.New("pubsub")
	ctxStore := ctxstore.NewStore(newFakeHashStore(), keys, nil)
	reg := registry.New(newFakeRegistryStore(), keys, nil)
	subs := subscriptionstore.New(newFakeStringStore(), keys)
	gw := newFakeGateway()
	schema := testSchema(t)

	opts := Options{Schema: gqlschema.Static(schema)}
	return &testHarness{machine: New(ctxStore, reg, subs, gw, opts, nil), gw: gw, reg: reg}
}

func sendMessage(t *testing.T, h *testHarness, connectionID string, msg map[string]any) error {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return h.machine.OnMessage(context.Background(), connectionID, body)
}

// single subscription round-trip.
func TestSingleSubscriptionRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	res, err := h.machine.OnConnect(ctx, "A", []string{wire.Subprotocol})
	if err != nil || res.StatusCode != 200 {
		t.Fatalf("expected CONNECT to succeed, got %+v err=%v", res, err)
	}

	if err := sendMessage(t, h, "A", map[string]any{"type": "connection_init", "payload": map[string]any{"token": "t"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ack := h.gw.last("A")
	if ack["type"] != "connection_ack" {
		t.Fatalf("expected connection_ack, got %v", ack)
	}

	if err := sendMessage(t, h, "A", map[string]any{
		"id": "s1", "type": "subscribe",
		"payload": map[string]any{"query": "subscription{messaged}"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	channels, err := h.reg.GetChannels(ctx, "messaged_broadcast")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(channels) != 1 || channels[0] != (registry.Channel{ConnectionID: "A", SubscriptionID: "s1"}) {
		t.Fatalf("expected registry to contain conn:A#sub:s1, got %v", channels)
	}
}

// unauthorized subscribe before ConnectionInit closes with 4401.
func TestUnauthorizedSubscribeBeforeInit(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	if _, err := h.machine.OnConnect(ctx, "B", []string{wire.Subprotocol}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := sendMessage(t, h, "B", map[string]any{
		"id": "s1", "type": "subscribe", "payload": map[string]any{"query": "subscription{messaged}"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	closeFrame := h.gw.last("B")
	if closeFrame["type"] != "close" || int(closeFrame["code"].(float64)) != wire.CloseUnauthorized {
		t.Fatalf("expected close 4401, got %v", closeFrame)
	}
}

// duplicate ConnectionInit closes the second with 4429.
func TestDuplicateConnectionInit(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	if _, err := h.machine.OnConnect(ctx, "C", []string{wire.Subprotocol}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sendMessage(t, h, "C", map[string]any{"type": "connection_init"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sendMessage(t, h, "C", map[string]any{"type": "connection_init"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	closeFrame := h.gw.last("C")
	if closeFrame["type"] != "close" || int(closeFrame["code"].(float64)) != wire.CloseTooManyInitialisationReqs {
		t.Fatalf("expected close 4429, got %v", closeFrame)
	}
}

// disconnect cleanup removes all registrations for the connection.
func TestDisconnectCleanup(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	if _, err := h.machine.OnConnect(ctx, "D", []string{wire.Subprotocol}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sendMessage(t, h, "D", map[string]any{"type": "connection_init"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sendMessage(t, h, "D", map[string]any{
		"id": "s1", "type": "subscribe", "payload": map[string]any{"query": "subscription{messaged}"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := h.machine.OnDisconnect(ctx, "D", 0, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	channels, _ := h.reg.GetChannels(ctx, "messaged_broadcast")
	if len(channels) != 0 {
		t.Fatalf("expected no channels after disconnect, got %v", channels)
	}
	registered, _ := h.reg.IsRegistered(ctx, "s1")
	if registered {
		t.Fatalf("expected s1 to no longer be registered after disconnect")
	}
}
