package ctxstore

import (
	"context"
	"testing"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/pubsubkey"
)

// fakeHashStore is an in-memory HashStore: a map-backed stand-in plus a
// call log, used instead of a live Redis in unit tests.
type fakeHashStore struct {
	data      map[string]map[string]string
	hsetCalls int
	hdelCalls int
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
	f.hsetCalls++
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
	f.hdelCalls++
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

func TestLoadDefaultsWhenAbsent(t *testing.T) {
	store := NewStore(newFakeHashStore(), pubsubkey.New("pubsub"), nil)
	c, err := store.Load(context.Background(), "A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Init() || c.Ack() {
		t.Fatalf("expected fresh context to be uninitialized and unacknowledged")
	}
	if !pubsubkey.IsUndefined(c.ConnectionParams()) {
		t.Fatalf("expected default connectionParams to be undefined, got %#v", c.ConnectionParams())
	}
	if len(c.Extra()) != 0 {
		t.Fatalf("expected default extra to be empty, got %#v", c.Extra())
	}
}

func TestLoadMemoizesWithinInvocation(t *testing.T) {
	hash := newFakeHashStore()
	store := NewStore(hash, pubsubkey.New("pubsub"), nil)

	c1, _ := store.Load(context.Background(), "A")
	c1.SetAck(true)
	c2, _ := store.Load(context.Background(), "A")

	if c1 != c2 {
		t.Fatalf("expected Load to return the same in-memory Context within an invocation")
	}
	if !c2.Ack() {
		t.Fatalf("expected mutation on c1 to be visible through c2")
	}
}

// setting to the current value emits nothing; setting to a new value
// emits exactly one change; deletion emits one del change.
func TestChangeDetection(t *testing.T) {
	c := newDefault("A")

	c.SetAck(false) // already false: no-op
	if len(c.pendingChanges()) != 0 {
		t.Fatalf("expected no changes when setting to the current value, got %v", c.pendingChanges())
	}

	c.SetAck(true)
	changes := c.pendingChanges()
	if len(changes) != 1 || changes[0].Op != OpSet || changes[0].Path != "acknowledged" {
		t.Fatalf("expected exactly one set change for acknowledged, got %v", changes)
	}

	c.drainChanges()
	c.Delete("acknowledged")
	changes = c.pendingChanges()
	if len(changes) != 1 || changes[0].Op != OpDelete || changes[0].Path != "acknowledged" {
		t.Fatalf("expected exactly one del change, got %v", changes)
	}
}

// assigning a nested object emits one change per leaf, each path
// prefixed by the assignment path.
func TestDeepAssignment(t *testing.T) {
	c := newDefault("A")
	c.SetConnectionParams(map[string]any{
		"token": "t",
		"headers": map[string]any{
			"authorization": "Bearer x",
		},
	})

	changes := c.pendingChanges()
	if len(changes) != 2 {
		t.Fatalf("expected 2 leaf changes, got %d: %v", len(changes), changes)
	}
	byPath := map[string]any{}
	for _, ch := range changes {
		if ch.Op != OpSet {
			t.Fatalf("expected only set ops, got %v", ch)
		}
		byPath[ch.Path] = ch.Value
	}
	if byPath["connectionParams.token"] != "t" {
		t.Fatalf("expected connectionParams.token=t, got %v", byPath)
	}
	if byPath["connectionParams.headers.authorization"] != "Bearer x" {
		t.Fatalf("expected nested leaf path, got %v", byPath)
	}

	// The in-memory tree must reflect the full nested structure immediately.
	params := c.ConnectionParams().(map[string]any)
	if params["token"] != "t" {
		t.Fatalf("expected in-memory tree to be updated synchronously, got %#v", params)
	}
}

func TestFlushBatchesContiguousOpsAndOrdersWrites(t *testing.T) {
	hash := newFakeHashStore()
	store := NewStore(hash, pubsubkey.New("pubsub"), nil)

	c, _ := store.Load(context.Background(), "A")
	c.SetInit(true)
	c.SetAck(true)
	c.Delete("connectionParams")
	c.SetExtra(map[string]any{"count": 1.0})

	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}

	if hash.hsetCalls != 2 {
		t.Fatalf("expected 2 HSet calls (init+ack batched, then extra), got %d", hash.hsetCalls)
	}
	if hash.hdelCalls != 1 {
		t.Fatalf("expected 1 HDel call, got %d", hash.hdelCalls)
	}
}

// codec round trip across the four top-level fields, excluding
// "subscriptions".
func TestCompressDecompressRoundTrip(t *testing.T) {
	c := newDefault("conn")
	c.SetInit(true)
	c.SetAck(false)
	c.SetConnectionParams(map[string]any{
		"headers": map[string]any{"authorization": "Bearer x"},
	})
	c.SetExtra(map[string]any{
		"count": 42.0,
		"tags":  []any{"admin", "user"},
		"note":  nil,
	})

	encoded := compress(c)
	decoded := decompress("conn", encoded)

	if decoded.Init() != true || decoded.Ack() != false {
		t.Fatalf("expected init=true ack=false, got init=%v ack=%v", decoded.Init(), decoded.Ack())
	}
	params := decoded.ConnectionParams().(map[string]any)
	headers := params["headers"].(map[string]any)
	if headers["authorization"] != "Bearer x" {
		t.Fatalf("expected nested connectionParams to round trip, got %#v", params)
	}
	extra := decoded.Extra()
	if extra["count"] != 42.0 {
		t.Fatalf("expected numeric leaf to remain a number, got %#v (%T)", extra["count"], extra["count"])
	}
	tags, ok := extra["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "admin" || tags[1] != "user" {
		t.Fatalf("expected tags array to round trip, got %#v", extra["tags"])
	}
	if note, ok := extra["note"]; !ok || note != nil {
		t.Fatalf("expected note to round trip as nil, got %#v", note)
	}
}
