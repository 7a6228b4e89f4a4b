package subscriptionstore

import (
	"context"
	"testing"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/pubsubkey"
)

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

func TestSaveLoadRoundTrip(t *testing.T) {
	store := New(newFakeStringStore(), pubsubkey.New("pubsub"))
	ctx := context.Background()

	payload := map[string]any{"query": "subscription{messaged}", "variables": map[string]any{"x": 1.0}}
	if err := store.Save(ctx, "s1", payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded["query"] != payload["query"] {
		t.Fatalf("expected query to round trip, got %#v", loaded)
	}
}

func TestLoadMissingReturnsErrNotFound(t *testing.T) {
	store := New(newFakeStringStore(), pubsubkey.New("pubsub"))
	if _, err := store.Load(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	store := New(newFakeStringStore(), pubsubkey.New("pubsub"))
	ctx := context.Background()
	_ = store.Save(ctx, "s1", map[string]any{"query": "q"})
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Load(ctx, "s1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
