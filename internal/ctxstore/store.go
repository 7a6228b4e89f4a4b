package ctxstore

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/pubsubkey"
)

var errFlushFailed = errors.New("ctxstore: one or more batched writes failed, retrying on next flush")

// HashStore is the narrow slice of Redis hash/key operations the context
// store needs. It is satisfied by redisstore.Client (backed by
// *redis.Client) and by fakeHashStore in tests.
type HashStore interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error
	Del(ctx context.Context, keys ...string) error
}

// Store loads, builds, and batch-persists per-connection Context records.
type Store struct {
	hash   HashStore
	keys   pubsubkey.Keys
	log    *zap.Logger
	mu     sync.Mutex
	cached map[string]*Context // memoizes Load within one invocation
}

// NewStore constructs a Store over hash using the given key layout.
func NewStore(hash HashStore, keys pubsubkey.Keys, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		hash:   hash,
		keys:   keys,
		log:    log,
		cached: make(map[string]*Context),
	}
}

// Load reads the context hash for connectionID, returning the default
// context if absent. The first call within an invocation is memoized.
// Concurrent first calls for the same connectionID each issue their own
// read; the first result stored wins and every caller receives it.
func (s *Store) Load(ctx context.Context, connectionID string) (*Context, error) {
	s.mu.Lock()
	if cached, ok := s.cached[connectionID]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	flat, err := s.hash.HGetAll(ctx, s.keys.ContextKey(connectionID))
	if err != nil {
		return nil, err
	}

	var loaded *Context
	if len(flat) == 0 {
		loaded = newDefault(connectionID)
	} else {
		loaded = decompress(connectionID, flat)
	}

	s.mu.Lock()
	if cached, ok := s.cached[connectionID]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.cached[connectionID] = loaded
	s.mu.Unlock()
	return loaded, nil
}

// Create writes a fresh context in one round-trip, replacing any prior
// record, and memoizes it for the rest of the invocation.
func (s *Store) Create(ctx context.Context, connectionID string, initial *Context) error {
	key := s.keys.ContextKey(connectionID)
	if err := s.hash.Del(ctx, key); err != nil {
		return err
	}
	encoded := compress(initial)
	if len(encoded) > 0 {
		if err := s.hash.HSet(ctx, key, encoded); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.cached[connectionID] = initial
	s.mu.Unlock()
	return nil
}

// Flush drains and persists every loaded context's pending changes,
// grouping contiguous same-op runs into one hash-set or hash-delete
// call, preserving issue order within each group. It is idempotent:
// calling it again with nothing pending is a no-op.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	targets := make([]*Context, 0, len(s.cached))
	for _, c := range s.cached {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	var firstErr error
	for _, c := range targets {
		if err := s.flushOne(ctx, c); err != nil {
			s.log.Error("ctxstore: flush failed, will retry on next flush",
				zap.String("connectionId", c.ConnectionID()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Store) flushOne(ctx context.Context, c *Context) error {
	changes := c.drainChanges()
	if len(changes) == 0 {
		return nil
	}
	key := s.keys.ContextKey(c.ConnectionID())

	var failed []Change
	i := 0
	for i < len(changes) {
		op := changes[i].Op
		j := i
		switch op {
		case OpSet:
			fields := make(map[string]string)
			for j < len(changes) && changes[j].Op == OpSet {
				fields[changes[j].Path] = pubsubkey.EncodeValue(changes[j].Value)
				j++
			}
			if err := s.hash.HSet(ctx, key, fields); err != nil {
				failed = append(failed, changes[i:j]...)
			}
		case OpDelete:
			paths := make([]string, 0, j-i)
			for j < len(changes) && changes[j].Op == OpDelete {
				paths = append(paths, changes[j].Path)
				j++
			}
			if err := s.hash.HDel(ctx, key, paths...); err != nil {
				failed = append(failed, changes[i:j]...)
			}
		default:
			j++
		}
		i = j
	}

	if len(failed) > 0 {
		c.changes = append(failed, c.changes...)
		return errFlushFailed
	}
	return nil
}

func compress(c *Context) map[string]string {
	flat := pubsubkey.Flatten("", c.tree)
	encoded := make(map[string]string, len(flat))
	for path, v := range flat {
		if path == "" {
			continue
		}
		encoded[path] = pubsubkey.EncodeValue(v)
	}
	return encoded
}

func decompress(connectionID string, flat map[string]string) *Context {
	c := newDefault(connectionID)
	for path, raw := range flat {
		segments := pubsubkey.SplitPath(path)
		if len(segments) == 0 {
			continue
		}
		// "subscriptions" is not persisted through this store; any
		// stray entry under that key is ignored on rebuild.
		if segments[0] == "subscriptions" {
			continue
		}
		value := pubsubkey.DecodeValue(raw)
		pubsubkey.Navigate(c.tree, path)(value)
	}
	return c
}
