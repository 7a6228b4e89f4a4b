// Package schemawatch hot-reloads the GraphQL schema from a single SDL
// file using a debounced fsnotify watch, swapping the compiled
// *graphql.Schema in atomically once a rebuild succeeds.
package schemawatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	gql "github.com/graphql-go/graphql"
	"go.uber.org/zap"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/gqlschema"
)

// BuildFunc compiles the schema file at path into a GraphQL schema. The
// actual SDL-to-schema wiring (resolvers, subscription registration)
// lives with the caller; schemawatch only knows how to re-invoke it.
type BuildFunc func(path string) (*gql.Schema, error)

// Watcher holds the most recently built schema and rebuilds it whenever
// its source file changes on disk.
type Watcher struct {
	path    string
	build   BuildFunc
	watcher *fsnotify.Watcher
	current atomic.Pointer[gql.Schema]
	log     *zap.Logger
}

// New builds path's schema once and returns a Watcher ready to Start.
func New(path string, build BuildFunc, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("schemawatch: creating file watcher: %w", err)
	}
	w := &Watcher{path: path, build: build, watcher: fsw, log: log}

	schema, err := build(path)
	if err != nil {
		return nil, fmt.Errorf("schemawatch: initial schema build: %w", err)
	}
	w.current.Store(schema)
	return w, nil
}

// Provider exposes the live schema as a gqlschema.Provider, resolving to
// whatever was most recently built successfully.
func (w *Watcher) Provider() gqlschema.Provider {
	return func(ctx context.Context) (*gql.Schema, error) {
		return w.current.Load(), nil
	}
}

// Start watches path's parent directory and rebuilds on write/create/
// rename events targeting path itself. Directory-level watching (rather
// than watching the file directly) survives editors that replace a file
// via rename-into-place, which drops fsnotify's watch on the original
// inode if the file itself were watched directly.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("schemawatch: watching %s: %w", dir, err)
	}
	go w.watch()
	w.log.Info("schemawatch: watching schema file for changes", zap.String("path", w.path))
	return nil
}

func (w *Watcher) watch() {
	var debounceTimer *time.Timer
	const debounceDuration = 100 * time.Millisecond
	target := filepath.Clean(w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDuration, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("schemawatch: watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	schema, err := w.build(w.path)
	if err != nil {
		w.log.Error("schemawatch: failed to rebuild schema, keeping previous version", zap.Error(err))
		return
	}
	w.current.Store(schema)
	w.log.Info("schemawatch: schema reloaded", zap.String("path", w.path))
}

// Close stops the underlying file watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
