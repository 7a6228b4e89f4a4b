// Package ctxstore implements the per-connection protocol context
// store: loading, change-tracked mutation, and batched persistence of
// the flattened {connectionInitReceived, acknowledged, connectionParams,
// extra} record.
package ctxstore

import (
	"errors"
	"reflect"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/pubsubkey"
)

var errNotNumeric = errors.New("ctxstore: path segment is not numeric")

// Op identifies a queued mutation kind.
type Op string

const (
	OpSet    Op = "set"
	OpDelete Op = "del"
)

// Change is one entry in the change-tracking queue: (op, dotted-path,
// new-value). Go has no property-interception hook to build an implicit
// proxy on, so Context exposes an explicit mutator API (Set/Delete)
// instead.
type Change struct {
	Op    Op
	Path  string
	Value any
}

const (
	fieldInit   = "connectionInitReceived"
	fieldAck    = "acknowledged"
	fieldParams = "connectionParams"
	fieldExtra  = "extra"
)

// Context is the mutable, change-tracked view of one connection's
// protocol state. It is never shared across invocations; each
// invocation gets a fresh Context from Store.Load or Store.Create.
type Context struct {
	connectionID string
	tree         map[string]any
	changes      []Change
}

// newDefault builds the default context Load describes
// for a connection with no stored record: {init=false, ack=false,
// connectionParams=undefined, extra={}}.
func newDefault(connectionID string) *Context {
	return &Context{
		connectionID: connectionID,
		tree: map[string]any{
			fieldInit:   false,
			fieldAck:    false,
			fieldParams: pubsubkey.Undefined{},
			fieldExtra:  map[string]any{},
		},
	}
}

// NewDefault builds a fresh default context for connectionID, the same
// shape Store.Load produces when no record exists yet. Used by the
// protocol state machine to create the context for a new connection on
// CONNECT.
func NewDefault(connectionID string) *Context {
	return newDefault(connectionID)
}

// ConnectionID returns the connection this context belongs to.
func (c *Context) ConnectionID() string { return c.connectionID }

// Init reports whether ConnectionInit has been received.
func (c *Context) Init() bool {
	v, _ := c.tree[fieldInit].(bool)
	return v
}

// Ack reports whether the connection has been acknowledged.
func (c *Context) Ack() bool {
	v, _ := c.tree[fieldAck].(bool)
	return v
}

// ConnectionParams returns the stored connection_init payload, or
// pubsubkey.Undefined{} if none was ever set.
func (c *Context) ConnectionParams() any {
	return c.tree[fieldParams]
}

// Extra returns the user-defined "extra" tree (never nil).
func (c *Context) Extra() map[string]any {
	m, ok := c.tree[fieldExtra].(map[string]any)
	if !ok {
		m = map[string]any{}
		c.tree[fieldExtra] = m
	}
	return m
}

// SetInit records whether ConnectionInit has been received.
func (c *Context) SetInit(v bool) { c.Set(fieldInit, v) }

// SetAck records whether the connection has been acknowledged.
func (c *Context) SetAck(v bool) { c.Set(fieldAck, v) }

// SetConnectionParams replaces the stored connection_init payload.
func (c *Context) SetConnectionParams(v any) { c.Set(fieldParams, v) }

// SetExtra replaces the "extra" field wholesale.
func (c *Context) SetExtra(v map[string]any) { c.Set(fieldExtra, v) }

// Get returns the current value at a dotted path, navigating the
// in-memory tree. The second return is false if the path does not
// resolve to a value at all (as opposed to resolving to nil/Undefined).
func (c *Context) Get(path string) (any, bool) {
	segments := pubsubkey.SplitPath(path)
	var cur any = c.tree
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := atoiSegment(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set assigns value at path, expanding an object/array assignment into
// one queued change per leaf, and skipping the queue entirely when
// value already equals what's stored there.
func (c *Context) Set(path string, value any) {
	switch value.(type) {
	case map[string]any, []any:
		leaves := pubsubkey.Flatten(path, value)
		for _, p := range pubsubkey.SortedPaths(leaves) {
			c.setLeaf(p, leaves[p])
		}
	default:
		c.setLeaf(path, value)
	}
	pubsubkey.Navigate(c.tree, path)(value)
}

func (c *Context) setLeaf(path string, value any) {
	current, existed := c.Get(path)
	if existed && valuesEqual(current, value) {
		return
	}
	c.changes = append(c.changes, Change{Op: OpSet, Path: path, Value: value})
}

// Delete removes the value at path, queuing exactly one "del" change.
func (c *Context) Delete(path string) {
	c.changes = append(c.changes, Change{Op: OpDelete, Path: path})
	segments := pubsubkey.SplitPath(path)
	if len(segments) == 0 {
		return
	}
	parentPath := ""
	if len(segments) > 1 {
		parentPath = joinSegments(segments[:len(segments)-1])
	}
	parent, ok := c.Get(parentPath)
	if !ok {
		return
	}
	last := segments[len(segments)-1]
	if m, ok := parent.(map[string]any); ok {
		delete(m, last)
	}
}

// drainChanges removes and returns all queued changes, preserving order.
func (c *Context) drainChanges() []Change {
	pending := c.changes
	c.changes = nil
	return pending
}

// pendingChanges peeks the queue without draining it (used by tests).
func (c *Context) pendingChanges() []Change {
	return c.changes
}

func joinSegments(segments []string) string {
	out := ""
	for i, s := range segments {
		if i > 0 {
			out += "."
		}
		out += s
	}
	return out
}

func atoiSegment(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errNotNumeric
		}
		n = n*10 + int(r-'0')
	}
	if s == "" {
		return 0, errNotNumeric
	}
	return n, nil
}

func valuesEqual(a, b any) bool {
	if pubsubkey.IsUndefined(a) && pubsubkey.IsUndefined(b) {
		return true
	}
	return reflect.DeepEqual(a, b)
}
