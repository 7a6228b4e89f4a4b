// Package socket implements the per-invocation connection view: send,
// close, and context access over a single connectionId, re-created
// fresh on every invocation.
package socket

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/ctxstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/gateway"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/observability"
)

// CloseFrame is the synthetic frame sent to the client before the
// gateway deletes the underlying connection.
type CloseFrame struct {
	Type   string `json:"type"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Socket is a per-invocation view over one connection. It holds no
// cross-invocation state: a fresh Socket is built from the connectionId
// on every invocation.
type Socket struct {
	connectionID string
	gw           gateway.Client
	ctx          *ctxstore.Store
	log          *zap.Logger
}

// New constructs a Socket for connectionID.
func New(connectionID string, gw gateway.Client, ctxStore *ctxstore.Store, log *zap.Logger) *Socket {
	if log == nil {
		log = zap.NewNop()
	}
	return &Socket{connectionID: connectionID, gw: gw, ctx: ctxStore, log: log}
}

// ConnectionID returns the connection this socket was built for.
func (s *Socket) ConnectionID() string { return s.connectionID }

// Context lazily loads and memoizes this connection's protocol context.
func (s *Socket) Context(ctx context.Context) (*ctxstore.Context, error) {
	return s.ctx.Load(ctx, s.connectionID)
}

// CreateContext replaces the stored context outright, bypassing the
// change-tracking path.
func (s *Socket) CreateContext(ctx context.Context, initial *ctxstore.Context) error {
	return s.ctx.Create(ctx, s.connectionID, initial)
}

// Send frames data as JSON (passing strings through unchanged) and posts
// it to the gateway. A send failure propagates to the caller; the
// protocol machine decides whether to close or continue.
func (s *Socket) Send(ctx context.Context, data any) error {
	payload, err := encodeFrame(data)
	if err != nil {
		return err
	}
	if t := gjson.GetBytes(payload, "type"); t.Exists() {
		observability.RecordProtocolMessage(t.String(), "outbound")
	}
	return s.gw.PostToConnection(ctx, s.connectionID, payload)
}

// Close posts a synthetic close frame to the client, then asks the
// gateway to delete the connection.
func (s *Socket) Close(ctx context.Context, code int, reason string) error {
	frame := CloseFrame{Type: "close", Code: code, Reason: reason}
	if payload, err := json.Marshal(frame); err == nil {
		if sendErr := s.gw.PostToConnection(ctx, s.connectionID, payload); sendErr != nil {
			s.log.Warn("socket: failed to send close frame before deleting connection",
				zap.String("connectionId", s.connectionID), zap.Error(sendErr))
		}
	}
	return s.gw.DeleteConnection(ctx, s.connectionID)
}

// Flush delegates to the context store's batched persistence.
func (s *Socket) Flush(ctx context.Context) error {
	return s.ctx.Flush(ctx)
}

func encodeFrame(data any) ([]byte, error) {
	if s, ok := data.(string); ok {
		return []byte(s), nil
	}
	if b, ok := data.([]byte); ok {
		return b, nil
	}
	return json.Marshal(data)
}
