// Package devgateway is a local development harness that plays the role
// a managed WebSocket gateway (e.g. API Gateway Management API) would
// play in production: it upgrades real TCP connections with
// gorilla/websocket, synthesizes CONNECT/MESSAGE/DISCONNECT
// InboundEvents exactly as such a gateway would, and implements
// gateway.Client so the fan-out publisher can push frames back down the
// same live sockets.
package devgateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	graphqlwsredis "github.com/comfortablynumb/graphql-ws-redis-adapter"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/gateway"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
	Subprotocols:    []string{wire.Subprotocol, wire.LegacySubprotocol},
}

// Gateway implements gateway.Client against live in-process socket
// connections, tracked by the same connection id devgateway.Server
// stamps onto every InboundEvent.
type Gateway struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewGateway constructs an empty connection registry.
func NewGateway() *Gateway {
	return &Gateway{conns: make(map[string]*websocket.Conn)}
}

func (g *Gateway) register(connectionID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[connectionID] = conn
}

func (g *Gateway) unregister(connectionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, connectionID)
}

// PostToConnection writes data as a single text frame to connectionID's
// socket. A missing connection is reported as gateway.ErrGone, matching
// the "410 means gone" contract a real managed gateway exposes.
func (g *Gateway) PostToConnection(ctx context.Context, connectionID string, data []byte) error {
	g.mu.RLock()
	conn, ok := g.conns[connectionID]
	g.mu.RUnlock()
	if !ok {
		return gateway.ErrGone
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &gateway.StatusError{Status: http.StatusGone, Err: err}
	}
	return nil
}

// DeleteConnection closes connectionID's socket, if still open.
func (g *Gateway) DeleteConnection(ctx context.Context, connectionID string) error {
	g.mu.RLock()
	conn, ok := g.conns[connectionID]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Server upgrades inbound HTTP requests to WebSocket and drives
// handler's CONNECT/MESSAGE/DISCONNECT lifecycle for each one.
type Server struct {
	handler *graphqlwsredis.Handler
	gateway *Gateway
	log     *zap.Logger
}

// NewServer builds a Server wired to handler and gw.
func NewServer(handler *graphqlwsredis.Handler, gw *Gateway, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{handler: handler, gateway: gw, log: log}
}

// ServeHTTP upgrades the connection, runs CONNECT, then loops reading
// frames and running MESSAGE until the socket closes, at which point it
// runs DISCONNECT.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("devgateway: upgrade failed", zap.Error(err))
		return
	}

	connectionID := uuid.NewString()
	s.gateway.register(connectionID, conn)

	headers := make(map[string][]string, len(r.Header)+1)
	for k, v := range r.Header {
		headers[k] = v
	}
	if conn.Subprotocol() != "" {
		headers["Sec-WebSocket-Protocol"] = []string{conn.Subprotocol()}
	}

	resp, err := s.handler.HandleEvent(r.Context(), graphqlwsredis.InboundEvent{
		EventType:         graphqlwsredis.EventConnect,
		ConnectionID:      connectionID,
		MultiValueHeaders: headers,
	})
	if err != nil || resp.StatusCode != http.StatusOK {
		s.log.Info("devgateway: connection rejected",
			zap.String("connectionId", connectionID), zap.Int("status", resp.StatusCode), zap.Error(err))
		s.gateway.unregister(connectionID)
		_ = conn.Close()
		return
	}
	s.log.Debug("devgateway: connection established", zap.String("connectionId", connectionID))

	defer s.disconnect(connectionID, conn)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if _, err := s.handler.HandleEvent(r.Context(), graphqlwsredis.InboundEvent{
			EventType:    graphqlwsredis.EventMessage,
			ConnectionID: connectionID,
			Body:         message,
		}); err != nil {
			s.log.Warn("devgateway: message handling error",
				zap.String("connectionId", connectionID), zap.Error(err))
		}
	}
}

func (s *Server) disconnect(connectionID string, conn *websocket.Conn) {
	s.gateway.unregister(connectionID)

	code := wire.DefaultDisconnectCode
	reason := wire.DefaultDisconnectReasonGoingAway
	if _, err := s.handler.HandleEvent(context.Background(), graphqlwsredis.InboundEvent{
		EventType:            graphqlwsredis.EventDisconnect,
		ConnectionID:         connectionID,
		DisconnectStatusCode: &code,
		DisconnectReason:     &reason,
	}); err != nil {
		s.log.Warn("devgateway: disconnect handling error",
			zap.String("connectionId", connectionID), zap.Error(err))
	}
	_ = conn.Close()
}
