// Package transport implements the inbound half of the simulation
// gateway's external interface: an HTTP server exposing health
// endpoints and a duplex WebSocket endpoint (`/ws/voice`) that client
// browsers/apps join sessions through.
//
// Dispatch lives in internal/gateway; this package only accepts
// connections, enforces frame limits, and decodes inbound shapes.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/simgateway/internal/health"
	"github.com/MrWong99/simgateway/internal/validate"
	"github.com/MrWong99/simgateway/pkg/types"
)

// Handler is the gateway-provided callback surface for decoded inbound
// messages. Transport never interprets message contents beyond
// [validate.DecodeInbound]'s own shape validation; dispatch lives in
// internal/gateway so this package stays free of domain logic.
type Handler interface {
	// HandleMessage is invoked once per successfully decoded inbound
	// message, in the order it was received on conn.
	HandleMessage(ctx context.Context, conn *Conn, msg validate.Inbound)

	// HandleClose is invoked once, after conn's read loop exits for any
	// reason (remote close, protocol error, or [Conn.Close]).
	HandleClose(conn *Conn)
}

// Conn wraps one inbound client WebSocket connection and implements
// [session.ClientHandle] (UserID, Role, Send, Close) without this package
// importing internal/session, avoiding a transport<->session import cycle.
// Identity is unset until the gateway's Handler calls [Conn.SetIdentity]
// once a join succeeds.
type Conn struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	userID    string
	role      types.Role
	closeOnce sync.Once
}

// SetIdentity records the authenticated user id and role for this
// connection, called by the gateway's Handler once [session.Manager.Join]
// accepts the connection.
func (c *Conn) SetIdentity(userID string, role types.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.role = role
}

// UserID implements session.ClientHandle.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Role implements session.ClientHandle.
func (c *Conn) Role() types.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Send implements session.ClientHandle: marshals v as JSON and writes it as
// one WebSocket text frame.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal outbound message: %w", err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close implements session.ClientHandle. Idempotent; reason is surfaced to
// the peer as the WebSocket close reason.
func (c *Conn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

// sendError writes a best-effort `error` outbound message; failures to send it are dropped, matching
// "transport.send.failure: mark client for removal, continue".
func (c *Conn) sendError(message string) {
	if err := c.Send(validate.NewError(message)); err != nil {
		slog.Warn("transport: failed to send error message", "err", err)
	}
}

// Server serves the HTTP health surface and accepts inbound client
// WebSocket connections.
type Server struct {
	Handler         Handler
	Health          *health.Handler
	MaxPayloadBytes int
	AllowInsecure   bool
}

// NewServer builds a [Server]. maxPayloadBytes should come from
// [config.TransportConfig.MaxPayload].
func NewServer(handler Handler, h *health.Handler, maxPayloadBytes int, allowInsecure bool) *Server {
	return &Server{
		Handler:         handler,
		Health:          h,
		MaxPayloadBytes: maxPayloadBytes,
		AllowInsecure:   allowInsecure,
	}
}

// Register adds the health routes and the `/ws/voice` WebSocket endpoint
// to mux.
func (s *Server) Register(mux *http.ServeMux) {
	if s.Health != nil {
		s.Health.Register(mux)
	}
	mux.HandleFunc("/ws/voice", s.handleWS)
}

// handleWS accepts one inbound client connection, enforces the payload
// cap, and runs its receive loop until the peer disconnects. A frame that
// fails to decode as a recognised inbound shape reports an `error`
// message and drops that frame rather than closing the connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.AllowInsecure,
	})
	if err != nil {
		slog.Warn("transport: accept failed", "err", err)
		return
	}

	maxPayload := s.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = 262144
	}
	conn.SetReadLimit(int64(maxPayload))

	ctx, cancel := context.WithCancel(r.Context())
	c := &Conn{conn: conn, ctx: ctx, cancel: cancel}

	defer func() {
		cancel()
		conn.CloseNow()
		s.Handler.HandleClose(c)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				if websocket.CloseStatus(err) == websocket.StatusMessageTooBig {
					slog.Warn("transport: frame exceeded max payload, connection closed", "maxPayloadBytes", maxPayload)
				} else {
					slog.Debug("transport: read loop exiting", "err", err)
				}
			}
			return
		}

		msg, err := validate.DecodeInbound(data)
		if err != nil {
			c.sendError("invalid message: " + err.Error())
			continue
		}

		s.Handler.HandleMessage(ctx, c, msg)
	}
}
