// Package uibridge exposes a chat session to an external UI over a
// websocket: session events are broadcast as JSON and UI commands are
// forwarded to the session.
package uibridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/chaz8081/meshchat/internal/ble"
	"github.com/chaz8081/meshchat/internal/chat"
	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	commandWait  = 30 * time.Second // bound on one connect or send command
)

// Session is the part of chat.Session the bridge drives.
type Session interface {
	NodeID() string
	Peers() []ble.Peer
	Messages() []chat.Message
	StartScan() error
	StopScan()
	Connect(ctx context.Context, peerID string) error
	Disconnect()
	SendText(ctx context.Context, text string) error
}

var _ Session = (*chat.Session)(nil)

// Server is the websocket endpoint for UI clients.
type Server struct {
	session  Session
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewServer creates a bridge for session.
func NewServer(session Session) *Server {
	return &Server{
		session: session,
		hub:     NewHub(),
		upgrader: websocket.Upgrader{
			// The bridge listens on loopback for a local UI.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Hub returns the client hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler serving the websocket at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Pump broadcasts session events until events is closed or ctx is done.
func (s *Server) Pump(ctx context.Context, events <-chan chat.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hub.Broadcast(fromChatEvent(ev))
		}
	}
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("uibridge: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.hub.CloseAll()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("[UI] websocket bridge listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("uibridge: serve: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Warn("[UI] websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	slog.Info("[UI] client connected", "remote", r.RemoteAddr)

	c := s.hub.add(conn)
	defer func() {
		s.hub.remove(conn)
		slog.Info("[UI] client disconnected", "remote", r.RemoteAddr)
	}()

	if err := c.writeJSON(s.snapshot()); err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.writeControl(websocket.PingMessage); err != nil {
					return
				}
			}
		}
	}()

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("[UI] read failed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		if err := s.dispatch(r.Context(), cmd); err != nil {
			slog.Debug("[UI] command failed", "op", cmd.Op, "error", err)
			if werr := c.writeJSON(Event{Type: "error", Op: cmd.Op, Error: err.Error()}); werr != nil {
				return
			}
		}
	}
}

// dispatch runs one command against the session. Results arrive as
// session events; only the error is returned here.
func (s *Server) dispatch(ctx context.Context, cmd Command) error {
	switch cmd.Op {
	case OpSend:
		ctx, cancel := context.WithTimeout(ctx, commandWait)
		defer cancel()
		return s.session.SendText(ctx, cmd.Text)
	case OpScan:
		return s.session.StartScan()
	case OpStopScan:
		s.session.StopScan()
		return nil
	case OpConnect:
		ctx, cancel := context.WithTimeout(ctx, commandWait)
		defer cancel()
		return s.session.Connect(ctx, cmd.Peer)
	case OpDisconnect:
		s.session.Disconnect()
		return nil
	default:
		return fmt.Errorf("unknown op %q", cmd.Op)
	}
}

func (s *Server) snapshot() Event {
	ev := Event{Type: "snapshot", NodeID: s.session.NodeID()}
	for _, p := range s.session.Peers() {
		ev.Peers = append(ev.Peers, toPeer(p))
	}
	for _, m := range s.session.Messages() {
		ev.Messages = append(ev.Messages, toMessage(m))
	}
	return ev
}
