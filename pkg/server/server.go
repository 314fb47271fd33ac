// Package server exposes the sync endpoint: it upgrades inbound requests,
// attaches sessions to the per-list registry and drives each session's read
// loop.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/recetteo/listes/pkg/protocol"
	"github.com/recetteo/listes/pkg/registry"
	"github.com/recetteo/listes/pkg/store"
)

const (
	// DefaultListID is used when a connection request carries no listId.
	DefaultListID = "default"

	// Inbound frame budget per session. A session that sustains more than
	// maxFramesPerSecond is closed rather than throttled.
	maxFramesPerSecond = 25
	maxFrameBurst      = 50
)

type Server struct {
	hub      *registry.Hub
	bridge   *store.Bridge
	upgrader websocket.Upgrader
}

func New(hub *registry.Hub, bridge *store.Bridge) *Server {
	return &Server{
		hub:    hub,
		bridge: bridge,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router builds the route table with the access-log middleware attached.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.handleSync)
	return r
}

// handleSync performs the protocol upgrade and runs the session until its
// channel closes. Non-upgrade requests are rejected with a client error by
// the upgrader itself and create no session.
func (s *Server) handleSync(writer http.ResponseWriter, request *http.Request) {
	listID := request.URL.Query().Get("listId")
	if listID == "" {
		listID = DefaultListID
	}

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	reg := s.hub.Registry(listID)
	session := registry.NewSession(listID, conn)

	// Register before confirming so the new session cannot race its own
	// connect acknowledgment against a broadcast.
	reg.Add(session)
	defer reg.Remove(session)

	if err := session.SendMessage(protocol.Connected(listID)); err != nil {
		slog.Error("failed to send connect confirmation", "session", session.ID(), "err", err)
		return
	}

	s.readLoop(request.Context(), reg, session, conn)
}

func (s *Server) readLoop(ctx context.Context, reg *registry.Registry, session *registry.Session, conn *websocket.Conn) {
	limiter := rate.NewLimiter(rate.Limit(maxFramesPerSecond), maxFrameBurst)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("session read ended", "session", session.ID(), "err", err)
			}
			return
		}
		if !limiter.Allow() {
			slog.Error("session exceeded frame budget, closing", "session", session.ID())
			return
		}
		s.handleFrame(ctx, reg, session, raw)
	}
}

// handleFrame applies one inbound payload: empty and malformed frames are
// dropped without closing the session, mutations are persisted and then
// fanned out to siblings, anything else is a forward-compatible no-op.
func (s *Server) handleFrame(ctx context.Context, reg *registry.Registry, session *registry.Session, raw []byte) {
	msg, err := protocol.Parse(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrEmpty) {
			return
		}
		slog.Error("dropping malformed frame", "session", session.ID(), "err", err)
		return
	}

	switch msg.Type {
	case protocol.TypeListUpdate:
		if record, err := s.bridge.ApplyListUpdate(ctx, msg.ListID, msg.List); err != nil {
			slog.Error("failed to persist list update", "list", msg.ListID, "err", err)
		} else {
			slog.Info("list update persisted", "list", msg.ListID, "version", record.Version)
		}
		reg.Broadcast(session, protocol.Message{
			Type:      protocol.TypeListUpdate,
			ListID:    msg.ListID,
			List:      msg.List,
			Timestamp: protocol.Now(),
		})
	case protocol.TypeCategoriesUpdate:
		if record, err := s.bridge.ApplyCategoriesUpdate(ctx, msg.ListID, msg.Categories); err != nil {
			slog.Error("failed to persist categories update", "list", msg.ListID, "err", err)
		} else {
			slog.Info("categories update persisted", "list", msg.ListID, "version", record.Version)
		}
		reg.Broadcast(session, protocol.Message{
			Type:       protocol.TypeCategoriesUpdate,
			ListID:     msg.ListID,
			Categories: msg.Categories,
			Timestamp:  protocol.Now(),
		})
	default:
		// unknown types are ignored, not errors
	}
}
