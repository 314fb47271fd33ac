// Package registry tracks the live sessions watching each list and fans
// updates out to them.
package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/recetteo/listes/pkg/protocol"
)

// Conn is the write side of a session's channel. *websocket.Conn satisfies
// it in production; tests substitute fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
}

const textMessage = 1 // websocket.TextMessage, kept here so fakes need no gorilla import

// Session is one live connection bound to a single list id. The conn handle
// is owned exclusively by the session; writes are serialized through it.
type Session struct {
	id     string
	listID string

	mu   sync.Mutex
	conn Conn
}

func NewSession(listID string, conn Conn) *Session {
	return &Session{id: uuid.New().String(), listID: listID, conn: conn}
}

func (s *Session) ID() string { return s.id }

func (s *Session) ListID() string { return s.listID }

// Send writes one text frame to the session's channel.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(textMessage, data)
}

// SendMessage encodes and unicasts a protocol message to this session only.
func (s *Session) SendMessage(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.Send(data)
}

// Registry is the set of sessions for one list group. One instance exists
// per list id; cross-list traffic never shares a registry.
type Registry struct {
	listID string

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func New(listID string) *Registry {
	return &Registry{listID: listID, sessions: make(map[*Session]struct{})}
}

func (r *Registry) ListID() string { return r.listID }

func (r *Registry) Add(session *Session) {
	r.mu.Lock()
	r.sessions[session] = struct{}{}
	count := len(r.sessions)
	r.mu.Unlock()
	slog.Info("session added", "list", r.listID, "session", session.id, "sessions", count)
}

// Remove evicts a session. Removing a session that is already gone is a
// no-op.
func (r *Registry) Remove(session *Session) {
	r.mu.Lock()
	delete(r.sessions, session)
	count := len(r.sessions)
	r.mu.Unlock()
	slog.Info("session removed", "list", r.listID, "session", session.id, "sessions", count)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Broadcast delivers msg to every session except the sender, guarded by
// list id even though registries are already list-scoped. The payload is
// serialized once. Delivery is best-effort: a session that fails its write
// is evicted and the fan-out continues.
func (r *Registry) Broadcast(sender *Session, msg protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		slog.Error("failed to encode broadcast", "list", r.listID, "err", err)
		return
	}

	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		if s != sender && s.listID == sender.listID {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		if err := s.Send(data); err != nil {
			slog.Error("failed to deliver broadcast, evicting session", "list", r.listID, "session", s.id, "err", err)
			r.Remove(s)
		}
	}
}

// Hub hands out the registry for a list id, creating it on first use.
type Hub struct {
	mu         sync.Mutex
	registries map[string]*Registry
}

func NewHub() *Hub {
	return &Hub{registries: make(map[string]*Registry)}
}

func (h *Hub) Registry(listID string) *Registry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.registries[listID]; ok {
		return r
	}
	r := New(listID)
	h.registries[listID] = r
	return r
}
