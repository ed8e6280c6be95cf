// Package fanout keeps the per-instance socket registry and bridges the
// shared event bus to locally connected clients.  The registry is never
// assumed globally consistent: an instance only knows its own sockets, and
// every cross-instance effect (duplicate-login eviction, room broadcasts)
// arrives through the bus.
package fanout

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Session is one connected client socket.  Writes are serialized by the
// session's own mutex so broadcast goroutines and the close path never
// interleave frames.
type Session struct {
	UserID string
	RoomID uint64

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Send writes a JSON message to the socket under the write deadline.
func (s *Session) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil {
		return errors.New("session closed")
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// close shuts the socket once.  Safe to call repeatedly.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Registry is the local bidirectional map socket <-> user <-> room.  One
// session per user per instance; registering a user twice on the same
// instance closes the older socket immediately (the cross-instance case is
// handled by the session-close bus event).
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Session
	byRoom map[uint64]map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]*Session),
		byRoom: make(map[uint64]map[string]*Session),
	}
}

// Register attaches a socket for userID in roomID and returns its session.
// An existing local session for the same user is closed and replaced.
func (r *Registry) Register(userID string, roomID uint64, conn *websocket.Conn) *Session {
	s := &Session{UserID: userID, RoomID: roomID, conn: conn}
	r.mu.Lock()
	old := r.byUser[userID]
	r.byUser[userID] = s
	if old != nil {
		r.detachFromRoomLocked(old)
	}
	room := r.byRoom[roomID]
	if room == nil {
		room = make(map[string]*Session)
		r.byRoom[roomID] = room
	}
	room[userID] = s
	r.mu.Unlock()
	if old != nil {
		old.close()
	}
	return s
}

// Unregister removes the session if it is still the user's current one and
// closes its socket.  A session replaced by a newer Register is left alone.
func (r *Registry) Unregister(s *Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	if r.byUser[s.UserID] == s {
		delete(r.byUser, s.UserID)
		r.detachFromRoomLocked(s)
	}
	r.mu.Unlock()
	s.close()
}

func (r *Registry) detachFromRoomLocked(s *Session) {
	if room, ok := r.byRoom[s.RoomID]; ok {
		if room[s.UserID] == s {
			delete(room, s.UserID)
		}
		if len(room) == 0 {
			delete(r.byRoom, s.RoomID)
		}
	}
}

// CloseUser evicts userID's local session, if any.  Returns whether a
// session was found.  Called by the session-close bus handler when this
// instance is the tagged owner.
func (r *Registry) CloseUser(userID string) bool {
	r.mu.Lock()
	s := r.byUser[userID]
	if s != nil {
		delete(r.byUser, userID)
		r.detachFromRoomLocked(s)
	}
	r.mu.Unlock()
	if s == nil {
		return false
	}
	s.close()
	return true
}

// Lookup returns the user's current local session, if any.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUser[userID]
	return s, ok
}

// RoomCount returns how many local sockets are attached for the room.
func (r *Registry) RoomCount(roomID uint64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom[roomID])
}

// BroadcastRoom sends payload to every local socket in the room.  Dead
// sockets are dropped from the registry; delivery is best effort.
func (r *Registry) BroadcastRoom(roomID uint64, payload any) {
	r.mu.RLock()
	room := r.byRoom[roomID]
	sessions := make([]*Session, 0, len(room))
	for _, s := range room {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		if err := s.Send(payload); err != nil {
			log.Printf("fanout: drop socket user=%s room=%d: %v", s.UserID, roomID, err)
			r.Unregister(s)
		}
	}
}
