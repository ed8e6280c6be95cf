// Package queue defines the message payloads exchanged over the broker and
// the publisher/consumer plumbing around them.  Room-scoped events travel on
// a fanout exchange so every stateless instance receives them and
// re-broadcasts to its own connected sockets; session-close events travel on
// a second fanout exchange tagged with the owning instance; confirmed-seat
// analytics go to a durable queue.
package queue

import (
	"encoding/json"
	"time"

	"github.com/seatrush/flash-sale-ticketing/internal/model"
)

// Event type identifiers.  Every message carries one of these plus a schema
// version so consumers can evolve independently.
const (
	TypeMatchInserted      = "match.inserted"
	TypeRoomPlayingStarted = "room.playing.started"
	TypeRoomPlayingEnded   = "room.playing.ended"
	TypeSessionClose       = "session.close"
	TypeRoomUserJoined     = "room.user.joined"
	TypeRoomUserLeft       = "room.user.left"
	TypeRoomSettingUpdated = "room.setting.updated"
	TypeQueueSnapshot      = "queue.snapshot"
	TypeSeatConfirmed      = "seat.confirmed"
)

// SchemaVersion is the current payload schema version.
const SchemaVersion = 1

// Envelope is the wire frame for all bus messages.  RoomID doubles as the
// partition key: producers route every message for one room through the same
// key so per-room ordering holds; nothing is guaranteed across rooms.
type Envelope struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Version  int             `json:"version"`
	Instance string          `json:"instance"` // origin instance; target for session.close
	RoomID   uint64          `json:"room_id,omitempty"`
	MatchID  uint64          `json:"match_id,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// SessionCloseData names the session a specific instance must close.  Every
// instance receives the event; only the one matching Envelope.Instance acts.
type SessionCloseData struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"` // e.g. "duplicate_login"
}

// QueueSnapshotData carries the room's waiting-line length after a window
// refresh so clients can render progress.
type QueueSnapshotData struct {
	Total int64 `json:"total"`
}

// RoomUserData identifies the user a join/leave event concerns.
type RoomUserData struct {
	UserID string `json:"user_id"`
}

// SeatConfirmedEvent is published after a confirm commits.  It contains
// enough for downstream analytics to log and aggregate without querying the
// primary database.
type SeatConfirmedEvent struct {
	Type        string           `json:"type"`
	Version     int              `json:"version"`
	MatchID     uint64           `json:"match_id"`
	RoomID      uint64           `json:"room_id"`
	UserID      string           `json:"user_id"`
	Rank        int              `json:"rank"`
	Seats       []model.HeldSeat `json:"seats"`
	Metrics     map[string]any   `json:"interaction_metrics,omitempty"`
	ConfirmedAt string           `json:"confirmed_at"`
}
