package model

import "time"

// Match status values.  A match is created WAITING when a room schedules a
// sale, flips to PLAYING at the scheduled open time, and is immutable once
// FINISHED.
const (
	MatchWaiting  = "WAITING"
	MatchPlaying  = "PLAYING"
	MatchFinished = "FINISHED"
)

// Match is one timed instance of the ticket-sale simulation tied to a room.
// Rows are mutated only by the lifecycle service; the durable row is always
// authoritative over the cached OPEN/CLOSED mirror held in Redis.
//
// Fields:
//
//	ID                – primary key identifier.
//	RoomID            – the room that scheduled this sale.
//	Status            – WAITING, PLAYING or FINISHED.
//	MaxParticipants   – room capacity at schedule time.
//	TotalSeats        – number of sellable seats; reaching it closes the sale.
//	StartedAt         – scheduled open time.
//	EndedAt           – set once when the match finishes.
//	SuccessCountHuman – confirmed purchases by real users.
//	SuccessCountBot   – confirmed purchases by synthetic participants.
type Match struct {
	ID                uint64     // matches.id
	RoomID            uint64     // matches.room_id
	Status            string     // matches.status
	MaxParticipants   int        // matches.max_participants
	TotalSeats        int        // matches.total_seats
	StartedAt         time.Time  // matches.started_at
	EndedAt           *time.Time // matches.ended_at, nil until FINISHED
	SuccessCountHuman int        // matches.success_count_human
	SuccessCountBot   int        // matches.success_count_bot
	CreatedAt         time.Time  // matches.created_at
	UpdatedAt         time.Time  // matches.updated_at
}

// Finished reports whether the match has reached its terminal state.
func (m *Match) Finished() bool { return m.Status == MatchFinished }
