package model

import "time"

// Terminal outcome results.  CONFIRMED is written by a successful confirm;
// FAILED is synthesized at finalization for users who held seats but never
// confirmed.
const (
	OutcomeConfirmed = "CONFIRMED"
	OutcomeFailed    = "FAILED"
)

// TerminalOutcome is the once-only record of how a user's participation in a
// match ended.  At most one row ever exists per (MatchID, UserID); the unique
// key in MySQL enforces it, and a second confirm is answered from the
// existing row rather than rejected.
type TerminalOutcome struct {
	ID        uint64     // terminal_outcomes.id
	MatchID   uint64     // terminal_outcomes.match_id
	UserID    string     // terminal_outcomes.user_id
	Result    string     // CONFIRMED or FAILED
	Rank      int        // arrival-order rank among confirmations; 0 for FAILED
	Seats     []HeldSeat // seats owned at the terminal moment
	CreatedAt time.Time  // terminal_outcomes.created_at
}

// MatchStats is the post-match summary handed to the stats collaborator
// after finalization commits.
type MatchStats struct {
	MatchID  uint64             `json:"matchId"`
	RoomID   uint64             `json:"roomId"`
	Humans   int                `json:"successCountHuman"`
	Bots     int                `json:"successCountBot"`
	Outcomes []*TerminalOutcome `json:"outcomes"`
}

// IsBotUser reports whether a user identifier denotes a synthetic
// participant injected by the bot collaborator.  Bots occupy queue rank
// slots and seats like anyone else but are excluded from snapshot writes
// and from the "all real users done" completion rule.
func IsBotUser(userID string) bool {
	return len(userID) > 4 && userID[:4] == "bot:"
}
