package model

// Enqueue states.  Re-enqueuing an already-present user never reorders them;
// the original rank is reported back instead.
const (
	Enqueued       = "ENQUEUED"
	AlreadyInQueue = "ALREADY_IN_QUEUE"
)

// QueuePosition is the result of joining the waiting line, and also the
// payload of the periodic per-user position snapshots.  Ahead counts members
// in front of the user (0 means next up); Behind counts members after them.
type QueuePosition struct {
	State  string `json:"state,omitempty"` // ENQUEUED or ALREADY_IN_QUEUE, empty in snapshots
	Ahead  int64  `json:"positionAhead"`
	Behind int64  `json:"positionBehind"`
	Total  int64  `json:"total"`
}
