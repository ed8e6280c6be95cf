package model

import "fmt"

// SeatRef identifies one seat inside a section.  The wire format used by the
// ledger and the HTTP layer is "row-col" (e.g. "9-15"); sections are scoped
// per match.
type SeatRef struct {
	SectionID string `json:"sectionId"`
	Row       int    `json:"row"`
	Col       int    `json:"col"`
}

// Key returns the ledger field name for this seat within its section.
func (s SeatRef) Key() string { return fmt.Sprintf("%d-%d", s.Row, s.Col) }

// Seat status values returned by the section status endpoint.  Absence of a
// seat from the response implies it is available.
const (
	SeatMyReserved = "MY_RESERVED" // held or confirmed by the requesting user
	SeatTaken      = "TAKEN"       // held or confirmed by someone else
)

// SeatStatus is one occupied seat in a section status listing.
type SeatStatus struct {
	Seat   string `json:"seat"`   // "row-col"
	Status string `json:"status"` // MY_RESERVED or TAKEN
}

// HeldSeat describes one seat a user currently owns, with the grade recorded
// at hold time.  Produced by the ledger when listing a user's holdings.
type HeldSeat struct {
	SectionID string `json:"sectionId"`
	Seat      string `json:"seat"` // "row-col"
	Grade     string `json:"grade"`
}
