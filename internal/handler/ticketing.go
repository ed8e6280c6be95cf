package handler

import (
	"database/sql" // for sentinel errors returned from repository
	"errors"       // for errors.Is comparisons
	"net/http"     // HTTP status codes
	"strconv"      // parsing path parameters

	"github.com/labstack/echo/v4"

	"github.com/seatrush/flash-sale-ticketing/internal/ledger"
	"github.com/seatrush/flash-sale-ticketing/internal/lifecycle"
	"github.com/seatrush/flash-sale-ticketing/internal/model"
	"github.com/seatrush/flash-sale-ticketing/internal/repository"
)

// TicketingHandler serves the seat hold/cancel/status/confirm endpoints.
// The ledger does all the atomic work; this layer validates, groups seats
// per section and maps result codes onto HTTP statuses.  Conflicts are
// never auto-retried here: retrying would reorder who gets a freed seat
// and break fairness.
type TicketingHandler struct {
	Svc      *lifecycle.Service
	MaxSeats int // per-request seat cap enforced before touching the ledger
}

// NewTicketingHandler constructs a TicketingHandler.
func NewTicketingHandler(svc *lifecycle.Service, maxSeats int) *TicketingHandler {
	if svc == nil {
		panic("nil service passed to NewTicketingHandler")
	}
	if maxSeats <= 0 {
		maxSeats = 2
	}
	return &TicketingHandler{Svc: svc, MaxSeats: maxSeats}
}

func parseMatchID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("matchId"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid match id")
	}
	return id, nil
}

// HoldSeats handles POST /ticketing/matches/:matchId/hold.  The full seat
// set must be simultaneously free: within one section that is a single
// atomic step; a request spanning sections runs one step per section and
// best-effort rolls back earlier sections when a later one conflicts.
func (h *TicketingHandler) HoldSeats(c echo.Context) error {
	matchID, err := parseMatchID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid match id"})
	}
	var body struct {
		UserID string          `json:"userId"`
		Seats  []model.SeatRef `json:"seats"`
		Grade  string          `json:"grade"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.UserID == "" || len(body.Seats) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "userId and seats are required"})
	}
	if len(body.Seats) > h.MaxSeats {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":    "too many seats requested",
			"maxSeats": h.MaxSeats,
		})
	}
	ctx := c.Request().Context()
	m, err := h.Svc.Store.GetMatch(ctx, matchID)
	if err != nil {
		if err == repository.ErrMatchNotFound {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "match not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}

	// group requested seats per section, deduplicated
	bySection := make(map[string][]string)
	order := make([]string, 0, len(body.Seats))
	seen := make(map[string]struct{})
	for _, s := range body.Seats {
		if s.SectionID == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "sectionId is required on every seat"})
		}
		full := s.SectionID + "|" + s.Key()
		if _, dup := seen[full]; dup {
			continue
		}
		seen[full] = struct{}{}
		if _, ok := bySection[s.SectionID]; !ok {
			order = append(order, s.SectionID)
		}
		bySection[s.SectionID] = append(bySection[s.SectionID], s.Key())
	}

	var heldSeats []model.HeldSeat
	for i, sectionID := range order {
		keys := bySection[sectionID]
		res, _, err := h.Svc.Ledger.Reserve(ctx, matchID, sectionID, keys, body.UserID, body.Grade, m.TotalSeats)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "ledger error"})
		}
		switch res {
		case ledger.Closed:
			h.rollbackSections(c, matchID, body.UserID, m.TotalSeats, order[:i], bySection)
			return c.JSON(http.StatusConflict, echo.Map{
				"success": false,
				"error":   "match is not accepting holds",
			})
		case ledger.Conflict:
			h.rollbackSections(c, matchID, body.UserID, m.TotalSeats, order[:i], bySection)
			failed := make([]string, 0, len(keys))
			for _, k := range keys {
				failed = append(failed, sectionID+":"+k)
			}
			return c.JSON(http.StatusConflict, echo.Map{
				"success":     false,
				"error":       "some seats are already held",
				"failedSeats": failed,
			})
		}
		for _, k := range keys {
			heldSeats = append(heldSeats, model.HeldSeat{SectionID: sectionID, Seat: k, Grade: body.Grade})
		}
	}

	// a hold marks a real user as an active participant; the set add is
	// idempotent so repeat holds count once
	if !model.IsBotUser(body.UserID) {
		if err := h.Svc.Ledger.AddParticipant(ctx, matchID, body.UserID); err != nil {
			c.Logger().Warnf("add participant match=%d: %v", matchID, err)
		}
	}
	// Completion is never evaluated on a hold, only on confirm and release;
	// a hold that fills the sale can still be cancelled to reopen it.
	return c.JSON(http.StatusOK, echo.Map{
		"success":   true,
		"heldSeats": heldSeats,
	})
}

// rollbackSections undoes reservations already applied in this request when
// a later section conflicts.  Best effort: atomicity holds within a section,
// not across sections.
func (h *TicketingHandler) rollbackSections(c echo.Context, matchID uint64, userID string, totalSeats int, sections []string, bySection map[string][]string) {
	ctx := c.Request().Context()
	for _, sectionID := range sections {
		if _, _, err := h.Svc.Ledger.Cancel(ctx, matchID, sectionID, bySection[sectionID], userID, totalSeats); err != nil {
			c.Logger().Warnf("rollback section %s match=%d: %v", sectionID, matchID, err)
		}
	}
}

// CancelSeats handles DELETE /ticketing/matches/:matchId/seats/cancel.  It
// releases every seat the user still holds.  A user with a terminal outcome
// can no longer cancel.
func (h *TicketingHandler) CancelSeats(c echo.Context) error {
	matchID, err := parseMatchID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid match id"})
	}
	userID := c.QueryParam("userId")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "userId is required"})
	}
	ctx := c.Request().Context()
	m, err := h.Svc.Store.GetMatch(ctx, matchID)
	if err != nil {
		if err == repository.ErrMatchNotFound {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "match not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	if _, err := h.Svc.Store.GetOutcome(ctx, matchID, userID); err == nil {
		return c.JSON(http.StatusConflict, echo.Map{"error": "participation already finalized"})
	} else if !errors.Is(err, sql.ErrNoRows) {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	released, _, err := h.Svc.Ledger.ReleaseUser(ctx, matchID, userID, m.TotalSeats)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "ledger error"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":            true,
		"cancelledSeatCount": released,
	})
}

// SectionSeatStatus handles
// GET /ticketing/matches/:matchId/sections/:sectionId/seats/status.  Only
// unavailable seats are returned, tagged MY_RESERVED or TAKEN; a seat absent
// from the response is free.
func (h *TicketingHandler) SectionSeatStatus(c echo.Context) error {
	matchID, err := parseMatchID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid match id"})
	}
	sectionID := c.Param("sectionId")
	if sectionID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid section id"})
	}
	statuses, err := h.Svc.Ledger.SectionStatus(c.Request().Context(), matchID, sectionID, c.QueryParam("userId"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "ledger error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"seats": statuses})
}

// ConfirmSeats handles POST /ticketing/matches/:matchId/confirm.  Idempotent
// per (user, match): confirming twice returns the original rank and seats
// rather than an error.
func (h *TicketingHandler) ConfirmSeats(c echo.Context) error {
	matchID, err := parseMatchID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid match id"})
	}
	var body struct {
		UserID  string         `json:"userId"`
		Metrics map[string]any `json:"interactionMetrics"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.UserID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "userId is required"})
	}
	outcome, err := h.Svc.Confirm(c.Request().Context(), matchID, body.UserID, body.Metrics)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrMatchNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "match not found"})
		case errors.Is(err, repository.ErrClosed):
			return c.JSON(http.StatusConflict, echo.Map{"error": "match is not accepting confirms"})
		case errors.Is(err, lifecycle.ErrNoSeats):
			return c.JSON(http.StatusConflict, echo.Map{"error": "no held seats to confirm"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "confirm failed"})
	}
	if outcome.Result == model.OutcomeFailed {
		// pair was already finalized as a failure at match end
		return c.JSON(http.StatusConflict, echo.Map{"error": "participation already finalized"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":        true,
		"userRank":       outcome.Rank,
		"confirmedSeats": outcome.Seats,
	})
}
