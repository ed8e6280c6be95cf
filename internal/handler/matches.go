package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/seatrush/flash-sale-ticketing/internal/lifecycle"
	"github.com/seatrush/flash-sale-ticketing/internal/repository"
)

// MatchHandler serves match scheduling and lookup.  Scheduling is an
// internal endpoint the room collaborator calls when a room sets up a sale.
type MatchHandler struct {
	Svc   *lifecycle.Service
	Sched *lifecycle.Scheduler
}

// NewMatchHandler constructs a MatchHandler.
func NewMatchHandler(svc *lifecycle.Service, sched *lifecycle.Scheduler) *MatchHandler {
	if svc == nil || sched == nil {
		panic("nil dependency passed to NewMatchHandler")
	}
	return &MatchHandler{Svc: svc, Sched: sched}
}

// ScheduleMatch handles POST /ticketing/matches.  It creates the WAITING
// match row and arms the one-shot start timer on this instance; other
// instances arm theirs from the match-inserted bus event, and the start
// guard keeps the transition single-fire.
func (h *MatchHandler) ScheduleMatch(c echo.Context) error {
	var body struct {
		RoomID          uint64    `json:"roomId"`
		MaxParticipants int       `json:"maxParticipants"`
		TotalSeats      int       `json:"totalSeats"`
		StartedAt       time.Time `json:"startedAt"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.RoomID == 0 || body.TotalSeats <= 0 || body.StartedAt.IsZero() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "roomId, totalSeats and startedAt are required"})
	}
	m, err := h.Svc.ScheduleMatch(c.Request().Context(), body.RoomID, body.MaxParticipants, body.TotalSeats, body.StartedAt)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to schedule match"})
	}
	h.Sched.Arm(m.ID, m.StartedAt)
	return c.JSON(http.StatusCreated, echo.Map{
		"matchId":   m.ID,
		"status":    m.Status,
		"startedAt": m.StartedAt.Format(time.RFC3339),
	})
}

// GetMatch handles GET /ticketing/matches/:matchId.
func (h *MatchHandler) GetMatch(c echo.Context) error {
	matchID, err := parseMatchID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid match id"})
	}
	m, err := h.Svc.Store.GetMatch(c.Request().Context(), matchID)
	if err != nil {
		if err == repository.ErrMatchNotFound {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "match not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	resp := echo.Map{
		"matchId":           m.ID,
		"roomId":            m.RoomID,
		"status":            m.Status,
		"maxParticipants":   m.MaxParticipants,
		"totalSeats":        m.TotalSeats,
		"startedAt":         m.StartedAt.Format(time.RFC3339),
		"successCountHuman": m.SuccessCountHuman,
		"successCountBot":   m.SuccessCountBot,
	}
	if m.EndedAt != nil {
		resp["endedAt"] = m.EndedAt.Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, resp)
}
