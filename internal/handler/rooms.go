package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/seatrush/flash-sale-ticketing/internal/admission"
	"github.com/seatrush/flash-sale-ticketing/internal/lifecycle"
	"github.com/seatrush/flash-sale-ticketing/internal/queue"
	"github.com/seatrush/flash-sale-ticketing/internal/repository"
)

// RoomHandler serves the waiting-line endpoints and the internal disconnect
// hook the room collaborator calls when a user leaves.
type RoomHandler struct {
	Svc   *lifecycle.Service
	Queue *admission.Queue
	Bus   *queue.Publisher // nil disables event publishing
}

// NewRoomHandler constructs a RoomHandler.
func NewRoomHandler(svc *lifecycle.Service, q *admission.Queue, bus *queue.Publisher) *RoomHandler {
	if svc == nil || q == nil {
		panic("nil dependency passed to NewRoomHandler")
	}
	return &RoomHandler{Svc: svc, Queue: q, Bus: bus}
}

func parseRoomID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("roomId"), 10, 64)
	if err != nil || id == 0 {
		return 0, err
	}
	return id, nil
}

// JoinQueue handles POST /ticketing/rooms/:roomId/queue.  Joining is
// idempotent: a user already in line keeps their original rank.
func (h *RoomHandler) JoinQueue(c echo.Context) error {
	roomID, err := parseRoomID(c)
	if err != nil || roomID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid room id"})
	}
	var body struct {
		UserID string `json:"userId"`
	}
	if err := c.Bind(&body); err != nil || body.UserID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "userId is required"})
	}
	pos, err := h.Queue.Enqueue(c.Request().Context(), roomID, body.UserID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to join queue"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"state":          pos.State,
		"positionAhead":  pos.Ahead,
		"positionBehind": pos.Behind,
		"total":          pos.Total,
	})
}

// QueuePosition handles GET /ticketing/rooms/:roomId/queue/position.  It
// reads the snapshot the periodic refresher wrote; outside the refreshed
// window (or before the first refresh) there is no snapshot and 404 is
// returned.
func (h *RoomHandler) QueuePosition(c echo.Context) error {
	roomID, err := parseRoomID(c)
	if err != nil || roomID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid room id"})
	}
	userID := c.QueryParam("userId")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "userId is required"})
	}
	pos, ok, err := h.Queue.Position(c.Request().Context(), roomID, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to read position"})
	}
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no position snapshot"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"positionAhead":  pos.Ahead,
		"positionBehind": pos.Behind,
		"total":          pos.Total,
	})
}

// UserDisconnected handles POST /ticketing/rooms/:roomId/users/:userId, the
// internal hook the room service calls when a user drops.  Held but
// unconfirmed seats are released, the active-participant counter shrinks,
// and the user leaves the waiting line.
func (h *RoomHandler) UserDisconnected(c echo.Context) error {
	roomID, err := parseRoomID(c)
	if err != nil || roomID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid room id"})
	}
	userID := c.Param("userId")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}
	ctx := c.Request().Context()
	if err := h.Queue.Remove(ctx, roomID, userID); err != nil {
		c.Logger().Warnf("queue remove room=%d user=%s: %v", roomID, userID, err)
	}
	released := 0
	m, err := h.Svc.Store.GetActiveByRoom(ctx, roomID)
	switch err {
	case nil:
		released, err = h.Svc.ReleaseUser(ctx, m.ID, userID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to release seats"})
		}
	case repository.ErrMatchNotFound:
		// no live sale; leaving the queue was all there was to do
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	if h.Bus != nil {
		_ = h.Bus.PublishRoomEvent(ctx, queue.TypeRoomUserLeft, roomID, 0, queue.RoomUserData{UserID: userID})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":       true,
		"releasedSeats": released,
	})
}
