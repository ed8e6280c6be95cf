package handler

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/seatrush/flash-sale-ticketing/internal/fanout"
	"github.com/seatrush/flash-sale-ticketing/internal/queue"
)

// WSHandler upgrades client sockets and attaches them to the local fan-out
// registry.  Duplicate logins across instances are resolved through the
// bus: the instance accepting the new socket looks up the previous owner in
// Redis and publishes a session-close event tagged with that owner; only
// the owner acts on it.
type WSHandler struct {
	Registry *fanout.Registry
	Bus      *queue.Publisher
	Redis    *redis.Client
	Instance string

	upgrader websocket.Upgrader
}

// NewWSHandler constructs a WSHandler for this instance.
func NewWSHandler(registry *fanout.Registry, bus *queue.Publisher, rdb *redis.Client, instance string) *WSHandler {
	if registry == nil || rdb == nil {
		panic("nil dependency passed to NewWSHandler")
	}
	return &WSHandler{
		Registry: registry,
		Bus:      bus,
		Redis:    rdb,
		Instance: instance,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the LB terminates origins; the identity middleware gates access
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func sessionOwnerKey(userID string) string { return "sessowner:" + userID }

// Attach handles GET /ws?userId=&roomId=.  The socket receives every room
// event this instance rebroadcasts for the user's room until it closes or a
// duplicate login evicts it.
func (h *WSHandler) Attach(c echo.Context) error {
	userID := c.QueryParam("userId")
	roomID, err := strconv.ParseUint(c.QueryParam("roomId"), 10, 64)
	if userID == "" || err != nil || roomID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "userId and roomId are required"})
	}
	ctx := c.Request().Context()

	// claim ownership of the user's session; the previous owner, if any and
	// not us, is told to close its socket
	prev, err := h.Redis.GetSet(ctx, sessionOwnerKey(userID), h.Instance).Result()
	if err != nil && err != redis.Nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "session registry error"})
	}
	if prev != "" && prev != h.Instance && h.Bus != nil {
		_ = h.Bus.PublishSessionClose(ctx, prev, userID, "duplicate_login")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // Upgrade already wrote the failure response
	}
	session := h.Registry.Register(userID, roomID, conn)
	if h.Bus != nil {
		_ = h.Bus.PublishRoomEvent(ctx, queue.TypeRoomUserJoined, roomID, 0, queue.RoomUserData{UserID: userID})
	}

	// reader loop: clients do not send application messages; we only watch
	// for the close
	go func() {
		defer h.Registry.Unregister(session)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return nil
}
