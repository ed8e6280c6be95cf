package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/seatrush/flash-sale-ticketing/internal/handler"
	"github.com/seatrush/flash-sale-ticketing/internal/middleware"
)

// RegisterRoutes registers routes that require no authentication: the health
// check used by load balancers and the websocket attach (the socket query
// carries its own identity and the LB strips foreign origins).
func RegisterRoutes(e *echo.Echo, ws *handler.WSHandler) {
	e.GET("/healthz", handler.Health)
	e.GET("/ws", ws.Attach)
}

// RegisterTicketing registers the ticketing API under /ticketing.  Every
// route sits behind bearer-token identity and the shared token-bucket rate
// limiter; the limiter middleware runs after identity so it can key buckets
// per user.
func RegisterTicketing(e *echo.Echo, t *handler.TicketingHandler, m *handler.MatchHandler, r *handler.RoomHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	g := e.Group("/ticketing")
	g.Use(middleware.Identity(jwtSecret))
	g.Use(limiter)

	// match scheduling and lookup
	g.POST("/matches", m.ScheduleMatch)
	g.GET("/matches/:matchId", m.GetMatch)

	// seat operations
	g.POST("/matches/:matchId/hold", t.HoldSeats)
	g.DELETE("/matches/:matchId/seats/cancel", t.CancelSeats)
	g.GET("/matches/:matchId/sections/:sectionId/seats/status", t.SectionSeatStatus)
	g.POST("/matches/:matchId/confirm", t.ConfirmSeats)

	// waiting line
	g.POST("/rooms/:roomId/queue", r.JoinQueue)
	g.GET("/rooms/:roomId/queue/position", r.QueuePosition)

	// internal hook called by the room service on user disconnect
	g.POST("/rooms/:roomId/users/:userId", r.UserDisconnected)
}
