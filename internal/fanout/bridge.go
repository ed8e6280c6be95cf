package fanout

import (
	"encoding/json"
	"log"

	"github.com/seatrush/flash-sale-ticketing/internal/queue"
)

// Bridge connects bus subscriptions to the local registry.  Every instance
// runs one: room events are rebroadcast to local sockets for that room, and
// session-close events are acted on only when this instance is the tagged
// owner of the session.
type Bridge struct {
	instance string
	registry *Registry
}

// NewBridge returns a Bridge for this instance's registry.
func NewBridge(instance string, registry *Registry) *Bridge {
	return &Bridge{instance: instance, registry: registry}
}

// HandleRoomEvent forwards a room-scoped envelope to every local socket in
// the room.  Instances with no members in the room do nothing.
func (b *Bridge) HandleRoomEvent(env queue.Envelope) {
	if env.RoomID == 0 {
		return
	}
	if b.registry.RoomCount(env.RoomID) == 0 {
		return
	}
	b.registry.BroadcastRoom(env.RoomID, env)
}

// HandleSessionControl processes a session-close envelope.  The event is
// delivered to every instance; the Instance tag decides which one owns the
// socket and must act.
func (b *Bridge) HandleSessionControl(env queue.Envelope) {
	if env.Type != queue.TypeSessionClose || env.Instance != b.instance {
		return
	}
	var data queue.SessionCloseData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		log.Printf("fanout: bad session-close payload: %v", err)
		return
	}
	if b.registry.CloseUser(data.UserID) {
		log.Printf("fanout: closed session user=%s reason=%s", data.UserID, data.Reason)
	}
}
