package client

import (
	"context"
	"fmt"
)

// RoomClient talks to the room service, which owns room membership and
// capacity.  The ticketing engine reads membership and tells the room when
// its sale starts and ends.
type RoomClient struct {
	base
}

// NewRoomClient returns a RoomClient for the given base URL.
func NewRoomClient(url string) *RoomClient { return &RoomClient{newBase(url)} }

// RoomInfo is the subset of room state the lifecycle service needs.
type RoomInfo struct {
	RoomID          uint64 `json:"roomId"`
	HostUserID      string `json:"hostUserId"`
	MaxParticipants int    `json:"maxParticipants"`
	MemberCount     int    `json:"memberCount"`
}

// GetRoom fetches room metadata.
func (c *RoomClient) GetRoom(ctx context.Context, roomID uint64) (*RoomInfo, error) {
	var info RoomInfo
	if err := c.getJSON(ctx, fmt.Sprintf("/rooms/%d", roomID), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// NotifySaleStarted tells the room service its sale is open.
func (c *RoomClient) NotifySaleStarted(ctx context.Context, roomID, matchID uint64) error {
	return c.postJSON(ctx, fmt.Sprintf("/rooms/%d/sale-started", roomID),
		map[string]uint64{"matchId": matchID}, nil)
}

// NotifySaleEnded tells the room service its sale is over.
func (c *RoomClient) NotifySaleEnded(ctx context.Context, roomID, matchID uint64) error {
	return c.postJSON(ctx, fmt.Sprintf("/rooms/%d/sale-ended", roomID),
		map[string]uint64{"matchId": matchID}, nil)
}
