package client

import (
	"context"
	"fmt"
)

// BotClient talks to the bot service, which runs the synthetic participants.
// The lifecycle service only sends it notifications; the simulation logic
// itself lives entirely on the other side.
type BotClient struct {
	base
}

// NewBotClient returns a BotClient for the given base URL.
func NewBotClient(url string) *BotClient { return &BotClient{newBase(url)} }

// InjectParticipants asks the bot service to start synthetic participants
// for a match that just opened.
func (c *BotClient) InjectParticipants(ctx context.Context, roomID, matchID uint64, totalSeats int) error {
	return c.postJSON(ctx, fmt.Sprintf("/matches/%d/bots", matchID),
		map[string]any{"roomId": roomID, "totalSeats": totalSeats}, nil)
}

// NotifyMatchFinished tells the bot service to stop its participants.
func (c *BotClient) NotifyMatchFinished(ctx context.Context, matchID uint64) error {
	return c.postJSON(ctx, fmt.Sprintf("/matches/%d/bots/stop", matchID), nil, nil)
}
