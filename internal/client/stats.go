package client

import (
	"context"

	"github.com/seatrush/flash-sale-ticketing/internal/model"
)

// StatsClient talks to the statistics service, which ingests finished
// matches for reporting.  Called only after the finalization transaction
// commits.
type StatsClient struct {
	base
}

// NewStatsClient returns a StatsClient for the given base URL.
func NewStatsClient(url string) *StatsClient { return &StatsClient{newBase(url)} }

// IngestMatch pushes a finished match to the stats service.
func (c *StatsClient) IngestMatch(ctx context.Context, result model.MatchStats) error {
	return c.postJSON(ctx, "/stats/matches", result, nil)
}
