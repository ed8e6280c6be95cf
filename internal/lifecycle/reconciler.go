package lifecycle

import (
	"context"
	"log"
	"time"

	"github.com/seatrush/flash-sale-ticketing/internal/ledger"
	"github.com/seatrush/flash-sale-ticketing/internal/model"
)

// Reconciler is the periodic sweep that force-rewrites the cached
// OPEN/CLOSED mirror from durable match status.  It is the recovery path
// for divergence caused by a crash between the durable write and the cache
// write, by mirror TTL expiry, or by manual intervention: the durable store
// always wins.
type Reconciler struct {
	svc      *Service
	interval time.Duration
}

// NewReconciler returns a Reconciler sweeping at the given interval.
func NewReconciler(svc *Service, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{svc: svc, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.svc.ReconcileMirrors(ctx)
		}
	}
}

// ReconcileMirrors performs one sweep over every non-FINISHED match.
// Failures are isolated per match: one bad record is logged and the sweep
// moves on.
func (s *Service) ReconcileMirrors(ctx context.Context) {
	matches, err := s.Store.ListUnfinished(ctx)
	if err != nil {
		log.Printf("reconcile: list matches: %v", err)
		return
	}
	for _, m := range matches {
		if err := s.reconcileOne(ctx, m); err != nil {
			log.Printf("reconcile: match %d: %v", m.ID, err)
		}
	}
}

// reconcileOne rewrites one match's mirror to the value its durable status
// implies: PLAYING opens the sale, anything else closes it.
func (s *Service) reconcileOne(ctx context.Context, m *model.Match) error {
	want := ledger.MirrorClosed
	if m.Status == model.MatchPlaying {
		want = ledger.MirrorOpen
	}
	// a PLAYING match that already sold out stays CLOSED
	if want == ledger.MirrorOpen {
		count, err := s.Ledger.ReservedCount(ctx, m.ID)
		if err != nil {
			return err
		}
		if count >= int64(m.TotalSeats) {
			want = ledger.MirrorClosed
		}
	}
	if want == ledger.MirrorOpen {
		return s.Ledger.OpenMatch(ctx, m.ID)
	}
	return s.Ledger.CloseMatch(ctx, m.ID)
}
