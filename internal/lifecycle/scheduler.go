package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler arms one-shot timers that fire the WAITING -> PLAYING transition
// at started_at minus the lead.  Every instance arms a timer for every match
// it hears about; the start guard makes the extra fires harmless.  Timers
// are in-memory only; the missed-fire sweep below is the recovery path for
// an instance that died with a timer pending.
type Scheduler struct {
	svc  *Service
	lead time.Duration

	mu     sync.Mutex
	timers map[uint64]*time.Timer
}

// NewScheduler returns a Scheduler firing lead before each match's start.
func NewScheduler(svc *Service, lead time.Duration) *Scheduler {
	return &Scheduler{svc: svc, lead: lead, timers: make(map[uint64]*time.Timer)}
}

// Arm schedules the start fire for a match.  A past due time fires
// immediately.  Re-arming an already armed match is a no-op.
func (s *Scheduler) Arm(matchID uint64, startedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, armed := s.timers[matchID]; armed {
		return
	}
	delay := time.Until(startedAt.Add(-s.lead))
	if delay < 0 {
		delay = 0
	}
	s.timers[matchID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, matchID)
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.svc.StartMatch(ctx, matchID); err != nil {
			log.Printf("scheduler: start match %d: %v", matchID, err)
		}
	})
}

// Disarm cancels a pending fire, if any.
func (s *Scheduler) Disarm(matchID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[matchID]; ok {
		t.Stop()
		delete(s.timers, matchID)
	}
}

// StopAll cancels every pending timer.  Used at shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// RunMissedFireSweep periodically looks for matches that should already be
// PLAYING but are still WAITING (the self-heal for one-shot timers lost to
// a crash) and pushes each through the guarded start path.  Runs until ctx
// is cancelled.
func (s *Scheduler) RunMissedFireSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			overdue, err := s.svc.Store.ListOverdueWaiting(ctx, s.lead)
			if err != nil {
				log.Printf("scheduler: overdue sweep: %v", err)
				continue
			}
			for _, m := range overdue {
				if err := s.svc.StartMatch(ctx, m.ID); err != nil {
					log.Printf("scheduler: sweep start match %d: %v", m.ID, err)
				}
			}
		}
	}
}
