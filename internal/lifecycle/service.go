// Package lifecycle orchestrates the WAITING -> PLAYING -> FINISHED state
// machine for matches.  Transitions are idempotent: set-if-absent guards in
// Redis make redundant timer fires and racing instances collapse to exactly
// one execution, and the durable store's conditional updates back the guards
// up when a guard key is lost.  Collaborator notifications always run after
// the owning transaction commits and never roll anything back.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seatrush/flash-sale-ticketing/internal/admission"
	"github.com/seatrush/flash-sale-ticketing/internal/ledger"
	"github.com/seatrush/flash-sale-ticketing/internal/model"
	"github.com/seatrush/flash-sale-ticketing/internal/queue"
	"github.com/seatrush/flash-sale-ticketing/internal/repository"
)

// ErrNoSeats is returned by Confirm when the user holds no seats to confirm.
var ErrNoSeats = errors.New("no held seats to confirm")

// Store is the durable side of the state machine, implemented by
// repository.Store and faked in tests.
type Store interface {
	CreateMatch(ctx context.Context, m *model.Match) error
	GetMatch(ctx context.Context, matchID uint64) (*model.Match, error)
	GetActiveByRoom(ctx context.Context, roomID uint64) (*model.Match, error)
	MarkPlaying(ctx context.Context, matchID uint64) error
	FinalizeMatch(ctx context.Context, matchID uint64, humans, bots int, failed []*model.TerminalOutcome) error
	CreateOutcome(ctx context.Context, o *model.TerminalOutcome) error
	GetOutcome(ctx context.Context, matchID uint64, userID string) (*model.TerminalOutcome, error)
	ListOutcomes(ctx context.Context, matchID uint64) ([]*model.TerminalOutcome, error)
	CountRealOutcomes(ctx context.Context, matchID uint64) (int64, error)
	ListUnfinished(ctx context.Context) ([]*model.Match, error)
	ListOverdueWaiting(ctx context.Context, lead time.Duration) ([]*model.Match, error)
}

// Bus is the event-bus surface the service publishes on.
type Bus interface {
	PublishRoomEvent(ctx context.Context, typ string, roomID, matchID uint64, data any) error
	PublishSeatConfirmed(ctx context.Context, ev queue.SeatConfirmedEvent) error
}

// BotNotifier, RoomNotifier and StatsNotifier are the external collaborators.
type BotNotifier interface {
	InjectParticipants(ctx context.Context, roomID, matchID uint64, totalSeats int) error
	NotifyMatchFinished(ctx context.Context, matchID uint64) error
}

type RoomNotifier interface {
	NotifySaleStarted(ctx context.Context, roomID, matchID uint64) error
	NotifySaleEnded(ctx context.Context, roomID, matchID uint64) error
}

type StatsNotifier interface {
	IngestMatch(ctx context.Context, result model.MatchStats) error
}

// Deps wires the service.  Bus and the notifiers may be nil; a nil
// dependency turns the corresponding notification into a no-op, which is
// also how tests isolate the state machine.
type Deps struct {
	Store     Store
	Ledger    *ledger.SeatLedger
	Queue     *admission.Queue
	Refresher *admission.Refresher
	Redis     *redis.Client
	Bus       Bus
	Bots      BotNotifier
	Rooms     RoomNotifier
	Stats     StatsNotifier
	GuardTTL  time.Duration // TTL on the transition idempotency guards
	StartLead time.Duration // how long before started_at the match opens
}

// Service is the match lifecycle orchestrator.
type Service struct {
	Deps
}

// NewService validates the required dependencies and returns the service.
func NewService(deps Deps) *Service {
	if deps.Store == nil || deps.Ledger == nil || deps.Queue == nil || deps.Redis == nil {
		panic("lifecycle.NewService: missing required dependency")
	}
	if deps.GuardTTL <= 0 {
		deps.GuardTTL = 10 * time.Minute
	}
	return &Service{Deps: deps}
}

func startGuardKey(matchID uint64) string  { return fmt.Sprintf("mstart:%d", matchID) }
func finishGuardKey(matchID uint64) string { return fmt.Sprintf("mfinish:%d", matchID) }

// acquireGuard claims a transition guard.  Exactly one caller per guard key
// wins within the TTL window; everyone else observes a no-op.
func (s *Service) acquireGuard(ctx context.Context, key string) (bool, error) {
	ok, err := s.Redis.SetNX(ctx, key, 1, s.GuardTTL).Result()
	if err != nil {
		return false, fmt.Errorf("lifecycle: guard %s: %w", key, err)
	}
	return ok, nil
}

// ScheduleMatch creates a WAITING match for a room's sale and announces it.
// The caller (HTTP handler) arms the one-shot start timer afterwards.
func (s *Service) ScheduleMatch(ctx context.Context, roomID uint64, maxParticipants, totalSeats int, startedAt time.Time) (*model.Match, error) {
	m := &model.Match{
		RoomID:          roomID,
		MaxParticipants: maxParticipants,
		TotalSeats:      totalSeats,
		StartedAt:       startedAt.UTC(),
	}
	if err := s.Store.CreateMatch(ctx, m); err != nil {
		return nil, err
	}
	if s.Bus != nil {
		_ = s.Bus.PublishRoomEvent(ctx, queue.TypeMatchInserted, roomID, m.ID, nil)
	}
	return m, nil
}

// StartMatch executes the WAITING -> PLAYING transition at most once.
// Losing the guard race, or finding the durable row already flipped, is
// success-no-op.  On the winning execution the durable status flips first,
// then the ledger mirror opens, the room's queue refresher starts, and the
// bot collaborator is asked to inject synthetic participants.
func (s *Service) StartMatch(ctx context.Context, matchID uint64) error {
	won, err := s.acquireGuard(ctx, startGuardKey(matchID))
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	m, err := s.Store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if err := s.Store.MarkPlaying(ctx, matchID); err != nil {
		if err == repository.ErrConflict {
			return nil // another path already flipped it
		}
		return err
	}
	if err := s.Ledger.OpenMatch(ctx, matchID); err != nil {
		return err
	}
	if s.Refresher != nil {
		s.Refresher.StartRoom(m.RoomID)
	}
	log.Printf("lifecycle: match %d playing (room %d)", matchID, m.RoomID)

	// Post-commit notifications: best effort, never rolled back.
	s.notifyAsync(func(ctx context.Context) {
		if s.Bots != nil {
			if err := s.Bots.InjectParticipants(ctx, m.RoomID, matchID, m.TotalSeats); err != nil {
				log.Printf("lifecycle: bot inject match %d: %v", matchID, err)
			}
		}
		if s.Rooms != nil {
			if err := s.Rooms.NotifySaleStarted(ctx, m.RoomID, matchID); err != nil {
				log.Printf("lifecycle: room notify match %d: %v", matchID, err)
			}
		}
		if s.Bus != nil {
			_ = s.Bus.PublishRoomEvent(ctx, queue.TypeRoomPlayingStarted, m.RoomID, matchID, nil)
		}
	})
	return nil
}

// Confirm finalizes a user's purchase.  Idempotent per (user, match): a
// repeated call returns the original outcome.  The arrival rank is assigned
// exactly once in the ledger; the MySQL unique key is the durable backstop
// when two confirms race past the existence check.
func (s *Service) Confirm(ctx context.Context, matchID uint64, userID string, metrics map[string]any) (*model.TerminalOutcome, error) {
	m, err := s.Store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if existing, err := s.Store.GetOutcome(ctx, matchID, userID); err == nil {
		return existing, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}
	if m.Status != model.MatchPlaying {
		return nil, repository.ErrClosed
	}
	held, err := s.Ledger.OwnedSeats(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return nil, ErrNoSeats
	}
	rank, err := s.Ledger.ConfirmRank(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}
	o := &model.TerminalOutcome{
		MatchID: matchID,
		UserID:  userID,
		Result:  model.OutcomeConfirmed,
		Rank:    rank,
		Seats:   held,
	}
	if err := s.Store.CreateOutcome(ctx, o); err != nil {
		if err == repository.ErrConflict {
			return s.Store.GetOutcome(ctx, matchID, userID)
		}
		return nil, err
	}
	if s.Bus != nil {
		_ = s.Bus.PublishSeatConfirmed(ctx, queue.SeatConfirmedEvent{
			MatchID:     matchID,
			RoomID:      m.RoomID,
			UserID:      userID,
			Rank:        rank,
			Seats:       held,
			Metrics:     metrics,
			ConfirmedAt: time.Now().UTC().Format(time.RFC3339),
		})
	}
	if err := s.CheckCompletion(ctx, matchID); err != nil {
		log.Printf("lifecycle: completion check match %d: %v", matchID, err)
	}
	return o, nil
}

// ReleaseUser frees any held-but-unconfirmed seats for a user leaving the
// room and uncounts them from the active-participant set, then re-evaluates
// completion (the departed user may have been the last real holdout).  A
// departure by someone who never held a seat leaves the set untouched.
func (s *Service) ReleaseUser(ctx context.Context, matchID uint64, userID string) (int, error) {
	m, err := s.Store.GetMatch(ctx, matchID)
	if err != nil {
		return 0, err
	}
	// confirmed users keep their seats; only unconfirmed holds are released
	if _, err := s.Store.GetOutcome(ctx, matchID, userID); err == sql.ErrNoRows {
		released, _, err := s.Ledger.ReleaseUser(ctx, matchID, userID, m.TotalSeats)
		if err != nil {
			return 0, err
		}
		if !model.IsBotUser(userID) {
			if err := s.Ledger.RemoveParticipant(ctx, matchID, userID); err != nil {
				return released, err
			}
		}
		if err := s.CheckCompletion(ctx, matchID); err != nil {
			log.Printf("lifecycle: completion check match %d: %v", matchID, err)
		}
		return released, nil
	} else if err != nil {
		return 0, err
	}
	return 0, nil
}

// CheckCompletion fires the PLAYING -> FINISHED transition when either the
// reserved count has reached capacity or every active real participant has a
// terminal outcome.  Safe to call concurrently; the finish guard collapses
// racing calls to one finalization.
func (s *Service) CheckCompletion(ctx context.Context, matchID uint64) error {
	m, err := s.Store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if m.Status != model.MatchPlaying {
		return nil
	}
	count, err := s.Ledger.ReservedCount(ctx, matchID)
	if err != nil {
		return err
	}
	if count >= int64(m.TotalSeats) {
		return s.Finish(ctx, matchID)
	}
	participants, err := s.Ledger.ParticipantCount(ctx, matchID)
	if err != nil {
		return err
	}
	if participants == 0 {
		return nil // nobody has entered the seat phase yet
	}
	done, err := s.Store.CountRealOutcomes(ctx, matchID)
	if err != nil {
		return err
	}
	if done >= participants {
		return s.Finish(ctx, matchID)
	}
	return nil
}

// Finish executes the PLAYING -> FINISHED transition at most once: failed
// outcomes are synthesized for real users who held seats but never
// confirmed, final counters and ranks commit with the status flip, every
// per-match ephemeral key is deleted, and collaborators are notified after
// the commit.
func (s *Service) Finish(ctx context.Context, matchID uint64) error {
	won, err := s.acquireGuard(ctx, finishGuardKey(matchID))
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	m, err := s.Store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	arrivals, err := s.Ledger.Arrivals(ctx, matchID)
	if err != nil {
		return err
	}
	confirmed := make(map[string]bool, len(arrivals))
	humans, bots := 0, 0
	for _, u := range arrivals {
		confirmed[u] = true
		if model.IsBotUser(u) {
			bots++
		} else {
			humans++
		}
	}
	holders, err := s.Ledger.Holders(ctx, matchID)
	if err != nil {
		return err
	}
	var failed []*model.TerminalOutcome
	for _, u := range holders {
		if confirmed[u] || model.IsBotUser(u) {
			continue
		}
		held, err := s.Ledger.OwnedSeats(ctx, matchID, u)
		if err != nil {
			return err
		}
		failed = append(failed, &model.TerminalOutcome{
			MatchID: matchID,
			UserID:  u,
			Result:  model.OutcomeFailed,
			Seats:   held,
		})
	}
	if err := s.Store.FinalizeMatch(ctx, matchID, humans, bots, failed); err != nil {
		if err == repository.ErrConflict {
			return nil // another instance finished it first
		}
		return err
	}
	// bound memory: drop every per-match ephemeral key now that the durable
	// record is committed
	if err := s.Ledger.Cleanup(ctx, matchID); err != nil {
		log.Printf("lifecycle: ledger cleanup match %d: %v", matchID, err)
	}
	if err := s.Queue.Teardown(ctx, m.RoomID); err != nil {
		log.Printf("lifecycle: queue teardown room %d: %v", m.RoomID, err)
	}
	if s.Refresher != nil {
		s.Refresher.StopRoom(m.RoomID)
	}
	log.Printf("lifecycle: match %d finished (humans=%d bots=%d failed=%d)", matchID, humans, bots, len(failed))

	outcomes, err := s.Store.ListOutcomes(ctx, matchID)
	if err != nil {
		log.Printf("lifecycle: list outcomes match %d: %v", matchID, err)
	}
	s.notifyAsync(func(ctx context.Context) {
		if s.Bus != nil {
			_ = s.Bus.PublishRoomEvent(ctx, queue.TypeRoomPlayingEnded, m.RoomID, matchID, nil)
		}
		if s.Bots != nil {
			if err := s.Bots.NotifyMatchFinished(ctx, matchID); err != nil {
				log.Printf("lifecycle: bot stop match %d: %v", matchID, err)
			}
		}
		if s.Rooms != nil {
			if err := s.Rooms.NotifySaleEnded(ctx, m.RoomID, matchID); err != nil {
				log.Printf("lifecycle: room notify match %d: %v", matchID, err)
			}
		}
		if s.Stats != nil {
			result := model.MatchStats{MatchID: matchID, RoomID: m.RoomID, Humans: humans, Bots: bots, Outcomes: outcomes}
			if err := s.Stats.IngestMatch(ctx, result); err != nil {
				log.Printf("lifecycle: stats ingest match %d: %v", matchID, err)
			}
		}
	})
	return nil
}

// notifyAsync runs post-commit notifications in the background with their
// own deadline so a slow collaborator never blocks the request path.
func (s *Service) notifyAsync(fn func(ctx context.Context)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fn(ctx)
	}()
}
