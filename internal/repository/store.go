package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/seatrush/flash-sale-ticketing/internal/model"
)

// Store bundles the match and outcome repositories behind one durable-state
// facade for the lifecycle service.  The only multi-statement operation is
// FinalizeMatch, which must commit the status flip and the synthesized
// failure outcomes together.
type Store struct {
	db       *sql.DB
	Matches  *MatchRepo
	Outcomes *OutcomeRepo
}

// NewStore returns a Store over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, Matches: NewMatchRepo(db), Outcomes: NewOutcomeRepo(db)}
}

// CreateMatch inserts a new WAITING match and fills in its id.
func (s *Store) CreateMatch(ctx context.Context, m *model.Match) error {
	return s.Matches.Create(ctx, m)
}

// GetMatch loads one match; ErrMatchNotFound when absent.
func (s *Store) GetMatch(ctx context.Context, matchID uint64) (*model.Match, error) {
	return s.Matches.GetByID(ctx, matchID)
}

// GetActiveByRoom loads the room's live match; ErrMatchNotFound when none.
func (s *Store) GetActiveByRoom(ctx context.Context, roomID uint64) (*model.Match, error) {
	return s.Matches.GetActiveByRoom(ctx, roomID)
}

// MarkPlaying flips WAITING to PLAYING; ErrConflict when already flipped.
func (s *Store) MarkPlaying(ctx context.Context, matchID uint64) error {
	return s.Matches.MarkPlaying(ctx, matchID)
}

// FinalizeMatch commits the PLAYING->FINISHED flip together with the failed
// outcomes synthesized for users who held seats but never confirmed.
// Returns ErrConflict untouched when another instance finished the match
// first; in that case nothing is written.
func (s *Store) FinalizeMatch(ctx context.Context, matchID uint64, humans, bots int, failed []*model.TerminalOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := s.Matches.MarkFinishedTx(ctx, tx, matchID, humans, bots); err != nil {
		return err
	}
	for _, o := range failed {
		if err := s.Outcomes.CreateTx(ctx, tx, o); err != nil {
			// a concurrent confirm slipped in before the flip; its outcome wins
			if err == ErrConflict {
				continue
			}
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// CreateOutcome inserts a terminal outcome; ErrConflict on a duplicate pair.
func (s *Store) CreateOutcome(ctx context.Context, o *model.TerminalOutcome) error {
	return s.Outcomes.Create(ctx, o)
}

// GetOutcome loads the outcome for a pair; sql.ErrNoRows when absent.
func (s *Store) GetOutcome(ctx context.Context, matchID uint64, userID string) (*model.TerminalOutcome, error) {
	return s.Outcomes.GetByMatchAndUser(ctx, matchID, userID)
}

// ListOutcomes returns every outcome for the match.
func (s *Store) ListOutcomes(ctx context.Context, matchID uint64) ([]*model.TerminalOutcome, error) {
	return s.Outcomes.ListByMatch(ctx, matchID)
}

// CountRealOutcomes counts outcomes belonging to real (non-bot) users.
func (s *Store) CountRealOutcomes(ctx context.Context, matchID uint64) (int64, error) {
	return s.Outcomes.CountByMatch(ctx, matchID)
}

// ListUnfinished returns matches not yet FINISHED.
func (s *Store) ListUnfinished(ctx context.Context) ([]*model.Match, error) {
	return s.Matches.ListUnfinished(ctx)
}

// ListOverdueWaiting returns WAITING matches whose open time has passed.
func (s *Store) ListOverdueWaiting(ctx context.Context, lead time.Duration) ([]*model.Match, error) {
	return s.Matches.ListOverdueWaiting(ctx, lead)
}
