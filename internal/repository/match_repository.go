package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/seatrush/flash-sale-ticketing/internal/model"
)

// MatchRepo provides data access to the matches table.  The durable row is
// the authority for match status: the Redis mirror is only a cache and the
// reconciliation sweep rewrites it from these rows.  All timestamps are UTC.
type MatchRepo struct {
	db *sql.DB
}

// NewMatchRepo returns a new MatchRepo bound to the provided database.
func NewMatchRepo(db *sql.DB) *MatchRepo { return &MatchRepo{db: db} }

// DB exposes the underlying handle so callers can open transactions that
// span this and the outcome repository.
func (r *MatchRepo) DB() *sql.DB { return r.db }

const matchColumns = `id, room_id, status, max_participants, total_seats,
	started_at, ended_at, success_count_human, success_count_bot,
	created_at, updated_at`

func scanMatch(row interface{ Scan(...any) error }) (*model.Match, error) {
	var m model.Match
	var ended sql.NullTime
	if err := row.Scan(&m.ID, &m.RoomID, &m.Status, &m.MaxParticipants, &m.TotalSeats,
		&m.StartedAt, &ended, &m.SuccessCountHuman, &m.SuccessCountBot,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		m.EndedAt = &t
	}
	return &m, nil
}

// Create inserts a new WAITING match scheduled by a room and fills in the
// generated id.
func (r *MatchRepo) Create(ctx context.Context, m *model.Match) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO matches (room_id, status, max_participants, total_seats, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.RoomID, model.MatchWaiting, m.MaxParticipants, m.TotalSeats,
		m.StartedAt.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = uint64(id)
	m.Status = model.MatchWaiting
	return nil
}

// GetByID loads a single match.  Returns ErrMatchNotFound when no row exists.
func (r *MatchRepo) GetByID(ctx context.Context, matchID uint64) (*model.Match, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = ?`, matchID)
	m, err := scanMatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetActiveByRoom returns the room's most recent non-FINISHED match, which
// is the match ongoing room operations (queue joins, disconnect releases)
// refer to.  Returns ErrMatchNotFound when the room has no live sale.
func (r *MatchRepo) GetActiveByRoom(ctx context.Context, roomID uint64) (*model.Match, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM matches
		 WHERE room_id = ? AND status <> ? ORDER BY id DESC LIMIT 1`,
		roomID, model.MatchFinished)
	m, err := scanMatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MarkPlaying flips a WAITING match to PLAYING.  The WHERE clause makes the
// flip conditional so a redundant firing (idempotency guard lost, sweep
// raced the timer) affects zero rows; that case returns ErrConflict and the
// caller treats it as success-no-op.
func (r *MatchRepo) MarkPlaying(ctx context.Context, matchID uint64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE matches SET status = ?, updated_at = NOW() WHERE id = ? AND status = ?`,
		model.MatchPlaying, matchID, model.MatchWaiting)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkFinishedTx flips a PLAYING match to FINISHED inside the caller's
// transaction, recording the end time and final success counters.  Like
// MarkPlaying, a zero-row update means another instance already finished the
// match and surfaces as ErrConflict.
func (r *MatchRepo) MarkFinishedTx(ctx context.Context, tx *sql.Tx, matchID uint64, humans, bots int) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE matches
		 SET status = ?, ended_at = UTC_TIMESTAMP(), success_count_human = ?,
			 success_count_bot = ?, updated_at = NOW()
		 WHERE id = ? AND status = ?`,
		model.MatchFinished, humans, bots, matchID, model.MatchPlaying)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ListUnfinished returns every match that has not reached FINISHED.  The
// reconciliation sweep iterates these to force the cached mirror back to the
// value the durable status implies.
func (r *MatchRepo) ListUnfinished(ctx context.Context) ([]*model.Match, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE status <> ?`, model.MatchFinished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var matches []*model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// ListOverdueWaiting returns WAITING matches whose open time (started_at
// minus the lead) has already passed.  This is the self-heal path for
// one-shot start timers lost to an instance crash.
func (r *MatchRepo) ListOverdueWaiting(ctx context.Context, lead time.Duration) ([]*model.Match, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+matchColumns+` FROM matches
		 WHERE status = ? AND started_at <= DATE_ADD(UTC_TIMESTAMP(), INTERVAL ? SECOND)`,
		model.MatchWaiting, int64(lead/time.Second))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var matches []*model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
