package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/seatrush/flash-sale-ticketing/internal/model"
)

// mysqlDupEntry is the server error number for a unique-key violation.
const mysqlDupEntry = 1062

// OutcomeRepo provides data access to the terminal_outcomes table.  The
// UNIQUE(match_id, user_id) key is the durable guarantee that at most one
// terminal outcome ever exists per pair: concurrent confirms race on the
// insert and the loser reads the winner's row back.
type OutcomeRepo struct {
	db *sql.DB
}

// NewOutcomeRepo returns a new OutcomeRepo bound to the provided database.
func NewOutcomeRepo(db *sql.DB) *OutcomeRepo { return &OutcomeRepo{db: db} }

// Create inserts a terminal outcome.  A duplicate (match_id, user_id) pair
// is reported as ErrConflict so callers can fall back to the existing row.
func (r *OutcomeRepo) Create(ctx context.Context, o *model.TerminalOutcome) error {
	return r.create(ctx, r.db, o)
}

// CreateTx is Create inside the caller's transaction.  Used by finalization
// so synthesized failures commit together with the status flip.
func (r *OutcomeRepo) CreateTx(ctx context.Context, tx *sql.Tx, o *model.TerminalOutcome) error {
	return r.create(ctx, tx, o)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *OutcomeRepo) create(ctx context.Context, ex execer, o *model.TerminalOutcome) error {
	seats, err := json.Marshal(o.Seats)
	if err != nil {
		return err
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO terminal_outcomes (match_id, user_id, result, user_rank, seats)
		 VALUES (?, ?, ?, ?, ?)`,
		o.MatchID, o.UserID, o.Result, o.Rank, seats)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDupEntry {
			return ErrConflict
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	o.ID = uint64(id)
	return nil
}

// GetByMatchAndUser loads the terminal outcome for a (match, user) pair.
// Returns sql.ErrNoRows untouched when the pair has no outcome yet.
func (r *OutcomeRepo) GetByMatchAndUser(ctx context.Context, matchID uint64, userID string) (*model.TerminalOutcome, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, match_id, user_id, result, user_rank, seats, created_at
		 FROM terminal_outcomes WHERE match_id = ? AND user_id = ?`,
		matchID, userID)
	return scanOutcome(row)
}

// ListByMatch returns every terminal outcome for the match in insert order.
func (r *OutcomeRepo) ListByMatch(ctx context.Context, matchID uint64) ([]*model.TerminalOutcome, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, match_id, user_id, result, user_rank, seats, created_at
		 FROM terminal_outcomes WHERE match_id = ? ORDER BY id`,
		matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var outcomes []*model.TerminalOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// CountByMatch returns how many real (non-bot) users have a terminal outcome
// for the match.  Bots never count toward the completion rule.
func (r *OutcomeRepo) CountByMatch(ctx context.Context, matchID uint64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM terminal_outcomes
		 WHERE match_id = ? AND user_id NOT LIKE 'bot:%'`,
		matchID).Scan(&n)
	return n, err
}

func scanOutcome(row interface{ Scan(...any) error }) (*model.TerminalOutcome, error) {
	var o model.TerminalOutcome
	var seats []byte
	if err := row.Scan(&o.ID, &o.MatchID, &o.UserID, &o.Result, &o.Rank, &seats, &o.CreatedAt); err != nil {
		return nil, err
	}
	if len(seats) > 0 {
		if err := json.Unmarshal(seats, &o.Seats); err != nil {
			return nil, err
		}
	}
	return &o, nil
}
