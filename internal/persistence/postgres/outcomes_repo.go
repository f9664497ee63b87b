package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/persistence"
)

type outcomesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOutcomesRepo creates a PostgreSQL outcomes repository.
func NewOutcomesRepo(db *sqlx.DB, timeout time.Duration) persistence.OutcomesRepo {
	return &outcomesRepo{db: db, timeout: timeout}
}

func (r *outcomesRepo) Insert(ctx context.Context, o persistence.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO outcomes (ts, symbol, regime, won, pnl_pct, entry_score, held_for, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	err := r.db.QueryRowxContext(ctx, query,
		o.Timestamp, o.Symbol, o.Regime, o.Won,
		o.PnLPct, o.EntryScore, o.HeldFor, o.CorrelationID).
		Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}

	return nil
}

func (r *outcomesRepo) ListBySymbol(ctx context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, ts, symbol, regime, won, pnl_pct, entry_score, held_for, correlation_id, created_at
		FROM outcomes
		WHERE symbol = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts DESC
		LIMIT $4`

	var outcomes []persistence.Outcome
	if err := r.db.SelectContext(ctx, &outcomes, query, symbol, tr.From, tr.To, limit); err != nil {
		return nil, fmt.Errorf("failed to query outcomes by symbol: %w", err)
	}

	return outcomes, nil
}
