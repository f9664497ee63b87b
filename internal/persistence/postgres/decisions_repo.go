package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/persistence"
)

// decisionsRepo implements persistence.DecisionsRepo on PostgreSQL. Gate
// checks and free-form attributes live in JSONB columns.
type decisionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDecisionsRepo creates a PostgreSQL decisions repository.
func NewDecisionsRepo(db *sqlx.DB, timeout time.Duration) persistence.DecisionsRepo {
	return &decisionsRepo{db: db, timeout: timeout}
}

func (r *decisionsRepo) Insert(ctx context.Context, d persistence.Decision) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	checksJSON, err := json.Marshal(d.Checks)
	if err != nil {
		return fmt.Errorf("failed to marshal checks: %w", err)
	}
	attributesJSON, err := json.Marshal(d.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	query := `
		INSERT INTO decisions (ts, symbol, accepted, rejected_by, reason, score, displaces, checks, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`

	err = r.db.QueryRowxContext(ctx, query,
		d.Timestamp, d.Symbol, d.Accepted, d.RejectedBy,
		d.Reason, d.Score, d.Displaces, checksJSON, attributesJSON).
		Scan(&d.ID, &d.CreatedAt)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate decision: %w", err)
		}
		return fmt.Errorf("failed to insert decision: %w", err)
	}

	return nil
}

func (r *decisionsRepo) ListBySymbol(ctx context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, ts, symbol, accepted, rejected_by, reason, score, displaces, checks, attributes, created_at
		FROM decisions
		WHERE symbol = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts DESC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, symbol, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions by symbol: %w", err)
	}
	defer rows.Close()

	return r.scanDecisions(rows)
}

func (r *decisionsRepo) GetLatest(ctx context.Context, limit int) ([]persistence.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, ts, symbol, accepted, rejected_by, reason, score, displaces, checks, attributes, created_at
		FROM decisions
		ORDER BY ts DESC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest decisions: %w", err)
	}
	defer rows.Close()

	return r.scanDecisions(rows)
}

func (r *decisionsRepo) Count(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM decisions
		WHERE ts >= $1 AND ts <= $2`

	var count int64
	err := r.db.QueryRowxContext(ctx, query, tr.From, tr.To).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}

	return count, nil
}

func (r *decisionsRepo) scanDecisions(rows *sqlx.Rows) ([]persistence.Decision, error) {
	var decisions []persistence.Decision

	for rows.Next() {
		var d persistence.Decision
		var checksJSON, attributesJSON []byte

		err := rows.Scan(
			&d.ID, &d.Timestamp, &d.Symbol, &d.Accepted, &d.RejectedBy,
			&d.Reason, &d.Score, &d.Displaces, &checksJSON, &attributesJSON,
			&d.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}

		if len(checksJSON) > 0 {
			if err := json.Unmarshal(checksJSON, &d.Checks); err != nil {
				return nil, fmt.Errorf("failed to unmarshal checks: %w", err)
			}
		}
		if len(attributesJSON) > 0 {
			if err := json.Unmarshal(attributesJSON, &d.Attributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
			}
		} else {
			d.Attributes = make(map[string]interface{})
		}

		decisions = append(decisions, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return decisions, nil
}
