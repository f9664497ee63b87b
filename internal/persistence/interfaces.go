package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/engine"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/gates"
)

// Decision is one journaled gate verdict, accepted or rejected. Rejections
// are kept deliberately so they can be replayed counterfactually against
// later prices.
type Decision struct {
	ID         int64                  `db:"id" json:"id"`
	Timestamp  time.Time              `db:"ts" json:"ts"`
	Symbol     string                 `db:"symbol" json:"symbol"`
	Accepted   bool                   `db:"accepted" json:"accepted"`
	RejectedBy string                 `db:"rejected_by" json:"rejected_by,omitempty"`
	Reason     string                 `db:"reason" json:"reason"`
	Score      float64                `db:"score" json:"score"`
	Displaces  string                 `db:"displaces" json:"displaces,omitempty"`
	Checks     []gates.Check          `db:"-" json:"checks"`
	Attributes map[string]interface{} `db:"-" json:"attributes,omitempty"`
	CreatedAt  time.Time              `db:"created_at" json:"created_at"`
}

// Outcome is a closed trade with its entry context, the raw material the
// weight learner trains on.
type Outcome struct {
	ID            int64     `db:"id" json:"id"`
	Timestamp     time.Time `db:"ts" json:"ts"`
	Symbol        string    `db:"symbol" json:"symbol"`
	Regime        string    `db:"regime" json:"regime"`
	Won           bool      `db:"won" json:"won"`
	PnLPct        float64   `db:"pnl_pct" json:"pnl_pct"`
	EntryScore    float64   `db:"entry_score" json:"entry_score"`
	HeldFor       string    `db:"held_for" json:"held_for"`
	CorrelationID string    `db:"correlation_id" json:"correlation_id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// TimeRange bounds list queries, inclusive on both ends.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// DecisionsRepo is the audit sink for gate verdicts.
type DecisionsRepo interface {
	Insert(ctx context.Context, d Decision) error
	ListBySymbol(ctx context.Context, symbol string, tr TimeRange, limit int) ([]Decision, error)
	GetLatest(ctx context.Context, limit int) ([]Decision, error)
	Count(ctx context.Context, tr TimeRange) (int64, error)
}

// OutcomesRepo stores closed-trade results for offline analysis.
type OutcomesRepo interface {
	Insert(ctx context.Context, o Outcome) error
	ListBySymbol(ctx context.Context, symbol string, tr TimeRange, limit int) ([]Outcome, error)
}

// JournalSink adapts a DecisionsRepo to the gate pipeline's journal
// contract. Insert failures are logged and dropped; the audit trail is
// best-effort and must never veto a trade.
type JournalSink struct {
	repo    DecisionsRepo
	timeout time.Duration
}

// NewJournalSink wraps repo as a gate journal.
func NewJournalSink(repo DecisionsRepo, timeout time.Duration) *JournalSink {
	return &JournalSink{repo: repo, timeout: timeout}
}

// Record implements gates.Journal.
func (s *JournalSink) Record(res gates.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	d := Decision{
		Timestamp:  res.Timestamp,
		Symbol:     res.Symbol,
		Accepted:   res.Accepted,
		RejectedBy: res.RejectedBy,
		Reason:     res.Reason,
		Score:      res.Score,
		Displaces:  res.Displaces,
		Checks:     res.Checks,
	}
	if err := s.repo.Insert(ctx, d); err != nil {
		log.Error().Err(err).Str("symbol", res.Symbol).
			Msg("decision audit insert failed, record dropped")
	}
}

// OutcomeSink adapts an OutcomesRepo to the engine's trade audit contract.
// Same best-effort rule as JournalSink: an insert failure is logged, never
// surfaced to the close path.
type OutcomeSink struct {
	repo    OutcomesRepo
	timeout time.Duration
}

// NewOutcomeSink wraps repo as a closed-trade audit sink.
func NewOutcomeSink(repo OutcomesRepo, timeout time.Duration) *OutcomeSink {
	return &OutcomeSink{repo: repo, timeout: timeout}
}

// RecordClose implements engine.TradeAudit.
func (s *OutcomeSink) RecordClose(tr engine.ClosedTrade) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	o := Outcome{
		Timestamp:     tr.ClosedAt,
		Symbol:        tr.Symbol,
		Regime:        string(tr.Regime),
		Won:           tr.Won,
		PnLPct:        tr.PnLPct,
		EntryScore:    tr.EntryScore,
		HeldFor:       tr.HeldFor.String(),
		CorrelationID: tr.CorrelationID,
	}
	if err := s.repo.Insert(ctx, o); err != nil {
		log.Error().Err(err).Str("symbol", tr.Symbol).
			Msg("outcome audit insert failed, record dropped")
	}
}
