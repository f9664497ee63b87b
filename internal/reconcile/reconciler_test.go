package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/regime"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/ledger"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/venue"
)

func newFixture(t *testing.T, cfg Config) (*ledger.Ledger, *venue.Paper, *Reconciler) {
	t.Helper()
	led := ledger.Open(filepath.Join(t.TempDir(), "ledger.json"))
	paper := venue.NewPaper(100_000)
	return led, paper, New(cfg, led, paper)
}

func TestReconcile_CleanWhenInSync(t *testing.T) {
	led, paper, rec := newFixture(t, DefaultConfig())

	pos := ledger.NewPosition("AAPL", 100, "long", 187.5, 80, regime.Bullish, time.Now())
	require.NoError(t, led.Upsert(pos))
	paper.SetPosition(venue.ReportedPosition{Symbol: "AAPL", Qty: 100, Side: "long"})

	diff, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, diff.Clean())
	assert.Equal(t, 0, rec.Status().CyclesSinceClean)
}

// A single divergent read must not trigger a repair: the venue API can
// return transient garbage. Repair happens on the Nth consecutive
// confirmation, and then local state equals venue state exactly.
func TestReconcile_ConfirmThenFix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Confirmations = 2
	led, paper, rec := newFixture(t, cfg)

	pos := ledger.NewPosition("AAPL", 100, "long", 187.5, 80, regime.Bullish, time.Now())
	require.NoError(t, led.Upsert(pos))
	// Venue reports a partial fill the bot never saw.
	paper.SetPosition(venue.ReportedPosition{Symbol: "AAPL", Qty: 60, Side: "long"})

	// Pass 1: suspected, not repaired.
	diff, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Contains(t, diff.MismatchedQty, "AAPL")
	assert.Empty(t, diff.Repaired)
	got, _ := led.Get("AAPL")
	assert.Equal(t, 100.0, got.Qty, "no repair on first observation")

	// Pass 2: confirmed, repaired to venue state.
	diff, err = rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Contains(t, diff.Repaired, "AAPL")

	got, ok := led.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, 60.0, got.Qty, "venue quantity is authoritative")
	assert.Equal(t, 80.0, got.EntryScore, "local metadata survives a qty repair")
	assert.Equal(t, pos.CorrelationID, got.CorrelationID)
}

func TestReconcile_TransientGlitchNeverRepairs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Confirmations = 2
	led, paper, rec := newFixture(t, cfg)

	require.NoError(t, led.Upsert(ledger.NewPosition("AAPL", 100, "long", 187.5, 80, regime.Bullish, time.Now())))
	paper.SetPosition(venue.ReportedPosition{Symbol: "AAPL", Qty: 60, Side: "long"})

	_, err := rec.Reconcile(context.Background())
	require.NoError(t, err)

	// Glitch resolves before confirmation.
	paper.SetPosition(venue.ReportedPosition{Symbol: "AAPL", Qty: 100, Side: "long"})
	diff, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, diff.Clean())

	got, _ := led.Get("AAPL")
	assert.Equal(t, 100.0, got.Qty)
	assert.Equal(t, 0, rec.Status().OpenSuspicions, "resolved suspicion is cleared")
}

func TestReconcile_MissingPositionReconstructedWithSentinels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Confirmations = 1
	led, paper, rec := newFixture(t, cfg)

	// Manual intervention at the brokerage: a position the bot never opened.
	paper.SetPosition(venue.ReportedPosition{Symbol: "GME", Qty: 25, Side: "long", ReportedAt: time.Now()})

	diff, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Contains(t, diff.Missing, "GME")
	assert.Contains(t, diff.Repaired, "GME")

	got, ok := led.Get("GME")
	require.True(t, ok)
	assert.Equal(t, 25.0, got.Qty)
	assert.Equal(t, ledger.EntryScoreUnknown, got.EntryScore,
		"metadata the venue cannot know defaults to explicit sentinels, never zero")
	assert.Equal(t, regime.Unknown, got.EntryRegime)
}

func TestReconcile_StalePositionClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Confirmations = 2
	led, _, rec := newFixture(t, cfg)

	require.NoError(t, led.Upsert(ledger.NewPosition("AAPL", 100, "long", 187.5, 80, regime.Bullish, time.Now())))
	// Venue reports nothing: position was closed out from under the bot.

	for i := 0; i < 2; i++ {
		_, err := rec.Reconcile(context.Background())
		require.NoError(t, err)
	}

	_, ok := led.Get("AAPL")
	assert.False(t, ok, "a position the venue closed is destroyed locally")
	assert.NotZero(t, led.LastExits()["AAPL"], "the exit feeds the cooldown gate")
}

func TestReconcile_KindChangeRestartsConfirmation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Confirmations = 2
	led, paper, rec := newFixture(t, cfg)

	require.NoError(t, led.Upsert(ledger.NewPosition("AAPL", 100, "long", 187.5, 80, regime.Bullish, time.Now())))
	paper.SetPosition(venue.ReportedPosition{Symbol: "AAPL", Qty: 60, Side: "long"})

	_, err := rec.Reconcile(context.Background())
	require.NoError(t, err)

	// Divergence changes shape: now the venue says closed.
	paper.SetPosition(venue.ReportedPosition{Symbol: "AAPL", Qty: 0})
	diff, err := rec.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, diff.Repaired, "a different divergence kind is a new suspicion, not a confirmation")

	got, _ := led.Get("AAPL")
	assert.Equal(t, 100.0, got.Qty)
}

type failingVenue struct {
	venue.ExecutionVenue
}

func (failingVenue) ListPositions(context.Context) ([]venue.ReportedPosition, error) {
	return nil, errors.New("venue 503")
}

func TestReconcile_VenueErrorIsRetriedNotFatal(t *testing.T) {
	led := ledger.Open(filepath.Join(t.TempDir(), "ledger.json"))
	rec := New(DefaultConfig(), led, failingVenue{})

	_, err := rec.Reconcile(context.Background())
	require.Error(t, err)

	st := rec.Status()
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, 1, st.CyclesSinceClean, "health surface reports how long reconciliation has been failing")
}
