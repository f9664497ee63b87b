package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/regime"
)

func TestOpenClose_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l := Open(path)

	pos := NewPosition("AAPL", 100, "long", 187.5, 82.3, regime.Bullish, time.Now().UTC())
	require.NoError(t, l.Upsert(pos))

	reloaded := Open(path)
	got, ok := reloaded.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, pos.CorrelationID, got.CorrelationID)
	assert.Equal(t, pos.EntryScore, got.EntryScore)

	exitAt := time.Now().UTC()
	require.NoError(t, reloaded.Close("AAPL", exitAt))
	_, ok = reloaded.Get("AAPL")
	assert.False(t, ok)

	again := Open(path)
	assert.Equal(t, 0, again.Count())
	assert.WithinDuration(t, exitAt, again.LastExits()["AAPL"], time.Second,
		"exit times survive restart for the cooldown gate")
}

func TestReconstructed_UsesSentinelsNotZeros(t *testing.T) {
	pos := Reconstructed("TSLA", 50, "long", time.Now())

	assert.Equal(t, EntryScoreUnknown, pos.EntryScore)
	assert.Equal(t, EntryPriceUnknown, pos.EntryPrice)
	assert.Equal(t, regime.Unknown, pos.EntryRegime)
	assert.False(t, pos.HasKnownEntry())
	assert.NotEmpty(t, pos.CorrelationID)

	known := NewPosition("TSLA", 50, "long", 250, 0, regime.Neutral, time.Now())
	assert.True(t, known.HasKnownEntry(), "a genuine zero score is not the unknown sentinel")
}

func TestOpen_CorruptFileResetsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	l := Open(path)
	assert.Equal(t, 0, l.Count(), "corrupt ledger resets to empty, never crashes")

	_, err := os.Stat(path + ".corrupt")
	assert.NoError(t, err, "the bad file is kept aside for post-mortem")
}

func TestOpen_WrongSchemaVersionResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"schema_version": 999, "payload": {"positions": []}}`), 0o644))

	l := Open(path)
	assert.Equal(t, 0, l.Count())
}

func TestValidate_RejectsImpossibleState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"schema_version": 1, "payload": {"positions": [{"symbol": "A", "qty": -5}]}}`), 0o644))

	l := Open(path)
	assert.Equal(t, 0, l.Count(), "semantically impossible state is treated as corrupt")
}
