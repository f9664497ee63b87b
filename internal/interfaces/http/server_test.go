package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/cache"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/signal"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/gates"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/learner"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/ledger"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/quota"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	c := cache.New(cache.DefaultConfig(), nil)
	c.Put("NVDA", signal.Observation{
		Component:  signal.ComponentFlow,
		Value:      0.5,
		Magnitude:  0.7,
		ObservedAt: time.Now(),
	})

	deps := Deps{
		Quota: quota.NewManager(quota.DefaultConfig(),
			filepath.Join(dir, "quota.json"), filepath.Join(dir, "queue.json")),
		Learner:  learner.New(learner.DefaultConfig(), filepath.Join(dir, "posteriors.json")),
		Ledger:   ledger.Open(filepath.Join(dir, "ledger.json")),
		Cache:    c,
		Universe: []string{"NVDA", "TSLA"},
		Metrics:  NewMetricsRegistry(),
	}
	return NewServer(DefaultServerConfig(), deps, "test")
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.NotNil(t, resp.Quota)
	assert.Equal(t, quota.DefaultConfig().DailyCap, resp.Quota.DailyCap)

	// NVDA has a fresh observation, TSLA has nothing cached.
	assert.Equal(t, string(cache.Fresh), resp.Signals["NVDA"])
	assert.Equal(t, string(cache.Empty), resp.Signals["TSLA"])
}

func TestHandleStatus_ReadOnly(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsJournal(t *testing.T) {
	m := NewMetricsRegistry()

	m.Record(gates.Result{Symbol: "NVDA", Accepted: true, Score: 62})
	m.Record(gates.Result{Symbol: "TSLA", Accepted: false, RejectedBy: "score_floor", Score: 12})
	m.Record(gates.Result{Symbol: "AMD", Accepted: false, RejectedBy: "score_floor", Score: 30})

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	decisions := byName["stockbot_gate_decisions_total"]
	require.NotNil(t, decisions)
	counts := make(map[string]float64)
	for _, metric := range decisions.GetMetric() {
		var gate, result string
		for _, label := range metric.GetLabel() {
			switch label.GetName() {
			case "gate":
				gate = label.GetValue()
			case "result":
				result = label.GetValue()
			}
		}
		counts[gate+"/"+result] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, 1.0, counts["all/accepted"])
	assert.Equal(t, 2.0, counts["score_floor/rejected"])

	scores := byName["stockbot_composite_score"]
	require.NotNil(t, scores)
	assert.Equal(t, uint64(3), scores.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.deps.Metrics.DecisionIterations.Inc()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stockbot_decision_iterations_total 1")
}
