package gates

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/atomicio"
)

// Journal receives every pipeline decision. Implementations must tolerate
// being called from the decision loop's hot path.
type Journal interface {
	Record(res Result)
}

// JSONLJournal appends decisions to an append-only JSONL file so rejected
// candidates can later be replayed counterfactually.
type JSONLJournal struct {
	path string
}

// NewJSONLJournal creates a journal at path.
func NewJSONLJournal(path string) *JSONLJournal {
	return &JSONLJournal{path: path}
}

// Record appends one decision. A write failure is logged and dropped; the
// journal is an audit artifact, not a gate.
func (j *JSONLJournal) Record(res Result) {
	line, err := json.Marshal(res)
	if err != nil {
		log.Error().Err(err).Str("symbol", res.Symbol).Msg("journal marshal failed")
		return
	}
	if err := atomicio.AppendLine(j.path, line); err != nil {
		log.Error().Err(err).Str("path", j.path).Msg("journal append failed")
	}
}

// MultiJournal fans a decision out to several sinks.
type MultiJournal []Journal

func (m MultiJournal) Record(res Result) {
	for _, j := range m {
		j.Record(res)
	}
}

// Pipeline runs candidates through the ordered gate list.
type Pipeline struct {
	gates   []Gate
	journal Journal
	now     func() time.Time
}

// New builds the standard pipeline in required order: cheapest and most
// decisive first so a hopeless candidate costs one comparison, not five.
func New(cfg Config, expectancy ExpectancySource, journal Journal) *Pipeline {
	return &Pipeline{
		gates: []Gate{
			&scoreFloorGate{cfg: cfg},
			&expectancyGate{cfg: cfg, source: expectancy},
			&concentrationGate{cfg: cfg},
			&displacementGate{cfg: cfg},
			&cooldownCapacityGate{cfg: cfg},
		},
		journal: journal,
		now:     time.Now,
	}
}

// NewWithGates builds a pipeline from an explicit gate list. Used by tests
// to instrument gate call counts.
func NewWithGates(gates []Gate, journal Journal) *Pipeline {
	return &Pipeline{gates: gates, journal: journal, now: time.Now}
}

// Evaluate runs c through the gates, short-circuiting on first rejection.
// The decision is journaled either way.
func (p *Pipeline) Evaluate(c *Candidate, portfolio *PortfolioState) Result {
	res := Result{
		Symbol:    c.Score.Symbol,
		Score:     c.Score.FinalScore,
		Timestamp: p.now(),
	}

	for _, gate := range p.gates {
		check := gate.Evaluate(c, portfolio, &res)
		res.Checks = append(res.Checks, check)
		if !check.Accepted {
			res.RejectedBy = check.Gate
			res.Reason = check.Reason
			p.record(res)
			return res
		}
	}

	res.Accepted = true
	res.Reason = "all gates passed"
	p.record(res)
	return res
}

func (p *Pipeline) record(res Result) {
	if p.journal != nil {
		p.journal.Record(res)
	}
	evt := log.Debug()
	if !res.Accepted {
		evt = log.Info()
	}
	evt.Str("symbol", res.Symbol).Bool("accepted", res.Accepted).
		Str("rejected_by", res.RejectedBy).Float64("score", res.Score).
		Msg("gate decision")
}
