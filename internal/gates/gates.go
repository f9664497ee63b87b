package gates

import (
	"fmt"
	"math"
	"time"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/regime"
)

// scoreFloorGate rejects candidates below the stage-dependent minimum.
// Cheapest check first: most candidates die here.
type scoreFloorGate struct {
	cfg Config
}

func (g *scoreFloorGate) Name() string { return "score_floor" }

func (g *scoreFloorGate) Evaluate(c *Candidate, p *PortfolioState, _ *Result) Check {
	floor := g.cfg.ScoreFloor
	stage := "steady_state"
	if p.ClosedTrades < g.cfg.BootstrapTrades {
		floor = g.cfg.BootstrapScoreFloor
		stage = "bootstrap"
	}

	score := math.Abs(c.Score.FinalScore)
	if score < floor {
		return Check{
			Gate:   g.Name(),
			Reason: fmt.Sprintf("score %.1f below %s floor %.1f", score, stage, floor),
		}
	}
	return Check{
		Gate:     g.Name(),
		Accepted: true,
		Reason:   fmt.Sprintf("score %.1f >= %s floor %.1f", score, stage, floor),
	}
}

// ExpectancySource reports realized expectancy for a score band under a
// regime, and whether enough outcomes exist for the number to be trusted.
// Implemented by the learner.
type ExpectancySource interface {
	Expectancy(score float64, rg regime.Regime) (mean float64, reliable bool)
}

// expectancyGate rejects candidates whose score band has historically lost
// money under the current regime. The floor is learned, not static: with
// too few samples the gate passes and says so.
type expectancyGate struct {
	cfg    Config
	source ExpectancySource
}

func (g *expectancyGate) Name() string { return "expectancy" }

func (g *expectancyGate) Evaluate(c *Candidate, p *PortfolioState, _ *Result) Check {
	mean, reliable := g.source.Expectancy(math.Abs(c.Score.FinalScore), p.Regime)
	if !reliable {
		return Check{
			Gate:     g.Name(),
			Accepted: true,
			Reason:   "insufficient history for this band, passing",
		}
	}
	if mean < g.cfg.ExpectancyFloor {
		return Check{
			Gate:   g.Name(),
			Reason: fmt.Sprintf("band expectancy %.2f below floor %.2f", mean, g.cfg.ExpectancyFloor),
		}
	}
	return Check{
		Gate:     g.Name(),
		Accepted: true,
		Reason:   fmt.Sprintf("band expectancy %.2f >= floor %.2f", mean, g.cfg.ExpectancyFloor),
	}
}

// concentrationGate caps |net directional exposure| as a fraction of
// equity. Exposure comes from the reconciled portfolio snapshot only.
type concentrationGate struct {
	cfg Config
}

func (g *concentrationGate) Name() string { return "concentration" }

func (g *concentrationGate) Evaluate(c *Candidate, p *PortfolioState, _ *Result) Check {
	if p.EquityUSD <= 0 {
		return Check{Gate: g.Name(), Reason: "equity unknown or zero, refusing directional entry"}
	}

	dir := float64(c.Score.Direction())
	projected := (p.NetExposureUSD() + dir*c.NotionalUSD) / p.EquityUSD
	ceiling := g.cfg.MaxNetExposureFrac

	if math.Abs(projected) > ceiling {
		return Check{
			Gate: g.Name(),
			Reason: fmt.Sprintf("net exposure would be %.0f%% of equity, ceiling %.0f%%",
				math.Abs(projected)*100, ceiling*100),
		}
	}
	return Check{
		Gate:     g.Name(),
		Accepted: true,
		Reason:   fmt.Sprintf("net exposure %.0f%% within ceiling %.0f%%", math.Abs(projected)*100, ceiling*100),
	}
}

// displacementGate decides whether a candidate may replace the weakest
// incumbent when the portfolio is full. Three independent conditions must
// all hold so that noisy score differences alone cannot churn positions:
// dwell time served (unless the incumbent is in emergency-stop territory),
// a material score delta, and at least one independent directional thesis
// agreeing with the candidate.
type displacementGate struct {
	cfg Config
}

func (g *displacementGate) Name() string { return "displacement" }

func (g *displacementGate) Evaluate(c *Candidate, p *PortfolioState, res *Result) Check {
	if !p.AtCapacity(g.cfg.MaxPositions) {
		return Check{Gate: g.Name(), Accepted: true, Reason: "below capacity, no displacement needed"}
	}

	incumbent, ok := weakestIncumbent(p.Positions)
	if !ok {
		return Check{Gate: g.Name(), Reason: "at capacity with no displaceable incumbent"}
	}

	emergency := incumbent.UnrealizedPnLPct <= g.cfg.EmergencyLossPct
	if incumbent.HeldFor < g.cfg.MinDwell && !emergency {
		return Check{
			Gate: g.Name(),
			Reason: fmt.Sprintf("incumbent %s held %s < min dwell %s",
				incumbent.Symbol, incumbent.HeldFor.Round(time.Second), g.cfg.MinDwell),
		}
	}

	delta := math.Abs(c.Score.FinalScore) - incumbent.EntryScore
	if delta < g.cfg.MinScoreDelta {
		return Check{
			Gate: g.Name(),
			Reason: fmt.Sprintf("score delta %.1f over incumbent %s below minimum %.1f",
				delta, incumbent.Symbol, g.cfg.MinScoreDelta),
		}
	}

	if !thesisAgrees(c) {
		return Check{
			Gate:   g.Name(),
			Reason: "no independent directional thesis agrees with the candidate",
		}
	}

	res.Displaces = incumbent.Symbol
	return Check{
		Gate:     g.Name(),
		Accepted: true,
		Reason: fmt.Sprintf("displacing %s (delta %.1f, dwell served=%t, emergency=%t)",
			incumbent.Symbol, delta, incumbent.HeldFor >= g.cfg.MinDwell, emergency),
	}
}

func weakestIncumbent(positions []Position) (Position, bool) {
	if len(positions) == 0 {
		return Position{}, false
	}
	weakest := positions[0]
	for _, pos := range positions[1:] {
		if pos.EntryScore < weakest.EntryScore {
			weakest = pos
		}
	}
	return weakest, true
}

func thesisAgrees(c *Candidate) bool {
	dir := c.Score.Direction()
	for _, thesis := range c.Theses {
		if thesis == dir && dir != 0 {
			return true
		}
	}
	return false
}

// cooldownCapacityGate enforces the per-symbol re-entry cooldown, the
// global position cap, and the per-cycle entry budget. Runs last: even a
// flood of qualified candidates enters at a bounded rate.
type cooldownCapacityGate struct {
	cfg Config
}

func (g *cooldownCapacityGate) Name() string { return "cooldown_capacity" }

func (g *cooldownCapacityGate) Evaluate(c *Candidate, p *PortfolioState, res *Result) Check {
	symbol := c.Score.Symbol

	if exit, ok := p.LastExit[symbol]; ok {
		since := p.Now.Sub(exit)
		if since < g.cfg.CooldownAfterExit {
			return Check{
				Gate: g.Name(),
				Reason: fmt.Sprintf("exited %s ago, cooldown %s",
					since.Round(time.Second), g.cfg.CooldownAfterExit),
			}
		}
	}

	if p.AtCapacity(g.cfg.MaxPositions) && res.Displaces == "" {
		return Check{
			Gate:   g.Name(),
			Reason: fmt.Sprintf("at capacity (%d positions) with no displacement", len(p.Positions)),
		}
	}

	if p.EntriesThisCycle >= g.cfg.MaxEntriesPerCycle {
		return Check{
			Gate:   g.Name(),
			Reason: fmt.Sprintf("entry budget spent (%d this cycle)", p.EntriesThisCycle),
		}
	}

	return Check{Gate: g.Name(), Accepted: true, Reason: "cooldown clear, capacity available"}
}
