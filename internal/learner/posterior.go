package learner

// PriorAlpha and PriorBeta are the uninformative starting point for every
// (component, regime) posterior. They are also hard floors: alpha and beta
// never drop below the prior, which keeps the Beta distribution proper.
const (
	PriorAlpha = 1.0
	PriorBeta  = 1.0
)

// Posterior holds the Beta(alpha, beta) parameters for one
// (component, regime) pair.
type Posterior struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// NewPosterior returns the prior.
func NewPosterior() Posterior {
	return Posterior{Alpha: PriorAlpha, Beta: PriorBeta}
}

// Mean returns the posterior mean, the expected win rate in (0, 1).
func (p Posterior) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

// Observations returns the evidence mass accumulated beyond the prior.
func (p Posterior) Observations() float64 {
	return (p.Alpha - PriorAlpha) + (p.Beta - PriorBeta)
}

// Update applies one trade outcome with the given evidence weight (the
// component's share of the total score, in [0, 1]). A component that barely
// contributed to a losing trade is barely punished.
func (p Posterior) Update(won bool, weight float64) Posterior {
	if weight < 0 {
		weight = 0
	} else if weight > 1 {
		weight = 1
	}
	if won {
		p.Alpha += weight
	} else {
		p.Beta += weight
	}
	// Floors guard against any future decay logic collapsing the
	// distribution to a degenerate point.
	if p.Alpha < PriorAlpha {
		p.Alpha = PriorAlpha
	}
	if p.Beta < PriorBeta {
		p.Beta = PriorBeta
	}
	return p
}
