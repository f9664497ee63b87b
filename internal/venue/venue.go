// Package venue defines the execution-venue contract. The venue's reported
// positions are the system of record; everything local is a cache.
package venue

import (
	"context"
	"time"
)

// OrderStatus is the venue's answer to a submission.
type OrderStatus string

const (
	Filled          OrderStatus = "filled"
	PartiallyFilled OrderStatus = "partially_filled"
	Pending         OrderStatus = "pending"
	Rejected        OrderStatus = "rejected"
)

// OrderResult reports a submission outcome. Any non-Rejected status means
// "may eventually exist": reconciliation, not this result, confirms the
// final position state.
type OrderResult struct {
	Status       OrderStatus
	FilledQty    float64
	AvgPrice     float64
	VenueOrderID string
}

// ReportedPosition is one authoritative position as the venue sees it.
type ReportedPosition struct {
	Symbol     string
	Qty        float64
	Side       string // "long" or "short"
	AvgPrice   float64
	ReportedAt time.Time
}

// Order is a submission request.
type Order struct {
	Symbol        string
	Qty           float64
	Side          string
	CorrelationID string
}

// ExecutionVenue is the brokerage collaborator. Every method carries a
// context with a bounded timeout; a timed-out call counts as a failure for
// backoff purposes.
type ExecutionVenue interface {
	// ListPositions returns the authoritative open positions.
	ListPositions(ctx context.Context) ([]ReportedPosition, error)
	// SubmitOrder places an order.
	SubmitOrder(ctx context.Context, order Order) (OrderResult, error)
	// ClosePosition requests a full close of the symbol's position.
	ClosePosition(ctx context.Context, symbol string) (OrderResult, error)
	// AccountEquity returns total account equity in USD.
	AccountEquity(ctx context.Context) (float64, error)
}
