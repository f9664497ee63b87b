package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Paper is an in-memory venue for dry runs and tests. Fills are immediate
// at the submitted reference price.
type Paper struct {
	mu        sync.Mutex
	equity    float64
	positions map[string]ReportedPosition
	prices    map[string]float64
}

// NewPaper creates a paper venue with the given starting equity.
func NewPaper(equity float64) *Paper {
	return &Paper{
		equity:    equity,
		positions: make(map[string]ReportedPosition),
		prices:    make(map[string]float64),
	}
}

// SetPrice sets the fill price used for a symbol.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// SetPosition injects an authoritative position directly, emulating
// manual intervention at the brokerage.
func (p *Paper) SetPosition(pos ReportedPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.Qty == 0 {
		delete(p.positions, pos.Symbol)
		return
	}
	p.positions[pos.Symbol] = pos
}

func (p *Paper) ListPositions(_ context.Context) ([]ReportedPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ReportedPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (p *Paper) SubmitOrder(_ context.Context, order Order) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price := p.prices[order.Symbol]
	p.positions[order.Symbol] = ReportedPosition{
		Symbol:     order.Symbol,
		Qty:        order.Qty,
		Side:       order.Side,
		AvgPrice:   price,
		ReportedAt: time.Now(),
	}
	log.Debug().Str("symbol", order.Symbol).Float64("qty", order.Qty).
		Str("side", order.Side).Msg("paper fill")
	return OrderResult{Status: Filled, FilledQty: order.Qty, AvgPrice: price}, nil
}

func (p *Paper) ClosePosition(_ context.Context, symbol string) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return OrderResult{Status: Rejected}, nil
	}
	delete(p.positions, symbol)
	return OrderResult{Status: Filled, FilledQty: pos.Qty, AvgPrice: p.prices[symbol]}, nil
}

func (p *Paper) AccountEquity(_ context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity, nil
}

// Price returns the current mark for symbol, serving as the quote source
// in dry runs.
func (p *Paper) Price(_ context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price set for %s", symbol)
	}
	return price, nil
}
