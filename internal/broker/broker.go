// Package broker models order execution for the simulator: the price a
// market order fills at and what it costs.
package broker

import (
	"quantbench/internal/domain"
)

// Broker executes whole-share market orders against a bar's close.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// Buy spends at most budget, commission included, on whole shares. The
	// bool is false when budget cannot buy a single share.
	Buy(bar domain.Bar, budget float64) (Execution, bool)

	// Sell disposes of qty shares.
	Sell(bar domain.Bar, qty float64) Execution
}

// Execution is the priced result of one order.
type Execution struct {
	Side       domain.Side
	Price      float64 // after slippage
	Quantity   float64
	Amount     float64 // Price * Quantity
	Commission float64
}

// CashDelta is the change to cash the execution causes.
func (e Execution) CashDelta() float64 {
	if e.Side == domain.SideBuy {
		return -(e.Amount + e.Commission)
	}
	return e.Amount - e.Commission
}
