package broker

import (
	"math"

	"quantbench/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker fills every order at the bar's close, moved against the
// trader by the slippage rate, and charges commission on the filled amount.
type SimulatorBroker struct {
	commissionRate float64
	slippageRate   float64
}

// NewSimulatorBroker creates a SimulatorBroker. Negative rates are treated
// as zero.
func NewSimulatorBroker(commissionRate, slippageRate float64) *SimulatorBroker {
	return &SimulatorBroker{
		commissionRate: math.Max(commissionRate, 0),
		slippageRate:   math.Max(slippageRate, 0),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// Buy sizes the order so that amount plus commission never exceeds budget.
func (b *SimulatorBroker) Buy(bar domain.Bar, budget float64) (Execution, bool) {
	price := bar.Close * (1 + b.slippageRate)
	if price <= 0 || budget <= 0 || math.IsNaN(price) {
		return Execution{}, false
	}
	qty := math.Floor(budget / (price * (1 + b.commissionRate)))
	if qty < 1 {
		return Execution{}, false
	}
	amount := price * qty
	return Execution{
		Side:       domain.SideBuy,
		Price:      price,
		Quantity:   qty,
		Amount:     amount,
		Commission: amount * b.commissionRate,
	}, true
}

// Sell prices the disposal of qty shares.
func (b *SimulatorBroker) Sell(bar domain.Bar, qty float64) Execution {
	price := bar.Close * (1 - b.slippageRate)
	amount := price * qty
	return Execution{
		Side:       domain.SideSell,
		Price:      price,
		Quantity:   qty,
		Amount:     amount,
		Commission: amount * b.commissionRate,
	}
}
