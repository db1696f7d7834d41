package engine

import (
	"math"
	"sort"

	"quantbench/internal/domain"
)

// ProfitLevel is one rung of a staged take-profit: once the close is Profit
// above the cost basis, SellPercent of the shares then held are sold.
type ProfitLevel struct {
	Profit      float64 // fraction, 0.1 = 10%
	SellPercent float64 // fraction of the current quantity, 1 = all
}

// TargetProfit is either a flat threshold (Percent) that closes the whole
// position or a ladder of Levels. Levels win when both are set.
type TargetProfit struct {
	Percent     float64
	Levels      []ProfitLevel
	DynamicStop bool
}

// Enabled reports whether any take-profit is configured.
func (tp TargetProfit) Enabled() bool {
	return tp.Percent > 0 || len(tp.Levels) > 0
}

// RiskManager applies the stop-loss and take-profit overlays to one position
// cycle. It carries the ladder progress and the ratcheted stop, so Reset must
// be called whenever the position goes flat.
type RiskManager struct {
	stopLoss float64
	levels   []ProfitLevel
	dynamic  bool

	next    int
	ratchet float64
}

// NewRiskManager creates a RiskManager.
//
//   - stopLoss: fraction below the cost basis that closes the position
//     (e.g. 0.05 for 5%); zero disables it.
//   - target: flat or staged take-profit; the ladder is sorted by Profit.
func NewRiskManager(stopLoss float64, target TargetProfit) *RiskManager {
	rm := &RiskManager{stopLoss: math.Max(stopLoss, 0), dynamic: target.DynamicStop}
	switch {
	case len(target.Levels) > 0:
		rm.levels = append([]ProfitLevel(nil), target.Levels...)
		sort.SliceStable(rm.levels, func(i, j int) bool { return rm.levels[i].Profit < rm.levels[j].Profit })
	case target.Percent > 0:
		rm.levels = []ProfitLevel{{Profit: target.Percent, SellPercent: 1}}
	}
	return rm
}

// Reset forgets the ladder progress and the ratcheted stop.
func (rm *RiskManager) Reset() {
	rm.next = 0
	rm.ratchet = 0
}

// StopPrice is the close at or below which the position is stopped out. Zero
// means no stop is active.
func (rm *RiskManager) StopPrice(pos *domain.Position) float64 {
	if pos == nil {
		return 0
	}
	stop := rm.ratchet
	if rm.stopLoss > 0 {
		stop = math.Max(stop, pos.CostBasis*(1-rm.stopLoss))
	}
	return stop
}

// StopTriggered reports whether price breaches the stop.
func (rm *RiskManager) StopTriggered(pos *domain.Position, price float64) bool {
	stop := rm.StopPrice(pos)
	return stop > 0 && price <= stop
}

// NextTarget returns the next unfilled take-profit level if price has
// reached it.
func (rm *RiskManager) NextTarget(pos *domain.Position, price float64) (ProfitLevel, bool) {
	if pos == nil || rm.next >= len(rm.levels) {
		return ProfitLevel{}, false
	}
	lvl := rm.levels[rm.next]
	if price < pos.CostBasis*(1+lvl.Profit) {
		return ProfitLevel{}, false
	}
	return lvl, true
}

// Advance marks the current level filled. With a dynamic stop the stop moves
// to breakeven after the first level and to the previous level's price after
// each later one; it never moves down.
func (rm *RiskManager) Advance(costBasis float64) {
	if rm.next >= len(rm.levels) {
		return
	}
	if rm.dynamic {
		var locked float64
		if rm.next > 0 {
			locked = rm.levels[rm.next-1].Profit
		}
		rm.ratchet = math.Max(rm.ratchet, costBasis*(1+locked))
	}
	rm.next++
}
