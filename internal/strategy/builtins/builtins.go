// Package builtins provides strategy specs that ship with quantbench. They
// reference the "ma" and "rsi" indicators, which must exist in the
// definition store when the resolver is restrictive.
package builtins

import (
	"fmt"

	"quantbench/internal/condition"
	"quantbench/internal/engine"
	"quantbench/internal/indicator"
	"quantbench/internal/strategy"
)

// MACross buys when the short moving average crosses above the long one and
// sells when it crosses back below.
func MACross(short, long int) strategy.Spec {
	s, l := fmt.Sprintf("ma_%d", short), fmt.Sprintf("ma_%d", long)
	return strategy.Spec{
		Name: fmt.Sprintf("ma-cross-%d-%d", short, long),
		Indicators: []strategy.IndicatorRef{
			{Name: "ma", Params: indicator.Params{"period": float64(short)}},
			{Name: "ma", Params: indicator.Params{"period": float64(long)}},
		},
		BuyConditions:       condition.Group{{Left: s, Operator: condition.OpCrossAbove, Right: l}},
		SellConditions:      condition.Group{{Left: s, Operator: condition.OpCrossBelow, Right: l}},
		PositionSizePercent: 1,
	}
}

// RSIScaleIn buys in two stages as RSI falls through oversold and deeper
// oversold levels, and scales out on a staged take-profit ladder.
func RSIScaleIn(period int) strategy.Spec {
	col := fmt.Sprintf("rsi_%d", period)
	return strategy.Spec{
		Name:       fmt.Sprintf("rsi-scale-in-%d", period),
		Indicators: []strategy.IndicatorRef{{Name: "rsi", Params: indicator.Params{"period": float64(period)}}},
		BuyStages: []condition.Stage{
			{Index: 1, Enabled: true, PositionPercent: 0.5, PassAllRequired: true,
				Conditions: condition.Group{{Left: col, Operator: condition.OpLT, Right: "30"}}},
			{Index: 2, Enabled: true, PositionPercent: 0.5, PassAllRequired: true,
				Conditions: condition.Group{{Left: col, Operator: condition.OpLT, Right: "20"}}},
		},
		SellConditions: condition.Group{{Left: col, Operator: condition.OpCrossAbove, Right: "70"}},
		StopLoss:       0.1,
		TargetProfit:   engine.TargetProfit{
			Levels: []engine.ProfitLevel{
				{Profit: 0.1, SellPercent: 0.5},
				{Profit: 0.2, SellPercent: 1},
			},
			DynamicStop: true,
		},
	}
}

// Register adds the default builtin specs to r.
func Register(r *strategy.Registry) error {
	for _, s := range []strategy.Spec{MACross(5, 20), MACross(20, 60), RSIScaleIn(14)} {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}
