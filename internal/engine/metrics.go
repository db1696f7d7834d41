package engine

import "quantbench/internal/domain"

// MaxDrawdown is the largest peak-to-trough decline of the equity curve as a
// fraction. The running peak starts at initial.
func MaxDrawdown(initial float64, curve []domain.EquityPoint) float64 {
	peak := initial
	var maxDD float64
	for _, pt := range curve {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		if peak > 0 {
			if dd := (peak - pt.Equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// summarize fills the derived fields of res from its ledger and curve.
func summarize(res *domain.BacktestResult) {
	res.FinalCapital = res.InitialCapital
	if n := len(res.DailyEquityCurve); n > 0 {
		res.FinalCapital = res.DailyEquityCurve[n-1].Equity
	}
	res.TotalReturnAmount = res.FinalCapital - res.InitialCapital
	if res.InitialCapital > 0 {
		res.TotalReturnRate = res.TotalReturnAmount / res.InitialCapital * 100
	}

	var sells, wins int
	for _, tr := range res.Trades {
		if tr.Type != domain.SideSell {
			continue
		}
		sells++
		if tr.Profit > 0 {
			wins++
		}
	}
	if sells > 0 {
		res.WinRate = float64(wins) / float64(sells) * 100
	}
	res.MaxDrawdownRate = MaxDrawdown(res.InitialCapital, res.DailyEquityCurve) * 100
	res.TradeCount = len(res.Trades)
}
