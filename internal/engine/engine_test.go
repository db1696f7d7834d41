package engine

import (
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"quantbench/internal/condition"
	"quantbench/internal/domain"
	"quantbench/internal/indicator"
)

func timeline(t *testing.T, closes []float64, cols map[string][]float64) *domain.Timeline {
	t.Helper()
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Symbol: "SIM", Timestamp: start.AddDate(0, 0, i),
			Open: c, High: c, Low: c, Close: c, Volume: 1000,
		}
	}
	tl, err := domain.NewTimeline("SIM", bars)
	if err != nil {
		t.Fatalf("NewTimeline: %v", err)
	}
	for name, c := range cols {
		if err := tl.SetColumn(name, c); err != nil {
			t.Fatalf("SetColumn(%s): %v", name, err)
		}
	}
	return tl
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func pulse(n int, at ...int) []float64 {
	out := make([]float64, n)
	for _, i := range at {
		out[i] = 1
	}
	return out
}

func fires(col string) condition.Group {
	return condition.Group{{Left: col, Operator: condition.OpEQ, Right: "1"}}
}

func countSide(trades []domain.Trade, side domain.Side) int {
	n := 0
	for _, tr := range trades {
		if tr.Type == side {
			n++
		}
	}
	return n
}

func reasons(trades []domain.Trade) []string {
	out := make([]string, len(trades))
	for i, tr := range trades {
		out[i] = tr.Reason
	}
	return out
}

// riseThenFall climbs linearly from 100 to 200 over bars 0-49 and falls to
// 150 over bars 50-99.
func riseThenFall() []float64 {
	closes := make([]float64, 100)
	for i := range closes {
		if i <= 49 {
			closes[i] = 100 + float64(i)*100/49
		} else {
			closes[i] = 200 - float64(i-49)
		}
	}
	return closes
}

func TestMovingAverageCross(t *testing.T) {
	closes := riseThenFall()
	tl := timeline(t, closes, map[string][]float64{
		"ma_5":  indicator.SMA(closes, 5),
		"ma_20": indicator.SMA(closes, 20),
	})
	sim := NewSimulator(Config{InitialCapital: 100_000, CommissionRate: 0.001}, nil, nil)
	res := sim.Run(tl, Plan{
		Name:           "ma-cross",
		BuyConditions:  condition.Group{{Left: "ma_5", Operator: condition.OpGT, Right: "ma_20"}},
		SellConditions: condition.Group{{Left: "ma_5", Operator: condition.OpLT, Right: "ma_20"}},
	})

	if got := countSide(res.Trades, domain.SideBuy); got != 1 {
		t.Fatalf("buys = %d, want 1 (ledger %v)", got, reasons(res.Trades))
	}
	if countSide(res.Trades, domain.SideSell) < 1 {
		t.Fatal("expected at least one sell")
	}
	buy := res.Trades[0]
	if !buy.Date.Equal(tl.Date(19)) {
		t.Errorf("buy on %v, want the first bar with both averages (%v)", buy.Date, tl.Date(19))
	}
	sell := res.Trades[1]
	if !sell.Date.After(tl.Date(49)) {
		t.Errorf("sell on %v, want after the peak", sell.Date)
	}
	if sell.Reason != domain.ReasonSignal {
		t.Errorf("sell reason = %q, want %q", sell.Reason, domain.ReasonSignal)
	}
	if res.TotalReturnRate <= 0 {
		t.Errorf("TotalReturnRate = %v, want > 0", res.TotalReturnRate)
	}
	if res.WinRate != 100 {
		t.Errorf("WinRate = %v, want 100", res.WinRate)
	}
	if res.TradeCount != len(res.Trades) {
		t.Errorf("TradeCount = %d, want %d", res.TradeCount, len(res.Trades))
	}
	if len(res.DailyEquityCurve) != tl.Len() {
		t.Errorf("equity curve has %d points, want %d", len(res.DailyEquityCurve), tl.Len())
	}
}

func TestStagedBuySizesOffRemainingCash(t *testing.T) {
	const n = 5
	tl := timeline(t, constant(n, 10), map[string][]float64{
		"s1": pulse(n, 1),
		"s2": pulse(n, 2),
	})
	sim := NewSimulator(Config{InitialCapital: 100_000, CommissionRate: 0.001}, nil, nil)
	res := sim.Run(tl, Plan{
		BuyStages: []condition.Stage{
			{Index: 1, Enabled: true, PositionPercent: 0.5, PassAllRequired: true, Conditions: fires("s1")},
			{Index: 2, Enabled: true, PositionPercent: 0.3, PassAllRequired: true, Conditions: fires("s2")},
		},
	})

	if len(res.Trades) != 3 {
		t.Fatalf("trades = %v, want two stage buys and a forced close", reasons(res.Trades))
	}
	first, second := res.Trades[0], res.Trades[1]
	if first.Quantity != 4995 {
		t.Errorf("stage 1 quantity = %v, want 4995", first.Quantity)
	}

	remaining := 100_000 - first.Amount - first.Commission
	budget := 0.3 * remaining
	if second.Quantity != 1498 {
		t.Errorf("stage 2 quantity = %v, want 1498", second.Quantity)
	}
	spent := second.Amount + second.Commission
	if spent > budget || spent < budget-10*1.001 {
		t.Errorf("stage 2 spent %v, want just under 30%% of remaining cash (%v)", spent, budget)
	}
	if second.Quantity >= 0.3*100_000/10 {
		t.Error("stage 2 was sized off the original capital")
	}

	if res.DailyEquityCurve[1].State != domain.StatePartiallyFilled {
		t.Errorf("state after stage 1 = %s, want PARTIALLY_FILLED", res.DailyEquityCurve[1].State)
	}
	if res.DailyEquityCurve[2].State != domain.StateFullyInvested {
		t.Errorf("state after stage 2 = %s, want FULLY_INVESTED", res.DailyEquityCurve[2].State)
	}
	if last := res.Trades[2]; last.Reason != domain.ReasonForcedClose || last.Quantity != 4995+1498 {
		t.Errorf("last trade = %+v, want forced close of all shares", last)
	}
}

func TestForcedLiquidation(t *testing.T) {
	closes := []float64{10, 11, 12, 13, 14}
	tl := timeline(t, closes, map[string][]float64{"go": constant(len(closes), 1)})
	sim := NewSimulator(Config{InitialCapital: 10_000}, nil, nil)
	res := sim.Run(tl, Plan{BuyConditions: fires("go")})

	if len(res.Trades) != 2 {
		t.Fatalf("trades = %v, want buy then forced close", reasons(res.Trades))
	}
	last := res.Trades[len(res.Trades)-1]
	if last.Type != domain.SideSell || last.Reason != domain.ReasonForcedClose {
		t.Errorf("last trade = %s/%s, want sell/%s", last.Type, last.Reason, domain.ReasonForcedClose)
	}
	if !last.Date.Equal(tl.Last()) {
		t.Errorf("forced close on %v, want %v", last.Date, tl.Last())
	}
	end := res.DailyEquityCurve[len(res.DailyEquityCurve)-1]
	if end.State != domain.StateFlat || end.Holdings != 0 {
		t.Errorf("final point = %+v, want flat", end)
	}
	// 1000 shares bought at 10, sold at 14.
	if res.FinalCapital != 14_000 {
		t.Errorf("FinalCapital = %v, want 14000", res.FinalCapital)
	}
	if res.TotalReturnRate != 40 {
		t.Errorf("TotalReturnRate = %v, want 40", res.TotalReturnRate)
	}
}

func TestStopLoss(t *testing.T) {
	closes := []float64{10, 10, 9, 8, 8}
	tl := timeline(t, closes, map[string][]float64{"go": pulse(len(closes), 0)})
	sim := NewSimulator(Config{InitialCapital: 1_000}, nil, nil)
	res := sim.Run(tl, Plan{BuyConditions: fires("go"), StopLoss: 0.05})

	want := []string{domain.ReasonSignal, domain.ReasonStopLoss}
	if got := reasons(res.Trades); !reflect.DeepEqual(got, want) {
		t.Fatalf("reasons = %v, want %v", got, want)
	}
	if !res.Trades[1].Date.Equal(tl.Date(2)) {
		t.Errorf("stopped out on %v, want %v", res.Trades[1].Date, tl.Date(2))
	}
	if res.Trades[1].Profit >= 0 || res.WinRate != 0 {
		t.Errorf("stop-loss profit = %v, win rate = %v", res.Trades[1].Profit, res.WinRate)
	}
}

func TestFlatTargetProfit(t *testing.T) {
	closes := []float64{10, 10.5, 11.2, 12, 12}
	tl := timeline(t, closes, map[string][]float64{"go": pulse(len(closes), 0)})
	sim := NewSimulator(Config{InitialCapital: 1_000}, nil, nil)
	res := sim.Run(tl, Plan{BuyConditions: fires("go"), TargetProfit: TargetProfit{Percent: 0.1}})

	want := []string{domain.ReasonSignal, domain.ReasonTargetProfit}
	if got := reasons(res.Trades); !reflect.DeepEqual(got, want) {
		t.Fatalf("reasons = %v, want %v", got, want)
	}
	if !res.Trades[1].Date.Equal(tl.Date(2)) {
		t.Errorf("target hit on %v, want %v", res.Trades[1].Date, tl.Date(2))
	}
}

func TestStagedTargetProfitRatchetsStop(t *testing.T) {
	closes := []float64{10, 11.05, 12.1, 10.9, 10.5}
	tl := timeline(t, closes, map[string][]float64{"go": pulse(len(closes), 0)})
	sim := NewSimulator(Config{InitialCapital: 10_000}, nil, nil)
	res := sim.Run(tl, Plan{
		BuyConditions: fires("go"),
		TargetProfit: TargetProfit{
			Levels: []ProfitLevel{
				{Profit: 0.2, SellPercent: 0.5},
				{Profit: 0.1, SellPercent: 0.5},
			},
			DynamicStop: true,
		},
	})

	want := []string{domain.ReasonSignal, domain.ReasonTargetProfit, domain.ReasonTargetProfit, domain.ReasonStopLoss}
	if got := reasons(res.Trades); !reflect.DeepEqual(got, want) {
		t.Fatalf("reasons = %v, want %v", got, want)
	}
	qty := []float64{1000, 500, 250, 250}
	for i, tr := range res.Trades {
		if tr.Quantity != qty[i] {
			t.Errorf("trade %d quantity = %v, want %v", i, tr.Quantity, qty[i])
		}
	}
	if res.Trades[3].Profit <= 0 {
		t.Errorf("ratcheted stop exit profit = %v, want > 0", res.Trades[3].Profit)
	}
}

func TestStagedSells(t *testing.T) {
	const n = 6
	tl := timeline(t, constant(n, 20), map[string][]float64{
		"in":   pulse(n, 0),
		"out1": pulse(n, 2),
		"out2": pulse(n, 3),
	})
	sim := NewSimulator(Config{InitialCapital: 2_000}, nil, nil)
	res := sim.Run(tl, Plan{
		BuyConditions: fires("in"),
		SellStages: []condition.Stage{
			{Index: 1, Enabled: true, PositionPercent: 0.5, Conditions: fires("out1")},
			{Index: 2, Enabled: true, PositionPercent: 0.5, Conditions: fires("out2")},
		},
	})
	qty := []float64{100, 50, 25, 25}
	if len(res.Trades) != len(qty) {
		t.Fatalf("trades = %v", reasons(res.Trades))
	}
	for i, tr := range res.Trades {
		if tr.Quantity != qty[i] {
			t.Errorf("trade %d quantity = %v, want %v", i, tr.Quantity, qty[i])
		}
	}
	if res.Trades[3].Reason != domain.ReasonForcedClose {
		t.Errorf("last reason = %q, want forced close", res.Trades[3].Reason)
	}
}

func TestStagedSellRoundsUpToOneShare(t *testing.T) {
	const n = 6
	tl := timeline(t, constant(n, 20), map[string][]float64{
		"in":   pulse(n, 0),
		"out1": pulse(n, 2),
		"out2": pulse(n, 3),
	})
	sim := NewSimulator(Config{InitialCapital: 39}, nil, nil)
	res := sim.Run(tl, Plan{
		BuyConditions: fires("in"),
		SellStages: []condition.Stage{
			{Index: 1, Enabled: true, PositionPercent: 0.5, Conditions: fires("out1")},
			{Index: 2, Enabled: true, PositionPercent: 0.5, Conditions: fires("out2")},
		},
	})
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %v", reasons(res.Trades))
	}
	sell := res.Trades[1]
	if sell.Reason != domain.ReasonStage || sell.Quantity != 1 {
		t.Errorf("sell = %+v, want one share sold by the first stage", sell)
	}
	if !sell.Date.Equal(tl.Date(2)) {
		t.Errorf("sell on %s, want bar 2", sell.Date)
	}
}

func TestFractionOf(t *testing.T) {
	tests := []struct {
		qty, pct, want float64
	}{
		{100, 0.5, 50},
		{3, 0.5, 1},
		{1, 0.5, 1},
		{1, 0.01, 1},
		{0, 0.5, 0},
		{10, 0, 0},
		{10, 1.5, 10},
	}
	for _, tt := range tests {
		if got := fractionOf(tt.qty, tt.pct); got != tt.want {
			t.Errorf("fractionOf(%v, %v) = %v, want %v", tt.qty, tt.pct, got, tt.want)
		}
	}
}

func TestLedgerInvariants(t *testing.T) {
	const n = 120
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 50 + 10*math.Sin(float64(i)/5) + float64(i)/10
	}
	tl := timeline(t, closes, map[string][]float64{
		"fast": indicator.EMA(closes, 3),
		"slow": indicator.SMA(closes, 10),
	})
	plan := Plan{
		BuyStages: []condition.Stage{
			{Index: 1, Enabled: true, PositionPercent: 0.6, Conditions: condition.Group{{Left: "fast", Operator: condition.OpCrossAbove, Right: "slow"}}},
			{Index: 2, Enabled: true, PositionPercent: 0.5, Conditions: condition.Group{{Left: "close", Operator: condition.OpLT, Right: "slow"}}},
		},
		SellStages: []condition.Stage{
			{Index: 1, Enabled: true, PositionPercent: 0.5, Conditions: condition.Group{{Left: "fast", Operator: condition.OpCrossBelow, Right: "slow"}}},
			{Index: 2, Enabled: true, PositionPercent: 1, Conditions: condition.Group{{Left: "close", Operator: condition.OpGT, Right: "60"}}},
		},
		StopLoss: 0.08,
	}
	sim := NewSimulator(Config{InitialCapital: 50_000, CommissionRate: 0.0015, SlippageRate: 0.001}, nil, nil)
	res := sim.Run(tl, plan)

	if len(res.Trades) == 0 {
		t.Fatal("expected trades")
	}
	var held float64
	for i, tr := range res.Trades {
		switch tr.Type {
		case domain.SideBuy:
			held += tr.Quantity
		case domain.SideSell:
			if tr.Quantity > held {
				t.Errorf("trade %d sells %v with %v held", i, tr.Quantity, held)
			}
			held -= tr.Quantity
		}
		if tr.Quantity <= 0 || tr.Quantity != math.Trunc(tr.Quantity) {
			t.Errorf("trade %d quantity %v is not a positive whole number", i, tr.Quantity)
		}
	}
	if held != 0 {
		t.Errorf("%v shares still held after the run", held)
	}
	for _, pt := range res.DailyEquityCurve {
		if pt.Cash < 0 {
			t.Errorf("cash %v on %v is negative", pt.Cash, pt.Date)
		}
	}

	again := sim.Run(tl, plan)
	if !reflect.DeepEqual(res.Trades, again.Trades) || res.TotalReturnRate != again.TotalReturnRate {
		t.Error("second run over the same timeline produced a different ledger")
	}
}

func TestUnresolvedConditionWarns(t *testing.T) {
	tl := timeline(t, constant(5, 10), nil)
	sim := NewSimulator(Config{}, nil, nil)
	res := sim.Run(tl, Plan{BuyConditions: condition.Group{{Left: "ma_50", Operator: condition.OpGT, Right: "close"}}})

	if len(res.Trades) != 0 {
		t.Errorf("trades = %v, want none", reasons(res.Trades))
	}
	if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[0], "ma_50") {
		t.Errorf("Warnings = %v, want a note about ma_50", res.Warnings)
	}
	if res.InitialCapital != DefaultInitialCapital || res.FinalCapital != DefaultInitialCapital {
		t.Errorf("capital %v -> %v, want unchanged default", res.InitialCapital, res.FinalCapital)
	}
}

func TestNoTrade(t *testing.T) {
	tl := timeline(t, constant(4, 10), nil)
	sim := NewSimulator(Config{InitialCapital: 5_000}, nil, nil)
	res := sim.NoTrade(tl, Plan{Name: "idle"}, "insufficient data")

	if res.TradeCount != 0 || res.TotalReturnAmount != 0 || res.MaxDrawdownRate != 0 {
		t.Errorf("result = %+v, want an idle run", res)
	}
	if len(res.DailyEquityCurve) != 4 || res.DailyEquityCurve[3].Equity != 5_000 {
		t.Errorf("equity curve = %+v", res.DailyEquityCurve)
	}
	if len(res.Warnings) != 1 || res.Strategy != "idle" {
		t.Errorf("Warnings = %v, Strategy = %q", res.Warnings, res.Strategy)
	}
}

func TestMaxDrawdown(t *testing.T) {
	curve := []domain.EquityPoint{{Equity: 100}, {Equity: 120}, {Equity: 90}, {Equity: 130}, {Equity: 117}}
	if got := MaxDrawdown(100, curve); math.Abs(got-0.25) > 1e-12 {
		t.Errorf("MaxDrawdown = %v, want 0.25", got)
	}
	if got := MaxDrawdown(100, nil); got != 0 {
		t.Errorf("MaxDrawdown(empty) = %v, want 0", got)
	}
}

func TestRiskManagerReset(t *testing.T) {
	rm := NewRiskManager(0.1, TargetProfit{Levels: []ProfitLevel{{Profit: 0.1, SellPercent: 0.5}}, DynamicStop: true})
	pos := &domain.Position{CostBasis: 100, Quantity: 10}

	if got := rm.StopPrice(pos); got != 90 {
		t.Errorf("StopPrice = %v, want 90", got)
	}
	if _, ok := rm.NextTarget(pos, 111); !ok {
		t.Fatal("NextTarget not reached at 111")
	}
	rm.Advance(pos.CostBasis)
	if got := rm.StopPrice(pos); got != 100 {
		t.Errorf("StopPrice after first level = %v, want breakeven 100", got)
	}
	if _, ok := rm.NextTarget(pos, 500); ok {
		t.Error("ladder should be exhausted")
	}
	rm.Reset()
	if got := rm.StopPrice(pos); got != 90 {
		t.Errorf("StopPrice after Reset = %v, want 90", got)
	}
}
