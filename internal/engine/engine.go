// Package engine replays a strategy plan over an indicator-augmented
// timeline, bar by bar, and produces the trade ledger, the daily equity curve
// and the performance summary.
package engine

import (
	"fmt"
	"log/slog"
	"math"

	"quantbench/internal/broker"
	"quantbench/internal/condition"
	"quantbench/internal/domain"
)

// DefaultInitialCapital is used when Config leaves it unset.
const DefaultInitialCapital = 100_000

// Config holds the account and cost parameters of a simulation.
type Config struct {
	InitialCapital float64
	CommissionRate float64
	SlippageRate   float64
}

// Plan is the executable form of a strategy. Stages take precedence over the
// plain condition group on the same side.
type Plan struct {
	Name string

	BuyConditions  condition.Group
	BuyStages      []condition.Stage
	SellConditions condition.Group
	SellStages     []condition.Stage

	// PositionSizePercent is the fraction of initial capital a flat entry
	// uses. Zero means all of it.
	PositionSizePercent float64

	StopLoss     float64 // fraction below cost basis, zero disables
	TargetProfit TargetProfit
}

// StagedBuy reports whether entries are split into stages.
func (p Plan) StagedBuy() bool { return len(p.BuyStages) > 0 }

// StagedSell reports whether exits are split into stages.
func (p Plan) StagedSell() bool { return len(p.SellStages) > 0 }

// Simulator runs plans. It holds no per-run state and is safe for concurrent
// use as long as each run has its own timeline.
type Simulator struct {
	cfg    Config
	broker broker.Broker
	log    *slog.Logger
}

// NewSimulator creates a Simulator. A nil broker gets the simulated cost
// model built from cfg.
func NewSimulator(cfg Config, b broker.Broker, log *slog.Logger) *Simulator {
	if cfg.InitialCapital <= 0 {
		cfg.InitialCapital = DefaultInitialCapital
	}
	if b == nil {
		b = broker.NewSimulatorBroker(cfg.CommissionRate, cfg.SlippageRate)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Simulator{cfg: cfg, broker: b, log: log.With("component", "simulator")}
}

// Config returns the simulator's configuration.
func (s *Simulator) Config() Config { return s.cfg }

// signals are the per-bar condition outcomes, evaluated once before the bar
// loop.
type signals struct {
	buy        []bool
	sell       []bool
	buyStages  [][]bool
	sellStages [][]bool
	unresolved []string
}

func evaluatePlan(tl *domain.Timeline, plan Plan) signals {
	var sig signals
	seen := make(map[string]bool)
	note := func(s condition.Signal) []bool {
		for _, ref := range s.Unresolved {
			if !seen[ref] {
				seen[ref] = true
				sig.unresolved = append(sig.unresolved, ref)
			}
		}
		return s.Values
	}

	if plan.StagedBuy() {
		for _, st := range plan.BuyStages {
			sig.buyStages = append(sig.buyStages, note(condition.EvaluateStage(tl, st)))
		}
	} else {
		sig.buy = note(condition.Evaluate(tl, plan.BuyConditions))
	}
	if plan.StagedSell() {
		for _, st := range plan.SellStages {
			sig.sellStages = append(sig.sellStages, note(condition.EvaluateStage(tl, st)))
		}
	} else {
		sig.sell = note(condition.Evaluate(tl, plan.SellConditions))
	}
	return sig
}

// run is the mutable state of one simulation.
type run struct {
	sim  *Simulator
	plan Plan
	tl   *domain.Timeline
	risk *RiskManager

	cash    float64
	pending float64 // sell proceeds of the current bar, settled after buys
	pos     *domain.Position
	trades  []domain.Trade

	buyFired  []bool
	sellFired []bool
}

// Run simulates plan over tl. It never fails: problems are reported in the
// result's Warnings.
func (s *Simulator) Run(tl *domain.Timeline, plan Plan) *domain.BacktestResult {
	res := s.newResult(tl, plan)
	n := tl.Len()
	if n == 0 {
		res.Warnings = append(res.Warnings, "timeline is empty")
		summarize(res)
		return res
	}

	sig := evaluatePlan(tl, plan)
	for _, ref := range sig.unresolved {
		res.Warnings = append(res.Warnings, fmt.Sprintf("condition references unknown column %q", ref))
	}
	if !plan.StagedBuy() && len(plan.BuyConditions) == 0 {
		res.Warnings = append(res.Warnings, "strategy has no buy conditions")
	}

	r := &run{
		sim:       s,
		plan:      plan,
		tl:        tl,
		risk:      NewRiskManager(plan.StopLoss, plan.TargetProfit),
		cash:      s.cfg.InitialCapital,
		buyFired:  make([]bool, len(plan.BuyStages)),
		sellFired: make([]bool, len(plan.SellStages)),
	}
	res.DailyEquityCurve = make([]domain.EquityPoint, 0, n)

	for i := 0; i < n; i++ {
		last := i == n-1
		r.pending = 0

		if r.pos != nil {
			if last {
				r.sell(i, r.pos.Quantity, -1, domain.ReasonForcedClose)
			} else {
				r.sellStep(i, sig)
			}
		}
		if !last {
			r.buyStep(i, sig)
		}

		r.cash += r.pending
		bar := tl.Bar(i)
		holdings := r.pos.MarketValue(bar.Close)
		res.DailyEquityCurve = append(res.DailyEquityCurve, domain.EquityPoint{
			Date:     bar.Timestamp,
			Cash:     r.cash,
			Holdings: holdings,
			Equity:   r.cash + holdings,
			State:    r.state(),
		})
	}

	res.Trades = r.trades
	summarize(res)
	s.log.Debug("backtest finished",
		"strategy", plan.Name,
		"symbol", tl.Symbol,
		"bars", n,
		"trades", res.TradeCount,
		"return_rate", res.TotalReturnRate,
	)
	return res
}

// NoTrade returns a result that holds cash over the whole timeline. It is
// used when the plan cannot run, so that callers always get a comparable
// result.
func (s *Simulator) NoTrade(tl *domain.Timeline, plan Plan, warnings ...string) *domain.BacktestResult {
	res := s.newResult(tl, plan)
	res.Warnings = append(res.Warnings, warnings...)
	res.DailyEquityCurve = make([]domain.EquityPoint, tl.Len())
	for i := range res.DailyEquityCurve {
		res.DailyEquityCurve[i] = domain.EquityPoint{
			Date:   tl.Date(i),
			Cash:   s.cfg.InitialCapital,
			Equity: s.cfg.InitialCapital,
			State:  domain.StateFlat,
		}
	}
	summarize(res)
	return res
}

func (s *Simulator) newResult(tl *domain.Timeline, plan Plan) *domain.BacktestResult {
	return &domain.BacktestResult{
		Strategy:       plan.Name,
		Symbol:         tl.Symbol,
		Start:          tl.First(),
		End:            tl.Last(),
		InitialCapital: s.cfg.InitialCapital,
		Trades:         []domain.Trade{},
	}
}

// sellStep applies, in order, the stop-loss, the strategy's own exit and the
// take-profit overlay. Any of them may close the position.
func (r *run) sellStep(i int, sig signals) {
	px := r.tl.Bar(i).Close

	if r.risk.StopTriggered(r.pos, px) {
		r.sell(i, r.pos.Quantity, -1, domain.ReasonStopLoss)
		return
	}

	if r.plan.StagedSell() {
		for k, st := range r.plan.SellStages {
			if r.pos == nil {
				return
			}
			if r.sellFired[k] || !sig.sellStages[k][i] {
				continue
			}
			r.sellFired[k] = true
			r.sell(i, fractionOf(r.pos.Quantity, st.PositionPercent), st.Index, domain.ReasonStage)
		}
	} else if sig.sell[i] {
		r.sell(i, r.pos.Quantity, -1, domain.ReasonSignal)
		return
	}

	for r.pos != nil {
		lvl, ok := r.risk.NextTarget(r.pos, px)
		if !ok {
			return
		}
		costBasis := r.pos.CostBasis
		r.sell(i, fractionOf(r.pos.Quantity, lvl.SellPercent), -1, domain.ReasonTargetProfit)
		r.risk.Advance(costBasis)
	}
}

// buyStep opens or adds to the position. Staged entries size each stage off
// the cash left at the moment it fires.
func (r *run) buyStep(i int, sig signals) {
	if r.plan.StagedBuy() {
		for k, st := range r.plan.BuyStages {
			if r.buyFired[k] || !sig.buyStages[k][i] {
				continue
			}
			r.buyFired[k] = true
			r.buy(i, r.cash*clampFraction(st.PositionPercent), st.Index, domain.ReasonStage)
		}
		return
	}

	if r.pos != nil || !sig.buy[i] {
		return
	}
	pct := r.plan.PositionSizePercent
	if pct <= 0 {
		pct = 1
	}
	budget := math.Min(r.sim.cfg.InitialCapital*clampFraction(pct), r.cash)
	r.buy(i, budget, -1, domain.ReasonSignal)
}

func (r *run) buy(i int, budget float64, stage int, reason string) {
	bar := r.tl.Bar(i)
	ex, ok := r.sim.broker.Buy(bar, budget)
	if !ok {
		return
	}
	r.cash += ex.CashDelta()
	if r.cash < 0 {
		// Float residue of sizing exactly to the budget.
		r.cash = 0
	}

	if r.pos == nil {
		r.pos = &domain.Position{
			Symbol:     r.tl.Symbol,
			EntryDate:  bar.Timestamp,
			EntryPrice: ex.Price,
		}
	}
	p := r.pos
	p.CostBasis = (p.CostBasis*p.Quantity + ex.Price*ex.Quantity) / (p.Quantity + ex.Quantity)
	p.Quantity += ex.Quantity
	p.BuyCommission += ex.Commission
	p.StageHistory = append(p.StageHistory, domain.Fill{
		Date: bar.Timestamp, Side: domain.SideBuy, Stage: stage,
		Price: ex.Price, Quantity: ex.Quantity, Commission: ex.Commission,
	})

	r.trades = append(r.trades, domain.Trade{
		Date:       bar.Timestamp,
		Type:       domain.SideBuy,
		Price:      ex.Price,
		Quantity:   ex.Quantity,
		Amount:     ex.Amount,
		Commission: ex.Commission,
		Reason:     reason,
	})
}

// sell disposes of qty shares, never more than held. Profit is net of the
// sell commission and of the buy commission attributable to the shares sold.
func (r *run) sell(i int, qty float64, stage int, reason string) {
	p := r.pos
	if p == nil {
		return
	}
	qty = math.Min(qty, p.Quantity)
	if qty <= 0 {
		return
	}
	bar := r.tl.Bar(i)
	ex := r.sim.broker.Sell(bar, qty)

	buyComm := p.BuyCommission * qty / p.Quantity
	profit := (ex.Price-p.CostBasis)*qty - ex.Commission - buyComm
	var rate float64
	if basis := p.CostBasis * qty; basis > 0 {
		rate = profit / basis * 100
	}

	r.pending += ex.CashDelta()
	p.Quantity -= qty
	p.BuyCommission -= buyComm
	p.StageHistory = append(p.StageHistory, domain.Fill{
		Date: bar.Timestamp, Side: domain.SideSell, Stage: stage,
		Price: ex.Price, Quantity: qty, Commission: ex.Commission,
	})

	r.trades = append(r.trades, domain.Trade{
		Date:       bar.Timestamp,
		Type:       domain.SideSell,
		Price:      ex.Price,
		Quantity:   qty,
		Amount:     ex.Amount,
		Commission: ex.Commission,
		Profit:     profit,
		ProfitRate: rate,
		Reason:     reason,
	})

	if p.Quantity <= 0 {
		r.flatten()
	}
}

// flatten ends the position cycle and re-arms every stage.
func (r *run) flatten() {
	r.pos = nil
	r.risk.Reset()
	clear(r.buyFired)
	clear(r.sellFired)
}

func (r *run) state() domain.PositionState {
	if r.pos == nil {
		return domain.StateFlat
	}
	for k, st := range r.plan.BuyStages {
		if st.Enabled && len(st.Conditions) > 0 && !r.buyFired[k] {
			return domain.StatePartiallyFilled
		}
	}
	return domain.StateFullyInvested
}

// fractionOf returns whole shares for pct of qty. A fraction of one or more
// means all of it; any positive fraction of a holding of at least one share
// is at least one share.
func fractionOf(qty, pct float64) float64 {
	if pct >= 1 {
		return qty
	}
	n := math.Floor(qty * clampFraction(pct))
	if n < 1 && pct > 0 && qty >= 1 {
		n = 1
	}
	return n
}

func clampFraction(f float64) float64 {
	return math.Min(math.Max(f, 0), 1)
}
