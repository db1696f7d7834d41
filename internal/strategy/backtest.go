package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"quantbench/internal/domain"
	"quantbench/internal/engine"
	"quantbench/internal/indicator"
	"quantbench/internal/store"
)

// Backtester reads a timeline, resolves the indicators a spec names onto it
// and runs the simulator. Indicator failures never abort a run; they become
// warnings on the result.
type Backtester struct {
	bars     store.BarReader
	market   string
	resolver *indicator.Resolver
	sim      *engine.Simulator
	log      *slog.Logger
}

// NewBacktester creates a Backtester reading bars for market from bars.
func NewBacktester(bars store.BarReader, market string, resolver *indicator.Resolver, sim *engine.Simulator, log *slog.Logger) *Backtester {
	if market == "" {
		market = string(domain.MarketUS)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Backtester{
		bars:     bars,
		market:   market,
		resolver: resolver,
		sim:      sim,
		log:      log.With("component", "backtester"),
	}
}

// LoadTimeline reads bars for symbol in [start, end] and builds a timeline.
// An empty range is an error: there is nothing to simulate.
func (bt *Backtester) LoadTimeline(ctx context.Context, symbol string, start, end time.Time) (*domain.Timeline, error) {
	bars, err := bt.bars.ReadBars(ctx, symbol, bt.market, start, end)
	if err != nil {
		return nil, fmt.Errorf("reading bars for %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s %s..%s: %w", symbol,
			start.Format(time.DateOnly), end.Format(time.DateOnly), domain.ErrEmptyTimeline)
	}
	return domain.NewTimeline(symbol, domain.SortBars(bars))
}

// Run backtests spec on symbol over [start, end]. It only fails when no
// timeline can be built or ctx is cancelled.
func (bt *Backtester) Run(ctx context.Context, spec Spec, symbol string, start, end time.Time) (*domain.BacktestResult, error) {
	tl, err := bt.LoadTimeline(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	return bt.RunTimeline(ctx, spec, tl)
}

// RunTimeline backtests spec on a copy of tl, leaving tl itself untouched.
func (bt *Backtester) RunTimeline(ctx context.Context, spec Spec, tl *domain.Timeline) (*domain.BacktestResult, error) {
	tl = tl.Clone()
	plan := spec.Plan()
	log := bt.log.With("strategy", spec.Name, "symbol", tl.Symbol)

	var (
		warnings     []string
		resolved     int
		insufficient bool
	)
	for _, ref := range spec.Indicators {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := bt.resolve(ctx, ref, tl)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Warn("indicator skipped", "indicator", ref.Name, "error", err)
			warnings = append(warnings, fmt.Sprintf("indicator %s skipped: %v", ref.Name, err))
			continue
		}
		for _, col := range res.ColumnOrder {
			if err := tl.SetColumn(col, res.Columns[col]); err != nil {
				warnings = append(warnings, fmt.Sprintf("indicator %s column %s: %v", ref.Name, col, err))
			}
		}
		warnings = append(warnings, res.Warnings...)
		if res.Warmup >= tl.Len() {
			insufficient = true
		}
		resolved++
		log.Debug("indicator resolved",
			"indicator", ref.Name,
			"columns", res.ColumnOrder,
			"ms", res.ExecutionTimeMs(),
			"nan_ratio", res.NaNRatio,
		)
	}

	var result *domain.BacktestResult
	switch {
	case len(spec.Indicators) > 0 && resolved == 0:
		warnings = append(warnings, "no indicator could be resolved; the run holds cash")
		result = bt.sim.NoTrade(tl, plan, warnings...)
	case insufficient:
		warnings = append(warnings, fmt.Sprintf("%v: %d bars do not cover every indicator's warm-up period",
			indicator.ErrInsufficientData, tl.Len()))
		result = bt.sim.NoTrade(tl, plan, warnings...)
	default:
		result = bt.sim.Run(tl, plan)
		result.Warnings = append(warnings, result.Warnings...)
	}
	result.RunID = uuid.NewString()

	log.Info("backtest complete",
		"run_id", result.RunID,
		"trades", result.TradeCount,
		"return_rate", result.TotalReturnRate,
		"warnings", len(result.Warnings),
	)
	return result, nil
}

func (bt *Backtester) resolve(ctx context.Context, ref IndicatorRef, tl *domain.Timeline) (*indicator.Result, error) {
	opts := ref.Options()
	if ref.Inline() {
		return bt.resolver.ResolveInline(ctx, ref.Name, ref.Kind, ref.Body, opts, tl)
	}
	return bt.resolver.Resolve(ctx, ref.Name, opts, tl, tl.Symbol)
}

