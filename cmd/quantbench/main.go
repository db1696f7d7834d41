package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quantbench/internal/config"
	"quantbench/internal/engine"
	"quantbench/internal/indicator"
	"quantbench/internal/report"
	"quantbench/internal/store"
	"quantbench/internal/strategy"
	"quantbench/internal/strategy/builtins"
	"quantbench/internal/util"
)

func main() {
	var (
		strategies = flag.String("strategy", "", "comma-separated strategy names (default: all registered)")
		symbols    = flag.String("symbols", "", "comma-separated symbols (default: backtest.symbols)")
		start      = flag.String("start", "", "first day YYYY-MM-DD (default: backtest.start)")
		end        = flag.String("end", "", "last day YYYY-MM-DD (default: backtest.end or today)")
		trades     = flag.Bool("trades", false, "print the trade ledger of every run")
		save       = flag.Bool("save", false, "persist results to SQLite")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: reading .env: %v", err)
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger := util.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if *symbols != "" {
		cfg.Backtest.Symbols = splitList(*symbols, true)
	}
	if *start != "" {
		cfg.Backtest.Start = *start
	}
	if *end != "" {
		cfg.Backtest.End = *end
	}
	if *save {
		cfg.Backtest.SaveResults = true
	}
	from, to, err := cfg.Backtest.Range()
	if err != nil {
		log.Fatalf("backtest range: %v", err)
	}
	if len(cfg.Backtest.Symbols) == 0 {
		log.Fatal("no symbols: set backtest.symbols or pass -symbols")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	var db *store.SQLiteStore
	if cfg.Storage.SQLitePath != "" {
		db, err = store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("opening sqlite: %v", err)
		}
		defer db.Close()
	}
	var remote store.BarReader
	if cfg.Alpaca.Enabled() {
		remote = store.NewAlpacaBarReader(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret,
			cfg.Alpaca.DataURL, cfg.Alpaca.Feed, cfg.Alpaca.RateLimitPerMin)
	}
	bars := store.NewCachingBarReader(store.NewParquetStore(cfg.Storage.DataDir), remote)

	// Indicators.
	defs, err := loadDefinitions(ctx, cfg, db)
	if err != nil {
		log.Fatalf("loading indicator definitions: %v", err)
	}
	mode := indicator.ModeRestrictive
	if cfg.Indicators.Permissive {
		mode = indicator.ModePermissive
	}
	resolver := indicator.NewResolver(defs, indicator.Options{
		Mode:           mode,
		SnippetTimeout: cfg.Indicators.SnippetTimeout,
		Logger:         logger,
	})

	sim := engine.NewSimulator(engine.Config{
		InitialCapital: cfg.Backtest.InitialCapital,
		CommissionRate: cfg.Backtest.CommissionRate,
		SlippageRate:   cfg.Backtest.SlippageRate,
	}, nil, logger)

	// Strategies.
	reg, err := loadRegistry(cfg.Backtest.StrategiesPath)
	if err != nil {
		log.Fatalf("loading strategies: %v", err)
	}
	specs, err := selectSpecs(reg, splitList(*strategies, false))
	if err != nil {
		log.Fatalf("%v", err)
	}

	slog.Info("starting backtest batch",
		"strategies", len(specs),
		"symbols", len(cfg.Backtest.Symbols),
		"start", from.Format(time.DateOnly),
		"end", to.Format(time.DateOnly),
		"mode", mode.String(),
		"definitions", defs.Len(),
		"remote_bars", remote != nil,
	)

	bt := strategy.NewBacktester(bars, cfg.Backtest.Market, resolver, sim, logger)
	runner := strategy.NewBatchRunner(bt, cfg.Backtest.Workers)
	results := runner.Run(ctx, strategy.Jobs(specs, cfg.Backtest.Symbols, from, to))

	rows := make([]report.Row, len(results))
	failed := 0
	for i, r := range results {
		rows[i] = report.Row{Strategy: r.Job.Spec.Name, Symbol: r.Job.Symbol, Result: r.Result, Err: r.Err}
		if r.Err != nil {
			failed++
			continue
		}
		if *trades && len(r.Result.Trades) > 0 {
			fmt.Printf("%s\n%s\n\n", r.Job.String(), report.Trades(r.Result))
		}
		if cfg.Backtest.SaveResults && db != nil {
			if err := db.SaveResult(ctx, r.Result); err != nil {
				slog.Error("saving result", "job", r.Job.String(), "error", err)
			}
		}
	}
	fmt.Println(report.Summary(rows))

	if cfg.Backtest.SaveResults && db == nil {
		slog.Warn("save_results is set but storage.sqlite_path is empty; results were not persisted")
	}
	if ctx.Err() != nil {
		slog.Warn("interrupted", "completed", len(results)-failed, "failed", failed)
		os.Exit(130)
	}
	if failed == len(results) {
		os.Exit(1)
	}
}

// loadDefinitions builds the resolver's definition snapshot. Definitions from
// the YAML file are upserted into SQLite first when a database is open, so
// the database is always the source of truth for what was run.
func loadDefinitions(ctx context.Context, cfg *config.Config, db *store.SQLiteStore) (*indicator.Snapshot, error) {
	var defs []indicator.Definition
	if path := cfg.Indicators.DefinitionsPath; path != "" {
		var err error
		if defs, err = indicator.LoadDefinitionsFile(path); err != nil {
			return nil, err
		}
	}
	if db == nil {
		return indicator.NewSnapshot(defs), nil
	}
	for _, def := range defs {
		if err := db.SaveDefinition(ctx, def); err != nil {
			return nil, err
		}
	}
	return indicator.LoadSnapshot(ctx, db)
}

func loadRegistry(path string) (*strategy.Registry, error) {
	if path != "" {
		return strategy.LoadRegistry(path)
	}
	reg := strategy.NewRegistry()
	if err := builtins.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func selectSpecs(reg *strategy.Registry, names []string) ([]strategy.Spec, error) {
	if len(names) == 0 {
		names = reg.List()
	}
	specs := make([]strategy.Spec, 0, len(names))
	for _, name := range names {
		s, ok := reg.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q (registered: %s)", name, strings.Join(reg.List(), ", "))
		}
		specs = append(specs, s)
	}
	if len(specs) == 0 {
		return nil, errors.New("no strategies registered")
	}
	return specs, nil
}

func splitList(s string, upper bool) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if upper {
			part = strings.ToUpper(part)
		}
		out = append(out, part)
	}
	return out
}
