package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"

	"quantbench/internal/config"
	"quantbench/internal/indicator"
	"quantbench/internal/report"
	"quantbench/internal/store"
	"quantbench/internal/strategy"
)

const version = "0.1.0"

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	nameStyle = lipgloss.NewStyle().Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: quantbench-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                     Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  indicators                  List indicator definitions and builtins\n")
		fmt.Fprintf(os.Stderr, "  validate <kind> <file>      Check a formula or snippet against the sandbox\n")
		fmt.Fprintf(os.Stderr, "  strategies [file]           Parse and list strategy specs\n")
		fmt.Fprintf(os.Stderr, "  results [strategy] [limit]  List saved backtest runs\n")
		fmt.Fprintf(os.Stderr, "  show <run-id>               Print a saved run with its trades\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}
	_ = godotenv.Load()

	ctx := context.Background()
	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("quantbench-cli %s\n", version)

	case "indicators":
		err = listIndicators(ctx)

	case "validate":
		if len(args) != 2 {
			flag.Usage()
			os.Exit(1)
		}
		err = validate(args[0], args[1])

	case "strategies":
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		err = listStrategies(path)

	case "results":
		name, limit := "", 20
		if len(args) > 0 {
			name = args[0]
		}
		if len(args) > 1 {
			if _, scanErr := fmt.Sscanf(args[1], "%d", &limit); scanErr != nil {
				err = fmt.Errorf("limit %q: %w", args[1], scanErr)
				break
			}
		}
		err = listResults(ctx, name, limit)

	case "show":
		if len(args) != 1 {
			flag.Usage()
			os.Exit(1)
		}
		err = showResult(ctx, args[0])

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.Path())
}

func openDB(cfg *config.Config) (*store.SQLiteStore, error) {
	if cfg.Storage.SQLitePath == "" {
		return nil, errors.New("storage.sqlite_path is not configured")
	}
	return store.NewSQLiteStore(cfg.Storage.SQLitePath)
}

func listIndicators(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var defs []indicator.Definition
	switch {
	case cfg.Storage.SQLitePath != "":
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if defs, err = db.FetchAllActive(ctx); err != nil {
			return err
		}
	case cfg.Indicators.DefinitionsPath != "":
		if defs, err = indicator.LoadDefinitionsFile(cfg.Indicators.DefinitionsPath); err != nil {
			return err
		}
		defs = indicator.ActiveOnly(defs)
	}

	fmt.Println(nameStyle.Render("Definitions"))
	if len(defs) == 0 {
		fmt.Println(dimStyle.Render("  (none)"))
	}
	for _, d := range defs {
		outputs := ""
		if len(d.OutputColumns) > 0 {
			outputs = " -> " + strings.Join(d.OutputColumns, ", ")
		}
		fmt.Printf("  %-20s %-8s %s%s\n", d.Name, d.SourceKind, dimStyle.Render(d.DefaultParams.Key()), outputs)
	}

	fmt.Println()
	fmt.Println(nameStyle.Render("Builtins"))
	fmt.Printf("  %s\n", strings.Join(indicator.BuiltinNames(), ", "))
	return nil
}

func validate(kind, path string) error {
	k, err := indicator.ParseSourceKind(kind)
	if err != nil {
		return err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	prog, err := indicator.Validate(k, string(body))
	if err != nil {
		fmt.Println(errStyle.Render("rejected"))
		return err
	}
	fmt.Printf("%s %s outputs: %s\n", okStyle.Render("accepted"), prog.Kind(), strings.Join(prog.Outputs(), ", "))
	return nil
}

func listStrategies(path string) error {
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Backtest.StrategiesPath
	}
	if path == "" {
		return errors.New("no strategies file: pass one or set backtest.strategies_path")
	}
	reg, err := strategy.LoadRegistry(path)
	if err != nil {
		return err
	}
	for _, name := range reg.List() {
		s, _ := reg.Get(name)
		refs := make([]string, len(s.Indicators))
		for i, ref := range s.Indicators {
			refs[i] = ref.Name
		}
		fmt.Printf("  %s %s\n", nameStyle.Render(s.Name), dimStyle.Render(strings.Join(refs, ", ")))
	}
	return nil
}

func listResults(ctx context.Context, name string, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.ListResults(ctx, name, limit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println(dimStyle.Render("no saved runs"))
		return nil
	}
	rows := make([]report.Row, len(results))
	for i := range results {
		rows[i] = report.Row{Strategy: results[i].Strategy, Symbol: results[i].Symbol, Result: &results[i]}
	}
	fmt.Println(report.Summary(rows))
	for _, r := range results {
		fmt.Printf("  %s %s/%s\n", dimStyle.Render(r.RunID), r.Strategy, r.Symbol)
	}
	return nil
}

func showResult(ctx context.Context, runID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.GetResult(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Println(report.Summary([]report.Row{{Strategy: res.Strategy, Symbol: res.Symbol, Result: res}}))
	if len(res.Trades) > 0 {
		fmt.Println(report.Trades(res))
	}
	for _, w := range res.Warnings {
		fmt.Println(dimStyle.Render("warning: " + w))
	}
	return nil
}
