package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quantbench/internal/domain"
	"quantbench/internal/indicator"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ indicator.DefinitionStore = (*SQLiteStore)(nil)
var _ ResultStore = (*SQLiteStore)(nil)

// moneyPlaces is the precision money columns are stored with.
const moneyPlaces = 6

// SQLiteStore is the indicator definition store and the result sink, backed
// by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and applies
// the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; the driver serialises anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS indicator_definitions (
		name           TEXT PRIMARY KEY COLLATE NOCASE,
		source_kind    TEXT NOT NULL,
		default_params TEXT NOT NULL DEFAULT '{}',
		output_columns TEXT NOT NULL DEFAULT '[]',
		body           TEXT NOT NULL DEFAULT '',
		active         INTEGER NOT NULL DEFAULT 1,
		updated_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS backtest_runs (
		run_id              TEXT PRIMARY KEY,
		strategy            TEXT NOT NULL,
		symbol              TEXT NOT NULL,
		start_date          TEXT NOT NULL,
		end_date            TEXT NOT NULL,
		initial_capital     TEXT NOT NULL,
		final_capital       TEXT NOT NULL,
		total_return_amount TEXT NOT NULL,
		total_return_rate   REAL NOT NULL,
		win_rate            REAL NOT NULL,
		max_drawdown_rate   REAL NOT NULL,
		trade_count         INTEGER NOT NULL,
		warnings            TEXT NOT NULL DEFAULT '[]',
		created_at          TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backtest_runs_strategy ON backtest_runs(strategy, created_at)`,
	`CREATE TABLE IF NOT EXISTS backtest_trades (
		run_id      TEXT NOT NULL REFERENCES backtest_runs(run_id) ON DELETE CASCADE,
		seq         INTEGER NOT NULL,
		trade_date  TEXT NOT NULL,
		side        TEXT NOT NULL,
		price       TEXT NOT NULL,
		quantity    REAL NOT NULL,
		amount      TEXT NOT NULL,
		commission  TEXT NOT NULL,
		profit      TEXT NOT NULL,
		profit_rate REAL NOT NULL,
		reason      TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS backtest_equity (
		run_id     TEXT NOT NULL REFERENCES backtest_runs(run_id) ON DELETE CASCADE,
		point_date TEXT NOT NULL,
		cash       TEXT NOT NULL,
		holdings   TEXT NOT NULL,
		equity     TEXT NOT NULL,
		state      TEXT NOT NULL,
		PRIMARY KEY (run_id, point_date)
	)`,
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Indicator definitions
// ---------------------------------------------------------------------------

// SaveDefinition inserts or replaces a definition.
func (s *SQLiteStore) SaveDefinition(ctx context.Context, def indicator.Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return errors.New("definition has no name")
	}
	params, err := json.Marshal(def.DefaultParams.Normalize())
	if err != nil {
		return fmt.Errorf("encoding params of %s: %w", def.Name, err)
	}
	outputs := def.OutputColumns
	if outputs == nil {
		outputs = []string{}
	}
	cols, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("encoding outputs of %s: %w", def.Name, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO indicator_definitions (name, source_kind, default_params, output_columns, body, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			source_kind = excluded.source_kind,
			default_params = excluded.default_params,
			output_columns = excluded.output_columns,
			body = excluded.body,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		def.Name, string(def.SourceKind), string(params), string(cols), def.Body, def.Active,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving definition %s: %w", def.Name, err)
	}
	return nil
}

// FetchAllActive returns every active definition ordered by name.
func (s *SQLiteStore) FetchAllActive(ctx context.Context) ([]indicator.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, source_kind, default_params, output_columns, body, active
		FROM indicator_definitions WHERE active = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying definitions: %w", err)
	}
	defer rows.Close()

	var defs []indicator.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// FetchByName returns the active definition called name, ignoring case.
func (s *SQLiteStore) FetchByName(ctx context.Context, name string) (indicator.Definition, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, source_kind, default_params, output_columns, body, active
		FROM indicator_definitions WHERE name = ? AND active = 1`, strings.TrimSpace(name))
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return indicator.Definition{}, false, nil
	}
	if err != nil {
		return indicator.Definition{}, false, err
	}
	return def, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(sc scanner) (indicator.Definition, error) {
	var (
		def            indicator.Definition
		kind           string
		params, output string
	)
	if err := sc.Scan(&def.Name, &kind, &params, &output, &def.Body, &def.Active); err != nil {
		return def, err
	}
	def.SourceKind = indicator.SourceKind(kind)
	if err := json.Unmarshal([]byte(params), &def.DefaultParams); err != nil {
		return def, fmt.Errorf("decoding params of %s: %w", def.Name, err)
	}
	if err := json.Unmarshal([]byte(output), &def.OutputColumns); err != nil {
		return def, fmt.Errorf("decoding outputs of %s: %w", def.Name, err)
	}
	def.DefaultParams = def.DefaultParams.Normalize()
	return def, nil
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

func money(v float64) string {
	return decimal.NewFromFloat(v).Round(moneyPlaces).String()
}

func parseMoney(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

// checkFinite rejects results carrying NaN or infinite amounts, which have no
// decimal representation.
func checkFinite(res *domain.BacktestResult) error {
	bad := func(vs ...float64) bool {
		for _, v := range vs {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
		return false
	}
	if bad(res.InitialCapital, res.FinalCapital, res.TotalReturnAmount,
		res.TotalReturnRate, res.WinRate, res.MaxDrawdownRate) {
		return fmt.Errorf("run %s: summary has a non-finite value", res.RunID)
	}
	for i, tr := range res.Trades {
		if bad(tr.Price, tr.Quantity, tr.Amount, tr.Commission, tr.Profit, tr.ProfitRate) {
			return fmt.Errorf("run %s: trade %d has a non-finite value", res.RunID, i)
		}
	}
	for _, pt := range res.DailyEquityCurve {
		if bad(pt.Cash, pt.Holdings, pt.Equity) {
			return fmt.Errorf("run %s: equity point %s has a non-finite value",
				res.RunID, pt.Date.Format(time.DateOnly))
		}
	}
	return nil
}

// SaveResult writes the run, its trades and its equity curve in one
// transaction. Saving the same RunID twice replaces the earlier copy.
func (s *SQLiteStore) SaveResult(ctx context.Context, res *domain.BacktestResult) (err error) {
	if res.RunID == "" {
		return errors.New("result has no run id")
	}
	if err := checkFinite(res); err != nil {
		return err
	}
	warnings, err := json.Marshal(append([]string{}, res.Warnings...))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, stmt := range []string{
		`DELETE FROM backtest_trades WHERE run_id = ?`,
		`DELETE FROM backtest_equity WHERE run_id = ?`,
		`DELETE FROM backtest_runs WHERE run_id = ?`,
	} {
		if _, err = tx.ExecContext(ctx, stmt, res.RunID); err != nil {
			return fmt.Errorf("clearing run %s: %w", res.RunID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backtest_runs (run_id, strategy, symbol, start_date, end_date,
			initial_capital, final_capital, total_return_amount, total_return_rate,
			win_rate, max_drawdown_rate, trade_count, warnings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Strategy, res.Symbol,
		res.Start.UTC().Format(time.DateOnly), res.End.UTC().Format(time.DateOnly),
		money(res.InitialCapital), money(res.FinalCapital), money(res.TotalReturnAmount),
		res.TotalReturnRate, res.WinRate, res.MaxDrawdownRate, res.TradeCount,
		string(warnings), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", res.RunID, err)
	}

	for i, tr := range res.Trades {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO backtest_trades (run_id, seq, trade_date, side, price, quantity,
				amount, commission, profit, profit_rate, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, i, tr.Date.UTC().Format(time.DateOnly), string(tr.Type),
			money(tr.Price), tr.Quantity, money(tr.Amount), money(tr.Commission),
			money(tr.Profit), tr.ProfitRate, tr.Reason)
		if err != nil {
			return fmt.Errorf("inserting trade %d of %s: %w", i, res.RunID, err)
		}
	}

	for _, pt := range res.DailyEquityCurve {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO backtest_equity (run_id, point_date, cash, holdings, equity, state)
			VALUES (?, ?, ?, ?, ?, ?)`,
			res.RunID, pt.Date.UTC().Format(time.DateOnly),
			money(pt.Cash), money(pt.Holdings), money(pt.Equity), string(pt.State))
		if err != nil {
			return fmt.Errorf("inserting equity point of %s: %w", res.RunID, err)
		}
	}

	return tx.Commit()
}

const runColumns = `run_id, strategy, symbol, start_date, end_date, initial_capital,
	final_capital, total_return_amount, total_return_rate, win_rate,
	max_drawdown_rate, trade_count, warnings`

func scanRun(sc scanner) (*domain.BacktestResult, error) {
	var (
		res                 domain.BacktestResult
		start, end          string
		initial, final, ret string
		warnings            string
	)
	err := sc.Scan(&res.RunID, &res.Strategy, &res.Symbol, &start, &end, &initial,
		&final, &ret, &res.TotalReturnRate, &res.WinRate, &res.MaxDrawdownRate,
		&res.TradeCount, &warnings)
	if err != nil {
		return nil, err
	}
	if res.Start, err = time.Parse(time.DateOnly, start); err != nil {
		return nil, err
	}
	if res.End, err = time.Parse(time.DateOnly, end); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *float64
		src string
	}{{&res.InitialCapital, initial}, {&res.FinalCapital, final}, {&res.TotalReturnAmount, ret}} {
		if *f.dst, err = parseMoney(f.src); err != nil {
			return nil, fmt.Errorf("run %s: %w", res.RunID, err)
		}
	}
	if err := json.Unmarshal([]byte(warnings), &res.Warnings); err != nil {
		return nil, fmt.Errorf("run %s warnings: %w", res.RunID, err)
	}
	if len(res.Warnings) == 0 {
		res.Warnings = nil
	}
	return &res, nil
}

// GetResult loads a run with its trades and equity curve.
func (s *SQLiteStore) GetResult(ctx context.Context, runID string) (*domain.BacktestResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM backtest_runs WHERE run_id = ?`, runID)
	res, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if res.Trades, err = s.loadTrades(ctx, runID); err != nil {
		return nil, err
	}
	if res.DailyEquityCurve, err = s.loadEquity(ctx, runID); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SQLiteStore) loadTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_date, side, price, quantity, amount, commission, profit, profit_rate, reason
		FROM backtest_trades WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying trades of %s: %w", runID, err)
	}
	defer rows.Close()

	trades := []domain.Trade{}
	for rows.Next() {
		var (
			tr                                domain.Trade
			date, side                        string
			price, amount, commission, profit string
		)
		if err := rows.Scan(&date, &side, &price, &tr.Quantity, &amount, &commission, &profit, &tr.ProfitRate, &tr.Reason); err != nil {
			return nil, err
		}
		if tr.Date, err = time.Parse(time.DateOnly, date); err != nil {
			return nil, err
		}
		tr.Type = domain.Side(side)
		for _, f := range []struct {
			dst *float64
			src string
		}{{&tr.Price, price}, {&tr.Amount, amount}, {&tr.Commission, commission}, {&tr.Profit, profit}} {
			if *f.dst, err = parseMoney(f.src); err != nil {
				return nil, fmt.Errorf("trade of %s: %w", runID, err)
			}
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) loadEquity(ctx context.Context, runID string) ([]domain.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT point_date, cash, holdings, equity, state
		FROM backtest_equity WHERE run_id = ? ORDER BY point_date`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying equity of %s: %w", runID, err)
	}
	defer rows.Close()

	var curve []domain.EquityPoint
	for rows.Next() {
		var (
			pt                                  domain.EquityPoint
			date, cash, holdings, equity, state string
		)
		if err := rows.Scan(&date, &cash, &holdings, &equity, &state); err != nil {
			return nil, err
		}
		if pt.Date, err = time.Parse(time.DateOnly, date); err != nil {
			return nil, err
		}
		pt.State = domain.PositionState(state)
		for _, f := range []struct {
			dst *float64
			src string
		}{{&pt.Cash, cash}, {&pt.Holdings, holdings}, {&pt.Equity, equity}} {
			if *f.dst, err = parseMoney(f.src); err != nil {
				return nil, fmt.Errorf("equity of %s: %w", runID, err)
			}
		}
		curve = append(curve, pt)
	}
	return curve, rows.Err()
}

// ListResults returns run summaries, newest first.
func (s *SQLiteStore) ListResults(ctx context.Context, strategy string, limit int) ([]domain.BacktestResult, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + runColumns + ` FROM backtest_runs`
	args := []any{}
	if strategy != "" {
		query += ` WHERE strategy = ?`
		args = append(args, strategy)
	}
	query += ` ORDER BY created_at DESC, run_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []domain.BacktestResult
	for rows.Next() {
		res, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}
