// Package config loads the quantbench YAML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when QUANTBENCH_CONFIG is unset.
const DefaultPath = "config/quantbench.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for quantbench.
type Config struct {
	Storage    Storage    `yaml:"storage"`
	Alpaca     Alpaca     `yaml:"alpaca"`
	Logging    Logging    `yaml:"logging"`
	Indicators Indicators `yaml:"indicators"`
	Backtest   Backtest   `yaml:"backtest"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Alpaca holds credentials for the market-data API. Bars are only fetched
// remotely when a key is configured.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Enabled reports whether credentials are present.
func (a Alpaca) Enabled() bool { return a.APIKey != "" && a.APISecret != "" }

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Indicators configures indicator resolution. Permissive enables library
// fallback and inline snippets and must be opted into.
type Indicators struct {
	Permissive      bool          `yaml:"permissive"`
	DefinitionsPath string        `yaml:"definitions_path"`
	SnippetTimeout  time.Duration `yaml:"snippet_timeout"`
}

// Backtest holds the account model and the default batch.
type Backtest struct {
	InitialCapital float64  `yaml:"initial_capital"`
	CommissionRate float64  `yaml:"commission_rate"`
	SlippageRate   float64  `yaml:"slippage_rate"`
	Workers        int      `yaml:"workers"`
	StrategiesPath string   `yaml:"strategies_path"`
	Market         string   `yaml:"market"`
	Symbols        []string `yaml:"symbols"`
	Start          string   `yaml:"start"`
	End            string   `yaml:"end"`
	SaveResults    bool     `yaml:"save_results"`
}

// Range parses Start and End (YYYY-MM-DD). An empty End means today.
func (b Backtest) Range() (start, end time.Time, err error) {
	if b.Start == "" {
		return start, end, errors.New("backtest.start is not set")
	}
	if start, err = time.Parse(time.DateOnly, b.Start); err != nil {
		return start, end, fmt.Errorf("backtest.start: %w", err)
	}
	end = time.Now().UTC().Truncate(24 * time.Hour)
	if b.End != "" {
		if end, err = time.Parse(time.DateOnly, b.End); err != nil {
			return start, end, fmt.Errorf("backtest.end: %w", err)
		}
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("backtest.end %s is before start %s", b.End, b.Start)
	}
	return start, end, nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the config file location from QUANTBENCH_CONFIG, falling
// back to DefaultPath.
func Path() string {
	if p := os.Getenv("QUANTBENCH_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Indicators.SnippetTimeout <= 0 {
		cfg.Indicators.SnippetTimeout = 2 * time.Second
	}
	if cfg.Alpaca.RateLimitPerMin <= 0 {
		cfg.Alpaca.RateLimitPerMin = 200
	}
	if cfg.Backtest.InitialCapital <= 0 {
		cfg.Backtest.InitialCapital = 100_000
	}
	if cfg.Backtest.Market == "" {
		cfg.Backtest.Market = "us"
	}
	for i, s := range cfg.Backtest.Symbols {
		cfg.Backtest.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("QUANTBENCH_PERMISSIVE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("QUANTBENCH_PERMISSIVE: %w", err)
		}
		cfg.Indicators.Permissive = b
	}
	if v := os.Getenv("QUANTBENCH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QUANTBENCH_WORKERS: %w", err)
		}
		cfg.Backtest.Workers = n
	}

	// Standard Alpaca env vars take precedence, they are the names the SDK reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}
