// Package store defines the storage boundaries of the backtester: where
// price history comes from, where indicator definitions live and where run
// results are written.
package store

import (
	"context"
	"errors"
	"time"

	"quantbench/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// BarReader supplies daily bars for one instrument.
type BarReader interface {
	// ReadBars returns bars for symbol in market within [start, end], oldest
	// first.
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)
}

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	BarReader

	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// ResultStore persists backtest results.
type ResultStore interface {
	// SaveResult stores a finished run, including its ledger and equity
	// curve. The result must carry a RunID.
	SaveResult(ctx context.Context, res *domain.BacktestResult) error

	// GetResult loads a run by id.
	GetResult(ctx context.Context, runID string) (*domain.BacktestResult, error)

	// ListResults returns run summaries, newest first, without trades or
	// equity points. An empty strategy lists every run.
	ListResults(ctx context.Context, strategy string, limit int) ([]domain.BacktestResult, error)
}
