package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"quantbench/internal/domain"
	"quantbench/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ BarReader = (*AlpacaBarReader)(nil)
var _ BarReader = (*CachingBarReader)(nil)

// barClient is the slice of the market-data client the reader uses.
type barClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// ---------------------------------------------------------------------------
// AlpacaBarReader: daily bars straight from the Alpaca market-data API.
// ---------------------------------------------------------------------------

// AlpacaBarReader reads daily bars for US equities from Alpaca. Calls are
// rate limited and retried with backoff.
type AlpacaBarReader struct {
	client   barClient
	feed     marketdata.Feed
	limiter  *util.RateLimiter
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// NewAlpacaBarReader creates a reader with the given credentials. dataURL
// and feed may be empty to use the client defaults.
func NewAlpacaBarReader(apiKey, apiSecret, dataURL, feed string, perMinute int) *AlpacaBarReader {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return newAlpacaBarReader(marketdata.NewClient(opts), feed, perMinute)
}

func newAlpacaBarReader(client barClient, feed string, perMinute int) *AlpacaBarReader {
	if perMinute <= 0 {
		perMinute = 200
	}
	return &AlpacaBarReader{
		client:   client,
		feed:     marketdata.Feed(feed),
		limiter:  util.NewRateLimiter(perMinute),
		attempts: 3,
		backoff:  500 * time.Millisecond,
		log:      slog.Default().With("reader", "alpaca"),
	}
}

// ReadBars fetches daily bars in [start, end]. Only the US market is
// served.
func (r *AlpacaBarReader) ReadBars(ctx context.Context, symbol, market string, start, end time.Time) ([]domain.Bar, error) {
	if m := strings.ToLower(market); m != "" && m != string(domain.MarketUS) {
		return nil, fmt.Errorf("alpaca serves the us market, not %q", market)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end %s is before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	var raw []marketdata.Bar
	err := util.Retry(ctx, r.attempts, r.backoff, func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		raw, err = r.client.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     start,
			// The API end bound is exclusive.
			End:  end.AddDate(0, 0, 1),
			Feed: r.feed,
		})
		if err != nil {
			r.log.Debug("GetBars failed", "symbol", symbol, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timestamp:  ab.Timestamp.UTC(),
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	return domain.SortBars(bars), nil
}

// ---------------------------------------------------------------------------
// CachingBarReader: local store first, remote on a miss.
// ---------------------------------------------------------------------------

// CachingBarReader serves bars from a local BarStore and falls back to a
// remote reader when the local range is empty, writing what it fetched back
// to the store.
type CachingBarReader struct {
	local  BarStore
	remote BarReader
	log    *slog.Logger
}

// NewCachingBarReader wires a local store in front of remote. remote may be
// nil, in which case the reader is local only.
func NewCachingBarReader(local BarStore, remote BarReader) *CachingBarReader {
	return &CachingBarReader{
		local:  local,
		remote: remote,
		log:    slog.Default().With("reader", "caching"),
	}
}

// ReadBars implements BarReader.
func (c *CachingBarReader) ReadBars(ctx context.Context, symbol, market string, start, end time.Time) ([]domain.Bar, error) {
	bars, err := c.local.ReadBars(ctx, symbol, market, start, end)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if len(bars) > 0 || c.remote == nil {
		return bars, nil
	}

	bars, err = c.remote.ReadBars(ctx, symbol, market, start, end)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return bars, nil
	}
	if err := c.local.WriteBars(ctx, bars); err != nil {
		// The bars are still usable for this run.
		c.log.Warn("caching fetched bars failed", "symbol", symbol, "error", err)
	} else {
		c.log.Info("cached remote bars", "symbol", symbol, "bars", len(bars))
	}
	return bars, nil
}
