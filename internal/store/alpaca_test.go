package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"quantbench/internal/domain"
)

type fakeBarClient struct {
	calls int
	fail  int // number of leading calls that error
	bars  []marketdata.Bar
	req   marketdata.GetBarsRequest
}

func (f *fakeBarClient) GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	f.calls++
	f.req = req
	if f.calls <= f.fail {
		return nil, errors.New("503 service unavailable")
	}
	return f.bars, nil
}

func newTestAlpacaReader(c barClient) *AlpacaBarReader {
	r := newAlpacaBarReader(c, "iex", 6000)
	r.backoff = time.Millisecond
	return r
}

func TestAlpacaBarReaderConverts(t *testing.T) {
	client := &fakeBarClient{bars: []marketdata.Bar{
		{Timestamp: day(2024, 1, 3), Open: 2, High: 3, Low: 1, Close: 2.5, Volume: 100, TradeCount: 7, VWAP: 2.2},
		{Timestamp: day(2024, 1, 2), Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 50},
	}}
	r := newTestAlpacaReader(client)

	bars, err := r.ReadBars(context.Background(), "aapl", "us", day(2024, 1, 1), day(2024, 1, 5))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	if bars[0].Close != 1.5 || bars[1].Volume != 100 || bars[1].TradeCount != 7 {
		t.Errorf("bars = %+v", bars)
	}
	if bars[0].Symbol != "AAPL" {
		t.Errorf("symbol = %q, want AAPL", bars[0].Symbol)
	}
	if client.req.TimeFrame != marketdata.OneDay {
		t.Errorf("timeframe = %v", client.req.TimeFrame)
	}
	if !client.req.End.Equal(day(2024, 1, 6)) {
		t.Errorf("request end = %s, want the day after the inclusive end", client.req.End)
	}
}

func TestAlpacaBarReaderRetries(t *testing.T) {
	client := &fakeBarClient{fail: 2, bars: []marketdata.Bar{{Timestamp: day(2024, 1, 2), Close: 1}}}
	r := newTestAlpacaReader(client)

	bars, err := r.ReadBars(context.Background(), "AAPL", "us", day(2024, 1, 1), day(2024, 1, 5))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if client.calls != 3 || len(bars) != 1 {
		t.Errorf("calls = %d, bars = %d; want 3, 1", client.calls, len(bars))
	}
}

func TestAlpacaBarReaderRejectsOtherMarkets(t *testing.T) {
	client := &fakeBarClient{}
	r := newTestAlpacaReader(client)
	if _, err := r.ReadBars(context.Background(), "600000", "cn", day(2024, 1, 1), day(2024, 1, 5)); err == nil {
		t.Error("expected error for cn market")
	}
	if client.calls != 0 {
		t.Errorf("client called %d times", client.calls)
	}
}

type fixedReader struct {
	bars  []domain.Bar
	calls int
}

func (f *fixedReader) ReadBars(context.Context, string, string, time.Time, time.Time) ([]domain.Bar, error) {
	f.calls++
	return f.bars, nil
}

func TestCachingBarReaderFillsLocalStore(t *testing.T) {
	local := NewParquetStore(t.TempDir())
	remote := &fixedReader{bars: []domain.Bar{
		{Symbol: "AAPL", Timestamp: day(2024, 1, 2), Close: 10},
		{Symbol: "AAPL", Timestamp: day(2024, 1, 3), Close: 11},
	}}
	c := NewCachingBarReader(local, remote)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		bars, err := c.ReadBars(ctx, "AAPL", "us", day(2024, 1, 1), day(2024, 1, 31))
		if err != nil {
			t.Fatalf("ReadBars #%d: %v", i, err)
		}
		if len(bars) != 2 {
			t.Fatalf("ReadBars #%d returned %d bars", i, len(bars))
		}
	}
	if remote.calls != 1 {
		t.Errorf("remote called %d times, want 1", remote.calls)
	}
}

func TestCachingBarReaderLocalOnly(t *testing.T) {
	c := NewCachingBarReader(NewParquetStore(t.TempDir()), nil)
	bars, err := c.ReadBars(context.Background(), "AAPL", "us", day(2024, 1, 1), day(2024, 1, 31))
	if err != nil || len(bars) != 0 {
		t.Errorf("ReadBars = %v, %v; want empty, nil", bars, err)
	}
}
