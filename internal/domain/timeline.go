package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Source column names every timeline exposes.
var SourceColumns = []string{"open", "high", "low", "close", "volume"}

var (
	ErrEmptyTimeline   = errors.New("timeline has no bars")
	ErrUnorderedBars   = errors.New("bars are not strictly increasing by date")
	ErrColumnLength    = errors.New("column length does not match timeline")
	ErrReadOnlyColumn  = errors.New("source columns are read-only")
	ErrColumnNameEmpty = errors.New("column name is empty")
)

// Timeline is an ordered run of daily bars for one instrument plus any
// computed columns appended to it. Source columns are never modified.
// Column names are matched case-insensitively.
type Timeline struct {
	Symbol string
	bars   []Bar
	source map[string][]float64
	cols   map[string][]float64
	order  []string
}

// NewTimeline validates that bars are strictly ascending by date and builds
// the source columns.
func NewTimeline(symbol string, bars []Bar) (*Timeline, error) {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return nil, fmt.Errorf("%s bar %d (%s): %w",
				symbol, i, bars[i].Timestamp.Format("2006-01-02"), ErrUnorderedBars)
		}
	}

	owned := make([]Bar, len(bars))
	copy(owned, bars)

	n := len(owned)
	src := map[string][]float64{
		"open":   make([]float64, n),
		"high":   make([]float64, n),
		"low":    make([]float64, n),
		"close":  make([]float64, n),
		"volume": make([]float64, n),
	}
	for i, b := range owned {
		src["open"][i] = b.Open
		src["high"][i] = b.High
		src["low"][i] = b.Low
		src["close"][i] = b.Close
		src["volume"][i] = float64(b.Volume)
	}

	return &Timeline{
		Symbol: symbol,
		bars:   owned,
		source: src,
		cols:   make(map[string][]float64),
	}, nil
}

// SortBars orders bars by timestamp and drops duplicate dates, keeping the
// last occurrence. Providers that cannot guarantee ordering call it before
// NewTimeline.
func SortBars(bars []Bar) []Bar {
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	out := bars[:0]
	for _, b := range bars {
		if len(out) > 0 && out[len(out)-1].Timestamp.Equal(b.Timestamp) {
			out[len(out)-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

// Len returns the number of bars.
func (t *Timeline) Len() int { return len(t.bars) }

// Bar returns the i-th bar.
func (t *Timeline) Bar(i int) Bar { return t.bars[i] }

// Date returns the date of the i-th bar.
func (t *Timeline) Date(i int) time.Time { return t.bars[i].Timestamp }

// First and Last return the bounding dates; both are zero for an empty
// timeline.
func (t *Timeline) First() time.Time {
	if len(t.bars) == 0 {
		return time.Time{}
	}
	return t.bars[0].Timestamp
}

func (t *Timeline) Last() time.Time {
	if len(t.bars) == 0 {
		return time.Time{}
	}
	return t.bars[len(t.bars)-1].Timestamp
}

// Column looks up a source or computed column. The returned slice must not
// be modified.
func (t *Timeline) Column(name string) ([]float64, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if s, ok := t.source[key]; ok {
		return s, true
	}
	s, ok := t.cols[key]
	return s, ok
}

// SetColumn appends or replaces a computed column. The series is copied.
func (t *Timeline) SetColumn(name string, series []float64) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return ErrColumnNameEmpty
	}
	if _, ok := t.source[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrReadOnlyColumn)
	}
	if len(series) != len(t.bars) {
		return fmt.Errorf("%s has %d values, timeline has %d: %w",
			key, len(series), len(t.bars), ErrColumnLength)
	}
	if _, exists := t.cols[key]; !exists {
		t.order = append(t.order, key)
	}
	cp := make([]float64, len(series))
	copy(cp, series)
	t.cols[key] = cp
	return nil
}

// Columns returns source column names followed by computed columns in the
// order they were added.
func (t *Timeline) Columns() []string {
	out := make([]string, 0, len(SourceColumns)+len(t.order))
	out = append(out, SourceColumns...)
	return append(out, t.order...)
}

// Clone returns a timeline sharing the immutable bars and source columns but
// owning its own set of computed columns.
func (t *Timeline) Clone() *Timeline {
	cols := make(map[string][]float64, len(t.cols))
	for k, v := range t.cols {
		cols[k] = v
	}
	order := make([]string, len(t.order))
	copy(order, t.order)
	return &Timeline{
		Symbol: t.Symbol,
		bars:   t.bars,
		source: t.source,
		cols:   cols,
		order:  order,
	}
}
