package indicator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"quantbench/internal/domain"
)

// Output is one named series produced by an indicator. Suffix is empty for
// single-output indicators.
type Output struct {
	Suffix string
	Values []float64
}

// BuiltinFunc computes an indicator from a timeline and merged params. It
// must be a pure function of its inputs.
type BuiltinFunc func(tl *domain.Timeline, p Params) ([]Output, error)

// builtins is the closed-form library. Keys are lower-case.
var builtins = map[string]BuiltinFunc{
	"sma":        builtinSMA,
	"ma":         builtinSMA,
	"ema":        builtinEMA,
	"rsi":        builtinRSI,
	"macd":       builtinMACD,
	"bollinger":  builtinBollinger,
	"bbands":     builtinBollinger,
	"stochastic": builtinStochastic,
	"stoch":      builtinStochastic,
	"volume_ma":  builtinVolumeMA,
	"vma":        builtinVolumeMA,
}

// LookupBuiltin returns the library function registered under name.
func LookupBuiltin(name string) (BuiltinFunc, bool) {
	fn, ok := builtins[strings.ToLower(strings.TrimSpace(name))]
	return fn, ok
}

// BuiltinNames lists the library, sorted.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sourceColumn(tl *domain.Timeline, p Params) ([]float64, error) {
	name := p.String("source", "close")
	col, ok := tl.Column(name)
	if !ok {
		return nil, fmt.Errorf("source column %q not found", name)
	}
	return col, nil
}

func positivePeriod(p Params, key string, def int) (int, error) {
	n := p.Int(key, def)
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

func builtinSMA(tl *domain.Timeline, p Params) ([]Output, error) {
	period, err := positivePeriod(p, "period", DefaultPeriod)
	if err != nil {
		return nil, err
	}
	src, err := sourceColumn(tl, p)
	if err != nil {
		return nil, err
	}
	return []Output{{Values: SMA(src, period)}}, nil
}

func builtinEMA(tl *domain.Timeline, p Params) ([]Output, error) {
	period, err := positivePeriod(p, "period", DefaultPeriod)
	if err != nil {
		return nil, err
	}
	src, err := sourceColumn(tl, p)
	if err != nil {
		return nil, err
	}
	return []Output{{Values: EMA(src, period)}}, nil
}

func builtinVolumeMA(tl *domain.Timeline, p Params) ([]Output, error) {
	period, err := positivePeriod(p, "period", DefaultPeriod)
	if err != nil {
		return nil, err
	}
	vol, _ := tl.Column("volume")
	return []Output{{Values: SMA(vol, period)}}, nil
}

// builtinRSI uses Wilder smoothing of gains and losses.
func builtinRSI(tl *domain.Timeline, p Params) ([]Output, error) {
	period, err := positivePeriod(p, "period", 14)
	if err != nil {
		return nil, err
	}
	src, err := sourceColumn(tl, p)
	if err != nil {
		return nil, err
	}

	change := Diff(src, 1)
	gains := make([]float64, len(src))
	losses := make([]float64, len(src))
	for i, c := range change {
		switch {
		case math.IsNaN(c):
			gains[i], losses[i] = math.NaN(), math.NaN()
		case c > 0:
			gains[i] = c
		default:
			losses[i] = -c
		}
	}
	avgGain := RMA(gains, period)
	avgLoss := RMA(losses, period)

	out := nanSeries(len(src))
	for i := range out {
		g, l := avgGain[i], avgLoss[i]
		if math.IsNaN(g) || math.IsNaN(l) {
			continue
		}
		if l == 0 {
			out[i] = 100
			continue
		}
		out[i] = 100 - 100/(1+g/l)
	}
	return []Output{{Values: out}}, nil
}

func builtinMACD(tl *domain.Timeline, p Params) ([]Output, error) {
	fast, err := positivePeriod(p, "fast", 12)
	if err != nil {
		return nil, err
	}
	slow, err := positivePeriod(p, "slow", 26)
	if err != nil {
		return nil, err
	}
	signalPeriod, err := positivePeriod(p, "signal", 9)
	if err != nil {
		return nil, err
	}
	if fast >= slow {
		return nil, fmt.Errorf("fast period %d must be shorter than slow period %d", fast, slow)
	}
	src, err := sourceColumn(tl, p)
	if err != nil {
		return nil, err
	}

	fastEMA, slowEMA := EMA(src, fast), EMA(src, slow)
	line := make([]float64, len(src))
	for i := range line {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	signal := EMA(line, signalPeriod)
	hist := make([]float64, len(src))
	for i := range hist {
		hist[i] = line[i] - signal[i]
	}
	return []Output{
		{Suffix: "macd", Values: line},
		{Suffix: "signal", Values: signal},
		{Suffix: "hist", Values: hist},
	}, nil
}

func builtinBollinger(tl *domain.Timeline, p Params) ([]Output, error) {
	period, err := positivePeriod(p, "period", DefaultPeriod)
	if err != nil {
		return nil, err
	}
	k := p.Float("stddev", 2)
	src, err := sourceColumn(tl, p)
	if err != nil {
		return nil, err
	}

	mid := SMA(src, period)
	sd := StdDev(src, period)
	upper := make([]float64, len(src))
	lower := make([]float64, len(src))
	for i := range src {
		upper[i] = mid[i] + k*sd[i]
		lower[i] = mid[i] - k*sd[i]
	}
	return []Output{
		{Suffix: "upper", Values: upper},
		{Suffix: "middle", Values: mid},
		{Suffix: "lower", Values: lower},
	}, nil
}

// builtinStochastic returns %K over period and its %D smoothing. A flat
// window, where high equals low, reads as the midpoint.
func builtinStochastic(tl *domain.Timeline, p Params) ([]Output, error) {
	period, err := positivePeriod(p, "period", 14)
	if err != nil {
		return nil, err
	}
	dPeriod, err := positivePeriod(p, "d", 3)
	if err != nil {
		return nil, err
	}
	high, _ := tl.Column("high")
	low, _ := tl.Column("low")
	closes, _ := tl.Column("close")

	hh, ll := Highest(high, period), Lowest(low, period)
	k := nanSeries(len(closes))
	for i := range closes {
		if math.IsNaN(hh[i]) || math.IsNaN(ll[i]) {
			continue
		}
		rng := hh[i] - ll[i]
		if rng == 0 {
			k[i] = 50
			continue
		}
		k[i] = 100 * (closes[i] - ll[i]) / rng
	}
	return []Output{
		{Suffix: "k", Values: k},
		{Suffix: "d", Values: SMA(k, dPeriod)},
	}, nil
}
