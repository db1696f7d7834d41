package indicator

import "math"

// Rolling helpers shared by the builtin library and the snippet namespace.
// Every helper returns a new slice aligned to its input with NaN where the
// value is undefined; none of them modify their arguments.

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA is the simple moving average over p points. A window containing a NaN
// yields NaN.
func SMA(x []float64, p int) []float64 {
	out := nanSeries(len(x))
	if p <= 0 {
		return out
	}
	var sum float64
	nans := 0
	for i, v := range x {
		if math.IsNaN(v) {
			nans++
		} else {
			sum += v
		}
		if i >= p {
			old := x[i-p]
			if math.IsNaN(old) {
				nans--
			} else {
				sum -= old
			}
		}
		if i >= p-1 && nans == 0 {
			out[i] = sum / float64(p)
		}
	}
	return out
}

// RollingSum is the sum over p points.
func RollingSum(x []float64, p int) []float64 {
	out := SMA(x, p)
	for i := range out {
		out[i] *= float64(p)
	}
	return out
}

// smooth is an exponential average with factor alpha, seeded with the simple
// mean of the first p defined values.
func smooth(x []float64, p int, alpha float64) []float64 {
	out := nanSeries(len(x))
	if p <= 0 {
		return out
	}
	first := -1
	for i, v := range x {
		if !math.IsNaN(v) {
			first = i
			break
		}
	}
	if first < 0 || first+p > len(x) {
		return out
	}
	var seed float64
	for i := first; i < first+p; i++ {
		if math.IsNaN(x[i]) {
			return out
		}
		seed += x[i]
	}
	prev := seed / float64(p)
	out[first+p-1] = prev
	for i := first + p; i < len(x); i++ {
		if math.IsNaN(x[i]) {
			continue
		}
		prev = (x[i]-prev)*alpha + prev
		out[i] = prev
	}
	return out
}

// EMA uses the standard 2/(p+1) smoothing.
func EMA(x []float64, p int) []float64 {
	return smooth(x, p, 2.0/float64(p+1))
}

// RMA is Wilder's moving average, smoothing 1/p.
func RMA(x []float64, p int) []float64 {
	if p <= 0 {
		return nanSeries(len(x))
	}
	return smooth(x, p, 1.0/float64(p))
}

// StdDev is the rolling population standard deviation.
func StdDev(x []float64, p int) []float64 {
	out := nanSeries(len(x))
	if p <= 0 {
		return out
	}
	mean := SMA(x, p)
	sq := make([]float64, len(x))
	for i, v := range x {
		sq[i] = v * v
	}
	meanSq := SMA(sq, p)
	for i := range x {
		if math.IsNaN(mean[i]) {
			continue
		}
		v := meanSq[i] - mean[i]*mean[i]
		if v < 0 {
			v = 0
		}
		out[i] = math.Sqrt(v)
	}
	return out
}

// Highest is the rolling maximum over p points.
func Highest(x []float64, p int) []float64 {
	return rollingExtreme(x, p, func(a, b float64) bool { return a >= b })
}

// Lowest is the rolling minimum over p points.
func Lowest(x []float64, p int) []float64 {
	return rollingExtreme(x, p, func(a, b float64) bool { return a <= b })
}

// rollingExtreme keeps a monotonic deque of indices so each point is pushed
// and popped once.
func rollingExtreme(x []float64, p int, dominates func(a, b float64) bool) []float64 {
	out := nanSeries(len(x))
	if p <= 0 {
		return out
	}
	deque := make([]int, 0, p)
	lastNaN := -1
	for i, v := range x {
		if math.IsNaN(v) {
			lastNaN = i
			deque = deque[:0]
			continue
		}
		for len(deque) > 0 && deque[0] <= i-p {
			deque = deque[1:]
		}
		for len(deque) > 0 && dominates(v, x[deque[len(deque)-1]]) {
			deque = deque[:len(deque)-1]
		}
		deque = append(deque, i)
		if i >= p-1 && i-lastNaN >= p {
			out[i] = x[deque[0]]
		}
	}
	return out
}

// Shift lags x by n points. Leading values, and all values for n < 0, are
// NaN; looking ahead is never allowed.
func Shift(x []float64, n int) []float64 {
	out := nanSeries(len(x))
	if n < 0 {
		return out
	}
	for i := n; i < len(x); i++ {
		out[i] = x[i-n]
	}
	return out
}

// Diff is x[t] - x[t-n].
func Diff(x []float64, n int) []float64 {
	lag := Shift(x, n)
	out := make([]float64, len(x))
	for i := range x {
		out[i] = x[i] - lag[i]
	}
	return out
}

// leadingNaN counts undefined values before the first defined one.
func leadingNaN(x []float64) int {
	for i, v := range x {
		if !math.IsNaN(v) {
			return i
		}
	}
	return len(x)
}
