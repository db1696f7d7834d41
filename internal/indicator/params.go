package indicator

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// DefaultPeriod is used when neither the caller nor the definition sets one.
const DefaultPeriod = 20

// Params maps parameter names to numbers or strings. Keys are lower-case
// after Normalize.
type Params map[string]any

// Normalize returns a copy with lower-cased keys and every numeric value
// widened to float64. Strings that parse as numbers become numbers.
func (p Params) Normalize() Params {
	out := make(Params, len(p))
	for k, v := range p {
		key := strings.ToLower(strings.TrimSpace(k))
		if f, ok := toFloat(v); ok {
			out[key] = f
			continue
		}
		out[key] = fmt.Sprint(v)
	}
	return out
}

// Float returns the numeric value of key or def.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return def
}

// Int returns the numeric value of key truncated to int, or def.
func (p Params) Int(key string, def int) int {
	f := p.Float(key, math.NaN())
	if math.IsNaN(f) {
		return def
	}
	return int(f)
}

// String returns the string value of key or def.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok {
		return fmt.Sprint(v)
	}
	return def
}

// Key renders the params deterministically, sorted by name.
func (p Params) Key() string {
	keys := p.sortedKeys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + formatValue(p[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (p Params) sortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExecutionOptions are the per-call inputs of a resolve. They are passed by
// value.
type ExecutionOptions struct {
	Period   int
	Realtime bool
	Params   Params
}

// merged layers the definition defaults, the period and the extra params, in
// that order of increasing precedence.
func (o ExecutionOptions) merged(defaults Params) Params {
	out := defaults.Normalize()
	if _, ok := out["period"]; !ok || o.Period > 0 {
		period := o.Period
		if period <= 0 {
			period = DefaultPeriod
		}
		out["period"] = float64(period)
	}
	for k, v := range o.Params.Normalize() {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func formatValue(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
