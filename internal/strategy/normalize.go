package strategy

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"quantbench/internal/condition"
	"quantbench/internal/engine"
	"quantbench/internal/indicator"
)

// RawSpec is a strategy as it arrives from a file or a caller: keys in
// camelCase or snake_case, params nested or flat, operators spelled any
// accepted way. Normalize is the only place these shapes are understood.
type RawSpec map[string]any

// canon folds a key to lower case without separators, so buyConditions,
// buy_conditions and BUY-CONDITIONS meet.
func canon(key string) string {
	r := strings.NewReplacer("_", "", "-", "", " ", "")
	return r.Replace(strings.ToLower(strings.TrimSpace(key)))
}

// fields is a raw mapping indexed by canonical key.
type fields map[string]any

func asFields(v any) (fields, bool) {
	var m map[string]any
	switch t := v.(type) {
	case RawSpec:
		m = t
	case map[string]any:
		m = t
	case fields:
		return t, true
	default:
		return nil, false
	}
	out := make(fields, len(m))
	for k, val := range m {
		out[canon(k)] = val
	}
	return out, true
}

// get returns the first present key among names.
func (f fields) get(names ...string) (any, bool) {
	for _, n := range names {
		if v, ok := f[n]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (f fields) str(names ...string) string {
	v, ok := f.get(names...)
	if !ok {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func (f fields) number(names ...string) (float64, bool, error) {
	v, ok := f.get(names...)
	if !ok {
		return 0, false, nil
	}
	n, err := toNumber(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", names[0], err)
	}
	return n, true, nil
}

func (f fields) boolean(def bool, names ...string) (bool, error) {
	v, ok := f.get(names...)
	if !ok {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("%s: %q is not a boolean", names[0], b)
		}
		return parsed, nil
	}
	n, err := toNumber(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", names[0], err)
	}
	return n != 0, nil
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(n), "%")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%v (%T) is not a number", v, v)
}

// fraction reads a percentage. Values above 1 are taken as percent points,
// so 5 and 0.05 both mean five percent.
func fraction(v float64) float64 {
	if v > 1 {
		return v / 100
	}
	return v
}

// Normalize maps any accepted shape of a strategy to a Spec and validates
// it.
func Normalize(raw RawSpec) (Spec, error) {
	f, _ := asFields(raw)
	spec := Spec{Name: f.str("name", "strategyname", "id")}

	var err error
	if spec.Indicators, err = normalizeIndicators(f); err != nil {
		return Spec{}, fmt.Errorf("strategy %q: %w", spec.Name, err)
	}

	if v, ok := f.get("buyconditions", "entryconditions", "buy"); ok {
		if spec.BuyConditions, err = normalizeGroup(v); err != nil {
			return Spec{}, fmt.Errorf("strategy %q buy conditions: %w", spec.Name, err)
		}
	}
	if v, ok := f.get("sellconditions", "exitconditions", "sell"); ok {
		if spec.SellConditions, err = normalizeGroup(v); err != nil {
			return Spec{}, fmt.Errorf("strategy %q sell conditions: %w", spec.Name, err)
		}
	}
	if v, ok := f.get("buystagestrategy", "buystages", "stagestrategy"); ok {
		if spec.BuyStages, err = normalizeStages(v); err != nil {
			return Spec{}, fmt.Errorf("strategy %q buy stages: %w", spec.Name, err)
		}
	}
	if v, ok := f.get("sellstagestrategy", "sellstages"); ok {
		if spec.SellStages, err = normalizeStages(v); err != nil {
			return Spec{}, fmt.Errorf("strategy %q sell stages: %w", spec.Name, err)
		}
	}

	if n, ok, err := f.number("positionsizepercent", "positionsize", "positionpercent"); err != nil {
		return Spec{}, fmt.Errorf("strategy %q: %w", spec.Name, err)
	} else if ok {
		spec.PositionSizePercent = fraction(n)
	}

	if v, ok := f.get("stoploss"); ok {
		if spec.StopLoss, err = normalizeStopLoss(v); err != nil {
			return Spec{}, fmt.Errorf("strategy %q stop loss: %w", spec.Name, err)
		}
	}
	if v, ok := f.get("targetprofit", "takeprofit"); ok {
		if spec.TargetProfit, err = normalizeTargetProfit(v); err != nil {
			return Spec{}, fmt.Errorf("strategy %q target profit: %w", spec.Name, err)
		}
	}

	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// indicatorKeys are the keys of an indicator entry that are not params in
// the flat legacy shape.
var indicatorKeys = map[string]bool{
	"name": true, "indicator": true, "type": true, "params": true, "parameters": true,
	"kind": true, "sourcekind": true, "body": true, "code": true, "formula": true,
}

func normalizeIndicators(f fields) ([]IndicatorRef, error) {
	v, ok := f.get("indicators")
	if !ok {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("indicators must be a list, got %T", v)
	}

	refs := make([]IndicatorRef, 0, len(list))
	for i, item := range list {
		if name, ok := item.(string); ok {
			refs = append(refs, IndicatorRef{Name: strings.ToLower(strings.TrimSpace(name))})
			continue
		}
		entry, ok := asFields(item)
		if !ok {
			return nil, fmt.Errorf("indicator %d: unexpected %T", i, item)
		}

		ref := IndicatorRef{
			Name:   strings.ToLower(entry.str("name", "indicator", "type")),
			Params: indicator.Params{},
		}
		if nested, ok := entry.get("params", "parameters"); ok {
			var m map[string]any
			switch t := nested.(type) {
			case RawSpec:
				m = t
			case map[string]any:
				m = t
			default:
				return nil, fmt.Errorf("indicator %s: params must be a mapping, got %T", ref.Name, nested)
			}
			for k, val := range m {
				ref.Params[k] = val
			}
		}
		for k, val := range entry {
			if !indicatorKeys[k] {
				ref.Params[k] = val
			}
		}
		ref.Params = ref.Params.Normalize()

		if body := entry.str("body", "code", "formula"); body != "" {
			ref.Body = body
			ref.Kind = indicator.SourceSnippet
			if _, isFormula := entry.get("formula"); isFormula {
				ref.Kind = indicator.SourceFormula
			}
			if k := entry.str("kind", "sourcekind"); k != "" {
				kind, err := indicator.ParseSourceKind(k)
				if err != nil {
					return nil, fmt.Errorf("indicator %s: %w", ref.Name, err)
				}
				ref.Kind = kind
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func normalizeGroup(v any) (condition.Group, error) {
	list, ok := v.([]any)
	if !ok {
		// A single condition written as a mapping.
		if _, isMap := asFields(v); !isMap {
			return nil, fmt.Errorf("conditions must be a list, got %T", v)
		}
		list = []any{v}
	}

	g := make(condition.Group, 0, len(list))
	for i, item := range list {
		c, err := normalizeCondition(item)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		g = append(g, c)
	}
	return g, nil
}

func normalizeCondition(v any) (condition.Condition, error) {
	f, ok := asFields(v)
	if !ok {
		return condition.Condition{}, fmt.Errorf("unexpected %T", v)
	}
	left, hasLeft := f.get("left", "indicator", "lhs")
	right, hasRight := f.get("right", "value", "rhs", "target")
	if !hasLeft || !hasRight {
		return condition.Condition{}, errors.New("condition needs a left and a right operand")
	}
	op, err := condition.ParseOperator(f.str("operator", "op", "comparison"))
	if err != nil {
		return condition.Condition{}, err
	}
	combine, err := condition.ParseCombine(f.str("combinewith", "combine", "logic", "connector"))
	if err != nil {
		return condition.Condition{}, err
	}
	return condition.Condition{
		Left:        operandString(left),
		Operator:    op,
		Right:       operandString(right),
		CombineWith: combine,
	}, nil
}

func operandString(v any) string {
	if n, err := toNumber(v); err == nil {
		if _, isString := v.(string); !isString {
			return strconv.FormatFloat(n, 'f', -1, 64)
		}
	}
	return strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
}

func normalizeStages(v any) ([]condition.Stage, error) {
	if f, ok := asFields(v); ok {
		enabled, err := f.boolean(true, "enabled")
		if err != nil {
			return nil, err
		}
		if !enabled {
			return nil, nil
		}
		inner, ok := f.get("stages")
		if !ok {
			return nil, errors.New("stage strategy has no stages")
		}
		v = inner
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("stages must be a list, got %T", v)
	}

	stages := make([]condition.Stage, 0, len(list))
	for i, item := range list {
		f, ok := asFields(item)
		if !ok {
			return nil, fmt.Errorf("stage %d: unexpected %T", i, item)
		}
		st := condition.Stage{Index: i + 1}
		if n, ok, err := f.number("stageindex", "index", "stage"); err != nil {
			return nil, err
		} else if ok {
			st.Index = int(n)
		}
		var err error
		if st.Enabled, err = f.boolean(true, "enabled"); err != nil {
			return nil, err
		}
		if st.PassAllRequired, err = f.boolean(true, "passallrequired", "requireall", "all"); err != nil {
			return nil, err
		}
		pct, ok, err := f.number("positionpercent", "percent", "ratio")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("stage %d has no position percent", st.Index)
		}
		st.PositionPercent = fraction(pct)
		if conds, ok := f.get("conditions"); ok {
			if st.Conditions, err = normalizeGroup(conds); err != nil {
				return nil, fmt.Errorf("stage %d: %w", st.Index, err)
			}
		}
		stages = append(stages, st)
	}
	return stages, nil
}

func normalizeStopLoss(v any) (float64, error) {
	if f, ok := asFields(v); ok {
		enabled, err := f.boolean(true, "enabled")
		if err != nil || !enabled {
			return 0, err
		}
		n, _, err := f.number("percent", "value", "rate")
		return fraction(n), err
	}
	n, err := toNumber(v)
	return fraction(n), err
}

func normalizeTargetProfit(v any) (engine.TargetProfit, error) {
	f, ok := asFields(v)
	if !ok {
		n, err := toNumber(v)
		return engine.TargetProfit{Percent: fraction(n)}, err
	}

	var tp engine.TargetProfit
	enabled, err := f.boolean(true, "enabled")
	if err != nil || !enabled {
		return tp, err
	}
	if n, ok, err := f.number("percent", "value", "rate"); err != nil {
		return tp, err
	} else if ok {
		tp.Percent = fraction(n)
	}
	if tp.DynamicStop, err = f.boolean(false, "dynamicstop", "dynamicstoploss", "trailingstop"); err != nil {
		return tp, err
	}

	levels, ok := f.get("levels", "stages")
	if !ok {
		return tp, nil
	}
	list, ok := levels.([]any)
	if !ok {
		return tp, fmt.Errorf("levels must be a list, got %T", levels)
	}
	for i, item := range list {
		lf, ok := asFields(item)
		if !ok {
			return tp, fmt.Errorf("level %d: unexpected %T", i, item)
		}
		profit, _, err := lf.number("profit", "profitpercent", "target")
		if err != nil {
			return tp, err
		}
		sell, ok, err := lf.number("sellpercent", "sellratio", "percent")
		if err != nil {
			return tp, err
		}
		if !ok {
			sell = 1
		}
		tp.Levels = append(tp.Levels, engine.ProfitLevel{Profit: fraction(profit), SellPercent: fraction(sell)})
	}
	return tp, nil
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

type specsFile struct {
	Strategies []RawSpec `yaml:"strategies"`
}

// ParseSpecs decodes YAML holding either a "strategies" list or a single
// strategy, and normalises every entry.
func ParseSpecs(data []byte) ([]Spec, error) {
	var file specsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing strategies: %w", err)
	}
	raws := file.Strategies
	if len(raws) == 0 {
		var single RawSpec
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("parsing strategy: %w", err)
		}
		if len(single) == 0 {
			return nil, errors.New("no strategies found")
		}
		raws = []RawSpec{single}
	}

	specs := make([]Spec, 0, len(raws))
	for i, raw := range raws {
		spec, err := Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("strategy %d: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// LoadSpecsFile reads and normalises a strategies YAML file.
func LoadSpecsFile(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading strategies %s: %w", path, err)
	}
	return ParseSpecs(data)
}

// LoadRegistry builds a Registry from a strategies file.
func LoadRegistry(path string) (*Registry, error) {
	specs, err := LoadSpecsFile(path)
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}
