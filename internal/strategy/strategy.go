// Package strategy turns declarative strategy specifications into backtest
// runs: it normalises the accepted input shapes into a canonical Spec,
// resolves the indicators a spec names and hands the augmented timeline to
// the simulator.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"quantbench/internal/condition"
	"quantbench/internal/engine"
	"quantbench/internal/indicator"
)

// IndicatorRef names one indicator a strategy needs. A non-empty Body makes
// it an inline formula or snippet, which only a permissive resolver runs.
type IndicatorRef struct {
	Name   string
	Params indicator.Params
	Kind   indicator.SourceKind
	Body   string
}

// Options returns the resolver options for the reference. The period is
// lifted out of the params so that equal requests share a cache entry.
func (r IndicatorRef) Options() indicator.ExecutionOptions {
	opts := indicator.ExecutionOptions{}
	params := r.Params.Normalize()
	if p := params.Int("period", 0); p > 0 {
		opts.Period = p
		delete(params, "period")
	}
	if len(params) > 0 {
		opts.Params = params
	}
	return opts
}

// Inline reports whether the reference carries its own body.
func (r IndicatorRef) Inline() bool { return strings.TrimSpace(r.Body) != "" }

// Spec is the canonical strategy specification. Percentages are fractions.
type Spec struct {
	Name       string
	Indicators []IndicatorRef

	BuyConditions  condition.Group
	BuyStages      []condition.Stage
	SellConditions condition.Group
	SellStages     []condition.Stage

	PositionSizePercent float64
	StopLoss            float64
	TargetProfit        engine.TargetProfit
}

// Validate checks the ranges Normalize cannot express in types.
func (s Spec) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("strategy has no name"))
	}
	if s.PositionSizePercent < 0 || s.PositionSizePercent > 1 {
		errs = append(errs, fmt.Errorf("position size %v is outside [0, 1]", s.PositionSizePercent))
	}
	if s.StopLoss < 0 || s.StopLoss >= 1 {
		errs = append(errs, fmt.Errorf("stop loss %v is outside [0, 1)", s.StopLoss))
	}
	if s.TargetProfit.Percent < 0 {
		errs = append(errs, fmt.Errorf("target profit %v is negative", s.TargetProfit.Percent))
	}
	for i, lv := range s.TargetProfit.Levels {
		if lv.Profit <= 0 || lv.SellPercent <= 0 || lv.SellPercent > 1 {
			errs = append(errs, fmt.Errorf("target profit level %d: profit %v, sell %v", i, lv.Profit, lv.SellPercent))
		}
	}
	checkStages := func(side string, stages []condition.Stage) {
		for _, st := range stages {
			if st.PositionPercent <= 0 || st.PositionPercent > 1 {
				errs = append(errs, fmt.Errorf("%s stage %d: position percent %v is outside (0, 1]",
					side, st.Index, st.PositionPercent))
			}
		}
	}
	checkStages("buy", s.BuyStages)
	checkStages("sell", s.SellStages)
	for _, ref := range s.Indicators {
		if strings.TrimSpace(ref.Name) == "" {
			errs = append(errs, errors.New("indicator reference has no name"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("strategy %q: %w", s.Name, err)
	}
	return nil
}

// Plan converts the spec into the simulator's input.
func (s Spec) Plan() engine.Plan {
	return engine.Plan{
		Name:                s.Name,
		BuyConditions:       s.BuyConditions,
		BuyStages:           s.BuyStages,
		SellConditions:      s.SellConditions,
		SellStages:          s.SellStages,
		PositionSizePercent: s.PositionSizePercent,
		StopLoss:            s.StopLoss,
		TargetProfit:        s.TargetProfit,
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry holds a named collection of strategy specs for lookup and
// enumeration. Names are case-insensitive.
type Registry struct {
	specs map[string]Spec
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		specs: make(map[string]Spec),
	}
}

// Register validates s and adds it, replacing any spec of the same name.
func (r *Registry) Register(s Spec) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.specs[strings.ToLower(s.Name)] = s
	return nil
}

// Get retrieves a spec by name. The second return value indicates whether
// it was found.
func (r *Registry) Get(name string) (Spec, bool) {
	s, ok := r.specs[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.specs))
	for _, s := range r.specs {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered specs.
func (r *Registry) Len() int { return len(r.specs) }
