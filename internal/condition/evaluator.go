package condition

import (
	"math"
	"strconv"
	"strings"

	"quantbench/internal/domain"
)

// Signal is the per-bar outcome of an evaluation. Unresolved lists operands
// that matched no column; conditions using them never hold.
type Signal struct {
	Values     []bool
	Unresolved []string
}

// Any reports whether the signal fires on at least one bar.
func (s Signal) Any() bool {
	for _, v := range s.Values {
		if v {
			return true
		}
	}
	return false
}

// operand is one resolved side of a condition.
type operand struct {
	series   []float64
	constant float64
	isConst  bool
	ok       bool
}

func (o operand) at(i int) float64 {
	if o.isConst {
		return o.constant
	}
	return o.series[i]
}

func parseConstant(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

func resolveOperand(tl *domain.Timeline, ref string) operand {
	if f, ok := parseConstant(ref); ok {
		return operand{constant: f, isConst: true, ok: true}
	}
	col, ok := tl.Column(ref)
	return operand{series: col, ok: ok}
}

// EvaluateCondition evaluates a single condition at every bar of tl.
func EvaluateCondition(tl *domain.Timeline, c Condition) Signal {
	n := tl.Len()
	sig := Signal{Values: make([]bool, n)}

	left, right := resolveOperand(tl, c.Left), resolveOperand(tl, c.Right)
	if !left.ok {
		sig.Unresolved = append(sig.Unresolved, c.Left)
	}
	if !right.ok {
		sig.Unresolved = append(sig.Unresolved, c.Right)
	}
	if !left.ok || !right.ok {
		return sig
	}

	for i := 0; i < n; i++ {
		l, r := left.at(i), right.at(i)
		if math.IsNaN(l) || math.IsNaN(r) {
			continue
		}
		switch c.Operator {
		case OpGT:
			sig.Values[i] = l > r
		case OpLT:
			sig.Values[i] = l < r
		case OpGE:
			sig.Values[i] = l >= r
		case OpLE:
			sig.Values[i] = l <= r
		case OpEQ:
			sig.Values[i] = l == r
		case OpNE:
			sig.Values[i] = l != r
		case OpCrossAbove, OpCrossBelow:
			if i == 0 {
				continue
			}
			pl, pr := left.at(i-1), right.at(i-1)
			if math.IsNaN(pl) || math.IsNaN(pr) {
				continue
			}
			if c.Operator == OpCrossAbove {
				sig.Values[i] = l > r && pl <= pr
			} else {
				sig.Values[i] = l < r && pl >= pr
			}
		}
	}
	return sig
}

// Evaluate folds g left to right. An empty group never fires.
func Evaluate(tl *domain.Timeline, g Group) Signal {
	out := Signal{Values: make([]bool, tl.Len())}
	for idx, c := range g {
		s := EvaluateCondition(tl, c)
		out.Unresolved = append(out.Unresolved, s.Unresolved...)
		if idx == 0 {
			copy(out.Values, s.Values)
			continue
		}
		for i := range out.Values {
			if c.CombineWith == CombineOr {
				out.Values[i] = out.Values[i] || s.Values[i]
			} else {
				out.Values[i] = out.Values[i] && s.Values[i]
			}
		}
	}
	return out
}

// EvaluateStage fires where all (PassAllRequired) or any of the stage's
// conditions hold. Disabled and empty stages never fire.
func EvaluateStage(tl *domain.Timeline, st Stage) Signal {
	out := Signal{Values: make([]bool, tl.Len())}
	if !st.Enabled || len(st.Conditions) == 0 {
		return out
	}
	for i := range out.Values {
		out.Values[i] = st.PassAllRequired
	}
	for _, c := range st.Conditions {
		s := EvaluateCondition(tl, c)
		out.Unresolved = append(out.Unresolved, s.Unresolved...)
		for i := range out.Values {
			if st.PassAllRequired {
				out.Values[i] = out.Values[i] && s.Values[i]
			} else {
				out.Values[i] = out.Values[i] || s.Values[i]
			}
		}
	}
	return out
}
