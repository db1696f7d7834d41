package condition

import (
	"math"
	"testing"
	"time"

	"quantbench/internal/domain"
)

func timelineWith(t *testing.T, cols map[string][]float64) *domain.Timeline {
	t.Helper()
	var n int
	for _, c := range cols {
		n = len(c)
	}
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{Symbol: "T", Timestamp: start.AddDate(0, 0, i), Close: float64(10 + i)}
	}
	tl, err := domain.NewTimeline("T", bars)
	if err != nil {
		t.Fatalf("NewTimeline: %v", err)
	}
	for name, c := range cols {
		if err := tl.SetColumn(name, c); err != nil {
			t.Fatalf("SetColumn(%s): %v", name, err)
		}
	}
	return tl
}

func bools(s Signal) []bool { return s.Values }

func equalBools(t *testing.T, label string, got, want []bool) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: len = %d, want %d", label, len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s[%d] = %v, want %v", label, i, got[i], want[i])
		}
	}
}

func TestParseOperator(t *testing.T) {
	tests := map[string]Operator{
		">": OpGT, "GT": OpGT, "greater_than": OpGT,
		"<=": OpLE, "lte": OpLE,
		"==": OpEQ, "<>": OpNE,
		"cross_above": OpCrossAbove, "crossAbove": OpCrossAbove, "golden-cross": OpCrossAbove,
		"CROSS_BELOW": OpCrossBelow, "crossBelow": OpCrossBelow, "death_cross": OpCrossBelow,
	}
	for in, want := range tests {
		got, err := ParseOperator(in)
		if err != nil {
			t.Errorf("ParseOperator(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseOperator(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseOperator("approximately"); err == nil {
		t.Error("expected error for unknown operator")
	}
	if !OpCrossAbove.IsCross() || OpGT.IsCross() {
		t.Error("IsCross misclassifies operators")
	}
}

func TestParseCombine(t *testing.T) {
	for in, want := range map[string]Combine{"": CombineNone, "and": CombineAnd, "&&": CombineAnd, "Or": CombineOr, "||": CombineOr} {
		got, err := ParseCombine(in)
		if err != nil || got != want {
			t.Errorf("ParseCombine(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseCombine("xor"); err == nil {
		t.Error("expected error for xor")
	}
}

func TestEvaluateComparisons(t *testing.T) {
	tl := timelineWith(t, map[string][]float64{
		"rsi": {20, 30, math.NaN(), 70, 80},
	})
	tests := []struct {
		op   Operator
		want []bool
	}{
		{OpGT, []bool{false, false, false, true, true}},
		{OpLT, []bool{true, false, false, false, false}},
		{OpGE, []bool{false, true, false, true, true}},
		{OpLE, []bool{true, true, false, false, false}},
		{OpEQ, []bool{false, true, false, false, false}},
		{OpNE, []bool{true, false, false, true, true}},
	}
	for _, tt := range tests {
		got := EvaluateCondition(tl, Condition{Left: "RSI", Operator: tt.op, Right: "30"})
		equalBools(t, string(tt.op), bools(got), tt.want)
	}
}

func TestEvaluateSourceColumnsAndLiterals(t *testing.T) {
	tl := timelineWith(t, map[string][]float64{"ma_3": {11, 11, 11}})
	got := EvaluateCondition(tl, Condition{Left: "close", Operator: OpGT, Right: "ma_3"})
	equalBools(t, "close>ma_3", got.Values, []bool{false, false, true})
}

func TestCrossFirstBarAndExclusivity(t *testing.T) {
	tl := timelineWith(t, map[string][]float64{
		"fast": {5, 4, 6, 6, 3, 7, math.NaN(), 9},
		"slow": {4, 5, 5, 6, 4, 5, 5, 5},
	})
	above := EvaluateCondition(tl, Condition{Left: "fast", Operator: OpCrossAbove, Right: "slow"})
	below := EvaluateCondition(tl, Condition{Left: "fast", Operator: OpCrossBelow, Right: "slow"})

	equalBools(t, "cross_above", above.Values, []bool{false, false, true, false, false, true, false, false})
	equalBools(t, "cross_below", below.Values, []bool{false, true, false, false, true, false, false, false})

	for i := range above.Values {
		if above.Values[i] && below.Values[i] {
			t.Errorf("bar %d fires both crosses", i)
		}
	}
}

func TestUnresolvedOperand(t *testing.T) {
	tl := timelineWith(t, map[string][]float64{"a": {1, 2}})
	got := EvaluateCondition(tl, Condition{Left: "missing", Operator: OpGT, Right: "a"})
	if got.Any() {
		t.Error("condition on a missing column fired")
	}
	if len(got.Unresolved) != 1 || got.Unresolved[0] != "missing" {
		t.Errorf("Unresolved = %v, want [missing]", got.Unresolved)
	}
}

func TestEvaluateGroupFold(t *testing.T) {
	tl := timelineWith(t, map[string][]float64{
		"a": {1, 1, 0, 0},
		"b": {1, 0, 1, 0},
		"c": {0, 0, 0, 1},
	})
	// (a AND b) OR c, left to right.
	g := Group{
		{Left: "a", Operator: OpEQ, Right: "1", CombineWith: CombineOr}, // ignored on the first element
		{Left: "b", Operator: OpEQ, Right: "1", CombineWith: CombineAnd},
		{Left: "c", Operator: OpEQ, Right: "1", CombineWith: CombineOr},
	}
	equalBools(t, "fold", Evaluate(tl, g).Values, []bool{true, false, false, true})

	if Evaluate(tl, nil).Any() {
		t.Error("empty group fired")
	}
}

func TestEvaluateStage(t *testing.T) {
	tl := timelineWith(t, map[string][]float64{
		"a": {1, 1, 0, 0},
		"b": {1, 0, 1, 0},
	})
	conds := Group{
		{Left: "a", Operator: OpEQ, Right: "1"},
		{Left: "b", Operator: OpEQ, Right: "1"},
	}

	all := EvaluateStage(tl, Stage{Enabled: true, PassAllRequired: true, Conditions: conds})
	equalBools(t, "all", all.Values, []bool{true, false, false, false})

	anyOf := EvaluateStage(tl, Stage{Enabled: true, Conditions: conds})
	equalBools(t, "any", anyOf.Values, []bool{true, true, true, false})

	if EvaluateStage(tl, Stage{Enabled: false, Conditions: conds}).Any() {
		t.Error("disabled stage fired")
	}
	if EvaluateStage(tl, Stage{Enabled: true}).Any() {
		t.Error("stage without conditions fired")
	}
}

func TestGroupReferences(t *testing.T) {
	g := Group{
		{Left: "MA_5", Operator: OpCrossAbove, Right: "ma_20"},
		{Left: "ma_5", Operator: OpGT, Right: "0.5"},
		{Left: "rsi", Operator: OpLT, Right: "30"},
	}
	got := g.References()
	want := []string{"ma_5", "ma_20", "rsi"}
	if len(got) != len(want) {
		t.Fatalf("References = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("References[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
