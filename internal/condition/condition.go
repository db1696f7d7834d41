// Package condition evaluates buy and sell rules against an
// indicator-augmented timeline, producing one boolean per bar.
package condition

import (
	"fmt"
	"strings"
)

// Operator compares the two sides of a Condition.
type Operator string

const (
	OpGT         Operator = ">"
	OpLT         Operator = "<"
	OpGE         Operator = ">="
	OpLE         Operator = "<="
	OpEQ         Operator = "=="
	OpNE         Operator = "!="
	OpCrossAbove Operator = "cross_above"
	OpCrossBelow Operator = "cross_below"
)

var operatorAliases = map[string]Operator{
	">": OpGT, "gt": OpGT, "greater_than": OpGT, "above": OpGT,
	"<": OpLT, "lt": OpLT, "less_than": OpLT, "below": OpLT,
	">=": OpGE, "ge": OpGE, "gte": OpGE,
	"<=": OpLE, "le": OpLE, "lte": OpLE,
	"==": OpEQ, "=": OpEQ, "eq": OpEQ, "equals": OpEQ,
	"!=": OpNE, "<>": OpNE, "ne": OpNE, "neq": OpNE,
	"cross_above": OpCrossAbove, "crossabove": OpCrossAbove, "crosses_above": OpCrossAbove,
	"cross_up": OpCrossAbove, "golden_cross": OpCrossAbove,
	"cross_below": OpCrossBelow, "crossbelow": OpCrossBelow, "crosses_below": OpCrossBelow,
	"cross_down": OpCrossBelow, "dead_cross": OpCrossBelow, "death_cross": OpCrossBelow,
}

// ParseOperator maps any accepted spelling to its canonical Operator.
func ParseOperator(s string) (Operator, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	if op, ok := operatorAliases[key]; ok {
		return op, nil
	}
	// camelCase spellings such as crossAbove lose their case above.
	if op, ok := operatorAliases[strings.ReplaceAll(key, "_", "")]; ok {
		return op, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// IsCross reports whether op needs the previous bar.
func (op Operator) IsCross() bool {
	return op == OpCrossAbove || op == OpCrossBelow
}

// Combine joins a condition to the running result of the ones before it.
type Combine string

const (
	CombineNone Combine = ""
	CombineAnd  Combine = "AND"
	CombineOr   Combine = "OR"
)

// ParseCombine accepts AND/OR in any case plus && and ||. Empty means none.
func ParseCombine(s string) (Combine, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return CombineNone, nil
	case "AND", "&&":
		return CombineAnd, nil
	case "OR", "||":
		return CombineOr, nil
	}
	return "", fmt.Errorf("unknown combinator %q", s)
}

// Condition is one comparison. Left and Right are column references or
// numeric literals.
type Condition struct {
	Left        string
	Operator    Operator
	Right       string
	CombineWith Combine
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Left, c.Operator, c.Right)
}

// Group folds its conditions left to right by each element's CombineWith.
// The first element's CombineWith is ignored.
type Group []Condition

// Stage is one step of a staged entry or exit.
type Stage struct {
	Index           int
	Enabled         bool
	PositionPercent float64 // fraction in (0, 1]
	PassAllRequired bool
	Conditions      Group
}

// References returns every non-numeric operand in g, in order, without
// duplicates.
func (g Group) References() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range g {
		for _, side := range []string{c.Left, c.Right} {
			if _, isConst := parseConstant(side); isConst {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(side))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}
