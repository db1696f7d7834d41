package indicator

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	"math"
	"strconv"
	"strings"

	"quantbench/internal/domain"
)

// value is either a scalar or a series aligned to the timeline.
type value struct {
	series []float64
	scalar float64
}

func (v value) isSeries() bool { return v.series != nil }

func (v value) at(i int) float64 {
	if v.series != nil {
		return v.series[i]
	}
	return v.scalar
}

// env is the only state a program can see: the timeline's columns, the
// merged params and its own locals.
type env struct {
	ctx    context.Context
	tl     *domain.Timeline
	n      int
	params Params
	locals map[string]value
	result map[string]value
	single *value
}

// Run executes a validated program against tl with params. The context is
// checked between statements and before every np call; callers are expected
// to bound it with a deadline.
func (p *Program) Run(ctx context.Context, tl *domain.Timeline, params Params) ([]Output, error) {
	e := &env{
		ctx:    ctx,
		tl:     tl,
		n:      tl.Len(),
		params: params,
		locals: make(map[string]value),
		result: make(map[string]value),
	}

	if p.kind == SourceFormula {
		v, err := e.eval(p.expr)
		if err != nil {
			return nil, err
		}
		return []Output{{Values: e.materialize(v)}}, nil
	}

	for _, st := range p.stmts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.exec(st); err != nil {
			return nil, fmt.Errorf("line %d: %w", p.fset.Position(st.Pos()).Line-snippetHeaderLines, err)
		}
	}

	if e.single != nil {
		return []Output{{Values: e.materialize(*e.single)}}, nil
	}
	outs := make([]Output, 0, len(p.outputs))
	for _, key := range p.outputs {
		outs = append(outs, Output{Suffix: key, Values: e.materialize(e.result[key])})
	}
	return outs, nil
}

func (e *env) materialize(v value) []float64 {
	out := make([]float64, e.n)
	for i := range out {
		out[i] = v.at(i)
	}
	return out
}

func (e *env) exec(as *ast.AssignStmt) error {
	rhs, err := e.eval(as.Rhs[0])
	if err != nil {
		return err
	}

	switch lhs := as.Lhs[0].(type) {
	case *ast.Ident:
		if lhs.Name == "result" {
			e.single = &rhs
			return nil
		}
		switch as.Tok {
		case token.ADD_ASSIGN:
			rhs = e.binary(token.ADD, e.locals[lhs.Name], rhs)
		case token.SUB_ASSIGN:
			rhs = e.binary(token.SUB, e.locals[lhs.Name], rhs)
		case token.MUL_ASSIGN:
			rhs = e.binary(token.MUL, e.locals[lhs.Name], rhs)
		case token.QUO_ASSIGN:
			rhs = e.binary(token.QUO, e.locals[lhs.Name], rhs)
		}
		e.locals[lhs.Name] = rhs
	case *ast.IndexExpr:
		key, _ := strconv.Unquote(lhs.Index.(*ast.BasicLit).Value)
		e.result[lowerKey(key)] = rhs
	}
	return nil
}

func (e *env) eval(x ast.Expr) (value, error) {
	switch n := x.(type) {
	case *ast.BasicLit:
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			i, ierr := strconv.ParseInt(n.Value, 0, 64)
			if ierr != nil {
				return value{}, fmt.Errorf("bad number %s", n.Value)
			}
			f = float64(i)
		}
		return value{scalar: f}, nil

	case *ast.Ident:
		switch n.Name {
		case "true":
			return value{scalar: 1}, nil
		case "false":
			return value{scalar: 0}, nil
		case "nan":
			return value{scalar: math.NaN()}, nil
		}
		if v, ok := e.locals[n.Name]; ok {
			return v, nil
		}
		if col, ok := e.tl.Column(n.Name); ok {
			return value{series: col}, nil
		}
		return value{}, fmt.Errorf("undefined name %s", n.Name)

	case *ast.ParenExpr:
		return e.eval(n.X)

	case *ast.UnaryExpr:
		v, err := e.eval(n.X)
		if err != nil {
			return value{}, err
		}
		switch n.Op {
		case token.SUB:
			return e.mapValue(v, func(f float64) float64 { return -f }), nil
		case token.NOT:
			return e.mapValue(v, func(f float64) float64 { return boolf(!truthy(f)) }), nil
		}
		return v, nil

	case *ast.BinaryExpr:
		l, err := e.eval(n.X)
		if err != nil {
			return value{}, err
		}
		r, err := e.eval(n.Y)
		if err != nil {
			return value{}, err
		}
		return e.binary(n.Op, l, r), nil

	case *ast.IndexExpr:
		key, _ := strconv.Unquote(n.Index.(*ast.BasicLit).Value)
		key = lowerKey(key)
		raw, ok := e.params[key]
		if !ok {
			return value{}, fmt.Errorf("param %q is not set", key)
		}
		f, ok := toFloat(raw)
		if !ok {
			return value{}, fmt.Errorf("param %q is not numeric", key)
		}
		return value{scalar: f}, nil

	case *ast.CallExpr:
		name := n.Fun.(*ast.SelectorExpr).Sel.Name
		if err := e.ctx.Err(); err != nil {
			return value{}, err
		}
		args := make([]value, len(n.Args))
		for i, a := range n.Args {
			v, err := e.eval(a)
			if err != nil {
				return value{}, err
			}
			args[i] = v
		}
		return e.call(name, args)
	}
	return value{}, fmt.Errorf("unsupported expression %T", x)
}

func (e *env) mapValue(v value, fn func(float64) float64) value {
	if !v.isSeries() {
		return value{scalar: fn(v.scalar)}
	}
	out := make([]float64, len(v.series))
	for i, f := range v.series {
		out[i] = fn(f)
	}
	return value{series: out}
}

func (e *env) binary(op token.Token, l, r value) value {
	fn := binaryOps[op]
	if !l.isSeries() && !r.isSeries() {
		return value{scalar: fn(l.scalar, r.scalar)}
	}
	out := make([]float64, e.n)
	for i := range out {
		out[i] = fn(l.at(i), r.at(i))
	}
	return value{series: out}
}

var binaryOps = map[token.Token]func(a, b float64) float64{
	token.ADD: func(a, b float64) float64 { return a + b },
	token.SUB: func(a, b float64) float64 { return a - b },
	token.MUL: func(a, b float64) float64 { return a * b },
	token.QUO: func(a, b float64) float64 { return a / b },
	token.REM: math.Mod,
	token.LSS: func(a, b float64) float64 { return boolf(a < b) },
	token.GTR: func(a, b float64) float64 { return boolf(a > b) },
	token.LEQ: func(a, b float64) float64 { return boolf(a <= b) },
	token.GEQ: func(a, b float64) float64 { return boolf(a >= b) },
	token.EQL: func(a, b float64) float64 { return boolf(a == b) },
	token.NEQ: func(a, b float64) float64 { return boolf(a != b) },
	token.LAND: func(a, b float64) float64 {
		return boolf(truthy(a) && truthy(b))
	},
	token.LOR: func(a, b float64) float64 {
		return boolf(truthy(a) || truthy(b))
	},
}

var errWindow = errors.New("window must be a positive integer scalar")

func (e *env) window(v value) (int, error) {
	if v.isSeries() || math.IsNaN(v.scalar) || v.scalar < 1 || v.scalar != math.Trunc(v.scalar) {
		return 0, errWindow
	}
	if v.scalar > float64(e.n)+1 {
		// Longer than the data: every value is undefined anyway.
		return e.n + 1, nil
	}
	return int(v.scalar), nil
}

func (e *env) call(name string, args []value) (value, error) {
	switch name {
	case "abs":
		return e.mapValue(args[0], math.Abs), nil
	case "sqrt":
		return e.mapValue(args[0], math.Sqrt), nil
	case "log":
		return e.mapValue(args[0], math.Log), nil
	case "exp":
		return e.mapValue(args[0], math.Exp), nil
	case "maximum":
		return e.zip(args[0], args[1], math.Max), nil
	case "minimum":
		return e.zip(args[0], args[1], math.Min), nil
	case "nan_to_num":
		fill := args[1]
		return e.zip(args[0], fill, func(a, b float64) float64 {
			if math.IsNaN(a) || math.IsInf(a, 0) {
				return b
			}
			return a
		}), nil
	case "where":
		cond, a, b := args[0], args[1], args[2]
		if !cond.isSeries() && !a.isSeries() && !b.isSeries() {
			if truthy(cond.scalar) {
				return a, nil
			}
			return b, nil
		}
		out := make([]float64, e.n)
		for i := range out {
			if truthy(cond.at(i)) {
				out[i] = a.at(i)
			} else {
				out[i] = b.at(i)
			}
		}
		return value{series: out}, nil
	}

	// Rolling functions take (series, window).
	w, err := e.window(args[1])
	if err != nil {
		return value{}, fmt.Errorf("np.%s: %w", name, err)
	}
	src := e.materialize(args[0])
	switch name {
	case "sma":
		return value{series: SMA(src, w)}, nil
	case "ema":
		return value{series: EMA(src, w)}, nil
	case "rma":
		return value{series: RMA(src, w)}, nil
	case "std":
		return value{series: StdDev(src, w)}, nil
	case "sum":
		return value{series: RollingSum(src, w)}, nil
	case "highest":
		return value{series: Highest(src, w)}, nil
	case "lowest":
		return value{series: Lowest(src, w)}, nil
	case "shift":
		return value{series: Shift(src, w)}, nil
	case "diff":
		return value{series: Diff(src, w)}, nil
	}
	return value{}, fmt.Errorf("np.%s is not implemented", name)
}

func (e *env) zip(a, b value, fn func(x, y float64) float64) value {
	if !a.isSeries() && !b.isSeries() {
		return value{scalar: fn(a.scalar, b.scalar)}
	}
	out := make([]float64, e.n)
	for i := range out {
		out[i] = fn(a.at(i), b.at(i))
	}
	return value{series: out}
}

func truthy(f float64) bool { return f != 0 && !math.IsNaN(f) }

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func lowerKey(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
