package indicator

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"regexp"
	"strconv"
	"strings"
)

const (
	maxSnippetBytes = 64 << 10
	maxSnippetNodes = 20000

	// snippetHeader is prepended so a statement list parses as a function
	// body; reported line numbers are shifted back by its line count.
	snippetHeader      = "package snippet\nfunc _() {\n"
	snippetHeaderLines = 2
)

// Identifiers a snippet may read without defining them.
var (
	seriesIdents = map[string]bool{
		"open": true, "high": true, "low": true, "close": true, "volume": true,
	}
	constIdents = map[string]bool{"true": true, "false": true, "nan": true}

	reservedIdents = map[string]bool{
		"np": true, "params": true, "result": true,
	}

	// Names that get a specific rejection message. Anything not allow-listed
	// is rejected regardless; this only sharpens the diagnostic.
	dangerousIdents = map[string]string{
		"eval": "dynamic evaluation", "exec": "dynamic evaluation", "compile": "dynamic evaluation",
		"getattr": "dynamic evaluation", "globals": "dynamic evaluation", "locals": "dynamic evaluation",
		"os": "process access", "syscall": "process access", "runtime": "process access",
		"unsafe": "memory access", "reflect": "reflection", "plugin": "module loading",
		"io": "file access", "ioutil": "file access", "file": "file access", "filepath": "file access",
		"net": "network access", "http": "network access", "socket": "network access",
		"system": "process access", "subprocess": "process access",
	}

	localName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

	// Tokens with no place in an indicator body.
	forbiddenTokens = map[token.Token]string{
		token.IMPORT:    "import statements are not permitted",
		token.PACKAGE:   "package clauses are not permitted",
		token.GO:        "goroutines are not permitted",
		token.DEFER:     "defer is not permitted",
		token.FUNC:      "function literals are not permitted",
		token.CHAN:      "channels are not permitted",
		token.ARROW:     "channel operations are not permitted",
		token.SELECT:    "select is not permitted",
		token.FOR:       "loops are not permitted",
		token.RANGE:     "loops are not permitted",
		token.GOTO:      "goto is not permitted",
		token.STRUCT:    "type declarations are not permitted",
		token.INTERFACE: "type declarations are not permitted",
		token.TYPE:      "type declarations are not permitted",
		token.MAP:       "map literals are not permitted",
	}
)

// npFuncs is the numeric namespace with the arity of each function.
var npFuncs = map[string]int{
	"sma": 2, "ema": 2, "rma": 2, "std": 2, "sum": 2,
	"highest": 2, "lowest": 2, "shift": 2, "diff": 2,
	"abs": 1, "sqrt": 1, "log": 1, "exp": 1,
	"maximum": 2, "minimum": 2, "where": 3, "nan_to_num": 2,
}

// Program is a snippet or formula that passed validation. It can only be
// obtained from Validate, so nothing executes without being checked first.
type Program struct {
	kind    SourceKind
	fset    *token.FileSet
	stmts   []*ast.AssignStmt
	expr    ast.Expr
	multi   bool
	outputs []string
}

// Kind returns the source kind the program was validated as.
func (p *Program) Kind() SourceKind { return p.kind }

// Outputs lists the result keys a multi-output snippet assigns, in first
// assignment order. It is empty for single-output programs.
func (p *Program) Outputs() []string { return append([]string(nil), p.outputs...) }

// Accept reports whether body would pass validation.
func Accept(kind SourceKind, body string) bool {
	_, err := Validate(kind, body)
	return err == nil
}

// Validate statically checks body and returns the parsed program. Any
// construct outside the allow-list rejects the whole body with a
// *SandboxError. No part of body is executed.
func Validate(kind SourceKind, body string) (*Program, error) {
	if strings.TrimSpace(body) == "" {
		return nil, &SandboxError{Reason: "empty body"}
	}
	if len(body) > maxSnippetBytes {
		return nil, &SandboxError{Reason: fmt.Sprintf("body exceeds %d bytes", maxSnippetBytes)}
	}
	if err := scanTokens(body); err != nil {
		return nil, err
	}

	v := &validator{fset: token.NewFileSet(), locals: make(map[string]bool)}
	switch kind {
	case SourceFormula:
		expr, err := parser.ParseExprFrom(v.fset, "formula", body, 0)
		if err != nil {
			return nil, &SandboxError{Reason: "parse: " + err.Error()}
		}
		if err := v.checkNodeCount(expr); err != nil {
			return nil, err
		}
		if err := v.expr(expr); err != nil {
			return nil, err
		}
		return &Program{kind: kind, fset: v.fset, expr: expr}, nil

	case SourceSnippet:
		file, err := parser.ParseFile(v.fset, "snippet", snippetHeader+body+"\n}\n", 0)
		if err != nil {
			return nil, &SandboxError{Reason: "parse: " + shiftParseError(err)}
		}
		if len(file.Decls) != 1 || len(file.Imports) != 0 {
			return nil, &SandboxError{Reason: "snippet must be a plain statement list"}
		}
		fn, ok := file.Decls[0].(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			return nil, &SandboxError{Reason: "snippet must be a plain statement list"}
		}
		if err := v.checkNodeCount(fn.Body); err != nil {
			return nil, err
		}
		prog := &Program{kind: kind, fset: v.fset}
		for _, st := range fn.Body.List {
			if _, empty := st.(*ast.EmptyStmt); empty {
				continue
			}
			as, ok := st.(*ast.AssignStmt)
			if !ok {
				return nil, v.reject(st, fmt.Sprintf("%T statements are not permitted", st))
			}
			if err := v.assign(as, prog); err != nil {
				return nil, err
			}
			prog.stmts = append(prog.stmts, as)
		}
		if !v.sawResult {
			return nil, &SandboxError{Reason: "snippet never assigns result"}
		}
		prog.multi = v.multi
		return prog, nil
	}
	return nil, &SandboxError{Reason: fmt.Sprintf("source kind %q cannot be validated", kind)}
}

// scanTokens rejects forbidden keywords before the parser sees them, so an
// import is reported as such rather than as a syntax error.
func scanTokens(body string) error {
	fset := token.NewFileSet()
	file := fset.AddFile("body", -1, len(body))
	var s scanner.Scanner
	var scanErr error
	s.Init(file, []byte(body), func(pos token.Position, msg string) {
		if scanErr == nil {
			scanErr = &SandboxError{Pos: pos, Reason: "scan: " + msg}
		}
	}, 0)
	for {
		pos, tok, lit := s.Scan()
		if tok == token.EOF {
			break
		}
		if reason, bad := forbiddenTokens[tok]; bad {
			return &SandboxError{Pos: fset.Position(pos), Reason: reason}
		}
		if tok == token.IDENT {
			if what, bad := dangerousIdents[strings.ToLower(lit)]; bad {
				return &SandboxError{Pos: fset.Position(pos), Reason: fmt.Sprintf("%s (%s) is not permitted", what, lit)}
			}
			if strings.HasPrefix(lit, "_") {
				return &SandboxError{Pos: fset.Position(pos), Reason: fmt.Sprintf("internal name %s is not permitted", lit)}
			}
		}
	}
	return scanErr
}

func shiftParseError(err error) string {
	list, ok := err.(scanner.ErrorList)
	if !ok || len(list) == 0 {
		return err.Error()
	}
	first := list[0]
	return fmt.Sprintf("%d:%d: %s", first.Pos.Line-snippetHeaderLines, first.Pos.Column, first.Msg)
}

type validator struct {
	fset      *token.FileSet
	locals    map[string]bool
	sawResult bool
	multi     bool
	single    bool
}

func (v *validator) reject(n ast.Node, reason string) error {
	pos := v.fset.Position(n.Pos())
	if pos.Filename == "snippet" {
		pos.Line -= snippetHeaderLines
	}
	return &SandboxError{Pos: pos, Reason: reason}
}

func (v *validator) checkNodeCount(root ast.Node) error {
	count := 0
	ast.Inspect(root, func(ast.Node) bool {
		count++
		return count <= maxSnippetNodes
	})
	if count > maxSnippetNodes {
		return &SandboxError{Reason: fmt.Sprintf("body exceeds %d syntax nodes", maxSnippetNodes)}
	}
	return nil
}

func (v *validator) assign(as *ast.AssignStmt, prog *Program) error {
	switch as.Tok {
	case token.DEFINE, token.ASSIGN, token.ADD_ASSIGN, token.SUB_ASSIGN,
		token.MUL_ASSIGN, token.QUO_ASSIGN:
	default:
		return v.reject(as, fmt.Sprintf("assignment operator %s is not permitted", as.Tok))
	}
	if len(as.Lhs) != 1 || len(as.Rhs) != 1 {
		return v.reject(as, "only single assignments are permitted")
	}

	// The right side is checked first so `x := x + 1` cannot read an
	// undefined x.
	if err := v.expr(as.Rhs[0]); err != nil {
		return err
	}

	switch lhs := as.Lhs[0].(type) {
	case *ast.Ident:
		name := lhs.Name
		if name == "result" {
			if as.Tok != token.ASSIGN {
				return v.reject(lhs, "result must be assigned with =")
			}
			if v.multi {
				return v.reject(lhs, "result cannot be both a series and a mapping")
			}
			v.sawResult, v.single = true, true
			return nil
		}
		if seriesIdents[name] || constIdents[name] || reservedIdents[name] {
			return v.reject(lhs, fmt.Sprintf("%s cannot be assigned", name))
		}
		if !localName.MatchString(name) {
			return v.reject(lhs, fmt.Sprintf("invalid local name %s", name))
		}
		if as.Tok != token.DEFINE && as.Tok != token.ASSIGN && !v.locals[name] {
			return v.reject(lhs, fmt.Sprintf("%s is not defined", name))
		}
		v.locals[name] = true
		return nil

	case *ast.IndexExpr:
		base, ok := lhs.X.(*ast.Ident)
		if !ok || base.Name != "result" {
			return v.reject(lhs, "only result[\"column\"] may be indexed on the left side")
		}
		key, err := v.stringKey(lhs.Index)
		if err != nil {
			return err
		}
		if as.Tok != token.ASSIGN {
			return v.reject(lhs, "result columns must be assigned with =")
		}
		if v.single {
			return v.reject(lhs, "result cannot be both a series and a mapping")
		}
		if !localName.MatchString(key) {
			return v.reject(lhs.Index, fmt.Sprintf("invalid output column %q", key))
		}
		v.sawResult, v.multi = true, true
		for _, o := range prog.outputs {
			if o == key {
				return nil
			}
		}
		prog.outputs = append(prog.outputs, key)
		return nil
	}
	return v.reject(as.Lhs[0], "unsupported assignment target")
}

func (v *validator) stringKey(e ast.Expr) (string, error) {
	lit, ok := e.(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return "", v.reject(e, "index must be a string literal")
	}
	s, err := strconv.Unquote(lit.Value)
	if err != nil {
		return "", v.reject(e, "malformed string literal")
	}
	return strings.ToLower(s), nil
}

func (v *validator) expr(e ast.Expr) error {
	switch n := e.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return v.reject(n, fmt.Sprintf("%s literals are only permitted as params/result keys", n.Kind))
		}
		return nil

	case *ast.Ident:
		switch {
		case seriesIdents[n.Name], constIdents[n.Name], v.locals[n.Name]:
			return nil
		case n.Name == "np":
			return v.reject(n, "np may only be used to call a function")
		case n.Name == "params":
			return v.reject(n, "params may only be indexed with a string literal")
		case n.Name == "result":
			return v.reject(n, "result cannot be read")
		}
		return v.reject(n, fmt.Sprintf("identifier %s is not permitted", n.Name))

	case *ast.ParenExpr:
		return v.expr(n.X)

	case *ast.UnaryExpr:
		switch n.Op {
		case token.SUB, token.ADD, token.NOT:
			return v.expr(n.X)
		}
		return v.reject(n, fmt.Sprintf("unary operator %s is not permitted", n.Op))

	case *ast.BinaryExpr:
		switch n.Op {
		case token.ADD, token.SUB, token.MUL, token.QUO, token.REM,
			token.LSS, token.GTR, token.LEQ, token.GEQ, token.EQL, token.NEQ,
			token.LAND, token.LOR:
		default:
			return v.reject(n, fmt.Sprintf("operator %s is not permitted", n.Op))
		}
		if err := v.expr(n.X); err != nil {
			return err
		}
		return v.expr(n.Y)

	case *ast.IndexExpr:
		base, ok := n.X.(*ast.Ident)
		if !ok || base.Name != "params" {
			return v.reject(n, "only params[\"name\"] may be indexed")
		}
		_, err := v.stringKey(n.Index)
		return err

	case *ast.CallExpr:
		sel, ok := n.Fun.(*ast.SelectorExpr)
		if !ok {
			return v.reject(n, "only np.<function> calls are permitted")
		}
		pkg, ok := sel.X.(*ast.Ident)
		if !ok || pkg.Name != "np" {
			return v.reject(sel, "only np.<function> calls are permitted")
		}
		arity, known := npFuncs[sel.Sel.Name]
		if !known {
			return v.reject(sel.Sel, fmt.Sprintf("np.%s is not in the numeric namespace", sel.Sel.Name))
		}
		if n.Ellipsis.IsValid() {
			return v.reject(n, "variadic calls are not permitted")
		}
		if len(n.Args) != arity {
			return v.reject(n, fmt.Sprintf("np.%s takes %d arguments, got %d", sel.Sel.Name, arity, len(n.Args)))
		}
		for _, a := range n.Args {
			if err := v.expr(a); err != nil {
				return err
			}
		}
		return nil

	case *ast.SelectorExpr:
		if strings.HasPrefix(n.Sel.Name, "_") {
			return v.reject(n, "internal attribute access is not permitted")
		}
		return v.reject(n, "attribute access is not permitted")
	}
	return v.reject(e, fmt.Sprintf("%T expressions are not permitted", e))
}
