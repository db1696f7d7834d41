package indicator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quantbench/internal/domain"
)

// Mode selects how strictly the resolver treats code paths that do not come
// from the definition store.
type Mode int

const (
	// ModeRestrictive only runs store definitions. It is the zero value.
	ModeRestrictive Mode = iota
	// ModePermissive additionally allows library fallback and inline
	// snippets. Development only.
	ModePermissive
)

func (m Mode) String() string {
	if m == ModePermissive {
		return "permissive"
	}
	return "restrictive"
}

// DefaultSnippetTimeout bounds a single snippet or formula execution.
const DefaultSnippetTimeout = 2 * time.Second

// Options configure a Resolver. They are fixed once the resolver exists.
type Options struct {
	Mode           Mode
	SnippetTimeout time.Duration
	Logger         *slog.Logger
}

// Result is the output of one resolve call. Cached results are shared and
// must be treated as read-only.
type Result struct {
	Name          string
	Columns       map[string][]float64
	ColumnOrder   []string
	ExecutionTime time.Duration
	NaNRatio      float64
	Warmup        int
	Warnings      []string
	SourceKind    SourceKind
}

// ExecutionTimeMs is ExecutionTime in milliseconds.
func (r *Result) ExecutionTimeMs() float64 {
	return float64(r.ExecutionTime) / float64(time.Millisecond)
}

// Resolver turns indicator names into series. It is safe for concurrent use;
// the definition snapshot is read-only and the cache tolerates racing
// writers for the same key.
type Resolver struct {
	defs    DefinitionStore
	mode    Mode
	timeout time.Duration
	log     *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Result
	group singleflight.Group

	// run executes validated programs; tests swap it to observe calls.
	run func(ctx context.Context, p *Program, tl *domain.Timeline, params Params) ([]Output, error)
}

// NewResolver creates a Resolver over a definition snapshot.
func NewResolver(defs DefinitionStore, opts Options) *Resolver {
	if defs == nil {
		defs = NewSnapshot(nil)
	}
	timeout := opts.SnippetTimeout
	if timeout <= 0 {
		timeout = DefaultSnippetTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		defs:    defs,
		mode:    opts.Mode,
		timeout: timeout,
		log:     log.With("component", "indicator-resolver", "mode", opts.Mode.String()),
		cache:   make(map[string]*Result),
		run: func(ctx context.Context, p *Program, tl *domain.Timeline, params Params) ([]Output, error) {
			return p.Run(ctx, tl, params)
		},
	}
}

// Mode returns the mode the resolver was built with.
func (r *Resolver) Mode() Mode { return r.mode }

// Resolve computes the named indicator over tl. stockID scopes the cache so
// two instruments never share entries.
func (r *Resolver) Resolve(ctx context.Context, name string, opts ExecutionOptions, tl *domain.Timeline, stockID string) (*Result, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("empty indicator name: %w", ErrUnknownIndicator)
	}

	key := cacheKey(name, opts, stockID, tl)
	if !opts.Realtime {
		if res, ok := r.cached(key); ok {
			return res, nil
		}
	}

	def, found, err := r.defs.FetchByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("fetching definition %s: %w", name, err)
	}
	if !found {
		if _, inLibrary := LookupBuiltin(name); !inLibrary {
			return nil, fmt.Errorf("%s: %w", name, ErrUnknownIndicator)
		}
		if r.mode == ModeRestrictive {
			return nil, fmt.Errorf("%s has no store definition and library fallback is disabled: %w",
				name, ErrDefinitionIncomplete)
		}
		def = Definition{Name: name, SourceKind: SourceBuiltin, Body: name}
	}

	params := opts.merged(def.DefaultParams)

	compute := func() (any, error) {
		res, err := r.execute(ctx, def, params, opts, tl)
		if err != nil {
			return nil, err
		}
		if !opts.Realtime {
			r.mu.Lock()
			r.cache[key] = res
			r.mu.Unlock()
		}
		return res, nil
	}
	if opts.Realtime {
		res, err := compute()
		if err != nil {
			return nil, err
		}
		return res.(*Result), nil
	}

	v, err, _ := r.group.Do(key, compute)
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// ResolveInline runs an ad-hoc formula or snippet that did not come from the
// store. Only permissive resolvers accept it, and the body is still
// validated.
func (r *Resolver) ResolveInline(ctx context.Context, name string, kind SourceKind, body string, opts ExecutionOptions, tl *domain.Timeline) (*Result, error) {
	if r.mode == ModeRestrictive {
		return nil, fmt.Errorf("inline %s %q: %w", kind, name, ErrRestrictedMode)
	}
	if kind != SourceFormula && kind != SourceSnippet {
		return nil, fmt.Errorf("inline %s %q: only formulas and snippets can be inline: %w",
			kind, name, ErrDefinitionIncomplete)
	}
	def := Definition{Name: strings.ToLower(name), SourceKind: kind, Body: body}
	return r.execute(ctx, def, opts.merged(nil), opts, tl)
}

func (r *Resolver) cached(key string) (*Result, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.cache[key]
	return res, ok
}

// CacheLen reports the number of cached results.
func (r *Resolver) CacheLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) execute(ctx context.Context, def Definition, params Params, opts ExecutionOptions, tl *domain.Timeline) (*Result, error) {
	start := time.Now()

	var (
		outs []Output
		err  error
	)
	switch def.SourceKind {
	case SourceBuiltin:
		outs, err = r.executeBuiltin(def, params, tl)
	case SourceFormula, SourceSnippet:
		outs, err = r.executeProgram(ctx, def, params, tl)
	default:
		err = fmt.Errorf("%s has unknown source kind %q: %w", def.Name, def.SourceKind, ErrDefinitionIncomplete)
	}
	if err != nil {
		r.log.Warn("indicator failed", "indicator", def.Name, "params", params.Key(), "error", err)
		return nil, err
	}

	res := &Result{
		Name:          def.Name,
		Columns:       make(map[string][]float64, len(outs)),
		ExecutionTime: time.Since(start),
		SourceKind:    def.SourceKind,
	}
	outs = orderOutputs(outs, def.OutputColumns, res)

	base := ColumnBase(def, params, opts)
	n := tl.Len()
	for _, o := range outs {
		if len(o.Values) != n {
			return nil, &ComputationError{Name: def.Name, Params: params,
				Err: fmt.Errorf("output %q has %d values, timeline has %d", o.Suffix, len(o.Values), n)}
		}
		col := base
		if o.Suffix != "" && len(outs) > 1 {
			col = base + "_" + o.Suffix
		}
		res.Columns[col] = o.Values
		res.ColumnOrder = append(res.ColumnOrder, col)
		if w := leadingNaN(o.Values); w > res.Warmup {
			res.Warmup = w
		}
	}
	if n > 0 {
		res.NaNRatio = float64(res.Warmup) / float64(n)
	}
	if n == 0 || res.Warmup >= n {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"%s: timeline has %d bars, shorter than the warm-up period", def.Name, n))
	}
	return res, nil
}

func (r *Resolver) executeBuiltin(def Definition, params Params, tl *domain.Timeline) (outs []Output, err error) {
	method := strings.TrimSpace(def.Body)
	if method == "" {
		if r.mode == ModeRestrictive {
			return nil, fmt.Errorf("%s: builtin definition has no method name: %w", def.Name, ErrDefinitionIncomplete)
		}
		method = def.Name
	}
	fn, ok := LookupBuiltin(method)
	if !ok {
		return nil, fmt.Errorf("%s: builtin method %q does not exist: %w", def.Name, method, ErrDefinitionIncomplete)
	}

	defer func() {
		if p := recover(); p != nil {
			err = &ComputationError{Name: def.Name, Params: params, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	outs, err = fn(tl, params)
	if err != nil {
		return nil, &ComputationError{Name: def.Name, Params: params, Err: err}
	}
	return outs, nil
}

// executeProgram validates the body on every call and runs it under the
// wall-clock guard. A program that overruns is abandoned; it observes the
// cancelled context at its next statement.
func (r *Resolver) executeProgram(ctx context.Context, def Definition, params Params, tl *domain.Timeline) ([]Output, error) {
	if strings.TrimSpace(def.Body) == "" {
		return nil, fmt.Errorf("%s: %s definition has no body: %w", def.Name, def.SourceKind, ErrDefinitionIncomplete)
	}
	prog, err := Validate(def.SourceKind, def.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", def.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		outs []Output
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		outs, err := r.run(ctx, prog, tl, params)
		done <- outcome{outs: outs, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, &ComputationError{Name: def.Name, Params: params, Err: o.err}
		}
		return o.outs, nil
	case <-ctx.Done():
		return nil, &ComputationError{Name: def.Name, Params: params,
			Err: fmt.Errorf("exceeded %s: %w", r.timeout, ctx.Err())}
	}
}

// orderOutputs puts declared columns first, in declaration order, and notes
// declared columns the computation did not produce.
func orderOutputs(outs []Output, declared []string, res *Result) []Output {
	if len(declared) == 0 || len(outs) <= 1 {
		return outs
	}
	bySuffix := make(map[string]Output, len(outs))
	for _, o := range outs {
		bySuffix[strings.ToLower(o.Suffix)] = o
	}
	ordered := make([]Output, 0, len(outs))
	used := make(map[string]bool, len(outs))
	for _, d := range declared {
		key := strings.ToLower(d)
		o, ok := bySuffix[key]
		if !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: declared output %q was not produced", res.Name, d))
			continue
		}
		ordered = append(ordered, o)
		used[key] = true
	}
	for _, o := range outs {
		if !used[strings.ToLower(o.Suffix)] {
			ordered = append(ordered, o)
		}
	}
	return ordered
}

// ColumnBase derives the column prefix from the indicator name and the
// params that distinguish instances of it: the definition's default param
// names, or period when the definition declares none and the caller set one.
func ColumnBase(def Definition, params Params, opts ExecutionOptions) string {
	parts := []string{strings.ToLower(def.Name)}

	var keys []string
	if len(def.DefaultParams) > 0 {
		keys = def.DefaultParams.Normalize().sortedKeys()
	} else if _, explicit := opts.Params.Normalize()["period"]; explicit || opts.Period > 0 {
		keys = []string{"period"}
	}
	for _, k := range keys {
		if v, ok := params[k]; ok {
			parts = append(parts, columnValue(v))
		}
	}
	return strings.Join(parts, "_")
}

func columnValue(v any) string {
	if f, ok := v.(float64); ok {
		if f == math.Trunc(f) {
			return strconv.FormatInt(int64(f), 10)
		}
		return strings.ReplaceAll(strconv.FormatFloat(f, 'f', -1, 64), ".", "p")
	}
	return strings.ToLower(fmt.Sprint(v))
}

// cacheKey is built from the caller's options rather than the merged params
// so a hit never needs the definition store.
func cacheKey(name string, opts ExecutionOptions, stockID string, tl *domain.Timeline) string {
	return fmt.Sprintf("%s|%d|%s|%s|%d|%d",
		name, opts.Period, opts.Params.Normalize().Key(), stockID, tl.Len(), tl.Last().Unix())
}
