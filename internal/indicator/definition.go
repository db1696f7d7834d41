// Package indicator resolves named indicators into numeric series aligned to
// a timeline. Definitions come from a shared store and are either builtin
// (dispatched to a closed-form library), formula expressions or multi-line
// snippets; the last two are validated by the sandbox before they run.
package indicator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceKind says how a definition's Body is interpreted.
type SourceKind string

const (
	SourceBuiltin SourceKind = "builtin"
	SourceFormula SourceKind = "formula"
	SourceSnippet SourceKind = "snippet"
)

// ParseSourceKind accepts the canonical names and a few legacy aliases.
func ParseSourceKind(s string) (SourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "builtin", "library", "talib":
		return SourceBuiltin, nil
	case "formula", "formula-expression", "expression":
		return SourceFormula, nil
	case "snippet", "code", "custom":
		return SourceSnippet, nil
	}
	return "", fmt.Errorf("unknown source kind %q", s)
}

// Definition is an indicator as supplied by the definition store. It is
// treated as immutable once loaded.
type Definition struct {
	Name          string     `yaml:"name"`
	SourceKind    SourceKind `yaml:"source_kind"`
	DefaultParams Params     `yaml:"default_params"`
	OutputColumns []string   `yaml:"output_columns"`
	Body          string     `yaml:"body"`
	Active        bool       `yaml:"active"`
}

// DefinitionStore is the read-only adapter over wherever definitions live.
type DefinitionStore interface {
	// FetchAllActive returns every active definition.
	FetchAllActive(ctx context.Context) ([]Definition, error)

	// FetchByName returns the definition with the given name, matched
	// case-insensitively. The bool is false when none exists.
	FetchByName(ctx context.Context, name string) (Definition, bool, error)
}

// Compile-time interface check.
var _ DefinitionStore = (*Snapshot)(nil)

// Snapshot is an in-memory, read-only set of definitions. It is safe for
// concurrent use because it is never written after construction.
type Snapshot struct {
	defs map[string]Definition
}

// NewSnapshot indexes the active defs by lower-cased name. Later duplicates
// win.
func NewSnapshot(defs []Definition) *Snapshot {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if !d.Active {
			continue
		}
		d.DefaultParams = d.DefaultParams.Normalize()
		m[strings.ToLower(strings.TrimSpace(d.Name))] = d
	}
	return &Snapshot{defs: m}
}

// LoadSnapshot reads every active definition from store once.
func LoadSnapshot(ctx context.Context, store DefinitionStore) (*Snapshot, error) {
	if store == nil {
		return NewSnapshot(nil), nil
	}
	defs, err := store.FetchAllActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading indicator definitions: %w", err)
	}
	return NewSnapshot(defs), nil
}

// FetchAllActive returns the snapshot's definitions.
func (s *Snapshot) FetchAllActive(_ context.Context) ([]Definition, error) {
	out := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	return out, nil
}

// FetchByName looks a definition up case-insensitively.
func (s *Snapshot) FetchByName(_ context.Context, name string) (Definition, bool, error) {
	d, ok := s.defs[strings.ToLower(strings.TrimSpace(name))]
	return d, ok, nil
}

// Len returns the number of definitions held.
func (s *Snapshot) Len() int { return len(s.defs) }

// definitionsFile is the on-disk YAML layout.
type definitionsFile struct {
	Indicators []struct {
		Name          string         `yaml:"name"`
		SourceKind    string         `yaml:"source_kind"`
		DefaultParams map[string]any `yaml:"default_params"`
		OutputColumns []string       `yaml:"output_columns"`
		Body          string         `yaml:"body"`
		Active        *bool          `yaml:"active"`
	} `yaml:"indicators"`
}

// LoadDefinitionsFile parses a YAML file of definitions. Entries without an
// explicit active flag are active.
func LoadDefinitionsFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes definitions from YAML bytes.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing indicator definitions: %w", err)
	}

	defs := make([]Definition, 0, len(f.Indicators))
	for _, raw := range f.Indicators {
		if strings.TrimSpace(raw.Name) == "" {
			return nil, fmt.Errorf("indicator definition without a name")
		}
		kind, err := ParseSourceKind(raw.SourceKind)
		if err != nil {
			return nil, fmt.Errorf("indicator %s: %w", raw.Name, err)
		}
		active := raw.Active == nil || *raw.Active
		defs = append(defs, Definition{
			Name:          raw.Name,
			SourceKind:    kind,
			DefaultParams: Params(raw.DefaultParams).Normalize(),
			OutputColumns: raw.OutputColumns,
			Body:          raw.Body,
			Active:        active,
		})
	}
	return defs, nil
}

// ActiveOnly filters out inactive definitions.
func ActiveOnly(defs []Definition) []Definition {
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		if d.Active {
			out = append(out, d)
		}
	}
	return out
}
