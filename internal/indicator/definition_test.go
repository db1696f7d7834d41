package indicator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const definitionsYAML = `
indicators:
  - name: MA
    source_kind: library
    default_params:
      Period: 20
    body: sma
  - name: range_pct
    source_kind: formula
    body: (high - low) / close
  - name: retired
    source_kind: snippet
    body: result = close
    active: false
`

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]byte(definitionsYAML))
	if err != nil {
		t.Fatalf("ParseDefinitions: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("got %d definitions, want 3", len(defs))
	}
	if defs[0].SourceKind != SourceBuiltin {
		t.Errorf("SourceKind = %s, want builtin", defs[0].SourceKind)
	}
	if got := defs[0].DefaultParams["period"]; got != 20.0 {
		t.Errorf("period = %v (%T), want 20.0", got, got)
	}
	if !defs[1].Active || defs[2].Active {
		t.Errorf("Active flags = %v/%v, want true/false", defs[1].Active, defs[2].Active)
	}
	if got := len(ActiveOnly(defs)); got != 2 {
		t.Errorf("ActiveOnly = %d, want 2", got)
	}
}

func TestParseDefinitionsErrors(t *testing.T) {
	bad := []string{
		"indicators:\n  - source_kind: formula\n    body: close\n",
		"indicators:\n  - name: x\n    source_kind: assembly\n",
		"indicators: [",
	}
	for _, in := range bad {
		if _, err := ParseDefinitions([]byte(in)); err == nil {
			t.Errorf("ParseDefinitions(%q) succeeded, want error", in)
		}
	}
}

func TestLoadDefinitionsFileAndSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indicators.yaml")
	if err := os.WriteFile(path, []byte(definitionsYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	defs, err := LoadDefinitionsFile(path)
	if err != nil {
		t.Fatalf("LoadDefinitionsFile: %v", err)
	}

	snap, err := LoadSnapshot(context.Background(), NewSnapshot(defs))
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.Len() != 2 {
		t.Errorf("Len = %d, want 2 active definitions", snap.Len())
	}
	if _, ok, _ := snap.FetchByName(context.Background(), "ma"); !ok {
		t.Error("FetchByName(ma) not found")
	}
	if _, ok, _ := snap.FetchByName(context.Background(), "retired"); ok {
		t.Error("inactive definition was returned")
	}
}

func TestParseSourceKind(t *testing.T) {
	tests := map[string]SourceKind{
		"builtin": SourceBuiltin, "TALIB": SourceBuiltin,
		"formula-expression": SourceFormula, " code ": SourceSnippet,
	}
	for in, want := range tests {
		got, err := ParseSourceKind(in)
		if err != nil || got != want {
			t.Errorf("ParseSourceKind(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseSourceKind("binary"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestParamsKeyIsOrderIndependent(t *testing.T) {
	a := Params{"Period": 20, "source": "close"}.Normalize()
	b := Params{"source": "close", "period": "20"}.Normalize()
	if a.Key() != b.Key() {
		t.Errorf("Key %q != %q", a.Key(), b.Key())
	}
	if a.Key() != "{period=20,source=close}" {
		t.Errorf("Key = %q", a.Key())
	}
}

func TestShippedDefinitionsValidate(t *testing.T) {
	defs, err := LoadDefinitionsFile(filepath.Join("..", "..", "config", "indicators.yaml"))
	if err != nil {
		t.Fatalf("LoadDefinitionsFile: %v", err)
	}
	for _, d := range defs {
		switch d.SourceKind {
		case SourceBuiltin:
			if _, ok := LookupBuiltin(d.Body); !ok {
				t.Errorf("%s: builtin %q does not exist", d.Name, d.Body)
			}
		case SourceFormula, SourceSnippet:
			if _, err := Validate(d.SourceKind, d.Body); err != nil {
				t.Errorf("%s: %v", d.Name, err)
			}
		}
	}
}
