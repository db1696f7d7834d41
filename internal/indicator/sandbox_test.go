package indicator

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		kind SourceKind
		body string
		want string
	}{
		{"import", SourceSnippet, "import \"os\"\nresult = close", "import"},
		{"os access", SourceSnippet, "x := os.Getenv(\"HOME\")\nresult = close", "process access"},
		{"eval", SourceFormula, "eval(close)", "dynamic evaluation"},
		{"loop", SourceSnippet, "x := 0\nfor x < 10 { x += 1 }\nresult = close", "loops"},
		{"func literal", SourceSnippet, "f := func() {}\nresult = close", "function literals"},
		{"goroutine", SourceSnippet, "go close()\nresult = close", "goroutines"},
		{"internal name", SourceSnippet, "__class__ := 1\nresult = close", "internal name"},
		{"attribute", SourceFormula, "close.Len", "attribute access"},
		{"unknown np", SourceFormula, "np.savetxt(close, 1)", "numeric namespace"},
		{"arity", SourceFormula, "np.sma(close)", "takes 2 arguments"},
		{"bare call", SourceFormula, "len(close)", "only np"},
		{"string", SourceFormula, "\"close\"", "literals"},
		{"read result", SourceSnippet, "x := result\nresult = close", "result cannot be read"},
		{"no result", SourceSnippet, "x := close * 2", "never assigns result"},
		{"mixed result", SourceSnippet, "result[\"a\"] = close\nresult = close", "both a series and a mapping"},
		{"assign series", SourceSnippet, "close = open\nresult = close", "cannot be assigned"},
		{"undefined local", SourceSnippet, "result = y + 1", "not permitted"},
		{"if", SourceSnippet, "if true { result = close }", "statements are not permitted"},
		{"empty", SourceSnippet, "   ", "empty body"},
		{"wrong kind", SourceBuiltin, "sma", "cannot be validated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.kind, tt.body)
			if err == nil {
				t.Fatalf("Validate(%q) succeeded, want rejection", tt.body)
			}
			if !errors.Is(err, ErrSandboxViolation) {
				t.Errorf("error %v does not wrap ErrSandboxViolation", err)
			}
			var se *SandboxError
			if !errors.As(err, &se) {
				t.Fatalf("error %T is not a *SandboxError", err)
			}
			if !strings.Contains(se.Reason, tt.want) {
				t.Errorf("Reason = %q, want it to mention %q", se.Reason, tt.want)
			}
			if Accept(tt.kind, tt.body) {
				t.Error("Accept returned true for a rejected body")
			}
		})
	}
}

func TestValidateReportsSnippetLine(t *testing.T) {
	_, err := Validate(SourceSnippet, "a := close\nb := a.x\nresult = b")
	var se *SandboxError
	if !errors.As(err, &se) {
		t.Fatalf("want *SandboxError, got %v", err)
	}
	if se.Pos.Line != 2 {
		t.Errorf("Pos.Line = %d, want 2", se.Pos.Line)
	}
}

func TestValidateAccepts(t *testing.T) {
	tests := []struct {
		name    string
		kind    SourceKind
		body    string
		outputs []string
	}{
		{"formula", SourceFormula, "(close - open) / np.maximum(high - low, 1)", nil},
		{"params", SourceFormula, "np.sma(close, params[\"period\"])", nil},
		{"single", SourceSnippet, "m := np.ema(close, 3)\nm *= 2\nresult = m - close", nil},
		{"multi", SourceSnippet, "mid := np.sma(close, 3)\nresult[\"Upper\"] = mid + 1\nresult[\"lower\"] = mid - 1", []string{"upper", "lower"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Validate(tt.kind, tt.body)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if p.Kind() != tt.kind {
				t.Errorf("Kind = %s, want %s", p.Kind(), tt.kind)
			}
			got := p.Outputs()
			if len(got) != len(tt.outputs) {
				t.Fatalf("Outputs = %v, want %v", got, tt.outputs)
			}
			for i := range got {
				if got[i] != tt.outputs[i] {
					t.Errorf("Outputs[%d] = %q, want %q", i, got[i], tt.outputs[i])
				}
			}
		})
	}
}

func TestProgramRunFormula(t *testing.T) {
	tl := testTimeline(t, ramp(5, 10, 1))
	p, err := Validate(SourceFormula, "close * 2 + params[\"offset\"]")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	outs, err := p.Run(context.Background(), tl, Params{"offset": 1.0})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outs))
	}
	for i, v := range outs[0].Values {
		if want := (10+float64(i))*2 + 1; v != want {
			t.Errorf("value[%d] = %v, want %v", i, v, want)
		}
	}
}

func TestProgramRunSnippetMultiOutput(t *testing.T) {
	tl := testTimeline(t, ramp(6, 1, 1))
	p, err := Validate(SourceSnippet, `
mid := np.sma(close, 3)
spread := np.where(close > mid, 1, 0)
result["mid"] = mid
result["spread"] = spread
`)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	outs, err := p.Run(context.Background(), tl, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outs) != 2 || outs[0].Suffix != "mid" || outs[1].Suffix != "spread" {
		t.Fatalf("outputs = %+v", outs)
	}
	if !math.IsNaN(outs[0].Values[1]) {
		t.Errorf("mid[1] = %v, want NaN", outs[0].Values[1])
	}
	if outs[0].Values[2] != 2 {
		t.Errorf("mid[2] = %v, want 2", outs[0].Values[2])
	}
	if outs[1].Values[5] != 1 {
		t.Errorf("spread[5] = %v, want 1 on a rising series", outs[1].Values[5])
	}
}

func TestProgramRunBadWindow(t *testing.T) {
	tl := testTimeline(t, ramp(5, 1, 1))
	p, err := Validate(SourceFormula, "np.sma(close, 2.5)")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := p.Run(context.Background(), tl, nil); !errors.Is(err, errWindow) {
		t.Errorf("Run error = %v, want errWindow", err)
	}
}

func TestProgramRunMissingParam(t *testing.T) {
	tl := testTimeline(t, ramp(5, 1, 1))
	p, err := Validate(SourceFormula, "close + params[\"missing\"]")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := p.Run(context.Background(), tl, Params{}); err == nil {
		t.Error("expected error for an unset param")
	}
}

func TestProgramRunStopsWhenCancelled(t *testing.T) {
	tl := testTimeline(t, ramp(30, 1, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, tc := range []struct {
		kind SourceKind
		body string
	}{
		{SourceFormula, "np.sma(close, 5) - np.ema(close, 10)"},
		{SourceSnippet, "result = np.highest(high, 3)"},
	} {
		p, err := Validate(tc.kind, tc.body)
		if err != nil {
			t.Fatalf("Validate(%s): %v", tc.kind, err)
		}
		if _, err := p.Run(ctx, tl, nil); !errors.Is(err, context.Canceled) {
			t.Errorf("%s: Run error = %v, want context.Canceled", tc.kind, err)
		}
	}
}
