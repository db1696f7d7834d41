package indicator

import (
	"errors"
	"fmt"
	"go/token"
)

var (
	ErrUnknownIndicator     = errors.New("unknown indicator")
	ErrSandboxViolation     = errors.New("sandbox violation")
	ErrDefinitionIncomplete = errors.New("indicator definition incomplete")
	ErrComputation          = errors.New("indicator computation failed")
	ErrRestrictedMode       = errors.New("not permitted in restrictive mode")
	ErrInsufficientData     = errors.New("insufficient data")
)

// SandboxError describes why a snippet was rejected. Pos is zero when the
// rejection happened before parsing.
type SandboxError struct {
	Pos    token.Position
	Reason string
}

func (e *SandboxError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("sandbox violation at %d:%d: %s", e.Pos.Line, e.Pos.Column, e.Reason)
	}
	return "sandbox violation: " + e.Reason
}

func (e *SandboxError) Unwrap() error { return ErrSandboxViolation }

// ComputationError wraps a runtime failure inside a builtin or a validated
// snippet with the indicator name and the params it ran with.
type ComputationError struct {
	Name   string
	Params Params
	Err    error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("computing %s %s: %v", e.Name, e.Params.Key(), e.Err)
}

func (e *ComputationError) Unwrap() []error { return []error{ErrComputation, e.Err} }
