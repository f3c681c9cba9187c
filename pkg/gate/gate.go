// Package gate implements stage preconditions: requirements that must hold
// before a stage action may run. An unmet precondition is never retried; the
// operator fixes the cause and re-runs the pipeline.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
)

// ErrDeclined marks a precondition the operator chose not to override.
var ErrDeclined = errors.New("operator declined to continue")

// Precondition defines the interface for stage preconditions.
type Precondition interface {
	// Check returns nil when the stage may proceed.
	Check(ctx context.Context, env Env) error

	// Name returns the precondition identifier.
	Name() string
}

// Interactive is implemented by preconditions that may ask the operator.
type Interactive interface {
	Interactive() bool
}

// Env is the process environment a precondition inspects.
type Env struct {
	Getenv   func(string) string
	LookPath func(string) (string, error)
	Decider  Decider
	Logger   *slog.Logger
}

// DefaultEnv reads the real environment and declines every interactive prompt.
func DefaultEnv() Env {
	return Env{
		Getenv:   os.Getenv,
		LookPath: exec.LookPath,
		Decider:  Always(false),
		Logger:   slog.New(slog.DiscardHandler),
	}
}

// WithDefaults fills unset fields from DefaultEnv.
func (e Env) WithDefaults() Env {
	d := DefaultEnv()
	if e.Getenv == nil {
		e.Getenv = d.Getenv
	}
	if e.LookPath == nil {
		e.LookPath = d.LookPath
	}
	if e.Decider == nil {
		e.Decider = d.Decider
	}
	if e.Logger == nil {
		e.Logger = d.Logger
	}
	return e
}

// IsInteractive reports whether p may prompt the operator.
func IsInteractive(p Precondition) bool {
	i, ok := p.(Interactive)
	return ok && i.Interactive()
}
