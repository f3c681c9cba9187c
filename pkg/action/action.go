package action

import (
	"context"
	"io"

	"github.com/zen-systems/tunepipe/pkg/config"
)

// Action is the work a stage performs when its artifacts are missing.
type Action interface {
	// Run blocks until the invocation finishes or ctx is cancelled.
	Run(ctx context.Context, inv Invocation) (*Result, error)

	// Describe returns a human-readable summary of the invocation.
	Describe() string
}

// Invocation carries the narrowed parameters and output sinks for one run.
type Invocation struct {
	Params config.Params
	Stdout io.Writer
	Stderr io.Writer
}

// Result reports what an action did.
type Result struct {
	Diagnostics *Diagnostics
}

// Func adapts a function to the Action interface.
type Func struct {
	Name string
	Fn   func(ctx context.Context, inv Invocation) error
}

// Run calls the wrapped function.
func (f Func) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if err := f.Fn(ctx, inv); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

// Describe returns the function name.
func (f Func) Describe() string {
	return f.Name
}
