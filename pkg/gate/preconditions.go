package gate

import (
	"context"
	"fmt"
	"strings"
)

// Tool requires an executable on PATH.
type Tool struct {
	Binary string
}

// Name returns the gate identifier.
func (t Tool) Name() string {
	return "tool:" + t.Binary
}

// Check looks the binary up on PATH.
func (t Tool) Check(_ context.Context, env Env) error {
	env = env.WithDefaults()
	if _, err := env.LookPath(t.Binary); err != nil {
		return fmt.Errorf("required tool %q not found on PATH", t.Binary)
	}
	return nil
}

// Verifier confirms a credential is accepted by its provider.
type Verifier interface {
	Verify(ctx context.Context, apiKey string) error
}

// Credential requires a non-empty environment variable, optionally verified with the provider.
type Credential struct {
	Env      string
	Verifier Verifier
}

// Name returns the gate identifier.
func (c Credential) Name() string {
	return "credential:" + c.Env
}

// Check reads the variable and, if a verifier is set, asks the provider to accept it.
func (c Credential) Check(ctx context.Context, env Env) error {
	env = env.WithDefaults()
	if c.Env == "" {
		return fmt.Errorf("no credential variable configured")
	}
	value := strings.TrimSpace(env.Getenv(c.Env))
	if value == "" {
		return fmt.Errorf("credential %s is not set", c.Env)
	}
	if c.Verifier == nil {
		return nil
	}
	if err := c.Verifier.Verify(ctx, value); err != nil {
		return fmt.Errorf("credential %s rejected: %w", c.Env, err)
	}
	return nil
}

// Budget fails when an estimated spend exceeds the configured maximum.
// A zero Max disables the check.
type Budget struct {
	Max      float64
	Estimate func() (float64, bool)
}

// Name returns the gate identifier.
func (b Budget) Name() string {
	return "budget"
}

// Check compares the estimate to the maximum and logs the estimate either way.
func (b Budget) Check(_ context.Context, env Env) error {
	env = env.WithDefaults()
	if b.Estimate == nil {
		return nil
	}
	cost, ok := b.Estimate()
	if !ok {
		if b.Max > 0 {
			return fmt.Errorf("no pricing available to enforce budget %.2f USD", b.Max)
		}
		return nil
	}
	env.Logger.Info("estimated API cost", "usd", fmt.Sprintf("%.2f", cost))
	if b.Max > 0 && cost > b.Max {
		return fmt.Errorf("estimated cost %.2f USD exceeds budget %.2f USD", cost, b.Max)
	}
	return nil
}
