// Package provider checks generation credentials against the LLM providers
// before the pipeline spends money on them.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/zen-systems/tunepipe/pkg/config"
)

// Lister performs the cheapest authenticated call a provider offers.
type Lister interface {
	// ListModels returns the model IDs visible to apiKey.
	ListModels(ctx context.Context, apiKey string) ([]string, error)

	// Name returns the provider identifier.
	Name() string
}

// Verifier checks an API key with retry on transient failures.
type Verifier struct {
	lister     Lister
	log        *slog.Logger
	maxTries   uint
	maxElapsed time.Duration
	newBackOff func() backoff.BackOff
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLogger sets the logger used for retry warnings.
func WithLogger(log *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.log = log }
}

// WithMaxTries bounds the number of attempts.
func WithMaxTries(n uint) VerifierOption {
	return func(v *Verifier) { v.maxTries = n }
}

// NewVerifier wraps a lister.
func NewVerifier(lister Lister, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		lister:     lister,
		log:        slog.New(slog.DiscardHandler),
		maxTries:   4,
		maxElapsed: time.Minute,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ForProvider returns the SDK-backed lister for a provider name.
func ForProvider(name string) (Lister, error) {
	switch name {
	case config.ProviderAnthropic:
		return AnthropicLister{}, nil
	case config.ProviderOpenAI:
		return OpenAILister{}, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}

// Verify succeeds when the provider lists at least one model for apiKey.
func (v *Verifier) Verify(ctx context.Context, apiKey string) error {
	attempt := 0
	models, err := backoff.Retry(ctx, func() ([]string, error) {
		attempt++
		models, err := v.lister.ListModels(ctx, apiKey)
		if err == nil {
			return models, nil
		}
		if !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		v.log.Warn("credential check failed, retrying", "provider", v.lister.Name(), "attempt", attempt, "error", err)
		return nil, err
	},
		backoff.WithBackOff(v.newBackOff()),
		backoff.WithMaxTries(v.maxTries),
		backoff.WithMaxElapsedTime(v.maxElapsed),
	)
	if err != nil {
		if IsAuth(err) {
			return fmt.Errorf("%s rejected the API key: %w", v.lister.Name(), err)
		}
		return fmt.Errorf("%s credential check failed: %w", v.lister.Name(), err)
	}
	if len(models) == 0 {
		return fmt.Errorf("%s lists no models for this API key", v.lister.Name())
	}
	v.log.Debug("credential verified", "provider", v.lister.Name(), "models", len(models))
	return nil
}
