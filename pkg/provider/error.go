package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ProviderError wraps provider errors with status metadata.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s error (status=%d)", e.Provider, e.Status)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// wrap attaches the HTTP status of an SDK error, if any.
func wrap(providerName string, err error) error {
	if err == nil {
		return nil
	}
	pe := &ProviderError{Provider: providerName, Err: err}
	var antErr *anthropic.Error
	var oaiErr *openai.Error
	switch {
	case errors.As(err, &antErr):
		pe.Status = antErr.StatusCode
	case errors.As(err, &oaiErr):
		pe.Status = oaiErr.StatusCode
	}
	return pe
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.Status == http.StatusTooManyRequests || (providerErr.Status >= 500 && providerErr.Status <= 599) {
			return true
		}
	}
	return false
}

// IsAuth reports whether the provider rejected the credential itself.
func IsAuth(err error) bool {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Status == http.StatusUnauthorized || providerErr.Status == http.StatusForbidden
	}
	return false
}
