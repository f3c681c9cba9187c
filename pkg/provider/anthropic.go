package provider

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicLister lists Claude models visible to an API key.
type AnthropicLister struct {
	Options []option.RequestOption
}

// Name returns the provider identifier.
func (AnthropicLister) Name() string {
	return "anthropic"
}

// ListModels calls the Models API; it is free and does not generate tokens.
func (l AnthropicLister) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	opts := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, l.Options...)
	client := anthropic.NewClient(opts...)

	page, err := client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, wrap(l.Name(), err)
	}

	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
