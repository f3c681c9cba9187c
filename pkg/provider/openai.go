package provider

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAILister lists OpenAI models visible to an API key.
type OpenAILister struct {
	Options []option.RequestOption
}

// Name returns the provider identifier.
func (OpenAILister) Name() string {
	return "openai"
}

// ListModels calls the Models API.
func (l OpenAILister) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	opts := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, l.Options...)
	client := openai.NewClient(opts...)

	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, wrap(l.Name(), err)
	}

	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
