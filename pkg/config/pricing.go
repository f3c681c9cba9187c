package config

// PricingConfig maps provider -> pricing.
type PricingConfig map[string]ModelPricing

// ModelPricing defines per-1k token pricing.
type ModelPricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k,omitempty"`
	CompletionPer1K float64 `yaml:"completion_per_1k,omitempty"`
}

// Token volume assumed for one generated conversation.
const (
	ConversationPromptTokens     = 2000
	ConversationCompletionTokens = 3000
)

// DefaultPricing returns list prices for the default generation models
// (Claude Sonnet and GPT-4o class).
func DefaultPricing() PricingConfig {
	return PricingConfig{
		ProviderAnthropic: {PromptPer1K: 0.003, CompletionPer1K: 0.015},
		ProviderOpenAI:    {PromptPer1K: 0.0025, CompletionPer1K: 0.010},
	}
}

// EstimateConversationCost returns the estimated USD cost of generating n conversations.
// The second return is false when no pricing is known for the provider.
func (p PricingConfig) EstimateConversationCost(provider string, n int) (float64, bool) {
	entry, ok := p[provider]
	if !ok {
		return 0, false
	}
	per := (float64(ConversationPromptTokens)/1000.0)*entry.PromptPer1K +
		(float64(ConversationCompletionTokens)/1000.0)*entry.CompletionPer1K
	return float64(n) * per, true
}
