package stages

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/zen-systems/tunepipe/pkg/config"
)

// SeedPrompts is the prompt file the generation script reads, relative to the workspace root.
const SeedPrompts = "prompts/system_design_prompts.json"

// seedPromptCount returns the number of seed prompts, or false when the file
// is missing or unreadable.
func seedPromptCount(root string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(SeedPrompts)))
	if err != nil {
		return 0, false
	}
	var doc struct {
		Prompts []json.RawMessage `json:"system_design_prompts"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || len(doc.Prompts) == 0 {
		return 0, false
	}
	return len(doc.Prompts), true
}

// ConversationTarget is the number of conversation files the generation
// script will write. The script never uses more prompts than the seed file
// holds, so max_prompts is capped at that count when the file is readable.
// capped reports whether the cap applied.
func ConversationTarget(root string, cfg config.PipelineConfig) (target int, capped bool) {
	if n, ok := seedPromptCount(root); ok && n < cfg.MaxPrompts {
		return cfg.VariantsPerPrompt * n, true
	}
	return cfg.ConversationTarget(), false
}
