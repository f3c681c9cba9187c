package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Provider names accepted for conversation generation.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

var credentialEnv = map[string]string{
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
}

// PipelineConfig holds the run parameters shared by every stage.
// It is built once per run and passed by value.
type PipelineConfig struct {
	Provider          string  `yaml:"provider" validate:"oneof=anthropic openai"`
	VariantsPerPrompt int     `yaml:"variants_per_prompt" validate:"min=1,max=1000"`
	MaxPrompts        int     `yaml:"max_prompts" validate:"min=1,max=100000"`
	Epochs            int     `yaml:"epochs" validate:"min=1"`
	LoRARank          int     `yaml:"lora_rank" validate:"min=1"`
	LearningRate      float64 `yaml:"learning_rate" validate:"gt=0"`
	BatchSize         int     `yaml:"batch_size" validate:"min=1"`
	GradAccum         int     `yaml:"grad_accum" validate:"min=1"`
	MaxSeqLen         int     `yaml:"max_seq_len" validate:"min=1"`
	Quant             string  `yaml:"quant" validate:"required,quant"`
	EvalModel         string  `yaml:"eval_model" validate:"required"`
	MaxBudgetUSD      float64 `yaml:"max_budget_usd,omitempty" validate:"gte=0"`
}

// Workspace locates the artifact tree and the stage scripts.
type Workspace struct {
	Root       string `yaml:"root"`
	ScriptsDir string `yaml:"scripts_dir"`
	Python     string `yaml:"python"`
	RunsDir    string `yaml:"runs_dir,omitempty"`
}

// Config holds the application configuration.
type Config struct {
	Pipeline  PipelineConfig
	Workspace Workspace
	Pricing   PricingConfig
	ConfigDir string
}

// FileConfig represents the structure of ~/.tunepipe/config.yaml
type FileConfig struct {
	Pipeline  *PipelineConfig `yaml:"pipeline"`
	Workspace *Workspace      `yaml:"workspace"`
	Pricing   PricingConfig   `yaml:"pricing,omitempty"`
}

// DefaultPipelineConfig matches the defaults of the stage scripts.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Provider:          ProviderAnthropic,
		VariantsPerPrompt: 20,
		MaxPrompts:        50,
		Epochs:            3,
		LoRARank:          32,
		LearningRate:      2e-4,
		BatchSize:         2,
		GradAccum:         16,
		MaxSeqLen:         4096,
		Quant:             "q4_k_m",
		EvalModel:         "sysdesign",
	}
}

// DefaultWorkspace runs scripts from the current directory.
func DefaultWorkspace() Workspace {
	return Workspace{
		Root:       ".",
		ScriptsDir: ".",
		Python:     "python3",
	}
}

// Load reads configuration from the default config file.
// A missing file yields the built-in defaults.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(path); err != nil {
		cfg := defaults()
		cfg.ConfigDir = configDir
		return cfg, nil
	}

	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ConfigDir = configDir
	return cfg, nil
}

// LoadFile loads config from a specific file. Fields absent from the file keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := defaults()
	fileConfig := FileConfig{
		Pipeline:  &cfg.Pipeline,
		Workspace: &cfg.Workspace,
	}
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	for provider, pricing := range fileConfig.Pricing {
		cfg.Pricing[provider] = pricing
	}
	cfg.ConfigDir = filepath.Dir(path)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Pipeline:  DefaultPipelineConfig(),
		Workspace: DefaultWorkspace(),
		Pricing:   DefaultPricing(),
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("quant", func(fl validator.FieldLevel) bool {
		return ValidQuant(fl.Field().String())
	})
	return v
}

// Validate checks the run parameters.
func (c PipelineConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid %s: %v fails %q", fe.Field(), fe.Value(), fe.Tag())
		}
		return err
	}
	return nil
}

// Validate checks the workspace settings.
func (w Workspace) Validate() error {
	if w.Root == "" {
		return fmt.Errorf("workspace root is required")
	}
	if w.Python == "" {
		return fmt.Errorf("python interpreter is required")
	}
	return nil
}

// ConversationTarget is the number of conversation files the generation stage must produce.
func (c PipelineConfig) ConversationTarget() int {
	return c.VariantsPerPrompt * c.MaxPrompts
}

// CredentialEnv returns the environment variable holding the selected provider's API key.
func (c PipelineConfig) CredentialEnv() string {
	return CredentialEnvFor(c.Provider)
}

// CredentialEnvFor returns the environment variable for a provider, or "" if unknown.
func CredentialEnvFor(provider string) string {
	return credentialEnv[strings.ToLower(provider)]
}

var quantMethods = map[string]struct{}{
	"q2_k": {}, "q3_k_m": {}, "q4_0": {}, "q4_k_m": {}, "q4_k_s": {},
	"q5_0": {}, "q5_k_m": {}, "q5_k_s": {}, "q6_k": {}, "q8_0": {},
	"f16": {}, "bf16": {},
}

// ValidQuant reports whether name is a GGUF quantization method the export script accepts.
func ValidQuant(name string) bool {
	_, ok := quantMethods[strings.ToLower(name)]
	return ok
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tunepipe"), nil
}
