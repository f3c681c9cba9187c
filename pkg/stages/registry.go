// Package stages defines the fine-tuning pipeline: six stages that turn
// diagram descriptions into an evaluated, quantized model.
package stages

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/zen-systems/tunepipe/pkg/action"
	"github.com/zen-systems/tunepipe/pkg/config"
	"github.com/zen-systems/tunepipe/pkg/gate"
	"github.com/zen-systems/tunepipe/pkg/pipeline"
	"github.com/zen-systems/tunepipe/pkg/predicate"
)

// PipelineName identifies the fine-tuning pipeline in reports and manifests.
const PipelineName = "sysdesign-finetune"

// Stage names.
const (
	Diagrams      = "diagrams"
	Conversations = "conversations"
	Dataset       = "dataset"
	Train         = "train"
	Export        = "export"
	Evaluate      = "evaluate"
)

// Artifact locations relative to the workspace root.
const (
	DiagramDescriptions = "data/raw/diagram_descriptions.jsonl"
	ConversationGlob    = "data/raw/conversations/*.json"
	TrainingSet         = "data/train.jsonl"
	FinalCheckpoint     = "output/checkpoints/final"
	GGUFGlob            = "output/gguf/*.gguf"
	Modelfile           = "output/gguf/Modelfile"
	EvalResultGlob      = "output/eval_results/eval_*.json"
)

// Options supplies the optional collaborators of the registry.
type Options struct {
	Pricing config.PricingConfig
	// Verifier checks the generation credential with its provider. Nil skips the check.
	Verifier gate.Verifier
	// Detect finds an accelerator before training. Nil uses nvidia-smi.
	Detect gate.Detector
	Logger *slog.Logger
}

// New builds the pipeline for cfg. Scripts are run from ws.ScriptsDir with
// ws.Python, in ws.Root.
func New(cfg config.PipelineConfig, ws config.Workspace, opts Options) (*pipeline.Pipeline, error) {
	if err := ws.Validate(); err != nil {
		return nil, err
	}
	scripts, err := filepath.Abs(ws.ScriptsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve scripts dir: %w", err)
	}
	root, err := filepath.Abs(ws.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if opts.Pricing == nil {
		opts.Pricing = config.DefaultPricing()
	}
	if opts.Detect == nil {
		opts.Detect = gate.NvidiaSMI
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	python := gate.Tool{Binary: ws.Python}
	script := func(name string, args func(config.Params) ([]string, error)) *action.Command {
		return &action.Command{
			Exec:    ws.Python,
			Base:    []string{filepath.Join(scripts, name)},
			Args:    args,
			Workdir: root,
		}
	}

	generate := script("02_generate_conversations.py", conversationArgs)
	generate.Stdin = "\n"

	target, capped := ConversationTarget(root, cfg)
	if capped {
		opts.Logger.Warn("max prompts exceeds the seed prompt file, conversation target capped",
			"max_prompts", cfg.MaxPrompts, "target", target, "seeds", SeedPrompts)
	}
	budget := gate.Budget{
		Max: cfg.MaxBudgetUSD,
		Estimate: func() (float64, bool) {
			return opts.Pricing.EstimateConversationCost(cfg.Provider, target)
		},
	}

	return &pipeline.Pipeline{
		Name: PipelineName,
		Stages: []*pipeline.Stage{
			{
				Name:          Diagrams,
				Ordinal:       1,
				Summary:       "generate diagram descriptions",
				Duration:      "~1 min",
				Complete:      predicate.File(DiagramDescriptions),
				Preconditions: []gate.Precondition{python},
				Action:        script("01_generate_diagrams.py", nil),
			},
			{
				Name:     Conversations,
				Ordinal:  2,
				Summary:  "generate training conversations with an LLM provider",
				Duration: "1-3 h",
				Params:   []config.Field{config.FieldProvider, config.FieldVariantsPerPrompt, config.FieldMaxPrompts},
				Complete: predicate.CountAtLeast(ConversationGlob, target),
				Preconditions: []gate.Precondition{
					python,
					gate.Credential{Env: cfg.CredentialEnv(), Verifier: opts.Verifier},
					budget,
				},
				Action: generate,
			},
			{
				Name:          Dataset,
				Ordinal:       3,
				Summary:       "prepare the training dataset",
				Duration:      "~1 min",
				Complete:      predicate.File(TrainingSet),
				Preconditions: []gate.Precondition{python},
				Action:        script("03_prepare_dataset.py", nil),
			},
			{
				Name:     Train,
				Ordinal:  4,
				Summary:  "fine-tune LoRA adapters",
				Duration: "3-8 h",
				Params: []config.Field{
					config.FieldEpochs, config.FieldLearningRate, config.FieldBatchSize,
					config.FieldGradAccum, config.FieldLoRARank, config.FieldMaxSeqLen,
				},
				Complete:      predicate.Dir(FinalCheckpoint),
				Preconditions: []gate.Precondition{python, gate.Accelerator{Detect: opts.Detect}},
				Action:        script("04_train.py", trainArgs),
			},
			{
				Name:          Export,
				Ordinal:       5,
				Summary:       "merge adapters and export GGUF",
				Duration:      "10-30 min",
				Params:        []config.Field{config.FieldQuant},
				Complete:      predicate.All(predicate.CountAtLeast(GGUFGlob, 1), predicate.File(Modelfile)),
				Preconditions: []gate.Precondition{python},
				Action:        script("05_merge_and_export.py", exportArgs),
			},
			{
				Name:          Evaluate,
				Ordinal:       6,
				Summary:       "evaluate the exported model with ollama",
				Duration:      "10-30 min",
				Params:        []config.Field{config.FieldEvalModel},
				Complete:      predicate.CountAtLeast(EvalResultGlob, 1),
				Preconditions: []gate.Precondition{python, gate.Tool{Binary: "ollama"}},
				Action:        script("06_evaluate.py", evaluateArgs),
			},
		},
	}, nil
}

type flag struct {
	name  string
	field config.Field
}

// render turns declared params into "--name value" pairs.
func render(p config.Params, flags ...flag) ([]string, error) {
	var out []string
	for _, f := range flags {
		v, err := p.Get(f.field)
		if err != nil {
			return nil, err
		}
		out = append(out, f.name, v)
	}
	return out, nil
}

func conversationArgs(p config.Params) ([]string, error) {
	return render(p,
		flag{"--provider", config.FieldProvider},
		flag{"--count", config.FieldVariantsPerPrompt},
		flag{"--max-prompts", config.FieldMaxPrompts},
	)
}

func trainArgs(p config.Params) ([]string, error) {
	return render(p,
		flag{"--epochs", config.FieldEpochs},
		flag{"--lr", config.FieldLearningRate},
		flag{"--batch-size", config.FieldBatchSize},
		flag{"--grad-accum", config.FieldGradAccum},
		flag{"--lora-rank", config.FieldLoRARank},
		flag{"--max-seq-len", config.FieldMaxSeqLen},
	)
}

func exportArgs(p config.Params) ([]string, error) {
	return render(p, flag{"--quant", config.FieldQuant})
}

func evaluateArgs(p config.Params) ([]string, error) {
	args, err := render(p, flag{"--model", config.FieldEvalModel})
	if err != nil {
		return nil, err
	}
	return append([]string{"--backend", "ollama"}, args...), nil
}
