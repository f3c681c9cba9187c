package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/zen-systems/tunepipe/pkg/config"
	"github.com/zen-systems/tunepipe/pkg/evidence"
	"github.com/zen-systems/tunepipe/pkg/gate"
	"github.com/zen-systems/tunepipe/pkg/metrics"
	"github.com/zen-systems/tunepipe/pkg/pipeline"
	"github.com/zen-systems/tunepipe/pkg/provider"
	"github.com/zen-systems/tunepipe/pkg/report"
	"github.com/zen-systems/tunepipe/pkg/stages"
)

// pipelineFlags override config file values. A flag only applies when set
// on the command line.
type pipelineFlags struct {
	root       string
	scriptsDir string
	python     string

	provider          string
	variantsPerPrompt int
	maxPrompts        int
	epochs            int
	loraRank          int
	learningRate      float64
	batchSize         int
	gradAccum         int
	maxSeqLen         int
	quant             string
	evalModel         string
	maxBudgetUSD      float64
}

func (f *pipelineFlags) register(cmd *cobra.Command) {
	d := config.DefaultPipelineConfig()
	ws := config.DefaultWorkspace()

	flags := cmd.Flags()
	flags.StringVar(&f.root, "root", ws.Root, "workspace root holding data/ and output/")
	flags.StringVar(&f.scriptsDir, "scripts-dir", ws.ScriptsDir, "directory containing the stage scripts")
	flags.StringVar(&f.python, "python", ws.Python, "python interpreter used to run stage scripts")

	flags.StringVar(&f.provider, "provider", d.Provider, "conversation generation provider (anthropic, openai)")
	flags.IntVar(&f.variantsPerPrompt, "variants-per-prompt", d.VariantsPerPrompt, "conversation variants per prompt")
	flags.IntVar(&f.maxPrompts, "max-prompts", d.MaxPrompts, "number of prompts to generate conversations for")
	flags.IntVar(&f.epochs, "epochs", d.Epochs, "training epochs")
	flags.IntVar(&f.loraRank, "lora-rank", d.LoRARank, "LoRA rank")
	flags.Float64Var(&f.learningRate, "lr", d.LearningRate, "learning rate")
	flags.IntVar(&f.batchSize, "batch-size", d.BatchSize, "per-device batch size")
	flags.IntVar(&f.gradAccum, "grad-accum", d.GradAccum, "gradient accumulation steps")
	flags.IntVar(&f.maxSeqLen, "max-seq-len", d.MaxSeqLen, "maximum sequence length")
	flags.StringVar(&f.quant, "quant", d.Quant, "GGUF quantization method")
	flags.StringVar(&f.evalModel, "eval-model", d.EvalModel, "ollama model name to evaluate")
	flags.Float64Var(&f.maxBudgetUSD, "max-budget-usd", d.MaxBudgetUSD, "maximum estimated API spend in USD (0 disables)")
}

func (f *pipelineFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("root") {
		cfg.Workspace.Root = f.root
	}
	if changed("scripts-dir") {
		cfg.Workspace.ScriptsDir = f.scriptsDir
	}
	if changed("python") {
		cfg.Workspace.Python = f.python
	}

	p := &cfg.Pipeline
	if changed("provider") {
		p.Provider = f.provider
	}
	if changed("variants-per-prompt") {
		p.VariantsPerPrompt = f.variantsPerPrompt
	}
	if changed("max-prompts") {
		p.MaxPrompts = f.maxPrompts
	}
	if changed("epochs") {
		p.Epochs = f.epochs
	}
	if changed("lora-rank") {
		p.LoRARank = f.loraRank
	}
	if changed("lr") {
		p.LearningRate = f.learningRate
	}
	if changed("batch-size") {
		p.BatchSize = f.batchSize
	}
	if changed("grad-accum") {
		p.GradAccum = f.gradAccum
	}
	if changed("max-seq-len") {
		p.MaxSeqLen = f.maxSeqLen
	}
	if changed("quant") {
		p.Quant = f.quant
	}
	if changed("eval-model") {
		p.EvalModel = f.evalModel
	}
	if changed("max-budget-usd") {
		p.MaxBudgetUSD = f.maxBudgetUSD
	}
}

func runCmd() *cobra.Command {
	var flags pipelineFlags
	var runsDir string
	var noManifest bool
	var metricsFile string
	var verifyCredentials bool
	var yes bool
	var nonInteractive bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline, skipping stages whose artifacts exist",
		Long: `Runs every stage in order. A stage whose completion check already
passes is skipped; otherwise its preconditions are checked, its script runs,
and its artifacts are verified before the next stage starts. The first
failure stops the run.

Exit codes: 0 success, 1 usage error, 2 precondition failed, 3 stage script
failed, 4 artifact verification failed, 5 aborted by the operator.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes && nonInteractive {
				return fmt.Errorf("--yes and --non-interactive are mutually exclusive")
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			flags.apply(cmd, cfg)
			if cmd.Flags().Changed("runs-dir") {
				cfg.Workspace.RunsDir = runsDir
			}
			if err := cfg.Pipeline.Validate(); err != nil {
				return err
			}

			log := newLogger(cmd.ErrOrStderr(), verbose)

			var verifier gate.Verifier
			if verifyCredentials {
				lister, err := provider.ForProvider(cfg.Pipeline.Provider)
				if err != nil {
					return err
				}
				verifier = provider.NewVerifier(lister, provider.WithLogger(log))
			}

			p, err := stages.New(cfg.Pipeline, cfg.Workspace, stages.Options{
				Pricing:  cfg.Pricing,
				Verifier: verifier,
				Logger:   log,
			})
			if err != nil {
				return err
			}

			clock := clockwork.NewRealClock()
			runID := evidence.NewRunID(clock)

			var writer *evidence.Writer
			if !noManifest {
				dir := cfg.Workspace.RunsDir
				if dir == "" {
					dir = filepath.Join(cfg.Workspace.Root, pipeline.StateDir, "runs")
				}
				writer, err = evidence.NewWriter(dir, runID)
				if err != nil {
					return fmt.Errorf("failed to create run manifest: %w", err)
				}
			}

			var recorder *metrics.Recorder
			if metricsFile != "" {
				recorder = metrics.NewRecorder()
			}

			env := gate.Env{
				Decider: decider(yes, nonInteractive, cmd),
				Logger:  log,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result := pipeline.Run(ctx, p, cfg.Pipeline, pipeline.RunOptions{
				Root:     cfg.Workspace.Root,
				RunID:    runID,
				Env:      env,
				Logger:   log,
				Clock:    clock,
				Evidence: writer,
				Metrics:  recorder,
				Stdout:   cmd.OutOrStdout(),
				Stderr:   cmd.ErrOrStderr(),
			})

			if recorder != nil {
				if err := recorder.WriteTextfile(metricsFile); err != nil {
					log.Warn("failed to write metrics textfile", "path", metricsFile, "error", err)
				}
			}

			out := cmd.OutOrStdout()
			report.Render(out, result.Document())
			if dir := result.ManifestDir(); dir != "" {
				fmt.Fprintf(out, "Manifest: %s\n", dir)
			}
			return result.Err()
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&runsDir, "runs-dir", "", "run manifest directory (default <root>/.tunepipe/runs)")
	cmd.Flags().BoolVar(&noManifest, "no-manifest", false, "do not write a run manifest")
	cmd.Flags().StringVar(&metricsFile, "metrics-textfile", "", "write Prometheus metrics to this file after the run")
	cmd.Flags().BoolVar(&verifyCredentials, "verify-credentials", false, "check the provider API key before generating conversations")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "continue without a GPU instead of asking")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "never prompt; decline anything that would ask")

	return cmd
}

func decider(yes, nonInteractive bool, cmd *cobra.Command) gate.Decider {
	switch {
	case yes:
		return gate.Always(true)
	case nonInteractive:
		return gate.Always(false)
	default:
		return gate.Console(cmd.InOrStdin(), cmd.ErrOrStderr())
	}
}
