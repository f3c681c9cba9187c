package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/zen-systems/tunepipe/pkg/config"
	"github.com/zen-systems/tunepipe/pkg/pipeline"
	"github.com/zen-systems/tunepipe/pkg/report"
	"github.com/zen-systems/tunepipe/pkg/stages"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configFile string
	verbose    bool
)

func main() {
	// Credentials may live in a local .env; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		var serr *pipeline.StageError
		if !errors.As(err, &serr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(pipeline.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tunepipe",
		Short: "Resumable runner for the LoRA fine-tuning pipeline",
		Long: `tunepipe runs the fine-tuning pipeline stage by stage: diagram
descriptions, conversation generation, dataset preparation, training,
GGUF export and evaluation.

Each stage checks whether its artifacts already exist and is skipped when
they do, so an interrupted run resumes where it stopped.`,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ~/.tunepipe/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func stagesCmd() *cobra.Command {
	var flags pipelineFlags

	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List the pipeline stages and which would run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			flags.apply(cmd, cfg)
			if err := cfg.Pipeline.Validate(); err != nil {
				return err
			}

			p, err := stages.New(cfg.Pipeline, cfg.Workspace, stages.Options{
				Pricing: cfg.Pricing,
				Logger:  newLogger(cmd.ErrOrStderr(), verbose),
			})
			if err != nil {
				return err
			}
			entries, err := pipeline.Plan(p, cfg.Workspace.Root)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			report.RenderPlan(out, entries)
			printEstimate(out, cfg)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report RUN_DIR",
		Short: "Show a stored run report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := report.Load(args[0])
			if err != nil {
				return err
			}
			report.Render(cmd.OutOrStdout(), *doc)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tunepipe %s (%s)\n", version, runtime.Version())
		},
	}
}

func printEstimate(w io.Writer, cfg *config.Config) {
	target, _ := stages.ConversationTarget(cfg.Workspace.Root, cfg.Pipeline)
	cost, ok := cfg.Pricing.EstimateConversationCost(cfg.Pipeline.Provider, target)
	if !ok {
		return
	}
	fmt.Fprintf(w, "Conversations: %d via %s, estimated cost %.2f USD\n", target, cfg.Pipeline.Provider, cost)
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}
	return config.Load()
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
