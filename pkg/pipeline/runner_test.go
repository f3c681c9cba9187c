package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/tunepipe/pkg/action"
	"github.com/zen-systems/tunepipe/pkg/config"
	"github.com/zen-systems/tunepipe/pkg/evidence"
	"github.com/zen-systems/tunepipe/pkg/gate"
	"github.com/zen-systems/tunepipe/pkg/predicate"
)

// writeFile returns an action that creates root/name and counts its calls.
func writeFile(root, name string, calls *int) action.Action {
	return action.Func{Name: "write " + name, Fn: func(context.Context, action.Invocation) error {
		*calls++
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte("ok\n"), 0644)
	}}
}

func threeStages(root string, calls []int) *Pipeline {
	return &Pipeline{
		Name: "test",
		Stages: []*Stage{
			{Name: "a", Ordinal: 1, Complete: predicate.File("out/a.txt"), Action: writeFile(root, "out/a.txt", &calls[0])},
			{Name: "b", Ordinal: 2, Complete: predicate.File("out/b.txt"), Action: writeFile(root, "out/b.txt", &calls[1])},
			{Name: "c", Ordinal: 3, Complete: predicate.File("out/c.txt"), Action: writeFile(root, "out/c.txt", &calls[2])},
		},
	}
}

func testOptions(root string) RunOptions {
	return RunOptions{
		Root:  root,
		Clock: clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		Env:   gate.Env{Getenv: func(string) string { return "" }},
	}
}

func statuses(report *RunReport) []Status {
	var out []Status
	for _, res := range report.Results() {
		out = append(out, res.Status)
	}
	return out
}

func TestRunExecutesAllStages(t *testing.T) {
	root := t.TempDir()
	calls := make([]int, 3)

	report := Run(context.Background(), threeStages(root, calls), config.DefaultPipelineConfig(), testOptions(root))

	require.NoError(t, report.Err())
	require.Equal(t, OutcomeSucceeded, report.Outcome())
	require.Equal(t, ExitOK, report.ExitCode())
	require.Equal(t, []Status{StatusSucceeded, StatusSucceeded, StatusSucceeded}, statuses(report))
	require.Equal(t, []int{1, 1, 1}, calls)
}

func TestRunIsIdempotent(t *testing.T) {
	root := t.TempDir()
	calls := make([]int, 3)
	p := threeStages(root, calls)

	first := Run(context.Background(), p, config.DefaultPipelineConfig(), testOptions(root))
	require.NoError(t, first.Err())

	second := Run(context.Background(), p, config.DefaultPipelineConfig(), testOptions(root))
	require.NoError(t, second.Err())
	require.Equal(t, []Status{StatusSkipped, StatusSkipped, StatusSkipped}, statuses(second))
	require.Equal(t, []int{1, 1, 1}, calls, "no stage re-executes")
	require.Equal(t, ExitOK, second.ExitCode())

	if diff := cmp.Diff(first.Manifest(), second.Manifest()); diff != "" {
		t.Fatalf("manifest changed between runs (-first +second):\n%s", diff)
	}
}

func TestRunRecordsEachResultBeforeNextStageStarts(t *testing.T) {
	root := t.TempDir()
	writer, err := evidence.NewWriter(filepath.Join(root, "runs"), "run-1")
	require.NoError(t, err)

	var order []string
	stageAction := func(name string, previous string) action.Action {
		return action.Func{Name: name, Fn: func(context.Context, action.Invocation) error {
			if previous != "" {
				matches, err := filepath.Glob(filepath.Join(writer.RunDir(), "stages", "*-"+previous+".json"))
				if err != nil || len(matches) != 1 {
					return errors.New("previous stage result not recorded")
				}
			}
			order = append(order, name)
			return os.WriteFile(filepath.Join(root, name), []byte("x"), 0644)
		}}
	}

	p := &Pipeline{Name: "order", Stages: []*Stage{
		{Name: "first", Ordinal: 1, Complete: predicate.File("first"), Action: stageAction("first", "")},
		{Name: "second", Ordinal: 2, Complete: predicate.File("second"), Action: stageAction("second", "first")},
		{Name: "third", Ordinal: 5, Complete: predicate.File("third"), Action: stageAction("third", "second")},
	}}

	opts := testOptions(root)
	opts.Evidence = writer
	report := Run(context.Background(), p, config.DefaultPipelineConfig(), opts)

	require.NoError(t, report.Err())
	require.Equal(t, []string{"first", "second", "third"}, order)
	require.Equal(t, "run-1", report.RunID())
	require.Equal(t, writer.RunDir(), report.ManifestDir())
}

func TestRunPreconditionHaltsDownstream(t *testing.T) {
	root := t.TempDir()
	calls := make([]int, 3)
	p := threeStages(root, calls)
	p.Stages[1].Preconditions = []gate.Precondition{gate.Credential{Env: "ANTHROPIC_API_KEY"}}

	report := Run(context.Background(), p, config.DefaultPipelineConfig(), testOptions(root))

	require.Error(t, report.Err())
	require.True(t, IsKind(report.Err(), KindPrecondition))
	require.Equal(t, ExitPrecondition, report.ExitCode())
	require.Equal(t, []Status{StatusSucceeded, StatusFailed}, statuses(report))
	require.Equal(t, []int{1, 0, 0}, calls)

	_, ok := report.Result("c")
	require.False(t, ok, "stages after the failure record nothing")

	failed, _ := report.Result("b")
	require.Contains(t, failed.Message, "ANTHROPIC_API_KEY")
}

func TestRunPreconditionsOnlyCheckedWhenStageRuns(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "out"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "out", "b.txt"), []byte("done"), 0644))

	calls := make([]int, 3)
	p := threeStages(root, calls)
	p.Stages[1].Preconditions = []gate.Precondition{gate.Credential{Env: "ANTHROPIC_API_KEY"}}

	report := Run(context.Background(), p, config.DefaultPipelineConfig(), testOptions(root))

	require.NoError(t, report.Err())
	require.Equal(t, []Status{StatusSucceeded, StatusSkipped, StatusSucceeded}, statuses(report))
}

func TestRunVerificationCatchesSilentFailure(t *testing.T) {
	root := t.TempDir()
	liar := action.Func{Name: "liar", Fn: func(context.Context, action.Invocation) error { return nil }}
	p := &Pipeline{Name: "verify", Stages: []*Stage{
		{Name: "dataset", Ordinal: 1, Complete: predicate.File("data/train.jsonl"), Action: liar},
	}}

	report := Run(context.Background(), p, config.DefaultPipelineConfig(), testOptions(root))

	require.True(t, IsKind(report.Err(), KindArtifactVerification))
	require.Equal(t, ExitArtifactVerification, report.ExitCode())
	res, ok := report.Result("dataset")
	require.True(t, ok)
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, KindArtifactVerification, res.Kind)
	require.Contains(t, res.Message, "data/train.jsonl")
}

func TestRunOperatorDeclineAborts(t *testing.T) {
	root := t.TempDir()
	trainCalls := 0
	p := &Pipeline{Name: "train", Stages: []*Stage{
		{
			Name:     "train",
			Ordinal:  4,
			Complete: predicate.Dir("output/checkpoints/final"),
			Preconditions: []gate.Precondition{gate.Accelerator{
				Detect: func(context.Context, gate.Env) (bool, string) { return false, "nvidia-smi not found" },
			}},
			Action: writeFile(root, "output/checkpoints/final/adapter.bin", &trainCalls),
		},
	}}

	opts := testOptions(root)
	opts.Env.Decider = gate.Always(false)
	report := Run(context.Background(), p, config.DefaultPipelineConfig(), opts)

	require.True(t, IsKind(report.Err(), KindOperatorAbort))
	require.Equal(t, OutcomeAborted, report.Outcome())
	require.Equal(t, ExitOperatorAbort, report.ExitCode())
	require.Zero(t, trainCalls)
	_, err := os.Stat(filepath.Join(root, "output"))
	require.True(t, os.IsNotExist(err), "no training artifacts written")
	require.True(t, p.Stages[0].Interactive())
}

func TestRunOperatorConfirmProceeds(t *testing.T) {
	root := t.TempDir()
	trainCalls := 0
	p := &Pipeline{Name: "train", Stages: []*Stage{
		{
			Name:     "train",
			Ordinal:  1,
			Complete: predicate.Dir("output/checkpoints/final"),
			Preconditions: []gate.Precondition{gate.Accelerator{
				Detect: func(context.Context, gate.Env) (bool, string) { return false, "none" },
			}},
			Action: writeFile(root, "output/checkpoints/final/adapter.bin", &trainCalls),
		},
	}}

	opts := testOptions(root)
	opts.Env.Decider = gate.Always(true)
	report := Run(context.Background(), p, config.DefaultPipelineConfig(), opts)

	require.NoError(t, report.Err())
	require.Equal(t, 1, trainCalls)
}

func TestRunExecutionFailureKeepsMarker(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	root := t.TempDir()
	failing := &action.Command{
		Exec:    "sh",
		Base:    []string{"-c", "mkdir -p out && echo partial > out/a.txt && echo 'CUDA out of memory' 1>&2 && exit 1"},
		Workdir: root,
	}
	p := &Pipeline{Name: "exec", Stages: []*Stage{
		{Name: "a", Ordinal: 1, Complete: predicate.File("out/a.txt"), Action: failing},
	}}

	report := Run(context.Background(), p, config.DefaultPipelineConfig(), testOptions(root))

	require.True(t, IsKind(report.Err(), KindStageExecution))
	require.Equal(t, ExitStageExecution, report.ExitCode())
	res, _ := report.Result("a")
	require.Contains(t, res.Message, "CUDA out of memory")
	require.NotNil(t, res.Diagnostics)
	require.Equal(t, 1, res.Diagnostics.ExitCode)

	// The partial file satisfies the predicate, but the marker forces a re-run.
	calls := 0
	p.Stages[0].Action = writeFile(root, "out/a.txt", &calls)
	rerun := Run(context.Background(), p, config.DefaultPipelineConfig(), testOptions(root))
	require.NoError(t, rerun.Err())
	require.Equal(t, 1, calls)
	require.Equal(t, []Status{StatusSucceeded}, statuses(rerun))

	_, err := os.Stat(filepath.Join(root, StateDir, "inflight", "a"))
	require.True(t, os.IsNotExist(err), "marker cleared after verified success")
}

func TestRunInterruptRecordsAbort(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	blocking := action.Func{Name: "train", Fn: func(ctx context.Context, _ action.Invocation) error {
		if err := os.WriteFile(filepath.Join(root, "partial"), []byte("x"), 0644); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	laterCalls := 0
	p := &Pipeline{Name: "interrupt", Stages: []*Stage{
		{Name: "train", Ordinal: 1, Complete: predicate.File("partial"), Action: blocking},
		{Name: "export", Ordinal: 2, Complete: predicate.File("export"), Action: writeFile(root, "export", &laterCalls)},
	}}

	go func() {
		<-started
		cancel()
	}()
	report := Run(ctx, p, config.DefaultPipelineConfig(), testOptions(root))

	require.True(t, IsKind(report.Err(), KindOperatorAbort))
	require.Equal(t, []Status{StatusFailed}, statuses(report))
	require.Zero(t, laterCalls)

	pending, err := newInflight(root).exists("train")
	require.NoError(t, err)
	require.True(t, pending, "interrupted stage stays in flight")
}

func TestRunNarrowsParams(t *testing.T) {
	root := t.TempDir()
	var seen config.Params
	export := action.Func{Name: "export", Fn: func(_ context.Context, inv action.Invocation) error {
		seen = inv.Params
		return os.WriteFile(filepath.Join(root, "Modelfile"), []byte("FROM x"), 0644)
	}}
	p := &Pipeline{Name: "narrow", Stages: []*Stage{
		{Name: "export", Ordinal: 1, Params: []config.Field{config.FieldQuant}, Complete: predicate.File("Modelfile"), Action: export},
	}}

	cfg := config.DefaultPipelineConfig()
	cfg.Quant = "q8_0"
	report := Run(context.Background(), p, cfg, testOptions(root))

	require.NoError(t, report.Err())
	require.Equal(t, config.Params{config.FieldQuant: "q8_0"}, seen)
}

func TestRunInvalidPipeline(t *testing.T) {
	root := t.TempDir()

	report := Run(context.Background(), &Pipeline{Name: "empty"}, config.DefaultPipelineConfig(), testOptions(root))
	require.True(t, IsKind(report.Err(), KindPrecondition))
	require.Empty(t, report.Results())

	calls := 0
	p := &Pipeline{Name: "bad-field", Stages: []*Stage{
		{Name: "x", Ordinal: 1, Params: []config.Field{"gpu_count"}, Complete: predicate.File("x"), Action: writeFile(root, "x", &calls)},
	}}
	report = Run(context.Background(), p, config.DefaultPipelineConfig(), testOptions(root))
	require.True(t, IsKind(report.Err(), KindPrecondition))
	require.Zero(t, calls)

	report = Run(context.Background(), nil, config.DefaultPipelineConfig(), testOptions(root))
	require.Error(t, report.Err())
}

func TestRunWritesReportDocument(t *testing.T) {
	root := t.TempDir()
	writer, err := evidence.NewWriter(filepath.Join(root, StateDir, "runs"), "run-doc")
	require.NoError(t, err)

	calls := make([]int, 3)
	opts := testOptions(root)
	opts.Evidence = writer
	report := Run(context.Background(), threeStages(root, calls), config.DefaultPipelineConfig(), opts)
	require.NoError(t, report.Err())

	data, err := os.ReadFile(filepath.Join(writer.RunDir(), "report.json"))
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, "run-doc", doc.RunID)
	require.Equal(t, OutcomeSucceeded, doc.Outcome)
	require.Len(t, doc.Results, 3)
	require.Equal(t, filepath.Join("logs", "a.log"), doc.Results[0].LogRef)
	require.Len(t, doc.Manifest, 3)

	run, err := os.ReadFile(filepath.Join(writer.RunDir(), "run.json"))
	require.NoError(t, err)
	require.Contains(t, string(run), `"quant": "q4_k_m"`)
}

func TestReportResultsAreCopies(t *testing.T) {
	report := newRunReport("r", "p", time.Now())
	report.record(StageResult{Name: "a", Status: StatusSucceeded, Artifacts: []predicate.Artifact{{Path: "x", Count: 1}}})

	results := report.Results()
	results[0].Status = StatusFailed
	results[0].Artifacts[0].Count = 99

	again := report.Results()
	require.Equal(t, StatusSucceeded, again[0].Status)
	require.Equal(t, 1, again[0].Artifacts[0].Count)

	report.finish(time.Now(), nil)
	report.record(StageResult{Name: "late"})
	require.Len(t, report.Results(), 1, "finished reports are frozen")
}

func TestRunActionPanicRecordsFailure(t *testing.T) {
	root := t.TempDir()
	writer, err := evidence.NewWriter(filepath.Join(root, "runs"), "run-panic")
	require.NoError(t, err)

	laterCalls := 0
	p := &Pipeline{Name: "panic", Stages: []*Stage{
		{Name: "train", Ordinal: 1, Complete: predicate.File("model.bin"), Action: action.Func{
			Name: "train",
			Fn:   func(context.Context, action.Invocation) error { panic("tool adapter bug") },
		}},
		{Name: "unset", Ordinal: 2, Complete: predicate.File("unset"), Action: action.Func{Name: "unset"}},
		{Name: "export", Ordinal: 3, Complete: predicate.File("export"), Action: writeFile(root, "export", &laterCalls)},
	}}

	opts := testOptions(root)
	opts.Evidence = writer
	var report *RunReport
	require.NotPanics(t, func() {
		report = Run(context.Background(), p, config.DefaultPipelineConfig(), opts)
	})

	require.True(t, IsKind(report.Err(), KindStageExecution))
	require.Equal(t, ExitStageExecution, report.ExitCode())
	res, ok := report.Result("train")
	require.True(t, ok)
	require.Equal(t, StatusFailed, res.Status)
	require.Contains(t, res.Message, "tool adapter bug")
	require.Zero(t, laterCalls)

	pending, err := newInflight(root).exists("train")
	require.NoError(t, err)
	require.True(t, pending, "panicked stage stays in flight")

	_, err = os.Stat(filepath.Join(writer.RunDir(), "report.json"))
	require.NoError(t, err, "report written despite the panic")

	// An action with no function panics on a nil call and is recorded the same way.
	require.NoError(t, os.WriteFile(filepath.Join(root, "model.bin"), []byte("w"), 0644))
	require.NoError(t, newInflight(root).clear("train"))
	report = Run(context.Background(), p, config.DefaultPipelineConfig(), testOptions(root))
	require.True(t, IsKind(report.Err(), KindStageExecution))
	failed, _ := report.Result("unset")
	require.Contains(t, failed.Message, "panicked")
}

type panickingPredicate struct{}

func (panickingPredicate) Check(fs.FS) (predicate.Observation, error) { panic("bad glob state") }
func (panickingPredicate) Describe() string                           { return "panics" }

func TestRunPredicatePanicRecordsFailure(t *testing.T) {
	root := t.TempDir()
	calls := 0
	p := &Pipeline{Name: "panic", Stages: []*Stage{
		{Name: "a", Ordinal: 1, Complete: panickingPredicate{}, Action: writeFile(root, "a", &calls)},
	}}

	report := Run(context.Background(), p, config.DefaultPipelineConfig(), testOptions(root))

	require.True(t, IsKind(report.Err(), KindPrecondition))
	res, _ := report.Result("a")
	require.Contains(t, res.Message, "bad glob state")
	require.Zero(t, calls)
}
