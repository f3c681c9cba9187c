package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/zen-systems/tunepipe/pkg/action"
	"github.com/zen-systems/tunepipe/pkg/config"
	"github.com/zen-systems/tunepipe/pkg/evidence"
	"github.com/zen-systems/tunepipe/pkg/gate"
	"github.com/zen-systems/tunepipe/pkg/metrics"
	"github.com/zen-systems/tunepipe/pkg/predicate"
)

// RunOptions configures pipeline execution.
type RunOptions struct {
	// Root is the artifact tree the completion predicates inspect.
	Root string
	// RunID defaults to the evidence writer's run ID, or a fresh one.
	RunID string

	Env      gate.Env
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Evidence *evidence.Writer
	Metrics  *metrics.Recorder

	// Stdout and Stderr receive live action output.
	Stdout io.Writer
	Stderr io.Writer
}

type runner struct {
	opts     RunOptions
	cfg      config.PipelineConfig
	fsys     fs.FS
	log      *slog.Logger
	clock    clockwork.Clock
	inflight inflight
	report   *RunReport
}

// Run executes the stages of p in order and returns the report. It never
// returns an error: the first failure halts the run and is recorded as the
// report's terminal entry.
func Run(ctx context.Context, p *Pipeline, cfg config.PipelineConfig, opts RunOptions) *RunReport {
	r := newRunner(p, cfg, opts)

	if err := r.validate(p); err != nil {
		r.log.Error("invalid pipeline", "error", err)
		return r.finish(&StageError{Kind: KindPrecondition, Message: err.Error(), Err: err})
	}

	r.writeRunRecord(p)
	r.log.Info("pipeline starting", "pipeline", p.Name, "run_id", r.report.runID, "stages", len(p.Stages), "root", opts.Root)

	for _, stage := range p.Stages {
		if serr := r.runStage(ctx, stage); serr != nil {
			return r.finish(serr)
		}
	}
	return r.finish(nil)
}

func newRunner(p *Pipeline, cfg config.PipelineConfig, opts RunOptions) *runner {
	if opts.Root == "" {
		opts.Root = "."
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Env.Logger == nil {
		opts.Env.Logger = opts.Logger
	}
	opts.Env = opts.Env.WithDefaults()
	if opts.RunID == "" && opts.Evidence != nil {
		opts.RunID = opts.Evidence.RunID()
	}
	if opts.RunID == "" {
		opts.RunID = evidence.NewRunID(opts.Clock)
	}

	name := ""
	if p != nil {
		name = p.Name
	}
	return &runner{
		opts:     opts,
		cfg:      cfg,
		fsys:     os.DirFS(opts.Root),
		log:      opts.Logger,
		clock:    opts.Clock,
		inflight: newInflight(opts.Root),
		report:   newRunReport(opts.RunID, name, opts.Clock.Now().UTC()),
	}
}

func (r *runner) validate(p *Pipeline) error {
	if p == nil {
		return fmt.Errorf("pipeline is required")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	for _, stage := range p.Stages {
		if _, err := r.cfg.Narrow(stage.Params...); err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
	}
	return nil
}

// runStage returns nil when the stage was skipped or succeeded.
func (r *runner) runStage(ctx context.Context, stage *Stage) *StageError {
	log := r.log.With("stage", stage.Name, "ordinal", stage.Ordinal)
	start := r.clock.Now().UTC()
	res := StageResult{Name: stage.Name, Ordinal: stage.Ordinal, StartedAt: start}

	fail := func(kind Kind, msg string, err error) *StageError {
		res.Status = StatusFailed
		res.Kind = kind
		res.Message = msg
		res.Duration = r.clock.Since(start)
		r.record(res)
		log.Error("stage failed", "kind", string(kind), "reason", msg)
		return &StageError{Kind: kind, Stage: stage.Name, Message: msg, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(KindOperatorAbort, "interrupted before start", err)
	}

	pending, err := r.inflight.exists(stage.Name)
	if err != nil {
		return fail(KindPrecondition, fmt.Sprintf("cannot read in-flight marker: %v", err), err)
	}

	obs, err := r.check(stage)
	if err != nil {
		return fail(KindPrecondition, fmt.Sprintf("cannot evaluate completion predicate: %v", err), err)
	}
	if obs.Satisfied && !pending {
		res.Status = StatusSkipped
		res.Message = stage.Complete.Describe()
		res.Artifacts = obs.Artifacts
		r.record(res)
		log.Info("stage skipped", "reason", stage.Complete.Describe())
		return nil
	}
	if pending {
		log.Warn("previous attempt did not complete, re-running", "marker", r.inflight.path(stage.Name))
	}

	log.Info("stage starting", "action", stage.Action.Describe(), "expected", stage.Duration, "reason", obs.Reason)

	for _, pre := range stage.Preconditions {
		err := guard(pre.Name(), func() error { return pre.Check(ctx, r.opts.Env) })
		if err != nil {
			if errors.Is(err, gate.ErrDeclined) || ctx.Err() != nil {
				return fail(KindOperatorAbort, err.Error(), err)
			}
			return fail(KindPrecondition, err.Error(), err)
		}
		log.Debug("precondition satisfied", "precondition", pre.Name())
	}

	params, err := r.cfg.Narrow(stage.Params...)
	if err != nil {
		return fail(KindPrecondition, err.Error(), err)
	}
	res.Params = params

	if err := r.inflight.mark(stage.Name, r.report.runID); err != nil {
		return fail(KindPrecondition, err.Error(), err)
	}

	inv := action.Invocation{Params: params, Stdout: r.opts.Stdout, Stderr: r.opts.Stderr}
	if r.opts.Evidence != nil {
		logFile, ref, err := r.opts.Evidence.OpenLog(stage.Name)
		if err != nil {
			log.Warn("cannot open stage log", "error", err)
		} else {
			defer logFile.Close()
			res.LogRef = ref
			inv.Stdout = multi(inv.Stdout, logFile)
			inv.Stderr = multi(inv.Stderr, logFile)
		}
	}

	var out *action.Result
	err = guard(stage.Action.Describe(), func() error {
		var runErr error
		out, runErr = stage.Action.Run(ctx, inv)
		return runErr
	})
	if out != nil {
		res.Diagnostics = out.Diagnostics
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fail(KindOperatorAbort, "interrupted during "+stage.Action.Describe(), ctxErr)
	}
	if err != nil {
		return fail(KindStageExecution, executionMessage(err, res.Diagnostics), err)
	}

	verified, err := r.check(stage)
	if err != nil {
		return fail(KindArtifactVerification, fmt.Sprintf("cannot evaluate completion predicate: %v", err), err)
	}
	if !verified.Satisfied {
		msg := fmt.Sprintf("action reported success but %s is not met: %s", stage.Complete.Describe(), verified.Reason)
		return fail(KindArtifactVerification, msg, errors.New(msg))
	}

	if err := r.inflight.clear(stage.Name); err != nil {
		log.Warn("cannot clear in-flight marker", "error", err)
	}

	res.Status = StatusSucceeded
	res.Artifacts = verified.Artifacts
	res.Duration = r.clock.Since(start)
	r.record(res)
	log.Info("stage succeeded", "duration", res.Duration.Round(time.Second).String())
	return nil
}

func (r *runner) check(stage *Stage) (predicate.Observation, error) {
	var obs predicate.Observation
	err := guard("completion predicate", func() error {
		var checkErr error
		obs, checkErr = stage.Complete.Check(r.fsys)
		return checkErr
	})
	return obs, err
}

// guard runs fn, converting a panic into an error.
func guard(what string, fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%s panicked: %v", what, v)
		}
	}()
	return fn()
}

func (r *runner) record(res StageResult) {
	r.report.record(res)
	r.opts.Metrics.ObserveStage(res.Name, string(res.Status), string(res.Kind), res.Duration)

	if r.opts.Evidence == nil {
		return
	}
	rec := evidence.StageRecord{
		Name:           res.Name,
		Ordinal:        res.Ordinal,
		Status:         string(res.Status),
		Kind:           string(res.Kind),
		Message:        res.Message,
		Params:         stringParams(res.Params),
		Artifacts:      res.Artifacts,
		Diagnostics:    res.Diagnostics,
		StartedAt:      res.StartedAt,
		DurationMillis: res.Duration.Milliseconds(),
		LogRef:         res.LogRef,
	}
	if err := r.opts.Evidence.WriteStage(rec); err != nil {
		r.log.Warn("cannot write stage record", "stage", res.Name, "error", err)
	}
}

func (r *runner) writeRunRecord(p *Pipeline) {
	if r.opts.Evidence == nil {
		return
	}
	snapshot := stringParams(r.cfg.Snapshot())
	rec := evidence.RunRecord{
		ID:           r.report.runID,
		Timestamp:    r.report.startedAt,
		Pipeline:     p.Name,
		Root:         r.opts.Root,
		Config:       snapshot,
		ToolVersions: map[string]string{"go": runtime.Version()},
	}
	if err := r.opts.Evidence.WriteRun(rec); err != nil {
		r.log.Warn("cannot write run record", "error", err)
	}
	r.report.manifest = r.opts.Evidence.RunDir()
}

func (r *runner) finish(serr *StageError) *RunReport {
	now := r.clock.Now().UTC()
	r.report.finish(now, serr)
	r.opts.Metrics.ObserveRun(string(r.report.Outcome()), now)

	if r.opts.Evidence != nil {
		if err := r.opts.Evidence.WriteReport(r.report.Document()); err != nil {
			r.log.Warn("cannot write run report", "error", err)
		}
	}

	if serr != nil {
		r.log.Error("pipeline halted", "outcome", string(r.report.Outcome()), "error", serr.Error())
	} else {
		r.log.Info("pipeline complete", "stages", len(r.report.results))
	}
	return r.report
}

func stringParams(p config.Params) map[string]string {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[string(k)] = v
	}
	return out
}

func executionMessage(err error, diag *action.Diagnostics) string {
	msg := err.Error()
	if diag == nil {
		return msg
	}
	tail := lastLines(diag.Stderr, 5)
	if tail == "" {
		tail = lastLines(diag.Stdout, 5)
	}
	if tail != "" {
		msg += ": " + tail
	}
	return msg
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, " | "))
}

func multi(a io.Writer, b io.Writer) io.Writer {
	if a == nil {
		return b
	}
	return io.MultiWriter(a, b)
}
