package pipeline

import (
	"encoding/json"
	"time"

	"github.com/zen-systems/tunepipe/pkg/action"
	"github.com/zen-systems/tunepipe/pkg/config"
	"github.com/zen-systems/tunepipe/pkg/predicate"
)

// Status is the outcome of one stage.
type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Outcome is the overall result of a run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// StageResult captures execution results for a stage.
type StageResult struct {
	Name        string               `json:"name"`
	Ordinal     int                  `json:"ordinal"`
	Status      Status               `json:"status"`
	Kind        Kind                 `json:"kind,omitempty"`
	Message     string               `json:"message,omitempty"`
	Params      config.Params        `json:"params,omitempty"`
	Artifacts   []predicate.Artifact `json:"artifacts,omitempty"`
	Diagnostics *action.Diagnostics  `json:"diagnostics,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	Duration    time.Duration        `json:"duration"`
	LogRef      string               `json:"log_ref,omitempty"`
}

// RunReport is the append-only record of one pipeline invocation.
type RunReport struct {
	runID      string
	pipeline   string
	startedAt  time.Time
	finishedAt time.Time
	results    []StageResult
	err        *StageError
	done       bool
	manifest   string
}

func newRunReport(runID, pipeline string, started time.Time) *RunReport {
	return &RunReport{runID: runID, pipeline: pipeline, startedAt: started}
}

// record appends a result. Once the report is finished it is frozen.
func (r *RunReport) record(res StageResult) {
	if r.done {
		return
	}
	res.Artifacts = append([]predicate.Artifact(nil), res.Artifacts...)
	r.results = append(r.results, res)
}

func (r *RunReport) finish(at time.Time, err *StageError) {
	if r.done {
		return
	}
	r.finishedAt = at
	r.err = err
	r.done = true
}

// RunID returns the run identifier.
func (r *RunReport) RunID() string { return r.runID }

// ManifestDir returns the run manifest directory, or "" if none was written.
func (r *RunReport) ManifestDir() string { return r.manifest }

// Results returns a copy of the recorded stage results in execution order.
func (r *RunReport) Results() []StageResult {
	out := make([]StageResult, len(r.results))
	for i, res := range r.results {
		res.Artifacts = append([]predicate.Artifact(nil), res.Artifacts...)
		out[i] = res
	}
	return out
}

// Result returns the result recorded for a stage, if any.
func (r *RunReport) Result(name string) (StageResult, bool) {
	for _, res := range r.Results() {
		if res.Name == name {
			return res, true
		}
	}
	return StageResult{}, false
}

// Err returns the terminal failure, or nil when every stage succeeded or was skipped.
func (r *RunReport) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

// Outcome summarizes the run.
func (r *RunReport) Outcome() Outcome {
	switch {
	case r.err == nil:
		return OutcomeSucceeded
	case r.err.Kind == KindOperatorAbort:
		return OutcomeAborted
	default:
		return OutcomeFailed
	}
}

// ExitCode returns the process exit code for the run.
func (r *RunReport) ExitCode() int {
	return ExitCode(r.Err())
}

// Manifest lists the artifacts of every skipped or succeeded stage, in stage order.
func (r *RunReport) Manifest() []predicate.Artifact {
	var out []predicate.Artifact
	for _, res := range r.results {
		if res.Status == StatusFailed {
			continue
		}
		out = append(out, res.Artifacts...)
	}
	return out
}

// Document is the serialized form of a RunReport.
type Document struct {
	RunID      string               `json:"run_id"`
	Pipeline   string               `json:"pipeline"`
	Outcome    Outcome              `json:"outcome"`
	ExitCode   int                  `json:"exit_code"`
	Error      *ErrorDocument       `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Results    []StageResult        `json:"results"`
	Manifest   []predicate.Artifact `json:"manifest,omitempty"`
}

// ErrorDocument is the serialized terminal failure.
type ErrorDocument struct {
	Kind    Kind   `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// Document returns a snapshot suitable for JSON encoding.
func (r *RunReport) Document() Document {
	doc := Document{
		RunID:      r.runID,
		Pipeline:   r.pipeline,
		Outcome:    r.Outcome(),
		ExitCode:   r.ExitCode(),
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Results:    r.Results(),
		Manifest:   r.Manifest(),
	}
	if r.err != nil {
		doc.Error = &ErrorDocument{Kind: r.err.Kind, Stage: r.err.Stage, Message: r.err.Message}
	}
	return doc
}

// MarshalJSON encodes the report document.
func (r *RunReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Document())
}
