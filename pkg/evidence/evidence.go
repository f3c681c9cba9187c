package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/zen-systems/tunepipe/pkg/action"
	"github.com/zen-systems/tunepipe/pkg/predicate"
)

// RunRecord captures run-level metadata.
type RunRecord struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Pipeline     string            `json:"pipeline"`
	Root         string            `json:"root"`
	Config       map[string]string `json:"config"`
	ToolVersions map[string]string `json:"tool_versions,omitempty"`
}

// StageRecord captures evidence for a single stage.
type StageRecord struct {
	Name           string               `json:"name"`
	Ordinal        int                  `json:"ordinal"`
	Status         string               `json:"status"`
	Kind           string               `json:"kind,omitempty"`
	Message        string               `json:"message,omitempty"`
	Params         map[string]string    `json:"params,omitempty"`
	Artifacts      []predicate.Artifact `json:"artifacts,omitempty"`
	Diagnostics    *action.Diagnostics  `json:"diagnostics,omitempty"`
	StartedAt      time.Time            `json:"started_at"`
	DurationMillis int64                `json:"duration_ms"`
	LogRef         string               `json:"log_ref,omitempty"`
}

// Writer writes run manifests to disk.
type Writer struct {
	baseDir string
	runDir  string
	runID   string
}

// NewRunID returns a sortable, unique run identifier.
func NewRunID(clock clockwork.Clock) string {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return fmt.Sprintf("%s-%s", clock.Now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// NewWriter creates a new evidence writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	runDir := filepath.Join(baseDir, runID)
	for _, dir := range []string{runDir, filepath.Join(runDir, "stages"), filepath.Join(runDir, "logs")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	return &Writer{baseDir: baseDir, runDir: runDir, runID: runID}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// RunID returns the run identifier.
func (w *Writer) RunID() string {
	return w.runID
}

// WriteRun writes run metadata to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteStage writes a stage record to stages/<NN>-<stage>.json.
func (w *Writer) WriteStage(record StageRecord) error {
	if record.Name == "" {
		return fmt.Errorf("stage name is required")
	}
	path := filepath.Join(w.runDir, "stages", fmt.Sprintf("%02d-%s.json", record.Ordinal, record.Name))
	return writeJSON(path, record)
}

// OpenLog creates logs/<stage>.log for an action's full output and returns
// its path relative to the run directory.
func (w *Writer) OpenLog(stageName string) (*os.File, string, error) {
	if stageName == "" || strings.ContainsAny(stageName, `/\`) {
		return nil, "", fmt.Errorf("invalid stage name %q", stageName)
	}
	rel := filepath.Join("logs", stageName+".log")
	f, err := os.OpenFile(filepath.Join(w.runDir, rel), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, "", err
	}
	return f, rel, nil
}

// WriteReport writes the final report to report.json.
func (w *Writer) WriteReport(report any) error {
	return writeJSON(filepath.Join(w.runDir, "report.json"), report)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
