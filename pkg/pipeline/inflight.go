package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// StateDir is the directory under the artifact root holding executor state.
const StateDir = ".tunepipe"

// inflight tracks stages whose action started but was never verified. A
// marker survives crashes and interrupts, so partial output left behind is
// not mistaken for a completed stage on the next run.
type inflight struct {
	dir string
}

func newInflight(root string) inflight {
	return inflight{dir: filepath.Join(root, StateDir, "inflight")}
}

func (m inflight) path(stage string) string {
	return filepath.Join(m.dir, stage)
}

func (m inflight) exists(stage string) (bool, error) {
	_, err := os.Stat(m.path(stage))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m inflight) mark(stage, runID string) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("create in-flight marker dir: %w", err)
	}
	return os.WriteFile(m.path(stage), []byte(runID+"\n"), 0644)
}

func (m inflight) clear(stage string) error {
	err := os.Remove(m.path(stage))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
