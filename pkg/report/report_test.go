package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/tunepipe/pkg/config"
	"github.com/zen-systems/tunepipe/pkg/pipeline"
	"github.com/zen-systems/tunepipe/pkg/predicate"
)

func sampleDocument() pipeline.Document {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return pipeline.Document{
		RunID:      "20260301T120000Z-abcd1234",
		Pipeline:   "sysdesign-finetune",
		Outcome:    pipeline.OutcomeFailed,
		ExitCode:   pipeline.ExitStageExecution,
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Hour),
		Error: &pipeline.ErrorDocument{
			Kind:    pipeline.KindStageExecution,
			Stage:   "train",
			Message: "python3 exited with status 1: CUDA out of memory",
		},
		Results: []pipeline.StageResult{
			{
				Name: "conversations", Ordinal: 2, Status: pipeline.StatusSkipped, StartedAt: started,
				Artifacts: []predicate.Artifact{{Path: "data/raw/conversations/*.json", Count: 1000, Target: 1000}},
			},
			{
				Name: "dataset", Ordinal: 3, Status: pipeline.StatusSucceeded, StartedAt: started,
				Duration:  42 * time.Second,
				Artifacts: []predicate.Artifact{{Path: "data/train.jsonl", Count: 1}},
			},
			{
				Name: "train", Ordinal: 4, Status: pipeline.StatusFailed, Kind: pipeline.KindStageExecution,
				Message: "python3 exited with status 1: CUDA out of memory", StartedAt: started,
				Duration: 90 * time.Minute, LogRef: "logs/train.log",
			},
		},
	}
}

func TestLoadFromRunDir(t *testing.T) {
	dir := t.TempDir()
	doc := sampleDocument()
	data, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), data, 0644))

	loaded, err := Load(dir)
	require.NoError(t, err)
	if diff := cmp.Diff(doc, *loaded); diff != "" {
		t.Fatalf("loaded report mismatch (-want +got):\n%s", diff)
	}

	direct, err := Load(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, doc.RunID, direct.RunID)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0644))
	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	Render(&buf, sampleDocument())
	out := buf.String()

	assert.Contains(t, out, "Run 20260301T120000Z-abcd1234 (sysdesign-finetune)")
	assert.Contains(t, out, "data/raw/conversations/*.json (1000/1000)")
	assert.Contains(t, out, "42s")
	assert.Contains(t, out, "1h30m0s")
	assert.Contains(t, out, "CUDA out of memory")
	assert.Contains(t, out, "Outcome: failed (exit 3)")
	assert.Contains(t, out, "Log: logs/train.log")

	// Stages appear in execution order.
	assert.Less(t, strings.Index(out, "conversations"), strings.Index(out, "dataset"))
	assert.Less(t, strings.Index(out, "dataset"), strings.Index(out, "| train"))
}

func TestRenderPlan(t *testing.T) {
	var buf bytes.Buffer
	RenderPlan(&buf, []pipeline.PlanEntry{
		{Name: "diagrams", Ordinal: 1, Duration: "~1 min", Predicate: "data/raw/diagram_descriptions.jsonl is a non-empty file", Satisfied: true},
		{Name: "train", Ordinal: 4, Duration: "3-8 h", Predicate: "output/checkpoints/final is a non-empty directory",
			Params: []config.Field{config.FieldEpochs, config.FieldLoRARank}, Interactive: true, Satisfied: true, Pending: true},
		{Name: "export", Ordinal: 5, Duration: "10-30 min", Predicate: "output/gguf/Modelfile"},
	})
	out := buf.String()

	assert.Contains(t, out, "done")
	assert.Contains(t, out, "interrupted")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "epochs, lora_rank")
	assert.Contains(t, out, "yes")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))

	cut := truncate("Größe überschritten", 6)
	assert.True(t, utf8.ValidString(cut))
	assert.Equal(t, "Grö...", cut)
	assert.Equal(t, "ÄÖÜ", truncate("ÄÖÜ", 3))
}
