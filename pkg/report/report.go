// Package report renders run reports and stage plans for the terminal.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/zen-systems/tunepipe/pkg/config"
	"github.com/zen-systems/tunepipe/pkg/pipeline"
	"github.com/zen-systems/tunepipe/pkg/predicate"
)

// FileName is the report document inside a run manifest directory.
const FileName = "report.json"

// Load reads a stored report from a run directory or a report.json path.
func Load(path string) (*pipeline.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		path = filepath.Join(path, FileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc pipeline.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &doc, nil
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(header)
	return table
}

// Render writes a stage table followed by the run outcome.
func Render(w io.Writer, doc pipeline.Document) {
	fmt.Fprintf(w, "Run %s (%s)\n", doc.RunID, doc.Pipeline)

	table := newTable(w, []string{"#", "Stage", "Status", "Kind", "Duration", "Details"})
	for _, res := range doc.Results {
		table.Append([]string{
			fmt.Sprintf("%d", res.Ordinal),
			res.Name,
			string(res.Status),
			string(res.Kind),
			formatDuration(res.Status, res.Duration),
			details(res),
		})
	}
	table.Render()

	fmt.Fprintf(w, "Outcome: %s (exit %d)\n", doc.Outcome, doc.ExitCode)
	if doc.Error != nil {
		fmt.Fprintf(w, "Error: %s\n", doc.Error.Message)
	}
	if log := failedLog(doc); log != "" {
		fmt.Fprintf(w, "Log: %s\n", log)
	}
}

// RenderPlan writes the stage plan without running anything.
func RenderPlan(w io.Writer, entries []pipeline.PlanEntry) {
	table := newTable(w, []string{"#", "Stage", "State", "Expected", "Completion", "Config", "Prompts"})
	for _, e := range entries {
		state := "done"
		switch {
		case e.Pending:
			state = "interrupted"
		case !e.Satisfied:
			state = "pending"
		}
		prompts := ""
		if e.Interactive {
			prompts = "yes"
		}
		table.Append([]string{
			fmt.Sprintf("%d", e.Ordinal),
			e.Name,
			state,
			e.Duration,
			e.Predicate,
			joinFields(e.Params),
			prompts,
		})
	}
	table.Render()
}

func formatDuration(status pipeline.Status, d time.Duration) string {
	if status == pipeline.StatusSkipped {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

func details(res pipeline.StageResult) string {
	if res.Status == pipeline.StatusFailed {
		return truncate(res.Message, 80)
	}
	return formatArtifacts(res.Artifacts)
}

func formatArtifacts(artifacts []predicate.Artifact) string {
	parts := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if a.Target > 0 {
			parts = append(parts, fmt.Sprintf("%s (%d/%d)", a.Path, a.Count, a.Target))
			continue
		}
		parts = append(parts, a.Path)
	}
	return strings.Join(parts, ", ")
}

func joinFields(fields []config.Field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = string(f)
	}
	return strings.Join(parts, ", ")
}

func failedLog(doc pipeline.Document) string {
	for _, res := range doc.Results {
		if res.Status == pipeline.StatusFailed && res.LogRef != "" {
			return res.LogRef
		}
	}
	return ""
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
