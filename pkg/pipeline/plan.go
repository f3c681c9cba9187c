package pipeline

import (
	"os"

	"github.com/zen-systems/tunepipe/pkg/config"
)

// PlanEntry describes a stage and the current state of its artifacts.
type PlanEntry struct {
	Name        string
	Ordinal     int
	Summary     string
	Duration    string
	Predicate   string
	Params      []config.Field
	Interactive bool
	Satisfied   bool
	// Pending means a previous attempt was interrupted; the stage will re-run.
	Pending bool
	Reason  string
}

// WillRun reports whether a run would execute the stage's action.
func (e PlanEntry) WillRun() bool {
	return !e.Satisfied || e.Pending
}

// Plan evaluates every completion predicate under root without running anything.
func Plan(p *Pipeline, root string) ([]PlanEntry, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	fsys := os.DirFS(root)
	markers := newInflight(root)

	entries := make([]PlanEntry, 0, len(p.Stages))
	for _, s := range p.Stages {
		obs, err := s.Complete.Check(fsys)
		if err != nil {
			return nil, err
		}
		pending, err := markers.exists(s.Name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, PlanEntry{
			Name:        s.Name,
			Ordinal:     s.Ordinal,
			Summary:     s.Summary,
			Duration:    s.Duration,
			Predicate:   s.Complete.Describe(),
			Params:      append([]config.Field(nil), s.Params...),
			Interactive: s.Interactive(),
			Satisfied:   obs.Satisfied,
			Pending:     pending,
			Reason:      obs.Reason,
		})
	}
	return entries, nil
}
