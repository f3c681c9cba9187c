package pipeline

import "fmt"

// Pipeline is an ordered list of stages.
type Pipeline struct {
	Name   string
	Stages []*Stage
}

// Validate checks the pipeline definition for errors.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline must define at least one stage")
	}

	seen := make(map[string]struct{})
	prev := 0
	for i, stage := range p.Stages {
		if stage == nil {
			return fmt.Errorf("stage %d is nil", i)
		}
		if stage.Name == "" {
			return fmt.Errorf("stage name is required")
		}
		if _, ok := seen[stage.Name]; ok {
			return fmt.Errorf("duplicate stage name: %s", stage.Name)
		}
		seen[stage.Name] = struct{}{}

		if stage.Ordinal <= prev {
			return fmt.Errorf("stage %s has ordinal %d, must be greater than %d", stage.Name, stage.Ordinal, prev)
		}
		prev = stage.Ordinal

		if stage.Complete == nil {
			return fmt.Errorf("stage %s must have a completion predicate", stage.Name)
		}
		if stage.Action == nil {
			return fmt.Errorf("stage %s must have an action", stage.Name)
		}
		for _, pre := range stage.Preconditions {
			if pre == nil {
				return fmt.Errorf("stage %s has a nil precondition", stage.Name)
			}
		}
	}

	return nil
}

// Stage returns the stage with the given name.
func (p *Pipeline) Stage(name string) (*Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}
