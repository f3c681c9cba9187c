package pipeline

import (
	"github.com/zen-systems/tunepipe/pkg/action"
	"github.com/zen-systems/tunepipe/pkg/config"
	"github.com/zen-systems/tunepipe/pkg/gate"
	"github.com/zen-systems/tunepipe/pkg/predicate"
)

// Stage represents a single step in a pipeline.
type Stage struct {
	Name     string
	Ordinal  int
	Summary  string
	Duration string // expected-duration hint shown to the operator

	// Params lists the config fields the action may read.
	Params []config.Field

	Complete      predicate.Predicate
	Preconditions []gate.Precondition
	Action        action.Action
}

// Interactive reports whether any precondition may prompt the operator.
func (s *Stage) Interactive() bool {
	for _, p := range s.Preconditions {
		if gate.IsInteractive(p) {
			return true
		}
	}
	return false
}
