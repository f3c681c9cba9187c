package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies why a stage failed.
type Kind string

const (
	KindPrecondition         Kind = "precondition"
	KindStageExecution       Kind = "stage_execution"
	KindArtifactVerification Kind = "artifact_verification"
	KindOperatorAbort        Kind = "operator_abort"
)

// Process exit codes. Zero covers full completion, including all-skipped runs.
const (
	ExitOK                   = 0
	ExitUsage                = 1
	ExitPrecondition         = 2
	ExitStageExecution       = 3
	ExitArtifactVerification = 4
	ExitOperatorAbort        = 5
)

// StageError is the terminal failure of a run.
type StageError struct {
	Kind    Kind
	Stage   string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("stage %s: %s: %s", e.Stage, e.Kind, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var se *StageError
	if !errors.As(err, &se) {
		return ExitUsage
	}
	switch se.Kind {
	case KindPrecondition:
		return ExitPrecondition
	case KindStageExecution:
		return ExitStageExecution
	case KindArtifactVerification:
		return ExitArtifactVerification
	case KindOperatorAbort:
		return ExitOperatorAbort
	default:
		return ExitUsage
	}
}

// IsKind reports whether err is a StageError of kind k.
func IsKind(err error, k Kind) bool {
	var se *StageError
	return errors.As(err, &se) && se.Kind == k
}
