package pipeline

import (
	"errors"
	"fmt"

	"github.com/promptforge/promptforge/pkg/models"
)

// ErrManualAbort short-circuits an auto run when the user requests a stop.
// It is reported as an intentional stop, never as a system failure.
var ErrManualAbort = errors.New("run stopped by user")

// ValidationError means a precondition was not met: empty input, missing
// config, unresolvable stage reference. No network call was attempted.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// GenerationRejectedError means the collaborator responded but the payload
// failed the stage's acceptance criteria. The user must re-trigger; there is
// no automatic retry.
type GenerationRejectedError struct {
	Stage  models.PipelineStage
	Reason string
}

func (e *GenerationRejectedError) Error() string {
	return fmt.Sprintf("%s generation rejected: %s", e.Stage, e.Reason)
}

// TransportError wraps a network or timeout failure from a collaborator.
type TransportError struct {
	Stage models.PipelineStage
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s stage call failed: %v", e.Stage, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
