package pipeline

import (
	"errors"
	"fmt"

	"github.com/c360studio/hexsweep/domaincfg"
)

// Sentinel errors for run context and handle operations.
var (
	ErrConfigurationInvalid = errors.New("configuration invalid")
	ErrPathNotFound         = errors.New("path not found")
	ErrInvalidTransition    = errors.New("invalid stage transition")
	ErrParametersLocked     = errors.New("parameters can only change before setup")
	ErrIndexOutOfRange      = domaincfg.ErrIndexOutOfRange
	ErrStageFailed          = errors.New("pipeline stage failed")
	ErrBinaryNotFound       = errors.New("pipeline binary not found")
)

// StageError reports a failed pipeline stage.
type StageError struct {
	Stage     Stage
	Workspace string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s in %s: %v", e.Stage, e.Workspace, e.Err)
}

// Unwrap exposes both the stage sentinel and the underlying cause.
func (e *StageError) Unwrap() []error {
	return []error{ErrStageFailed, e.Err}
}
