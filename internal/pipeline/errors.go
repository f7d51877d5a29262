package pipeline

import (
	"errors"
	"fmt"
)

// ErrUnsupportedInput marks input that can be rejected before any expensive
// stage runs: undecodable audio or a transcript with no usable words.
var ErrUnsupportedInput = errors.New("unsupported input")

// MissingResourceError reports a required file or directory that does not
// exist. Fatal for the current request; the message names the missing path.
type MissingResourceError struct {
	// Resource describes what is missing ("audio file", "acoustic model", ...).
	Resource string

	// Path is the location that was checked.
	Path string
}

func (e *MissingResourceError) Error() string {
	return fmt.Sprintf("missing %s: %s", e.Resource, e.Path)
}

// StageError wraps a failure with the pipeline stage it occurred in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
