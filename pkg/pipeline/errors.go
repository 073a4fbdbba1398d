package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why a run failed
type ErrorKind string

const (
	InputLoadFailure     ErrorKind = "InputLoadFailure"
	DetectionFailure     ErrorKind = "DetectionFailure"
	AnnotationFailure    ErrorKind = "AnnotationFailure"
	SummarizationFailure ErrorKind = "SummarizationFailure"
	Timeout              ErrorKind = "Timeout"
)

// ErrTimeout is wrapped by every StageError of kind Timeout
var ErrTimeout = errors.New("deadline exceeded")

// StageError is the terminal error of a failed run
type StageError struct {
	Stage State
	Kind  ErrorKind
	// Index is the position of the failing detection in detector output, or -1
	Index int
	Err   error
}

func (e *StageError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s failed (%s) on detection %d: %v", e.Stage, e.Kind, e.Index, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageError builds a StageError, turning deadline errors into Timeout
func stageError(stage State, kind ErrorKind, index int, err error) *StageError {
	if isTimeout(err) {
		if !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		kind = Timeout
	}
	return &StageError{Stage: stage, Kind: kind, Index: index, Err: err}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout)
}

// KindOf reports the kind of a run error, or "" when err is not a StageError
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
