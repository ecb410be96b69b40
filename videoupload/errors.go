package videoupload

import (
	"errors"
	"fmt"
)

var (
	// ErrRead means the source file could not be read.
	ErrRead = errors.New("read error")
	// ErrInvalidConfiguration means the upload could not start with the given file and options.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrNegotiation means the chunk store could not be asked which chunks it already has.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrTransfer means a chunk upload failed or was cancelled.
	ErrTransfer = errors.New("transfer failed")
	// ErrMerge means the merge request failed.
	ErrMerge = errors.New("merge failed")
)

// StageError is the terminal error of a failed session.
// It matches its Kind and the underlying error with errors.Is.
type StageError struct {
	Stage State
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Err)
}

// Unwrap ...
func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func newStageError(stage State, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
