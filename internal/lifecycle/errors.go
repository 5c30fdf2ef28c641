package lifecycle

import "errors"

var (
	// ErrInProgress is returned when the same operation is already running
	// for the task.
	ErrInProgress = errors.New("operation already in progress")

	// ErrNilTask is returned when an operation is requested without a task.
	ErrNilTask = errors.New("nil task")

	// ErrWorkingCopyRemains is returned when a working copy is still on disk
	// after its removal reported success.
	ErrWorkingCopyRemains = errors.New("working copy still present after removal")
)
