package bgtask

import "errors"

// Precondition-class errors: the caller asked for something the current
// state cannot satisfy.
var (
	ErrTaskNotFound      = errors.New("bgtask: task not found")
	ErrInvalidRetryState = errors.New("bgtask: task is not in a retryable state")
	ErrAlreadyTerminal   = errors.New("bgtask: task is already in a terminal state")
)

// Transient-class errors: the caller may retry.
var (
	ErrVersionConflict = errors.New("bgtask: version conflict after max retries")
	ErrSpawnFailed     = errors.New("bgtask: failed to spawn worker process")
)
