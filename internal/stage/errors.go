package stage

import "errors"

// Precondition-class errors, surfaced before any task is dispatched.
var (
	ErrFileIsolationViolation = errors.New("stage: two unordered tasks plan to touch the same file")
	ErrDependencyCycle        = errors.New("stage: dependency graph contains a cycle")
	ErrUnknownDependency      = errors.New("stage: task depends on an id not present in the stage")
)
