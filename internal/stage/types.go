// Package stage implements the Stage Scheduler: a dependency-ordered,
// file-isolated, concurrency-capped dispatcher that drives groups of
// logical tasks through the Background Manager.
package stage

import "taskforge/internal/bgtask"

// LogicalTask is one node in a stage's dependency graph. PlannedFiles
// declares which files the task is expected to touch, enforced by the
// file-isolation precondition against every other task it is not
// ordered with.
type LogicalTask struct {
	ID           string
	Description  string
	Payload      map[string]interface{}
	DependsOn    []string
	PlannedFiles []string
	Mode         bgtask.BackgroundMode
	Run          bgtask.RunFunc

	// MaxRetries overrides the stage-wide config.StageConfig.TaskMaxRetries
	// for this task alone when non-nil. A value of 0 means the task gets
	// no retries at all.
	MaxRetries *int
}

// Stage is a named group of logical tasks to run to completion together.
type Stage struct {
	ID    string
	Tasks []LogicalTask
}

// StageRunParams is the Stage Scheduler's public dispatch contract: the
// stage to run plus the session-wide context every dispatched task's
// payload needs to carry.
type StageRunParams struct {
	Stage        Stage
	SessionID    string
	Model        string
	ProviderType string
	// StageIndex/StageCount let a worker or downstream consumer place this
	// stage within a multi-stage run; both are 0 when the caller doesn't
	// track that.
	StageIndex   int
	StageCount   int
	PriorContext interface{}
}

// ProgressStatus tracks one logical task's position in the barrier.
type ProgressStatus string

const (
	ProgressPending    ProgressStatus = "pending"
	ProgressDispatched ProgressStatus = "dispatched"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressFailed     ProgressStatus = "failed"
	ProgressSkipped    ProgressStatus = "skipped"
)

// TaskProgress is the scheduler's view of one logical task's run history.
type TaskProgress struct {
	LogicalTaskID string
	BgTaskID      string
	Status        ProgressStatus
	Attempt       int
	LastError     string
}

// StageResult is the outcome of running a stage to a barrier.
type StageResult struct {
	StageID   string
	Progress  map[string]*TaskProgress
	Completed []string
	Failed    []string
	Skipped   []string

	AllSuccess bool
	// SuccessCount/FailCount/Skipped together sum to len(Stage.Tasks).
	SuccessCount int
	FailCount    int
	RetryCount   int

	// CompletionMarkerSeen is true if any completed task's reply carried
	// the [TASK_COMPLETE] sentinel.
	CompletionMarkerSeen bool
	FileChanges          []bgtask.FileChange
	ToolEvents           int
}

// Broadcasts maps a logical task id to broadcast observations. The
// scheduler neither fills nor returns one; StageResult carries no
// broadcasts.
type Broadcasts map[string][]string
