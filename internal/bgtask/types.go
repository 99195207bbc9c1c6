// Package bgtask implements the Background Manager: a durable,
// crash-safe task table backed by per-task checkpoint files, with an
// optimistic-locking update discipline, a parallelism cap, and a
// liveness/heartbeat reaper.
package bgtask

import "time"

// Status is one of the task lifecycle states.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
)

// IsTerminal reports whether the status is one of the four terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError, StatusInterrupted:
		return true
	default:
		return false
	}
}

// BackgroundMode selects how a task is executed.
type BackgroundMode string

const (
	ModeWorkerProcess BackgroundMode = "worker_process"
	ModeInline        BackgroundMode = "inline"
)

// MaxLogLines bounds the in-memory/checkpointed log ring.
const MaxLogLines = 300

// Result is the structured worker output on success.
type Result struct {
	Reply          string       `json:"reply"`
	CompletedFiles []string     `json:"completed_files,omitempty"`
	RemainingFiles []string     `json:"remaining_files,omitempty"`
	FileChanges    []FileChange `json:"file_changes,omitempty"`
	ToolEvents     int          `json:"tool_events"`
	Cost           float64      `json:"cost,omitempty"`
}

// FileChange describes one file touched by a task.
type FileChange struct {
	Path         string `json:"path"`
	AddedLines   int    `json:"addedLines"`
	RemovedLines int    `json:"removedLines"`
	StageID      string `json:"stageId,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
}

// Task is the durable record tracked by the Background Manager.
type Task struct {
	ID             string                 `json:"id"`
	Description    string                 `json:"description"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Status         Status                 `json:"status"`
	BackgroundMode BackgroundMode         `json:"backgroundMode"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
	StartedAt int64 `json:"startedAt,omitempty"`
	EndedAt   int64 `json:"endedAt,omitempty"`

	WorkerPid       int   `json:"workerPid,omitempty"`
	LastHeartbeatAt int64 `json:"lastHeartbeatAt,omitempty"`

	Logs []string `json:"logs,omitempty"`

	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`

	Cancelled bool `json:"cancelled"`

	Attempt     int    `json:"attempt"`
	ResumeToken string `json:"resumeToken,omitempty"`

	Version int64 `json:"_version"`
}

// Clone returns a deep-enough copy safe to mutate without aliasing the
// original's slices/maps.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload != nil {
		c.Payload = make(map[string]interface{}, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	if t.Logs != nil {
		c.Logs = append([]string(nil), t.Logs...)
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}

// AppendLog appends a line to the bounded log ring, dropping from the
// front once MaxLogLines is exceeded.
func (t *Task) AppendLog(line string) {
	t.Logs = append(t.Logs, line)
	if len(t.Logs) > MaxLogLines {
		t.Logs = t.Logs[len(t.Logs)-MaxLogLines:]
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
