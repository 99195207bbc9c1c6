package bgtask

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskforge/internal/config"
	"taskforge/internal/logging"
)

// RunFunc is the inline execution closure for ModeInline tasks. It is not
// persisted — only the task record is durable, the closure lives for the
// lifetime of the owning Manager process.
type RunFunc func(ctx context.Context, task *Task) (*Result, error)

// Manager is the Background Manager: a durable task table with
// optimistic-locked patches, a parallelism-capped starter, and a
// staleness reaper. All of its exported operations are safe for
// concurrent use.
type Manager struct {
	store Store
	cfg   *config.Config

	idLocksMu sync.Mutex
	idLocks   map[string]*sync.Mutex

	runsMu sync.Mutex
	runs   map[string]RunFunc

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// NewManager builds a Manager over store, configured by cfg.
func NewManager(store Store, cfg *config.Config) *Manager {
	return &Manager{
		store:   store,
		cfg:     cfg,
		idLocks: make(map[string]*sync.Mutex),
		runs:    make(map[string]RunFunc),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.idLocksMu.Lock()
	defer m.idLocksMu.Unlock()
	l, ok := m.idLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.idLocks[id] = l
	}
	return l
}

// LaunchOptions configures a new task.
type LaunchOptions struct {
	Description    string
	Payload        map[string]interface{}
	BackgroundMode BackgroundMode
	// Run is required when BackgroundMode is ModeInline; ignored otherwise.
	Run RunFunc
	// ResumeToken pins the task's initial resumeToken to a value the
	// caller already committed to (e.g. one it embedded in Payload).
	// Left empty, Launch mints a fresh one.
	ResumeToken string
}

// Launch creates a new pending task and checkpoints it. It does not start
// the task — that is the starter's job on the next Tick, respecting the
// parallelism cap.
func (m *Manager) Launch(opts LaunchOptions) (*Task, error) {
	if opts.BackgroundMode == "" {
		opts.BackgroundMode = BackgroundMode(m.cfg.Background.Mode)
	}
	if opts.BackgroundMode == ModeInline && opts.Run == nil {
		return nil, fmt.Errorf("bgtask: inline launch requires a Run closure")
	}

	token := opts.ResumeToken
	if token == "" {
		token = newResumeToken()
	}

	t := &Task{
		ID:             newTaskID(),
		Description:    opts.Description,
		Payload:        opts.Payload,
		Status:         StatusPending,
		BackgroundMode: opts.BackgroundMode,
		CreatedAt:      nowMs(),
		UpdatedAt:      nowMs(),
		Attempt:        0,
		ResumeToken:    token,
		Version:        1,
	}
	if err := m.store.WriteTask(t); err != nil {
		return nil, err
	}
	if opts.BackgroundMode == ModeInline {
		m.runsMu.Lock()
		m.runs[t.ID] = opts.Run
		m.runsMu.Unlock()
	}

	logging.Background("launched task %s (%s, mode=%s)", t.ID, t.Description, t.BackgroundMode)
	return t, nil
}

// LaunchDelegateTask is the Stage Scheduler's entry point: it launches a
// task on behalf of a stage, tagging the payload with the owning stage and
// logical-task ids, a fresh resumeToken, and workerType=delegate_task so
// the worker/bus can recognize it, then delegates to Launch. The scheduler
// never reaches past this call into the checkpoint store directly.
func (m *Manager) LaunchDelegateTask(stageID, logicalTaskID, description string, payload map[string]interface{}, mode BackgroundMode, run RunFunc) (*Task, error) {
	token := newResumeToken()

	p := make(map[string]interface{}, len(payload)+4)
	for k, v := range payload {
		p[k] = v
	}
	p["stageId"] = stageID
	p["logicalTaskId"] = logicalTaskID
	p["workerType"] = "delegate_task"
	p["resumeToken"] = token

	return m.Launch(LaunchOptions{
		Description:    description,
		Payload:        p,
		BackgroundMode: mode,
		Run:            run,
		ResumeToken:    token,
	})
}

// Get returns the current checkpoint for id.
func (m *Manager) Get(id string) (*Task, error) {
	t, err := m.store.ReadTask(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// List returns every checkpointed task, in no particular order; callers
// that need creation order should sort on CreatedAt.
func (m *Manager) List() ([]*Task, error) {
	ids, err := m.store.ListTaskIDs()
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := m.store.ReadTask(id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// Cancel sets the cancellation flag on a non-terminal task. A pending task
// moves to `cancelled` at once; a running one is left to its worker (or
// inline goroutine) to observe cooperatively. Cancel itself does not kill
// anything beyond invoking the tracked context.CancelFunc, if any.
func (m *Manager) Cancel(id string) (*Task, error) {
	next, err := m.patchTask(id, func(t *Task) error {
		if t.Status.IsTerminal() {
			return ErrAlreadyTerminal
		}
		t.Cancelled = true
		if t.Status == StatusPending {
			t.Status = StatusCancelled
			t.EndedAt = nowMs()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.cancelMu.Lock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
	}
	m.cancelMu.Unlock()

	logging.Background("cancel requested for %s", id)
	return next, nil
}

// Retry moves an error/interrupted task back to pending, incrementing its
// attempt counter, rotating its resumeToken, and clearing every field that
// described the prior run — the one permitted backward transition in the
// state machine. It ticks once afterward so the starter can pick the task
// back up immediately rather than waiting on some unrelated caller's poll.
func (m *Manager) Retry(ctx context.Context, id string) (*Task, error) {
	next, err := m.patchTask(id, func(t *Task) error {
		if t.Status != StatusError && t.Status != StatusInterrupted {
			return ErrInvalidRetryState
		}
		t.Status = StatusPending
		t.Cancelled = false
		t.Error = ""
		t.WorkerPid = 0
		t.EndedAt = 0
		t.LastHeartbeatAt = 0
		t.Attempt++
		t.ResumeToken = newResumeToken()
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Background("task %s queued for retry (attempt %d)", id, next.Attempt)

	if err := m.Tick(ctx); err != nil {
		logging.BackgroundWarn("tick after retry of %s failed: %v", id, err)
	}
	return next, nil
}

// Clean removes terminal tasks older than maxAge, measured from their
// EndedAt (or UpdatedAt, if a checkpoint somehow lacks one). It returns the
// number of tasks removed. Non-terminal tasks are never touched.
func (m *Manager) Clean(maxAge time.Duration) (int, error) {
	tasks, err := m.List()
	if err != nil {
		return 0, err
	}
	now := nowMs()
	cutoffMs := maxAge.Milliseconds()
	removed := 0
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			continue
		}
		endedAt := t.EndedAt
		if endedAt == 0 {
			endedAt = t.UpdatedAt
		}
		if now-endedAt < cutoffMs {
			continue
		}
		if err := m.store.RemoveTask(t.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Tick drives the Background Manager's non-worker background work: the
// reaper reclaims stale running tasks, then the starter promotes pending
// tasks up to the parallelism cap. Nothing calls this automatically — the
// reaper clock is externally driven by whoever owns the Manager.
func (m *Manager) Tick(ctx context.Context) error {
	if err := m.markStaleRunningTasks(); err != nil {
		return err
	}
	if err := m.startPendingTasks(ctx); err != nil {
		return err
	}
	return nil
}
