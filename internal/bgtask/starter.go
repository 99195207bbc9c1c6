package bgtask

import (
	"context"
	"sort"

	"taskforge/internal/logging"
)

// startPendingTasks promotes pending tasks to running, in creation order,
// up to the configured parallelism cap.
//
// Promotion is two-phase: the task is first claimed (patched to running
// with a fresh _version) and only then is the worker actually spawned.
// This narrows, without eliminating, the window in which a second
// external manager process could also observe the task as pending and
// spawn a duplicate worker.
func (m *Manager) startPendingTasks(ctx context.Context) error {
	tasks, err := m.List()
	if err != nil {
		return err
	}

	running := 0
	var pending []*Task
	for _, t := range tasks {
		switch t.Status {
		case StatusRunning:
			running++
		case StatusPending:
			pending = append(pending, t)
		}
	}

	slots := m.cfg.Background.MaxParallel - running
	if slots <= 0 || len(pending) == 0 {
		return nil
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt < pending[j].CreatedAt })
	if len(pending) > slots {
		pending = pending[:slots]
	}

	for _, t := range pending {
		claimed, err := m.patchTask(t.ID, func(task *Task) error {
			if task.Status != StatusPending {
				return ErrInvalidRetryState
			}
			task.Status = StatusRunning
			task.StartedAt = nowMs()
			task.LastHeartbeatAt = nowMs()
			return nil
		})
		if err != nil {
			logging.BackgroundWarn("skipping claim of %s: %v", t.ID, err)
			continue
		}

		if claimed.BackgroundMode == ModeInline {
			m.startInline(ctx, claimed)
			continue
		}
		if err := m.spawnWorker(ctx, claimed); err != nil {
			logging.BackgroundError("spawn failed for %s: %v", claimed.ID, err)
			m.patchTask(claimed.ID, func(task *Task) error {
				task.Status = StatusError
				task.Error = err.Error()
				task.EndedAt = nowMs()
				return nil
			})
		}
	}
	return nil
}

// startInline runs an inline task's RunFunc in a goroutine, tracking a
// cancel func so Manager.Cancel can interrupt it cooperatively.
func (m *Manager) startInline(parent context.Context, task *Task) {
	m.runsMu.Lock()
	run, ok := m.runs[task.ID]
	m.runsMu.Unlock()
	if !ok {
		m.patchTask(task.ID, func(t *Task) error {
			t.Status = StatusError
			t.Error = "inline task has no registered run closure (manager restarted?)"
			t.EndedAt = nowMs()
			return nil
		})
		return
	}

	ctx, cancel := context.WithCancel(parent)
	m.cancelMu.Lock()
	m.cancels[task.ID] = cancel
	m.cancelMu.Unlock()

	go func() {
		defer func() {
			m.cancelMu.Lock()
			delete(m.cancels, task.ID)
			m.cancelMu.Unlock()
			cancel()
		}()

		result, err := run(ctx, task)

		m.patchTask(task.ID, func(t *Task) error {
			t.EndedAt = nowMs()
			switch {
			case ctx.Err() != nil && t.Cancelled:
				t.Status = StatusCancelled
			case ctx.Err() != nil:
				t.Status = StatusInterrupted
				t.Error = "context cancelled before completion"
			case err != nil:
				t.Status = StatusError
				t.Error = err.Error()
			default:
				t.Status = StatusCompleted
				t.Result = result
			}
			return nil
		})
	}()
}
