package bgtask

import (
	"syscall"

	"taskforge/internal/config"
	"taskforge/internal/logging"
)

// markStaleRunningTasks reclaims running tasks whose worker has gone
// silent. A running task is considered dead by any of:
//
//   - staleByHeartbeat: LastHeartbeatAt is older than the effective worker
//     timeout plus a grace period.
//   - deadPid: the recorded WorkerPid no longer exists (signal 0 probe).
//   - staleNoHeartbeat: the task never received a heartbeat at all and
//     StartedAt predates the timeout+grace window.
//
// Reclaimed tasks move to `interrupted`, never back to `pending` — retry
// is an explicit operator/caller decision.
func (m *Manager) markStaleRunningTasks() error {
	tasks, err := m.List()
	if err != nil {
		return err
	}

	now := nowMs()
	for _, t := range tasks {
		if t.Status != StatusRunning {
			continue
		}

		timeoutMs := m.cfg.WorkerTimeoutMs(payloadTimeoutOverride(t.Payload))
		deadline := timeoutMs + int64(config.ReaperGraceMs)

		reason := ""
		switch {
		case t.LastHeartbeatAt > 0 && now-t.LastHeartbeatAt > deadline:
			reason = "staleByHeartbeat"
		case t.LastHeartbeatAt == 0 && t.StartedAt > 0 && now-t.StartedAt > deadline:
			reason = "staleNoHeartbeat"
		case t.WorkerPid > 0 && !pidAlive(t.WorkerPid):
			reason = "deadPid"
		}
		if reason == "" {
			continue
		}

		if _, err := m.patchTask(t.ID, func(task *Task) error {
			if task.Status != StatusRunning {
				return ErrAlreadyTerminal
			}
			task.Status = StatusInterrupted
			task.Error = "reaped: " + reason
			task.EndedAt = nowMs()
			return nil
		}); err != nil && err != ErrAlreadyTerminal {
			logging.BackgroundError("failed to reap %s: %v", t.ID, err)
			continue
		}
		logging.BackgroundWarn("reaped stale task %s (%s)", t.ID, reason)
	}
	return nil
}

// pidAlive probes a pid with signal 0, which the kernel treats as a
// liveness check without actually signaling the process.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil
}

func payloadTimeoutOverride(payload map[string]interface{}) int64 {
	if payload == nil {
		return 0
	}
	v, ok := payload["workerTimeoutMs"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
