package bgtask

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"taskforge/internal/logging"
)

// workerBinaryEnv lets tests and operators point at a non-default
// cmd/bgworker build; defaults to the bare name resolved via PATH.
const workerBinaryEnv = "TASKFORGE_WORKER_BIN"

// spawnWorker launches the detached worker process for a worker_process
// mode task: stdin/stdout discarded, stderr appended to the per-task log
// file, the child left to run independent of this process's lifetime. The
// task is patched to `running` with the child's pid before this returns,
// and an exit-handler goroutine patches the task to `error` if the process
// exits without ever checkpointing a terminal outcome itself (e.g. it
// panics); a child killed by a signal is left for the reaper.
func (m *Manager) spawnWorker(ctx context.Context, task *Task) error {
	bin := os.Getenv(workerBinaryEnv)
	if bin == "" {
		bin = "bgworker"
	}

	logFile, err := os.OpenFile(m.store.Dir()+"/"+task.ID+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: open log: %v", ErrSpawnFailed, err)
	}

	resolvedTimeoutMs := m.cfg.WorkerTimeoutMs(payloadTimeoutOverride(task.Payload))

	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(),
		"TASKFORGE_TASK_ID="+task.ID,
		"TASKFORGE_RUNTIME_DIR="+m.store.Dir(),
		fmt.Sprintf("TASKFORGE_WORKER_TIMEOUT_MS=%d", resolvedTimeoutMs),
	)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	pid := cmd.Process.Pid

	if _, err := m.patchTask(task.ID, func(t *Task) error {
		t.Status = StatusRunning
		t.WorkerPid = pid
		t.StartedAt = nowMs()
		t.LastHeartbeatAt = nowMs()
		return nil
	}); err != nil {
		logFile.Close()
		_ = cmd.Process.Kill()
		return err
	}

	go m.awaitWorkerExit(cmd, task.ID, logFile)
	logging.BackgroundDebug("spawned worker pid=%d for task %s", pid, task.ID)
	return nil
}

// awaitWorkerExit reaps the child so it never becomes a zombie, and
// patches the task to `error` if it exited without the worker itself
// having already written a terminal checkpoint. A child killed by a
// signal (e.g. SIGKILL) is left alone instead: the exit handler fires
// almost instantly and would otherwise always win the race against the
// reaper, masking what should surface as `interrupted` per the deadPid/
// heartbeat-staleness check.
func (m *Manager) awaitWorkerExit(cmd *exec.Cmd, taskID string, logFile *os.File) {
	err := cmd.Wait()
	logFile.Close()

	if wasSignaled(err) {
		logging.BackgroundWarn("worker for %s was killed by a signal; leaving it for the reaper", taskID)
		return
	}

	current, readErr := m.store.ReadTask(taskID)
	if readErr != nil || current == nil {
		return
	}
	if current.Status.IsTerminal() {
		return
	}

	msg := "worker process exited without reporting a result"
	if err != nil {
		msg = fmt.Sprintf("worker process exited with error: %v", err)
	}
	if _, patchErr := m.patchTask(taskID, func(t *Task) error {
		if t.Status.IsTerminal() {
			return ErrAlreadyTerminal
		}
		t.Status = StatusError
		t.Error = msg
		t.EndedAt = nowMs()
		return nil
	}); patchErr != nil && patchErr != ErrAlreadyTerminal {
		logging.BackgroundError("failed to patch exit outcome for %s: %v", taskID, patchErr)
	}
}

// wasSignaled reports whether err is an *exec.ExitError for a process
// that died from a signal rather than exiting on its own.
func wasSignaled(err error) bool {
	if err == nil {
		return false
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}
