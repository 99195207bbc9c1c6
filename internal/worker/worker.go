// Package worker implements the Worker Entry: the glue that runs inside a
// spawned child process, heartbeats its owning task record, executes the
// pluggable AgentRuntime, and writes the terminal checkpoint.
package worker

import (
	"context"
	"fmt"
	"time"

	"taskforge/internal/bgtask"
	"taskforge/internal/logging"
)

// Payload is the decoded task payload a runtime receives. Fields beyond
// Prompt/Cwd are domain-specific and passed through as raw Extra.
type Payload struct {
	Prompt string
	Cwd    string
	Extra  map[string]interface{}
}

// AgentRuntime is the external-collaborator seam this module leaves
// pluggable: whatever actually does the work a task describes.
type AgentRuntime interface {
	Execute(ctx context.Context, payload Payload) (*bgtask.Result, error)
}

// heartbeatDivisor: the worker heartbeats at roughly a third of its
// timeout, so a reaper using the same timeout sees at least two missed
// beats before declaring a task stale.
const heartbeatDivisor = 3

// Run drives taskID to a terminal state using runtime, heartbeating the
// checkpoint store at workerTimeoutMs/3 and observing cooperative
// cancellation via the task's Cancelled flag. defaultTimeoutMs is used when
// the task's payload carries no workerTimeoutMs of its own; pass 0 to fall
// back to a 900s default. Run returns only on terminal transition or an
// unrecoverable store error — never leaves the task `running` without
// either a live heartbeat loop or a terminal status.
func Run(ctx context.Context, taskID string, store bgtask.Store, runtime AgentRuntime, defaultTimeoutMs int64) error {
	task, err := store.ReadTask(taskID)
	if err != nil {
		return fmt.Errorf("worker: read task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("worker: task %s not found", taskID)
	}

	payload := decodePayload(task.Payload)
	timeout := 900 * time.Second
	if defaultTimeoutMs > 0 {
		timeout = time.Duration(defaultTimeoutMs) * time.Millisecond
	}
	if ms, ok := asInt64(task.Payload["workerTimeoutMs"]); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	heartbeatEvery := timeout / heartbeatDivisor
	if heartbeatEvery <= 0 {
		heartbeatEvery = time.Second
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go heartbeatLoop(runCtx, cancel, store, taskID, heartbeatEvery, stop, done)

	timer := logging.StartTimer(logging.CategoryWorker, "task:"+taskID)
	result, runErr := runtime.Execute(runCtx, payload)
	timer.Stop()

	close(stop)
	<-done

	final, readErr := store.ReadTask(taskID)
	if readErr != nil {
		return fmt.Errorf("worker: read task before terminal write: %w", readErr)
	}
	if final == nil {
		return fmt.Errorf("worker: task %s vanished before terminal write", taskID)
	}

	final.EndedAt = time.Now().UnixMilli()
	final.UpdatedAt = final.EndedAt
	switch {
	case final.Cancelled:
		final.Status = bgtask.StatusCancelled
	case runCtx.Err() != nil:
		final.Status = bgtask.StatusInterrupted
		final.Error = "worker timed out"
	case runErr != nil:
		final.Status = bgtask.StatusError
		final.Error = runErr.Error()
	default:
		final.Status = bgtask.StatusCompleted
		final.Result = result
	}
	final.Version++

	if err := store.WriteTask(final); err != nil {
		return fmt.Errorf("worker: write terminal checkpoint: %w", err)
	}
	logging.Worker("task %s finished as %s", taskID, final.Status)
	return nil
}

// heartbeatLoop heartbeats taskID's checkpoint every `every` until stop or
// ctx ends. If it observes the task's Cancelled flag set, it calls cancel
// itself so the runtime's in-flight Execute is interrupted promptly instead
// of running unchecked until it finishes on its own or the timeout fires.
func heartbeatLoop(ctx context.Context, cancel context.CancelFunc, store bgtask.Store, taskID string, every time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := store.ReadTask(taskID)
			if err != nil || t == nil {
				continue
			}
			if t.Cancelled {
				cancel()
				return
			}
			t.LastHeartbeatAt = time.Now().UnixMilli()
			t.UpdatedAt = t.LastHeartbeatAt
			t.Version++
			if err := store.WriteTask(t); err != nil {
				logging.WorkerWarn("heartbeat write failed for %s: %v", taskID, err)
			}
		}
	}
}

func decodePayload(raw map[string]interface{}) Payload {
	p := Payload{Extra: make(map[string]interface{})}
	for k, v := range raw {
		switch k {
		case "prompt":
			if s, ok := v.(string); ok {
				p.Prompt = s
			}
		case "cwd":
			if s, ok := v.(string); ok {
				p.Cwd = s
			}
		default:
			p.Extra[k] = v
		}
	}
	return p
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
