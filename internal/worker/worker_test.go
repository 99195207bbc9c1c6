package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskforge/internal/bgtask"
	"taskforge/internal/worker"
)

type fakeRuntime struct {
	result *bgtask.Result
	err    error
}

func (f *fakeRuntime) Execute(ctx context.Context, payload worker.Payload) (*bgtask.Result, error) {
	return f.result, f.err
}

func TestRun_WritesCompletedCheckpoint(t *testing.T) {
	store, err := bgtask.NewFileStore(t.TempDir())
	require.NoError(t, err)

	task := &bgtask.Task{
		ID:      "bg_work1",
		Status:  bgtask.StatusRunning,
		Version: 1,
		Payload: map[string]interface{}{"prompt": "echo hi", "workerTimeoutMs": float64(5000)},
	}
	require.NoError(t, store.WriteTask(task))

	rt := &fakeRuntime{result: &bgtask.Result{Reply: "hi", ToolEvents: 1}}
	require.NoError(t, worker.Run(context.Background(), task.ID, store, rt, 0))

	got, err := store.ReadTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, bgtask.StatusCompleted, got.Status)
	require.Equal(t, "hi", got.Result.Reply)
}

func TestRun_WritesErrorCheckpointOnRuntimeFailure(t *testing.T) {
	store, err := bgtask.NewFileStore(t.TempDir())
	require.NoError(t, err)

	task := &bgtask.Task{
		ID:      "bg_work2",
		Status:  bgtask.StatusRunning,
		Version: 1,
		Payload: map[string]interface{}{"prompt": "exit 1", "workerTimeoutMs": float64(5000)},
	}
	require.NoError(t, store.WriteTask(task))

	failing := &fakeRuntime{result: nil, err: errBoom{}}
	require.NoError(t, worker.Run(context.Background(), task.ID, store, failing, 0))

	got, err := store.ReadTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, bgtask.StatusError, got.Status)
	require.Equal(t, "boom", got.Error)
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

// blockingRuntime runs until its context is cancelled, so a test can prove
// cancellation is observed promptly rather than only after the full timeout.
type blockingRuntime struct{}

func (blockingRuntime) Execute(ctx context.Context, payload worker.Payload) (*bgtask.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_HonorsCancelledFlagPromptly(t *testing.T) {
	store, err := bgtask.NewFileStore(t.TempDir())
	require.NoError(t, err)

	task := &bgtask.Task{
		ID:      "bg_work3",
		Status:  bgtask.StatusRunning,
		Version: 1,
		// A timeout far longer than the heartbeat cadence (timeout/3) proves
		// the run ends because cancellation was observed, not because the
		// deadline elapsed.
		Payload: map[string]interface{}{"workerTimeoutMs": float64(600)},
	}
	require.NoError(t, store.WriteTask(task))

	go func() {
		time.Sleep(100 * time.Millisecond)
		current, err := store.ReadTask(task.ID)
		require.NoError(t, err)
		current.Cancelled = true
		require.NoError(t, store.WriteTask(current))
	}()

	runDone := make(chan error, 1)
	start := time.Now()
	go func() {
		runDone <- worker.Run(context.Background(), task.ID, store, blockingRuntime{}, 0)
	}()

	select {
	case err := <-runDone:
		require.NoError(t, err)
		require.Less(t, time.Since(start), 500*time.Millisecond, "cancellation should interrupt the runtime long before the 600ms timeout")
	case <-time.After(2 * time.Second):
		t.Fatal("worker.Run did not return promptly after task was marked cancelled")
	}

	got, err := store.ReadTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, bgtask.StatusCancelled, got.Status)
}
