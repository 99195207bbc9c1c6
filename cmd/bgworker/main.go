// Command bgworker is the child process spawned by the Background Manager
// for worker_process-mode tasks. It reads its task id and runtime
// directory from the environment, runs the shell reference runtime, and
// exits once the task reaches a terminal state.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"taskforge/internal/bgtask"
	"taskforge/internal/logging"
	"taskforge/internal/worker"
)

func main() {
	taskID := os.Getenv("TASKFORGE_TASK_ID")
	runtimeDir := os.Getenv("TASKFORGE_RUNTIME_DIR")
	if taskID == "" || runtimeDir == "" {
		fmt.Fprintln(os.Stderr, "bgworker: TASKFORGE_TASK_ID and TASKFORGE_RUNTIME_DIR are required")
		os.Exit(1)
	}
	defaultTimeoutMs, _ := strconv.ParseInt(os.Getenv("TASKFORGE_WORKER_TIMEOUT_MS"), 10, 64)

	store, err := bgtask.NewFileStore(runtimeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bgworker: %v\n", err)
		os.Exit(1)
	}

	runtime := &worker.ShellRuntime{}
	if err := worker.Run(context.Background(), taskID, store, runtime, defaultTimeoutMs); err != nil {
		logging.WorkerError("task %s: %v", taskID, err)
		fmt.Fprintf(os.Stderr, "bgworker: %v\n", err)
		os.Exit(1)
	}
}
