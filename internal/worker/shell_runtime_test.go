package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"taskforge/internal/worker"
)

func TestShellRuntime_CapturesOutputAndFileChanges(t *testing.T) {
	if testing.Short() {
		t.Skip("forks a real shell process")
	}

	dir := t.TempDir()
	rt := &worker.ShellRuntime{}
	result, err := rt.Execute(context.Background(), worker.Payload{
		Prompt: "echo hello && echo world > " + filepath.Join(dir, "out.txt"),
		Cwd:    dir,
	})
	require.NoError(t, err)
	require.Contains(t, result.Reply, "hello")
	require.Contains(t, result.CompletedFiles, filepath.Join(dir, "out.txt"))
}

func TestShellRuntime_NonZeroExitIsError(t *testing.T) {
	if testing.Short() {
		t.Skip("forks a real shell process")
	}

	rt := &worker.ShellRuntime{}
	_, err := rt.Execute(context.Background(), worker.Payload{Prompt: "exit 7", Cwd: t.TempDir()})
	require.Error(t, err)
}

func TestShellRuntime_EmptyPromptErrors(t *testing.T) {
	rt := &worker.ShellRuntime{}
	_, err := rt.Execute(context.Background(), worker.Payload{Cwd: os.TempDir()})
	require.Error(t, err)
}
