package bgtask

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReaper_ReclaimsStaleHeartbeat(t *testing.T) {
	m, store := newTestManager(t)
	m.cfg.Background.WorkerTimeoutMs = 100

	stale := &Task{
		ID:              "bg_stale",
		Status:          StatusRunning,
		StartedAt:       nowMs() - 10000,
		LastHeartbeatAt: nowMs() - 10000,
		WorkerPid:       999999, // practically certain not to be a live pid
		Version:         1,
	}
	require.NoError(t, store.WriteTask(stale))

	require.NoError(t, m.markStaleRunningTasks())

	got, err := m.Get("bg_stale")
	require.NoError(t, err)
	require.Equal(t, StatusInterrupted, got.Status)
	require.Contains(t, got.Error, "reaped")
}

func TestReaper_LeavesFreshHeartbeatAlone(t *testing.T) {
	m, store := newTestManager(t)
	m.cfg.Background.WorkerTimeoutMs = 60000

	fresh := &Task{
		ID:              "bg_fresh",
		Status:          StatusRunning,
		StartedAt:       nowMs(),
		LastHeartbeatAt: nowMs(),
		Version:         1,
	}
	require.NoError(t, store.WriteTask(fresh))

	require.NoError(t, m.markStaleRunningTasks())

	got, err := m.Get("bg_fresh")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)
}

func TestReaper_LeavesTerminalTasksAlone(t *testing.T) {
	m, store := newTestManager(t)
	done := &Task{ID: "bg_done", Status: StatusCompleted, Version: 1}
	require.NoError(t, store.WriteTask(done))

	require.NoError(t, m.markStaleRunningTasks())

	got, err := m.Get("bg_done")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
}

func TestPidAlive_CurrentProcessIsAlive(t *testing.T) {
	require.True(t, pidAlive(os.Getpid()))
}
