package bgtask

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStore_WriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	task := &Task{ID: "bg_abc123", Description: "demo", Status: StatusPending, Version: 1}
	require.NoError(t, store.WriteTask(task))

	got, err := store.ReadTask(task.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, task.Description, got.Description)
	require.Equal(t, int64(1), got.Version)
}

func TestFileStore_ReadMissingReturnsNilNotError(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	got, err := store.ReadTask("bg_doesnotexist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFileStore_ReadCorruptReturnsNilNotError(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bg_corrupt.json"), []byte("{not json"), 0644))

	got, err := store.ReadTask("bg_corrupt")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFileStore_WriteLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.WriteTask(&Task{ID: "bg_temp", Status: StatusPending, Version: 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestFileStore_ListAndRemove(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.WriteTask(&Task{ID: "bg_one", Status: StatusPending, Version: 1}))
	require.NoError(t, store.WriteTask(&Task{ID: "bg_two", Status: StatusPending, Version: 1}))

	ids, err := store.ListTaskIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"bg_one", "bg_two"}, ids)

	require.NoError(t, store.RemoveTask("bg_one"))
	ids, err = store.ListTaskIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"bg_two"}, ids)

	// Removing an already-absent task is not an error.
	require.NoError(t, store.RemoveTask("bg_one"))
}
