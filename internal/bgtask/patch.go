package bgtask

import (
	"fmt"
)

// maxPatchRetries bounds the optimistic read-verify-write loop before
// patchTask gives up and surfaces ErrVersionConflict.
const maxPatchRetries = 3

// patchTask is the single serialization point for task mutation. It holds
// a per-id mutex for the duration of the call (so two goroutines in this
// process never race each other), then performs an optimistic
// read-verify-write against the store with up to maxPatchRetries attempts
// to absorb a concurrent external writer.
//
// mutate receives the current task loaded fresh on every attempt and
// mutates it in place; it must not retain the pointer past the call. It
// should not set Version or UpdatedAt — patchTask owns both.
func (m *Manager) patchTask(id string, mutate func(t *Task) error) (*Task, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var last error
	for attempt := 0; attempt < maxPatchRetries; attempt++ {
		current, err := m.store.ReadTask(id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, ErrTaskNotFound
		}

		startVersion := current.Version
		if err := mutate(current); err != nil {
			return nil, err
		}
		current.Version = startVersion + 1
		current.UpdatedAt = nowMs()

		// Re-read immediately before writing to detect a writer outside
		// this process that landed between our read and our write.
		recheck, err := m.store.ReadTask(id)
		if err != nil {
			return nil, err
		}
		if recheck == nil {
			return nil, ErrTaskNotFound
		}
		if recheck.Version != startVersion {
			last = fmt.Errorf("version advanced from %d to %d concurrently", startVersion, recheck.Version)
			continue
		}

		if err := m.store.WriteTask(current); err != nil {
			return nil, err
		}
		return current, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrVersionConflict, last)
}
