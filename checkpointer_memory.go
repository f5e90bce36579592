package orchestrator

import (
	"context"
	"sync"
	"time"
)

// MemoryCheckpointStore is a process-local CheckpointStore backed by a map.
// Checkpoints are deep-copied on both save and load so concurrent executions
// never share state. The mutex guards only map access; it is never held
// across a step execution.
type MemoryCheckpointStore struct {
	mutex       sync.Mutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: map[string]*Checkpoint{},
	}
}

// Put creates or overwrites the checkpoint for a thread.
func (s *MemoryCheckpointStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cp := checkpoint.Copy()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.checkpoints[cp.ThreadID] = cp
	return nil
}

// Get returns a copy of the checkpoint for a thread.
func (s *MemoryCheckpointStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	checkpoint, ok := s.checkpoints[threadID]
	if !ok {
		return nil, &NoCheckpointError{ThreadID: threadID}
	}
	return checkpoint.Copy(), nil
}

// TakePending returns the pending checkpoint for a thread and clears its
// pending marker in one critical section.
func (s *MemoryCheckpointStore) TakePending(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	checkpoint, ok := s.checkpoints[threadID]
	if !ok || !checkpoint.Paused() {
		return nil, &NoCheckpointError{ThreadID: threadID}
	}
	taken := checkpoint.Copy()
	checkpoint.PendingStep = ""
	checkpoint.UpdatedAt = time.Now()
	return taken, nil
}

// Delete removes checkpoint data for a thread.
func (s *MemoryCheckpointStore) Delete(ctx context.Context, threadID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.checkpoints, threadID)
	return nil
}
