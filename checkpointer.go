package orchestrator

import (
	"context"
)

// CheckpointStore persists the latest state snapshot and resume point for
// each conversation thread. It is the single source of truth for where a
// paused thread is, so implementations must make Put and TakePending atomic
// with respect to one thread ID.
type CheckpointStore interface {
	// Put creates or overwrites the checkpoint for the checkpoint's thread.
	Put(ctx context.Context, checkpoint *Checkpoint) error

	// Get returns the checkpoint for a thread, or a NoCheckpointError if the
	// thread has none.
	Get(ctx context.Context, threadID string) (*Checkpoint, error)

	// TakePending atomically returns the checkpoint for a thread and clears
	// its pending marker. It returns a NoCheckpointError if the thread has no
	// checkpoint or the checkpoint is not pending; at most one concurrent
	// caller can succeed, which prevents double-resume races.
	TakePending(ctx context.Context, threadID string) (*Checkpoint, error)

	// Delete removes checkpoint data for a thread.
	Delete(ctx context.Context, threadID string) error
}
