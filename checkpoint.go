package orchestrator

import "time"

// Checkpoint is the persisted snapshot of one conversation thread. There is
// exactly one checkpoint per thread; a save overwrites the previous one.
// PendingStep is non-empty if and only if the workflow is paused at that step
// awaiting external input.
type Checkpoint struct {
	ThreadID    string         `json:"thread_id"`
	PendingStep string         `json:"pending_step,omitempty"`
	State       *WorkflowState `json:"state"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Paused reports whether the checkpoint marks a suspended workflow.
func (c *Checkpoint) Paused() bool {
	return c.PendingStep != ""
}

// Copy returns a deep copy of the checkpoint.
func (c *Checkpoint) Copy() *Checkpoint {
	out := *c
	if c.State != nil {
		out.State = c.State.Copy()
	}
	return &out
}
