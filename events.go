package orchestrator

import "time"

// EventType identifies the kind of progress event.
type EventType string

const (
	EventWorkflowStarted    EventType = "workflow.started"
	EventStageStarted       EventType = "stage.started"
	EventStageCompleted     EventType = "stage.completed"
	EventWorkflowPaused     EventType = "workflow.paused"
	EventWorkflowResumed    EventType = "workflow.resumed"
	EventWorkflowCompleted  EventType = "workflow.completed"
	EventWorkflowFailed     EventType = "workflow.failed"
	EventHumanInputRequired EventType = "human_input.required"
)

// Event is one progress notification for a workflow. Events are ephemeral:
// delivery is best-effort and nothing is persisted.
type Event struct {
	Type       EventType      `json:"event_type"`
	WorkflowID string         `json:"workflow_id"`
	Stage      string         `json:"stage,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	Message    string         `json:"message,omitempty"`
	Progress   float64        `json:"progress"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Terminal reports whether the event ends its workflow's event sequence.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowPaused:
		return true
	}
	return false
}
