package orchestrator

import (
	"fmt"

	"github.com/fatih/color"
)

// EventFormatter interface for pretty output
type EventFormatter interface {
	PrintEvent(event Event)
}

// ConsoleFormatter prints workflow events to the console with colors. It
// implements both EventFormatter and Subscriber, so it can be attached to a
// Broadcaster directly.
type ConsoleFormatter struct{}

func NewConsoleFormatter() *ConsoleFormatter {
	return &ConsoleFormatter{}
}

// Send implements Subscriber. Printing never fails the broadcast.
func (f *ConsoleFormatter) Send(event Event) error {
	f.PrintEvent(event)
	return nil
}

func (f *ConsoleFormatter) PrintEvent(event Event) {
	prefix := fmt.Sprintf("[%3.0f%%]", event.Progress*100)
	switch event.Type {
	case EventWorkflowStarted:
		color.Blue("%s %s started", prefix, event.WorkflowID)
	case EventWorkflowCompleted:
		color.Green("%s %s completed", prefix, event.WorkflowID)
	case EventWorkflowFailed:
		color.Red("%s %s failed: %s", prefix, event.WorkflowID, event.Message)
	case EventWorkflowPaused, EventHumanInputRequired:
		color.Yellow("%s %s %s", prefix, event.WorkflowID, event.Message)
	case EventWorkflowResumed:
		color.Cyan("%s %s resumed", prefix, event.WorkflowID)
	default:
		color.White("%s %s %s", prefix, event.Stage, event.Message)
	}
}
