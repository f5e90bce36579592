package orchestrator

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func TestConsoleFormatter(t *testing.T) {
	var buf bytes.Buffer
	prevOutput, prevNoColor := color.Output, color.NoColor
	color.Output = &buf
	color.NoColor = true
	t.Cleanup(func() {
		color.Output = prevOutput
		color.NoColor = prevNoColor
	})

	formatter := NewConsoleFormatter()

	t.Run("send never fails the broadcast", func(t *testing.T) {
		var sub Subscriber = formatter
		require.NoError(t, sub.Send(Event{Type: EventWorkflowStarted, WorkflowID: "run_1"}))
		require.Contains(t, buf.String(), "run_1 started")
	})

	t.Run("progress prefix and terminal events", func(t *testing.T) {
		buf.Reset()
		formatter.PrintEvent(Event{Type: EventWorkflowCompleted, WorkflowID: "run_1", Progress: 1})
		formatter.PrintEvent(Event{Type: EventWorkflowFailed, WorkflowID: "run_2", Progress: 1, Message: "boom"})

		out := buf.String()
		require.Contains(t, out, "[100%] run_1 completed")
		require.Contains(t, out, "run_2 failed: boom")
	})

	t.Run("stage events print the stage name", func(t *testing.T) {
		buf.Reset()
		formatter.PrintEvent(Event{
			Type:     EventStageCompleted,
			Stage:    "run_analysis",
			Message:  "stage run_analysis completed",
			Progress: 0.25,
		})
		require.Contains(t, buf.String(), "[ 25%] run_analysis stage run_analysis completed")
	})
}
