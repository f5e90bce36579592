package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStageLogger(t *testing.T) {
	ctx := context.Background()

	t.Run("entries roundtrip through the JSONL file", func(t *testing.T) {
		logger := NewFileStageLogger(t.TempDir())
		require.NoError(t, logger.LogStage(ctx, &StageLogEntry{
			WorkflowID:     "run_1",
			ConversationID: "conv-1",
			StepName:       StepRunAnalysis,
			Agent:          AgentAnalysis,
			Outcome:        "completed",
			Duration:       0.25,
		}))
		require.NoError(t, logger.LogStage(ctx, &StageLogEntry{
			WorkflowID: "run_1",
			StepName:   StepAggregateResults,
			Outcome:    "completed",
		}))

		history, err := logger.GetStageHistory(ctx, "run_1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		require.Equal(t, StepRunAnalysis, history[0].StepName)
		require.Equal(t, AgentAnalysis, history[0].Agent)
		require.Equal(t, StepAggregateResults, history[1].StepName)
	})

	t.Run("entries for different workflows land in different files", func(t *testing.T) {
		logger := NewFileStageLogger(t.TempDir())
		require.NoError(t, logger.LogStage(ctx, &StageLogEntry{WorkflowID: "run_1", StepName: StepRunAnalysis, Outcome: "completed"}))
		require.NoError(t, logger.LogStage(ctx, &StageLogEntry{WorkflowID: "run_2", StepName: StepRunAnalysis, Outcome: "failed"}))

		history, err := logger.GetStageHistory(ctx, "run_1")
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.Equal(t, "completed", history[0].Outcome)
	})

	t.Run("executed workflow leaves a stage trail", func(t *testing.T) {
		logger := NewFileStageLogger(t.TempDir())
		orch := newTestOrchestrator(t, OrchestratorOptions{StageLogger: logger})
		state, err := orch.Execute(context.Background(), executeRequest())
		require.NoError(t, err)

		history, err := logger.GetStageHistory(context.Background(), state.WorkflowID)
		require.NoError(t, err)
		require.Len(t, history, 4)
		for _, entry := range history {
			require.Equal(t, "completed", entry.Outcome)
			require.Equal(t, "conv-1", entry.ConversationID)
		}
	})
}
