package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type analysisStageFunc func(ctx context.Context, input *AnalysisInput) (*AnalysisOutput, error)

func (f analysisStageFunc) Run(ctx context.Context, input *AnalysisInput) (*AnalysisOutput, error) {
	return f(ctx, input)
}

type visualizationStageFunc func(ctx context.Context, input *VisualizationInput) (*VisualizationOutput, error)

func (f visualizationStageFunc) Run(ctx context.Context, input *VisualizationInput) (*VisualizationOutput, error) {
	return f(ctx, input)
}

type stubDecider struct {
	decision *VisualizationDecision
	err      error
	calls    int
}

func (d *stubDecider) Decide(ctx context.Context, input *DecisionInput) (*VisualizationDecision, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.decision, nil
}

func chartableState() *WorkflowState {
	return &WorkflowState{
		UserQuery:    "show revenue by region",
		QuerySuccess: true,
		QueryData: []map[string]any{
			{"region": "east", "revenue": 1200.0},
			{"region": "west", "revenue": 800.0},
		},
		Options: DefaultOptions(),
	}
}

func TestDecideStepPrefilters(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, state *WorkflowState) (*stubDecider, *WorkflowState) {
		t.Helper()
		decider := &stubDecider{decision: &VisualizationDecision{Visualize: true, SuggestedChartType: "bar"}}
		outcome := decideStep(decider)(ctx, state, nil)
		delta, ok := outcome.Continued()
		require.True(t, ok)
		delta.Apply(state)
		return decider, state
	}

	t.Run("failed query skips without consulting the decider", func(t *testing.T) {
		state := chartableState()
		state.QuerySuccess = false
		decider, state := run(t, state)
		require.Zero(t, decider.calls)
		require.False(t, state.ShouldVisualize)
		require.Equal(t, "analysis query did not succeed", state.SkipVisualizeReason)
	})

	t.Run("empty result set skips", func(t *testing.T) {
		state := chartableState()
		state.QueryData = nil
		decider, state := run(t, state)
		require.Zero(t, decider.calls)
		require.Equal(t, "no data to visualize", state.SkipVisualizeReason)
	})

	t.Run("auto visualize disabled skips", func(t *testing.T) {
		state := chartableState()
		state.Options.AutoVisualize = false
		decider, state := run(t, state)
		require.Zero(t, decider.calls)
		require.Equal(t, "auto-visualization disabled", state.SkipVisualizeReason)
	})

	t.Run("single scalar result skips", func(t *testing.T) {
		state := chartableState()
		state.QueryData = []map[string]any{{"count": 42}}
		decider, state := run(t, state)
		require.Zero(t, decider.calls)
		require.Equal(t, "single scalar result", state.SkipVisualizeReason)
	})

	t.Run("chartable data consults the decider", func(t *testing.T) {
		state := chartableState()
		decider, state := run(t, state)
		require.Equal(t, 1, decider.calls)
		require.True(t, state.ShouldVisualize)
		require.Equal(t, "bar", state.RecommendedChartType)
		require.Equal(t, StatusDeciding, state.Status)
	})

	t.Run("decider skip records its reasoning", func(t *testing.T) {
		state := chartableState()
		decider := &stubDecider{decision: &VisualizationDecision{
			Visualize: false,
			Reasoning: "data is a single trend already summarized",
		}}
		outcome := decideStep(decider)(ctx, state, nil)
		delta, ok := outcome.Continued()
		require.True(t, ok)
		delta.Apply(state)
		require.False(t, state.ShouldVisualize)
		require.Equal(t, "data is a single trend already summarized", state.SkipVisualizeReason)
	})

	t.Run("decider error fails the step", func(t *testing.T) {
		state := chartableState()
		decider := &stubDecider{err: errors.New("model unavailable")}
		outcome := decideStep(decider)(ctx, state, nil)
		err, ok := outcome.Failed()
		require.True(t, ok)
		require.Contains(t, err.Error(), "model unavailable")
	})
}

func TestAnalysisStep(t *testing.T) {
	ctx := context.Background()

	t.Run("stage error is wrapped as fatal", func(t *testing.T) {
		stage := analysisStageFunc(func(ctx context.Context, input *AnalysisInput) (*AnalysisOutput, error) {
			return nil, errors.New("llm call failed")
		})
		outcome := analysisStep(stage)(ctx, &WorkflowState{}, nil)
		err, ok := outcome.Failed()
		require.True(t, ok)
		var fatal *StageFatalError
		require.ErrorAs(t, err, &fatal)
		require.Equal(t, AgentAnalysis, fatal.Stage)
	})

	t.Run("pause output becomes a suspension", func(t *testing.T) {
		stage := analysisStageFunc(func(ctx context.Context, input *AnalysisInput) (*AnalysisOutput, error) {
			return &AnalysisOutput{Pause: &AnalysisPause{
				InterventionType: "query_review",
				Context:          map[string]any{"generated_query": "SELECT 1"},
				TimeoutSeconds:   60,
			}}, nil
		})
		outcome := analysisStep(stage)(ctx, &WorkflowState{}, nil)
		payload, ok := outcome.Suspended()
		require.True(t, ok)
		require.Equal(t, "query_review", payload.InterventionType)
		require.Equal(t, 60, payload.TimeoutSeconds)
	})

	t.Run("successful output updates state and records the agent", func(t *testing.T) {
		stage := analysisStageFunc(func(ctx context.Context, input *AnalysisInput) (*AnalysisOutput, error) {
			require.Equal(t, "show revenue by region", input.Query)
			return &AnalysisOutput{
				Intent:         "aggregation",
				GeneratedQuery: "SELECT region, sum(revenue) FROM sales GROUP BY region",
				Confidence:     0.92,
				QuerySuccess:   true,
				Rows:           []map[string]any{{"region": "east"}},
				Insights:       []string{"east leads revenue"},
			}, nil
		})
		state := &WorkflowState{UserQuery: "show revenue by region"}
		outcome := analysisStep(stage)(ctx, state, nil)
		delta, ok := outcome.Continued()
		require.True(t, ok)
		delta.Apply(state)

		require.Equal(t, StatusAnalyzed, state.Status)
		require.Equal(t, "aggregation", state.Intent)
		require.True(t, state.QuerySuccess)
		require.Len(t, state.QueryData, 1)
		require.Equal(t, []string{"east leads revenue"}, state.Insights)
		require.Equal(t, []string{AgentAnalysis}, state.AgentsExecuted)
	})
}

func TestVisualizationStep(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit chart type overrides the recommendation", func(t *testing.T) {
		var gotChartType string
		stage := visualizationStageFunc(func(ctx context.Context, input *VisualizationInput) (*VisualizationOutput, error) {
			gotChartType = input.ChartType
			return &VisualizationOutput{ChartType: input.ChartType, ChartSpec: map[string]any{"type": input.ChartType}}, nil
		})
		state := chartableState()
		state.Options.ChartType = "line"
		state.RecommendedChartType = "bar"

		outcome := visualizationStep(stage)(ctx, state, nil)
		delta, ok := outcome.Continued()
		require.True(t, ok)
		delta.Apply(state)

		require.Equal(t, "line", gotChartType)
		require.Equal(t, "line", state.ChartType)
		require.NotEmpty(t, state.VisualizationID)
		require.Equal(t, []string{AgentVisualization}, state.AgentsExecuted)
	})

	t.Run("recommendation applies when no chart type is requested", func(t *testing.T) {
		var gotChartType string
		stage := visualizationStageFunc(func(ctx context.Context, input *VisualizationInput) (*VisualizationOutput, error) {
			gotChartType = input.ChartType
			return &VisualizationOutput{ChartType: input.ChartType}, nil
		})
		state := chartableState()
		state.RecommendedChartType = "bar"

		outcome := visualizationStep(stage)(ctx, state, nil)
		_, ok := outcome.Continued()
		require.True(t, ok)
		require.Equal(t, "bar", gotChartType)
	})

	t.Run("stage error is wrapped as recoverable", func(t *testing.T) {
		stage := visualizationStageFunc(func(ctx context.Context, input *VisualizationInput) (*VisualizationOutput, error) {
			return nil, errors.New("renderer crashed")
		})
		outcome := visualizationStep(stage)(ctx, chartableState(), nil)
		err, ok := outcome.Failed()
		require.True(t, ok)
		var recoverable *StageRecoverableError
		require.ErrorAs(t, err, &recoverable)
		require.Equal(t, AgentVisualization, recoverable.Stage)
	})
}

func TestAggregateStep(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	run := func(t *testing.T, state *WorkflowState) *WorkflowState {
		t.Helper()
		outcome := aggregateStep(clock)(ctx, state, nil)
		delta, ok := outcome.Continued()
		require.True(t, ok)
		delta.Apply(state)
		return state
	}

	t.Run("clean run completes and folds chart insights", func(t *testing.T) {
		state := chartableState()
		state.CreatedAt = clock.Now().Add(-1500 * time.Millisecond)
		state.Insights = []string{"east leads revenue"}
		state.ChartInsights = []string{"bar chart highlights the gap"}

		state = run(t, state)
		require.Equal(t, StatusCompleted, state.Status)
		require.Equal(t, []string{"east leads revenue", "bar chart highlights the gap"}, state.Insights)
		require.Equal(t, clock.Now(), state.CompletedAt)
		require.Equal(t, 1500*time.Millisecond, state.ExecutionTime)
	})

	t.Run("partial success wins over completed", func(t *testing.T) {
		state := chartableState()
		state.CreatedAt = clock.Now()
		state.PartialSuccess = true
		state.Warnings = []string{"visualization skipped after failure"}

		state = run(t, state)
		require.Equal(t, StatusPartialSuccess, state.Status)
	})

	t.Run("recorded errors without partial success settle as failed", func(t *testing.T) {
		state := chartableState()
		state.CreatedAt = clock.Now()
		state.Errors = []string{"stage analysis failed: llm call failed"}

		state = run(t, state)
		require.Equal(t, StatusFailed, state.Status)
	})
}

func TestAnalyticsGraphShape(t *testing.T) {
	graph, err := NewAnalyticsGraph(Stages{
		Analysis: analysisStageFunc(func(ctx context.Context, input *AnalysisInput) (*AnalysisOutput, error) {
			return &AnalysisOutput{}, nil
		}),
		Decider: &stubDecider{decision: &VisualizationDecision{}},
		Visualization: visualizationStageFunc(func(ctx context.Context, input *VisualizationInput) (*VisualizationOutput, error) {
			return &VisualizationOutput{}, nil
		}),
	}, clockwork.NewFakeClock(), RouteVisualize)
	require.NoError(t, err)
	require.Equal(t, StepRunAnalysis, graph.Start())
	require.Equal(t, []string{
		StepAggregateResults,
		StepDecideVisualization,
		StepRunAnalysis,
		StepRunVisualization,
	}, graph.StepNames())

	t.Run("rejected intent routes straight to aggregation", func(t *testing.T) {
		step, ok := graph.GetStep(StepRunAnalysis)
		require.True(t, ok)
		next, err := graph.nextStep(step, &WorkflowState{IntentRejected: true})
		require.NoError(t, err)
		require.Equal(t, StepAggregateResults, next)
	})

	t.Run("visualize decision routes to the visualization step", func(t *testing.T) {
		step, ok := graph.GetStep(StepDecideVisualization)
		require.True(t, ok)
		next, err := graph.nextStep(step, &WorkflowState{ShouldVisualize: true})
		require.NoError(t, err)
		require.Equal(t, StepRunVisualization, next)
	})
}
