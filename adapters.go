package orchestrator

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.jetify.com/typeid"
)

// Step names of the analytics graph. They double as the Stage value visible
// in WorkflowState while a step runs.
const (
	StepRunAnalysis         = "run_analysis"
	StepDecideVisualization = "decide_visualization"
	StepRunVisualization    = "run_visualization"
	StepAggregateResults    = "aggregate_results"
)

// Agent names recorded in WorkflowState.AgentsExecuted.
const (
	AgentAnalysis      = "analysis"
	AgentVisualization = "visualization"
)

// Route labels used by the analytics graph's conditional edges.
const (
	RouteContinue  RouteLabel = "continue"
	RouteRejected  RouteLabel = "rejected"
	RouteVisualize RouteLabel = "visualize"
	RouteSkip      RouteLabel = "skip"
)

// NewVisualizationID returns a new prefixed ID for a rendered chart.
func NewVisualizationID() string {
	id, err := typeid.WithPrefix("viz")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewAnalyticsGraph builds the four-step analytics workflow around the given
// stage implementations. decisionDefault is the route taken when the
// visualization decider itself fails (RouteVisualize or RouteSkip).
func NewAnalyticsGraph(stages Stages, clock clockwork.Clock, decisionDefault RouteLabel) (*Graph, error) {
	steps := []*Step{
		{
			Name:   StepRunAnalysis,
			Policy: PolicyFatal,
			Agent:  AgentAnalysis,
			Run:    analysisStep(stages.Analysis),
			Route: &ConditionalEdge{
				Route: intentRoute,
				Targets: map[RouteLabel]string{
					RouteContinue: StepDecideVisualization,
					RouteRejected: StepAggregateResults,
				},
				Default: RouteContinue,
			},
		},
		{
			Name:   StepDecideVisualization,
			Policy: PolicyDecision,
			Run:    decideStep(stages.Decider),
			Route: &ConditionalEdge{
				Route: visualizationRoute,
				Targets: map[RouteLabel]string{
					RouteVisualize: StepRunVisualization,
					RouteSkip:      StepAggregateResults,
				},
				Default: decisionDefault,
			},
		},
		{
			Name:   StepRunVisualization,
			Policy: PolicyRecoverable,
			Agent:  AgentVisualization,
			Run:    visualizationStep(stages.Visualization),
			Next:   StepAggregateResults,
		},
		{
			Name:   StepAggregateResults,
			Policy: PolicyFatal,
			Run:    aggregateStep(clock),
		},
	}
	return NewGraph("analytics", steps...)
}

// analysisStep adapts an AnalysisStage into a graph step. A stage pause
// becomes a suspension; a stage error is fatal for the whole workflow.
func analysisStep(stage AnalysisStage) StepFunc {
	return func(ctx context.Context, state *WorkflowState, resume *ResumeValue) StepOutcome {
		out, err := stage.Run(ctx, &AnalysisInput{
			SessionID:      state.WorkflowID,
			ConversationID: state.ConversationID,
			Query:          state.UserQuery,
			Database:       state.Database,
			Options:        state.Options,
			Resume:         resume,
		})
		if err != nil {
			return Fail(&StageFatalError{Stage: AgentAnalysis, Err: err})
		}
		if out.Pause != nil {
			return Suspend(&SuspendPayload{
				InterventionType: out.Pause.InterventionType,
				Context:          out.Pause.Context,
				Options:          out.Pause.Options,
				TimeoutSeconds:   out.Pause.TimeoutSeconds,
			})
		}
		return Continue(&StateDelta{
			Status:          ptr(StatusAnalyzed),
			Intent:          ptr(out.Intent),
			IntentRejected:  ptr(out.IntentRejected),
			FinalMessage:    ptr(out.FinalMessage),
			GeneratedQuery:  ptr(out.GeneratedQuery),
			QueryConfidence: ptr(out.Confidence),
			QuerySuccess:    ptr(out.QuerySuccess),
			QueryData:       ptr(copyRows(out.Rows)),
			AnalysisResults: ptr(copyMap(out.Results)),
			Insights:        copySlice(out.Insights),
			Recommendations: copySlice(out.Recommendations),
			Warnings:        copySlice(out.Warnings),
			AgentsExecuted:  []string{AgentAnalysis},
		})
	}
}

// decideStep adapts a Decider into a graph step. Cheap structural rules skip
// the decider entirely when visualization obviously cannot help; the decider
// is only consulted for data that could plausibly be charted.
func decideStep(decider Decider) StepFunc {
	return func(ctx context.Context, state *WorkflowState, _ *ResumeValue) StepOutcome {
		skip := func(reason string) StepOutcome {
			return Continue(&StateDelta{
				Status:              ptr(StatusDeciding),
				ShouldVisualize:     ptr(false),
				SkipVisualizeReason: ptr(reason),
			})
		}
		if !state.QuerySuccess {
			return skip("analysis query did not succeed")
		}
		if len(state.QueryData) == 0 {
			return skip("no data to visualize")
		}
		if !state.Options.AutoVisualize {
			return skip("auto-visualization disabled")
		}
		if len(state.QueryData) == 1 && len(state.QueryData[0]) == 1 {
			return skip("single scalar result")
		}
		decision, err := decider.Decide(ctx, &DecisionInput{
			Query:    state.UserQuery,
			RowCount: len(state.QueryData),
			Columns:  rowColumns(state.QueryData[0]),
			Summary:  resultSummary(state.AnalysisResults),
		})
		if err != nil {
			return Fail(err)
		}
		delta := &StateDelta{
			Status:             ptr(StatusDeciding),
			ShouldVisualize:    ptr(decision.Visualize),
			VisualizeReasoning: ptr(decision.Reasoning),
		}
		if decision.Visualize {
			if decision.SuggestedChartType != "" {
				delta.RecommendedChartType = ptr(decision.SuggestedChartType)
			}
		} else {
			delta.SkipVisualizeReason = ptr(decision.Reasoning)
		}
		return Continue(delta)
	}
}

// visualizationStep adapts a VisualizationStage into a graph step. Stage
// errors are recoverable: the workflow continues without a chart.
func visualizationStep(stage VisualizationStage) StepFunc {
	return func(ctx context.Context, state *WorkflowState, _ *ResumeValue) StepOutcome {
		chartType := state.Options.ChartType
		if chartType == "" {
			chartType = state.RecommendedChartType
		}
		vizID := NewVisualizationID()
		out, err := stage.Run(ctx, &VisualizationInput{
			VisualizationID: vizID,
			Query:           state.UserQuery,
			Rows:            state.QueryData,
			Results:         state.AnalysisResults,
			ChartType:       chartType,
			IncludeInsights: state.Options.IncludeInsights,
		})
		if err != nil {
			return Fail(&StageRecoverableError{Stage: AgentVisualization, Err: err})
		}
		return Continue(&StateDelta{
			Status:          ptr(StatusVisualized),
			VisualizationID: ptr(vizID),
			ChartType:       ptr(out.ChartType),
			ChartSpec:       ptr(copyMap(out.ChartSpec)),
			ChartInsights:   copySlice(out.Insights),
			Warnings:        copySlice(out.Warnings),
			AgentsExecuted:  []string{AgentVisualization},
		})
	}
}

// aggregateStep folds chart insights into the main insight list, stamps the
// completion time, and settles the final status.
func aggregateStep(clock clockwork.Clock) StepFunc {
	return func(ctx context.Context, state *WorkflowState, _ *ResumeValue) StepOutcome {
		now := clock.Now()
		elapsed := now.Sub(state.CreatedAt).Round(time.Millisecond)

		status := StatusCompleted
		switch {
		case len(state.Errors) > 0 && !state.PartialSuccess:
			status = StatusFailed
		case state.PartialSuccess:
			status = StatusPartialSuccess
		}
		return Continue(&StateDelta{
			Status:        ptr(status),
			CompletedAt:   &now,
			ExecutionTime: &elapsed,
			Insights:      copySlice(state.ChartInsights),
		})
	}
}

func intentRoute(state *WorkflowState) RouteLabel {
	if state.IntentRejected {
		return RouteRejected
	}
	return RouteContinue
}

func visualizationRoute(state *WorkflowState) RouteLabel {
	if state.ShouldVisualize {
		return RouteVisualize
	}
	return RouteSkip
}

func rowColumns(row map[string]any) []string {
	cols := make([]string, 0, len(row))
	for name := range row {
		cols = append(cols, name)
	}
	return cols
}

func resultSummary(results map[string]any) string {
	if results == nil {
		return ""
	}
	if s, ok := results["summary"].(string); ok {
		return s
	}
	return ""
}
