package orchestrator

import (
	"context"
)

// The orchestrator treats each processing stage as an external collaborator
// behind a narrow interface. Adapters own the translation between
// WorkflowState and these stage-specific value objects; the stages' internal
// logic (query translation, chart rendering) lives outside this module.

// AnalysisInput is the input to the analysis stage.
type AnalysisInput struct {
	SessionID      string
	ConversationID string
	Query          string
	Database       string
	Options        Options

	// Resume carries the human response when the stage is re-entered after a
	// pause. Nil on the first invocation.
	Resume *ResumeValue
}

// AnalysisPause signals that the analysis stage suspended for human input.
// The adapter propagates it upward rather than folding it into output.
type AnalysisPause struct {
	InterventionType string
	Context          map[string]any
	Options          []InterventionOption
	TimeoutSeconds   int
}

// AnalysisOutput is the result of a completed (or paused) analysis run.
type AnalysisOutput struct {
	// Pause is non-nil when the stage suspended instead of completing.
	Pause *AnalysisPause

	Intent          string
	IntentRejected  bool
	FinalMessage    string
	GeneratedQuery  string
	Confidence      float64
	QuerySuccess    bool
	Rows            []map[string]any
	Results         map[string]any
	Insights        []string
	Recommendations []string
	Warnings        []string
}

// AnalysisStage turns a natural-language question into a query, executes it,
// and derives analysis results.
type AnalysisStage interface {
	Run(ctx context.Context, input *AnalysisInput) (*AnalysisOutput, error)
}

// DecisionInput describes the data a visualization decision is based on.
type DecisionInput struct {
	Query    string
	RowCount int
	Columns  []string
	Summary  string
}

// VisualizationDecision is the decider's verdict.
type VisualizationDecision struct {
	Visualize          bool
	Reasoning          string
	SuggestedChartType string
}

// Decider determines whether a visualization would help answer the query.
// The rule-based pre-filter runs before the decider is consulted.
type Decider interface {
	Decide(ctx context.Context, input *DecisionInput) (*VisualizationDecision, error)
}

// VisualizationInput is the input to the visualization stage.
type VisualizationInput struct {
	VisualizationID string
	Query           string
	Rows            []map[string]any
	Results         map[string]any
	ChartType       string
	IncludeInsights bool
}

// VisualizationOutput is the result of a completed visualization run.
type VisualizationOutput struct {
	ChartType string
	ChartSpec map[string]any
	Insights  []string
	Warnings  []string
}

// VisualizationStage renders query results into a chart specification.
type VisualizationStage interface {
	Run(ctx context.Context, input *VisualizationInput) (*VisualizationOutput, error)
}

// Stages bundles the external collaborators the analytics graph is built on.
type Stages struct {
	Analysis      AnalysisStage
	Decider       Decider
	Visualization VisualizationStage
}
