package orchestrator

import (
	"time"
)

// Status represents the workflow status
type Status string

const (
	StatusPending        Status = "pending"
	StatusAnalyzed       Status = "analyzed"
	StatusDeciding       Status = "deciding"
	StatusVisualized     Status = "visualized"
	StatusPaused         Status = "paused"
	StatusCompleted      Status = "completed"
	StatusPartialSuccess Status = "partial_success"
	StatusFailed         Status = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartialSuccess, StatusFailed:
		return true
	}
	return false
}

// Options configures a single workflow run.
type Options struct {
	AutoVisualize   bool   `json:"auto_visualize" yaml:"auto_visualize"`
	ChartType       string `json:"chart_type,omitempty" yaml:"chart_type,omitempty"`
	IncludeInsights bool   `json:"include_insights" yaml:"include_insights"`
	LimitRows       int    `json:"limit_rows" yaml:"limit_rows"`
}

// DefaultOptions returns the options applied when the caller provides none.
func DefaultOptions() Options {
	return Options{
		AutoVisualize:   true,
		IncludeInsights: true,
		LimitRows:       1000,
	}
}

// WorkflowState is the complete state of one analytics workflow. It is owned
// exclusively by the in-flight execution and is fully JSON serializable so it
// can be checkpointed between steps.
type WorkflowState struct {
	// Request
	WorkflowID     string  `json:"workflow_id"`
	ConversationID string  `json:"conversation_id"`
	UserQuery      string  `json:"user_query"`
	Database       string  `json:"database"`
	UserID         string  `json:"user_id,omitempty"`
	Options        Options `json:"options"`

	// Workflow control
	Stage  string `json:"stage"`
	Status Status `json:"status"`

	// Analysis results
	Intent          string           `json:"intent,omitempty"`
	IntentRejected  bool             `json:"intent_rejected"`
	FinalMessage    string           `json:"final_message,omitempty"`
	GeneratedQuery  string           `json:"generated_query,omitempty"`
	QueryConfidence float64          `json:"query_confidence,omitempty"`
	QuerySuccess    bool             `json:"query_success"`
	QueryData       []map[string]any `json:"query_data,omitempty"`
	AnalysisResults map[string]any   `json:"analysis_results,omitempty"`

	// Visualization decision
	ShouldVisualize      bool   `json:"should_visualize"`
	VisualizeReasoning   string `json:"visualization_reasoning,omitempty"`
	SkipVisualizeReason  string `json:"skip_visualization_reason,omitempty"`
	RecommendedChartType string `json:"recommended_chart_type,omitempty"`

	// Visualization results
	VisualizationID string         `json:"visualization_id,omitempty"`
	ChartType       string         `json:"chart_type,omitempty"`
	ChartSpec       map[string]any `json:"chart_spec,omitempty"`
	ChartInsights   []string       `json:"chart_insights,omitempty"`

	// Aggregated results
	Insights        []string `json:"insights,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`

	// Error handling
	Errors         []string `json:"errors,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	PartialSuccess bool     `json:"partial_success"`

	// Audit trail of stages that actually ran
	AgentsExecuted []string `json:"agents_executed"`

	// Metadata
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   time.Time     `json:"completed_at,omitzero"`
	ExecutionTime time.Duration `json:"execution_time,omitempty"`
}

// Copy returns a deep copy of the state. Checkpoint stores copy on both save
// and load so no two executions ever share slices or maps.
func (s *WorkflowState) Copy() *WorkflowState {
	out := *s
	out.QueryData = copyRows(s.QueryData)
	out.AnalysisResults = copyMap(s.AnalysisResults)
	out.ChartSpec = copyMap(s.ChartSpec)
	out.ChartInsights = copySlice(s.ChartInsights)
	out.Insights = copySlice(s.Insights)
	out.Recommendations = copySlice(s.Recommendations)
	out.Errors = copySlice(s.Errors)
	out.Warnings = copySlice(s.Warnings)
	out.AgentsExecuted = copySlice(s.AgentsExecuted)
	return &out
}

// StateDelta describes the changes one step makes to the workflow state.
// Merge semantics are explicit per field: pointer fields replace the current
// value when non-nil, slice fields always append. Steps return deltas instead
// of mutating state so the executor remains the single writer.
type StateDelta struct {
	// Replace fields
	Stage                *string
	Status               *Status
	Intent               *string
	IntentRejected       *bool
	FinalMessage         *string
	GeneratedQuery       *string
	QueryConfidence      *float64
	QuerySuccess         *bool
	QueryData            *[]map[string]any
	AnalysisResults      *map[string]any
	ShouldVisualize      *bool
	VisualizeReasoning   *string
	SkipVisualizeReason  *string
	RecommendedChartType *string
	VisualizationID      *string
	ChartType            *string
	ChartSpec            *map[string]any
	PartialSuccess       *bool
	CompletedAt          *time.Time
	ExecutionTime        *time.Duration

	// Append fields
	ChartInsights   []string
	Insights        []string
	Recommendations []string
	Errors          []string
	Warnings        []string
	AgentsExecuted  []string
}

// Apply merges the delta into the state.
func (d *StateDelta) Apply(s *WorkflowState) {
	if d == nil {
		return
	}
	if d.Stage != nil {
		s.Stage = *d.Stage
	}
	if d.Status != nil {
		s.Status = *d.Status
	}
	if d.Intent != nil {
		s.Intent = *d.Intent
	}
	if d.IntentRejected != nil {
		s.IntentRejected = *d.IntentRejected
	}
	if d.FinalMessage != nil {
		s.FinalMessage = *d.FinalMessage
	}
	if d.GeneratedQuery != nil {
		s.GeneratedQuery = *d.GeneratedQuery
	}
	if d.QueryConfidence != nil {
		s.QueryConfidence = *d.QueryConfidence
	}
	if d.QuerySuccess != nil {
		s.QuerySuccess = *d.QuerySuccess
	}
	if d.QueryData != nil {
		s.QueryData = *d.QueryData
	}
	if d.AnalysisResults != nil {
		s.AnalysisResults = *d.AnalysisResults
	}
	if d.ShouldVisualize != nil {
		s.ShouldVisualize = *d.ShouldVisualize
	}
	if d.VisualizeReasoning != nil {
		s.VisualizeReasoning = *d.VisualizeReasoning
	}
	if d.SkipVisualizeReason != nil {
		s.SkipVisualizeReason = *d.SkipVisualizeReason
	}
	if d.RecommendedChartType != nil {
		s.RecommendedChartType = *d.RecommendedChartType
	}
	if d.VisualizationID != nil {
		s.VisualizationID = *d.VisualizationID
	}
	if d.ChartType != nil {
		s.ChartType = *d.ChartType
	}
	if d.ChartSpec != nil {
		s.ChartSpec = *d.ChartSpec
	}
	if d.PartialSuccess != nil {
		s.PartialSuccess = *d.PartialSuccess
	}
	if d.CompletedAt != nil {
		s.CompletedAt = *d.CompletedAt
	}
	if d.ExecutionTime != nil {
		s.ExecutionTime = *d.ExecutionTime
	}
	s.ChartInsights = append(s.ChartInsights, d.ChartInsights...)
	s.Insights = append(s.Insights, d.Insights...)
	s.Recommendations = append(s.Recommendations, d.Recommendations...)
	s.Errors = append(s.Errors, d.Errors...)
	s.Warnings = append(s.Warnings, d.Warnings...)
	s.AgentsExecuted = append(s.AgentsExecuted, d.AgentsExecuted...)
}

func ptr[T any](v T) *T {
	return &v
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copySlice(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func copyRows(rows []map[string]any) []map[string]any {
	if rows == nil {
		return nil
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = copyMap(row)
	}
	return out
}
