package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/deepnoodle-ai/orchestrator"
)

// Development stage implementations. They produce synthetic data so the
// server can be exercised end to end without a real analysis backend;
// production deployments provide their own Stages.

type devAnalysisStage struct{}

func (s *devAnalysisStage) Run(ctx context.Context, input *orchestrator.AnalysisInput) (*orchestrator.AnalysisOutput, error) {
	query := fmt.Sprintf("SELECT category, value FROM metrics WHERE question = '%s' LIMIT %d",
		strings.ReplaceAll(input.Query, "'", "''"), input.Options.LimitRows)

	if input.Resume == nil && os.Getenv("REQUIRE_REVIEW") == "true" {
		return &orchestrator.AnalysisOutput{
			Pause: &orchestrator.AnalysisPause{
				InterventionType: "query_review",
				Context: map[string]any{
					"generated_query": query,
					"database":        input.Database,
				},
				Options: []orchestrator.InterventionOption{
					{Action: "approve", Label: "Run the query as generated"},
					{Action: "modify", Label: "Run an edited query"},
					{Action: "reject", Label: "Do not run the query"},
				},
				TimeoutSeconds: 300,
			},
		}, nil
	}

	if input.Resume != nil {
		switch input.Resume.Action {
		case "approve":
		case "modify":
			if modified, ok := input.Resume.Data["modified_query"].(string); ok && modified != "" {
				query = modified
			}
		case "reject":
			return &orchestrator.AnalysisOutput{
				Intent:         "rejected",
				IntentRejected: true,
				FinalMessage:   "Query rejected by reviewer",
				GeneratedQuery: query,
			}, nil
		default:
			return nil, fmt.Errorf("query review aborted (%s)", input.Resume.Action)
		}
	}

	return &orchestrator.AnalysisOutput{
		Intent:         "analyze",
		FinalMessage:   fmt.Sprintf("Analyzed %q against %s", input.Query, input.Database),
		GeneratedQuery: query,
		Confidence:     0.9,
		QuerySuccess:   true,
		Rows: []map[string]any{
			{"category": "alpha", "value": 42},
			{"category": "beta", "value": 17},
			{"category": "gamma", "value": 8},
		},
		Results: map[string]any{
			"summary": "Three categories, alpha dominates",
		},
		Insights: []string{"alpha accounts for the majority of the total"},
	}, nil
}

type devDecider struct{}

func (d *devDecider) Decide(ctx context.Context, input *orchestrator.DecisionInput) (*orchestrator.VisualizationDecision, error) {
	if input.RowCount < 2 {
		return &orchestrator.VisualizationDecision{
			Visualize: false,
			Reasoning: "too few rows to chart",
		}, nil
	}
	return &orchestrator.VisualizationDecision{
		Visualize:          true,
		Reasoning:          fmt.Sprintf("%d rows across %d columns chart well", input.RowCount, len(input.Columns)),
		SuggestedChartType: "bar",
	}, nil
}

type devVisualizationStage struct{}

func (s *devVisualizationStage) Run(ctx context.Context, input *orchestrator.VisualizationInput) (*orchestrator.VisualizationOutput, error) {
	chartType := input.ChartType
	if chartType == "" {
		chartType = "bar"
	}
	out := &orchestrator.VisualizationOutput{
		ChartType: chartType,
		ChartSpec: map[string]any{
			"type": chartType,
			"data": input.Rows,
		},
	}
	if input.IncludeInsights {
		out.Insights = []string{fmt.Sprintf("chart %s renders %d rows", input.VisualizationID, len(input.Rows))}
	}
	return out, nil
}
