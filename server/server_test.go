package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deepnoodle-ai/orchestrator"
	"github.com/stretchr/testify/require"
)

type analysisFunc func(ctx context.Context, input *orchestrator.AnalysisInput) (*orchestrator.AnalysisOutput, error)

func (f analysisFunc) Run(ctx context.Context, input *orchestrator.AnalysisInput) (*orchestrator.AnalysisOutput, error) {
	return f(ctx, input)
}

type deciderFunc func(ctx context.Context, input *orchestrator.DecisionInput) (*orchestrator.VisualizationDecision, error)

func (f deciderFunc) Decide(ctx context.Context, input *orchestrator.DecisionInput) (*orchestrator.VisualizationDecision, error) {
	return f(ctx, input)
}

type visualizationFunc func(ctx context.Context, input *orchestrator.VisualizationInput) (*orchestrator.VisualizationOutput, error)

func (f visualizationFunc) Run(ctx context.Context, input *orchestrator.VisualizationInput) (*orchestrator.VisualizationOutput, error) {
	return f(ctx, input)
}

func testStages(pauseFirst bool) orchestrator.Stages {
	return orchestrator.Stages{
		Analysis: analysisFunc(func(ctx context.Context, input *orchestrator.AnalysisInput) (*orchestrator.AnalysisOutput, error) {
			if pauseFirst && input.Resume == nil {
				return &orchestrator.AnalysisOutput{Pause: &orchestrator.AnalysisPause{
					InterventionType: "query_review",
					TimeoutSeconds:   300,
				}}, nil
			}
			return &orchestrator.AnalysisOutput{
				QuerySuccess: true,
				Rows: []map[string]any{
					{"region": "east", "revenue": 1200.0},
					{"region": "west", "revenue": 800.0},
				},
			}, nil
		}),
		Decider: deciderFunc(func(ctx context.Context, input *orchestrator.DecisionInput) (*orchestrator.VisualizationDecision, error) {
			return &orchestrator.VisualizationDecision{Visualize: true, SuggestedChartType: "bar"}, nil
		}),
		Visualization: visualizationFunc(func(ctx context.Context, input *orchestrator.VisualizationInput) (*orchestrator.VisualizationOutput, error) {
			return &orchestrator.VisualizationOutput{ChartType: input.ChartType}, nil
		}),
	}
}

func newTestServer(t *testing.T, stages orchestrator.Stages) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch, err := orchestrator.NewOrchestrator(orchestrator.OrchestratorOptions{
		Stages: stages,
		Logger: logger,
	})
	require.NoError(t, err)
	srv, err := New(Options{Orchestrator: orch, Logger: logger})
	require.NoError(t, err)
	return srv, orch
}

func postJSON(t *testing.T, srv http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func executeBody() map[string]any {
	return map[string]any{
		"conversation_id": "conv-1",
		"query":           "show revenue by region",
		"database":        "sales",
	}
}

func TestServerHealthz(t *testing.T) {
	srv, _ := newTestServer(t, testStages(false))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestServerExecute(t *testing.T) {
	t.Run("returns the final state as JSON", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(false))
		rec := postJSON(t, srv, "/workflows/execute", executeBody())
		require.Equal(t, http.StatusOK, rec.Code)

		var state orchestrator.WorkflowState
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
		require.Equal(t, orchestrator.StatusCompleted, state.Status)
		require.Equal(t, "conv-1", state.ConversationID)
		require.Equal(t, "bar", state.ChartType)
	})

	t.Run("validation failures map to 400", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(false))
		rec := postJSON(t, srv, "/workflows/execute", map[string]any{"database": "sales"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "query")
	})

	t.Run("malformed JSON maps to 400", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(false))
		req := httptest.NewRequest(http.MethodPost, "/workflows/execute", strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "invalid request body")
	})

	t.Run("stream=true responds with SSE events", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(false))
		data, err := json.Marshal(executeBody())
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/workflows/execute?stream=true", bytes.NewReader(data))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		body := rec.Body.String()
		require.Contains(t, body, "event: workflow.started")
		require.Contains(t, body, "event: stage.completed")
		require.Contains(t, body, "event: workflow.completed")

		// Events arrive in order: started first, terminal last.
		require.Less(t,
			strings.Index(body, "event: workflow.started"),
			strings.Index(body, "event: workflow.completed"))
	})
}

func TestServerState(t *testing.T) {
	t.Run("returns the checkpointed state", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(false))
		rec := postJSON(t, srv, "/workflows/execute", executeBody())
		require.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workflows/conv-1/state", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var state orchestrator.WorkflowState
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
		require.Equal(t, orchestrator.StatusCompleted, state.Status)
	})

	t.Run("unknown thread maps to 404", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(false))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workflows/conv-unknown/state", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServerResume(t *testing.T) {
	t.Run("resumes a paused workflow", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(true))
		rec := postJSON(t, srv, "/workflows/execute", executeBody())
		require.Equal(t, http.StatusOK, rec.Code)

		var paused orchestrator.WorkflowState
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paused))
		require.Equal(t, orchestrator.StatusPaused, paused.Status)

		rec = postJSON(t, srv, "/workflows/conv-1/resume", map[string]any{"action": "approve"})
		require.Equal(t, http.StatusOK, rec.Code)

		var state orchestrator.WorkflowState
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
		require.Equal(t, orchestrator.StatusCompleted, state.Status)
	})

	t.Run("resume of an unknown thread maps to 404", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(false))
		rec := postJSON(t, srv, "/workflows/conv-unknown/resume", map[string]any{"action": "approve"})
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("resume without an action maps to 400", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(false))
		rec := postJSON(t, srv, "/workflows/conv-1/resume", map[string]any{})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "action")
	})
}

func TestServerHITL(t *testing.T) {
	t.Run("pending lists open requests for a thread", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(true))
		rec := postJSON(t, srv, "/workflows/execute", executeBody())
		require.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hitl/pending?conversation_id=conv-1", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Pending []*orchestrator.InterventionRequest `json:"pending"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Pending, 1)
		require.Equal(t, "query_review", body.Pending[0].InterventionType)
	})

	t.Run("pending with no open requests returns an empty list", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(false))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hitl/pending?conversation_id=conv-1", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"pending":[]}`, rec.Body.String())
	})

	t.Run("pending without a conversation ID maps to 400", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(false))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hitl/pending", nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("respond resolves the request and resumes", func(t *testing.T) {
		srv, orch := newTestServer(t, testStages(true))
		rec := postJSON(t, srv, "/workflows/execute", executeBody())
		require.Equal(t, http.StatusOK, rec.Code)

		pending, err := orch.Interventions().Pending(context.Background(), "conv-1")
		require.NoError(t, err)
		require.Len(t, pending, 1)

		rec = postJSON(t, srv, "/hitl/respond", map[string]any{
			"request_id": pending[0].RequestID,
			"action":     "approve",
			"responder":  "analyst@example.com",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var state orchestrator.WorkflowState
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
		require.Equal(t, orchestrator.StatusCompleted, state.Status)
	})

	t.Run("respond to an unknown request maps to 400", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(false))
		rec := postJSON(t, srv, "/hitl/respond", map[string]any{
			"request_id": "hitl_missing",
			"action":     "approve",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "unknown intervention request")
	})

	t.Run("respond without a request ID maps to 400", func(t *testing.T) {
		srv, _ := newTestServer(t, testStages(false))
		rec := postJSON(t, srv, "/hitl/respond", map[string]any{"action": "approve"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "request_id is required")
	})
}

type denyAll struct{}

func (denyAll) Authorize(r *http.Request) error { return errors.New("no token") }

func TestServerAuthorization(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch, err := orchestrator.NewOrchestrator(orchestrator.OrchestratorOptions{
		Stages: testStages(false),
		Logger: logger,
	})
	require.NoError(t, err)
	srv, err := New(Options{Orchestrator: orch, Logger: logger, Authorizer: denyAll{}})
	require.NoError(t, err)

	for _, path := range []string{"/workflows/execute", "/workflows/conv-1/resume", "/hitl/respond"} {
		rec := postJSON(t, srv, path, map[string]any{})
		require.Equal(t, http.StatusForbidden, rec.Code, fmt.Sprintf("path %s", path))
	}
}

func TestServerInternalErrors(t *testing.T) {
	t.Run("unexpected failures are not leaked to the client", func(t *testing.T) {
		stages := testStages(false)
		stages.Analysis = analysisFunc(func(ctx context.Context, input *orchestrator.AnalysisInput) (*orchestrator.AnalysisOutput, error) {
			return nil, errors.New("database credentials rejected")
		})
		srv, _ := newTestServer(t, stages)

		rec := postJSON(t, srv, "/workflows/execute", executeBody())
		// Stage failures settle the workflow as failed rather than erroring
		// the request; the state still comes back.
		require.Equal(t, http.StatusOK, rec.Code)

		var state orchestrator.WorkflowState
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
		require.Equal(t, orchestrator.StatusFailed, state.Status)
	})
}
