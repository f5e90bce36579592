package email

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/deepnoodle-ai/orchestrator"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	calls    int
	from     string
	to       []string
	msg      []byte
	failures int
	err      error
}

func (s *fakeSender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	s.calls++
	s.from = from
	s.to = to
	s.msg = msg
	if s.calls <= s.failures {
		return s.err
	}
	return nil
}

func testRequest() *orchestrator.InterventionRequest {
	return &orchestrator.InterventionRequest{
		RequestID:        "hitl_1",
		ThreadID:         "conv-1",
		WorkflowID:       "run_1",
		InterventionType: "query_review",
		Context:          map[string]any{"generated_query": "SELECT 1"},
		Options: []orchestrator.InterventionOption{
			{Action: "approve", Label: "Approve"},
			{Action: "reject", Label: "Reject"},
		},
		TimeoutSeconds: 300,
		RequestedAt:    time.Now(),
		Status:         orchestrator.InterventionPending,
	}
}

func newTestNotifier(t *testing.T, sender Sender) *Notifier {
	t.Helper()
	notifier, err := NewNotifier(NotifierOptions{
		From:       "orchestrator@example.com",
		Recipients: []string{"ops@example.com"},
		Sender:     sender,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return notifier
}

func TestNewNotifier(t *testing.T) {
	t.Run("recipients are required", func(t *testing.T) {
		_, err := NewNotifier(NotifierOptions{Host: "smtp.example.com"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "recipient is required")
	})

	t.Run("host is required without an injected sender", func(t *testing.T) {
		_, err := NewNotifier(NotifierOptions{Recipients: []string{"ops@example.com"}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "smtp host is required")
	})
}

func TestNotify(t *testing.T) {
	ctx := context.Background()

	t.Run("mails the configured recipients", func(t *testing.T) {
		sender := &fakeSender{}
		notifier := newTestNotifier(t, sender)

		require.NoError(t, notifier.Notify(ctx, testRequest()))
		require.Equal(t, 1, sender.calls)
		require.Equal(t, "orchestrator@example.com", sender.from)
		require.Equal(t, []string{"ops@example.com"}, sender.to)
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		sender := &fakeSender{failures: 1, err: errors.New("dial tcp: connection refused")}
		notifier := newTestNotifier(t, sender)

		require.NoError(t, notifier.Notify(ctx, testRequest()))
		require.Equal(t, 2, sender.calls)
	})

	t.Run("non-recoverable failure surfaces without retrying", func(t *testing.T) {
		sender := &fakeSender{failures: 10, err: errors.New("smtp: authentication failed")}
		notifier := newTestNotifier(t, sender)

		err := notifier.Notify(ctx, testRequest())
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to email intervention request")
		require.Equal(t, 1, sender.calls)
	})
}

func TestRenderMessage(t *testing.T) {
	t.Run("includes headers, query, and actions", func(t *testing.T) {
		msg := string(renderMessage("orchestrator@example.com", []string{"ops@example.com"}, testRequest()))
		require.Contains(t, msg, "From: orchestrator@example.com\r\n")
		require.Contains(t, msg, "To: ops@example.com\r\n")
		require.Contains(t, msg, "Subject: Human input required: query_review\r\n")
		require.Contains(t, msg, "Request:  hitl_1")
		require.Contains(t, msg, "SELECT 1")
		require.Contains(t, msg, "approve - Approve")
	})

	t.Run("omits the query block when absent", func(t *testing.T) {
		request := testRequest()
		request.Context = nil
		msg := string(renderMessage("orchestrator@example.com", []string{"ops@example.com"}, request))
		require.NotContains(t, msg, "Generated query")
	})
}
