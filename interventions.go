package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// FallbackAction is applied when an intervention request times out.
type FallbackAction string

const (
	FallbackAbort       FallbackAction = "abort"
	FallbackAutoApprove FallbackAction = "auto_approve"
	FallbackContinue    FallbackAction = "continue"
)

// ResumeFunc resumes a paused thread with external input. The intervention
// manager calls it when a request is answered or times out.
type ResumeFunc func(ctx context.Context, threadID string, resume *ResumeValue) (*WorkflowState, error)

// InterventionManagerOptions configures a new InterventionManager.
type InterventionManagerOptions struct {
	Store          RequestStore
	Clock          clockwork.Clock
	Logger         *slog.Logger
	Notifiers      []Notifier
	DefaultTimeout time.Duration
	Fallback       FallbackAction
	SweepInterval  time.Duration
}

// InterventionManager owns the lifecycle of human intervention requests:
// creation on suspend, resolution by response, and timeout expiry via a
// background sweep that runs independently of any execution goroutine.
type InterventionManager struct {
	store          RequestStore
	clock          clockwork.Clock
	logger         *slog.Logger
	notifiers      []Notifier
	defaultTimeout time.Duration
	fallback       FallbackAction
	sweepInterval  time.Duration
	resume         ResumeFunc
}

// NewInterventionManager creates a new manager with defaults applied.
func NewInterventionManager(opts InterventionManagerOptions) *InterventionManager {
	if opts.Store == nil {
		opts.Store = NewMemoryRequestStore()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.Fallback == "" {
		opts.Fallback = FallbackAbort
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	return &InterventionManager{
		store:          opts.Store,
		clock:          opts.Clock,
		logger:         opts.Logger,
		notifiers:      opts.Notifiers,
		defaultTimeout: opts.DefaultTimeout,
		fallback:       opts.Fallback,
		sweepInterval:  opts.SweepInterval,
	}
}

// SetResumeFunc wires the manager to the orchestrator's resume entry point.
// Must be called before Respond or the timeout sweep can resume workflows.
func (m *InterventionManager) SetResumeFunc(fn ResumeFunc) {
	m.resume = fn
}

// Open creates and persists a pending request for a suspended step and
// announces it through every configured notifier.
func (m *InterventionManager) Open(ctx context.Context, threadID, workflowID string, payload *SuspendPayload) (*InterventionRequest, error) {
	timeout := payload.TimeoutSeconds
	if timeout <= 0 {
		timeout = int(m.defaultTimeout.Seconds())
	}
	request := &InterventionRequest{
		RequestID:        NewRequestID(),
		ThreadID:         threadID,
		WorkflowID:       workflowID,
		InterventionType: payload.InterventionType,
		Context:          payload.Context,
		Options:          payload.Options,
		TimeoutSeconds:   timeout,
		RequestedAt:      m.clock.Now(),
		Status:           InterventionPending,
	}
	if err := m.store.Create(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to persist intervention request: %w", err)
	}
	for _, notifier := range m.notifiers {
		if err := notifier.Notify(ctx, request); err != nil {
			m.logger.Warn("intervention notification failed",
				"notifier", notifier.Name(),
				"request_id", request.RequestID,
				"error", err)
		}
	}
	m.logger.Info("intervention request opened",
		"request_id", request.RequestID,
		"thread_id", threadID,
		"intervention_type", request.InterventionType,
		"timeout_seconds", timeout)
	return request, nil
}

// Respond resolves a pending request with a human response and resumes the
// owning workflow. A response for a request that already timed out or was
// cancelled is rejected without touching the workflow.
func (m *InterventionManager) Respond(ctx context.Context, requestID string, resume *ResumeValue) (*WorkflowState, error) {
	request, err := m.store.Get(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load intervention request: %w", err)
	}
	if request == nil {
		return nil, NewValidationError("request_id", "unknown intervention request")
	}
	response := &InterventionResponse{
		RequestID:   requestID,
		Action:      resume.Action,
		Data:        resume.Data,
		Feedback:    resume.Feedback,
		Responder:   resume.Responder,
		RespondedAt: m.clock.Now(),
	}
	resolved, err := m.store.Resolve(ctx, requestID, InterventionAnswered, response)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve intervention request: %w", err)
	}
	if !resolved {
		return nil, NewValidationError("request_id", "intervention request is no longer pending")
	}
	m.logger.Info("intervention answered",
		"request_id", requestID,
		"action", resume.Action,
		"thread_id", request.ThreadID)
	return m.resume(ctx, request.ThreadID, resume)
}

// Cancel resolves a pending request as cancelled without resuming the
// workflow. Returns false if the request is unknown or already resolved.
func (m *InterventionManager) Cancel(ctx context.Context, requestID string) (bool, error) {
	resolved, err := m.store.Resolve(ctx, requestID, InterventionCancelled, nil)
	if err != nil {
		return false, err
	}
	if resolved {
		m.logger.Info("intervention cancelled", "request_id", requestID)
	}
	return resolved, nil
}

// Pending returns the pending requests for one thread.
func (m *InterventionManager) Pending(ctx context.Context, threadID string) ([]*InterventionRequest, error) {
	return m.store.Pending(ctx, threadID)
}

// Start runs the timeout sweep until the context is cancelled. The sweep is
// the only place timed-out requests are resolved, so a paused workflow always
// resumes through its fallback even if no human ever answers.
func (m *InterventionManager) Start(ctx context.Context) {
	go func() {
		ticker := m.clock.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				m.sweep(ctx)
			}
		}
	}()
}

// sweep expires overdue requests and resumes their workflows with the
// configured fallback action.
func (m *InterventionManager) sweep(ctx context.Context) {
	expired, err := m.store.Expired(ctx, m.clock.Now())
	if err != nil {
		m.logger.Error("timeout sweep failed to list expired requests", "error", err)
		return
	}
	for _, request := range expired {
		// Resolve first: if a response wins the race, skip the fallback.
		resolved, err := m.store.Resolve(ctx, request.RequestID, InterventionTimedOut, nil)
		if err != nil {
			m.logger.Error("failed to expire intervention request",
				"request_id", request.RequestID, "error", err)
			continue
		}
		if !resolved {
			continue
		}
		timeout := &TimeoutExpiredError{RequestID: request.RequestID}
		m.logger.Warn("intervention request timed out, applying fallback",
			"request_id", request.RequestID,
			"thread_id", request.ThreadID,
			"fallback", m.fallback,
			"error", timeout)
		if _, err := m.resume(ctx, request.ThreadID, m.fallbackResume()); err != nil {
			m.logger.Error("fallback resume failed",
				"request_id", request.RequestID,
				"thread_id", request.ThreadID,
				"error", err)
		}
	}
}

// fallbackResume synthesizes the resume value applied on timeout.
func (m *InterventionManager) fallbackResume() *ResumeValue {
	action := "abort"
	switch m.fallback {
	case FallbackAutoApprove:
		action = "approve"
	case FallbackContinue:
		action = "continue"
	}
	return &ResumeValue{
		Action: action,
		Data:   map[string]any{"automated_fallback": true},
	}
}
