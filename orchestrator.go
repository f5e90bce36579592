package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// OrchestratorOptions configures a new Orchestrator.
type OrchestratorOptions struct {
	// Stages provides the analytics stage implementations. Required unless
	// Graph is set.
	Stages Stages

	// Graph overrides the default analytics graph. Optional.
	Graph *Graph

	Checkpoints CheckpointStore
	Requests    RequestStore
	Notifiers   []Notifier
	Broadcaster *Broadcaster
	StageLogger StageLogger
	Callbacks   ExecutionCallbacks
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Policy      *Policy
}

// ExecuteRequest starts a new analytics workflow on a conversation thread.
type ExecuteRequest struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Query          string   `json:"query"`
	Database       string   `json:"database"`
	UserID         string   `json:"user_id,omitempty"`
	Options        *Options `json:"options,omitempty"`
}

// Orchestrator runs analytics workflows: it executes the graph, checkpoints
// after every step, pauses for human intervention, and broadcasts progress
// events. All methods are safe for concurrent use; at most one execution per
// conversation thread is in flight at a time.
type Orchestrator struct {
	graph         *Graph
	checkpoints   CheckpointStore
	interventions *InterventionManager
	broadcaster   *Broadcaster
	stageLogger   StageLogger
	callbacks     ExecutionCallbacks
	clock         clockwork.Clock
	logger        *slog.Logger
	policy        Policy

	mutex    sync.Mutex
	inflight map[string]struct{}
}

// NewOrchestrator creates a new Orchestrator. Unset options default to
// in-memory stores, a discarding logger, and the real clock.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = NewMemoryCheckpointStore()
	}
	if opts.Requests == nil {
		opts.Requests = NewMemoryRequestStore()
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewBroadcaster(opts.Logger)
	}
	if opts.StageLogger == nil {
		opts.StageLogger = NewNullStageLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	policy := DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	graph := opts.Graph
	if graph == nil {
		if opts.Stages.Analysis == nil {
			return nil, fmt.Errorf("analysis stage is required")
		}
		if opts.Stages.Decider == nil {
			return nil, fmt.Errorf("visualization decider is required")
		}
		if opts.Stages.Visualization == nil {
			return nil, fmt.Errorf("visualization stage is required")
		}
		var err error
		graph, err = NewAnalyticsGraph(opts.Stages, opts.Clock, RouteLabel(policy.DecisionDefault))
		if err != nil {
			return nil, err
		}
	}

	o := &Orchestrator{
		graph:       graph,
		checkpoints: opts.Checkpoints,
		broadcaster: opts.Broadcaster,
		stageLogger: opts.StageLogger,
		callbacks:   opts.Callbacks,
		clock:       opts.Clock,
		logger:      opts.Logger,
		policy:      policy,
		inflight:    map[string]struct{}{},
	}
	o.interventions = NewInterventionManager(InterventionManagerOptions{
		Store:          opts.Requests,
		Clock:          opts.Clock,
		Logger:         opts.Logger,
		Notifiers:      opts.Notifiers,
		DefaultTimeout: policy.InterventionTimeout,
		Fallback:       policy.TimeoutFallback,
		SweepInterval:  policy.SweepInterval,
	})
	o.interventions.SetResumeFunc(o.Resume)
	return o, nil
}

// Start launches the intervention timeout sweeper. It returns immediately;
// the sweeper stops when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.interventions.Start(ctx)
}

// Broadcaster returns the event broadcaster, for attaching subscribers.
func (o *Orchestrator) Broadcaster() *Broadcaster {
	return o.broadcaster
}

// Interventions returns the intervention manager, for responding to and
// listing pending human input requests.
func (o *Orchestrator) Interventions() *InterventionManager {
	return o.interventions
}

// Graph returns the workflow graph being executed.
func (o *Orchestrator) Graph() *Graph {
	return o.graph
}

// Execute runs a new workflow for the request's conversation thread and
// blocks until it completes, pauses, or fails. The returned state is owned
// by the caller.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (*WorkflowState, error) {
	if err := o.validateExecute(&req); err != nil {
		return nil, err
	}
	if err := o.acquire(req.ConversationID); err != nil {
		return nil, err
	}
	defer o.release(req.ConversationID)
	return o.runNew(ctx, req, NewWorkflowID())
}

// Stream runs a new workflow and returns a channel of its progress events.
// The channel closes after the workflow's terminal event (completed, failed,
// or paused). Validation and thread-busy errors are returned synchronously.
func (o *Orchestrator) Stream(ctx context.Context, req ExecuteRequest) (<-chan Event, error) {
	if err := o.validateExecute(&req); err != nil {
		return nil, err
	}
	if err := o.acquire(req.ConversationID); err != nil {
		return nil, err
	}
	workflowID := NewWorkflowID()
	sub := NewChannelSubscriber(64)
	o.broadcaster.Subscribe(sub, workflowID)

	go func() {
		defer func() {
			o.broadcaster.UnsubscribeAll(sub)
			sub.Close()
			o.release(req.ConversationID)
		}()
		if _, err := o.runNew(ctx, req, workflowID); err != nil {
			o.logger.Error("streamed execution failed",
				"workflow_id", workflowID, "error", err)
		}
	}()
	return sub.Events(), nil
}

// Resume continues a paused workflow on the given conversation thread,
// delivering the resume value to the suspended step. Returns a
// NoCheckpointError if the thread has no paused workflow.
func (o *Orchestrator) Resume(ctx context.Context, threadID string, resume *ResumeValue) (*WorkflowState, error) {
	if err := validateResume(threadID, resume); err != nil {
		return nil, err
	}
	if err := o.acquire(threadID); err != nil {
		return nil, err
	}
	defer o.release(threadID)

	checkpoint, err := o.checkpoints.TakePending(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return o.resumeFrom(ctx, threadID, checkpoint, resume)
}

// StreamResume continues a paused workflow and returns a channel of its
// progress events, closing after the terminal event.
func (o *Orchestrator) StreamResume(ctx context.Context, threadID string, resume *ResumeValue) (<-chan Event, error) {
	if err := validateResume(threadID, resume); err != nil {
		return nil, err
	}
	if err := o.acquire(threadID); err != nil {
		return nil, err
	}
	checkpoint, err := o.checkpoints.TakePending(ctx, threadID)
	if err != nil {
		o.release(threadID)
		return nil, err
	}
	sub := NewChannelSubscriber(64)
	o.broadcaster.Subscribe(sub, checkpoint.State.WorkflowID)

	go func() {
		defer func() {
			o.broadcaster.UnsubscribeAll(sub)
			sub.Close()
			o.release(threadID)
		}()
		if _, err := o.resumeFrom(ctx, threadID, checkpoint, resume); err != nil {
			o.logger.Error("streamed resume failed",
				"thread_id", threadID, "error", err)
		}
	}()
	return sub.Events(), nil
}

// GetState returns a copy of the latest checkpointed state for a thread, or
// a NoCheckpointError if the thread is unknown.
func (o *Orchestrator) GetState(ctx context.Context, threadID string) (*WorkflowState, error) {
	checkpoint, err := o.checkpoints.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return checkpoint.State, nil
}

func (o *Orchestrator) runNew(ctx context.Context, req ExecuteRequest, workflowID string) (*WorkflowState, error) {
	now := o.clock.Now()
	state := &WorkflowState{
		WorkflowID:     workflowID,
		ConversationID: req.ConversationID,
		UserQuery:      req.Query,
		Database:       req.Database,
		UserID:         req.UserID,
		Options:        *req.Options,
		Status:         StatusPending,
		CreatedAt:      now,
	}
	exec := newExecution(o, req.ConversationID, state)

	o.callbacks.BeforeWorkflowExecution(ctx, &WorkflowExecutionEvent{
		WorkflowID:     workflowID,
		ConversationID: req.ConversationID,
		GraphName:      o.graph.Name(),
		Status:         StatusPending,
		StartTime:      now,
	})
	exec.publish(EventWorkflowStarted, nil, "workflow started", 0, map[string]any{
		"query":    req.Query,
		"database": req.Database,
	})

	result, err := exec.run(ctx, o.graph.Start(), nil)
	o.afterWorkflow(ctx, exec, now, false, err)
	return result, err
}

func (o *Orchestrator) resumeFrom(ctx context.Context, threadID string, checkpoint *Checkpoint, resume *ResumeValue) (*WorkflowState, error) {
	o.cancelPendingInterventions(ctx, threadID)

	state := checkpoint.State
	started := o.clock.Now()
	exec := newExecution(o, threadID, state)

	o.callbacks.BeforeWorkflowExecution(ctx, &WorkflowExecutionEvent{
		WorkflowID:     state.WorkflowID,
		ConversationID: threadID,
		GraphName:      o.graph.Name(),
		Status:         state.Status,
		StartTime:      started,
		Resumed:        true,
	})
	step, _ := o.graph.GetStep(checkpoint.PendingStep)
	exec.publish(EventWorkflowResumed, step, "workflow resumed", 0, map[string]any{
		"action": resume.Action,
	})

	result, err := exec.run(ctx, checkpoint.PendingStep, resume)
	o.afterWorkflow(ctx, exec, started, true, err)
	return result, err
}

func (o *Orchestrator) afterWorkflow(ctx context.Context, exec *execution, started time.Time, resumed bool, err error) {
	ended := o.clock.Now()
	o.callbacks.AfterWorkflowExecution(ctx, &WorkflowExecutionEvent{
		WorkflowID:     exec.state.WorkflowID,
		ConversationID: exec.threadID,
		GraphName:      o.graph.Name(),
		Status:         exec.state.Status,
		StartTime:      started,
		EndTime:        ended,
		Duration:       ended.Sub(started),
		Resumed:        resumed,
		Error:          err,
	})
}

// cancelPendingInterventions resolves any still-open requests for a thread
// that is being resumed out of band, so their timeouts never fire.
func (o *Orchestrator) cancelPendingInterventions(ctx context.Context, threadID string) {
	pending, err := o.interventions.Pending(ctx, threadID)
	if err != nil {
		o.logger.Warn("failed to list pending interventions", "thread_id", threadID, "error", err)
		return
	}
	for _, request := range pending {
		if _, err := o.interventions.Cancel(ctx, request.RequestID); err != nil {
			o.logger.Warn("failed to cancel intervention",
				"request_id", request.RequestID, "error", err)
		}
	}
}

func (o *Orchestrator) validateExecute(req *ExecuteRequest) error {
	if strings.TrimSpace(req.Query) == "" {
		return NewValidationError("query", "required")
	}
	if strings.TrimSpace(req.Database) == "" {
		return NewValidationError("database", "required")
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	if req.Options == nil {
		options := DefaultOptions()
		req.Options = &options
	}
	if req.Options.LimitRows <= 0 {
		req.Options.LimitRows = DefaultOptions().LimitRows
	}
	return nil
}

func validateResume(threadID string, resume *ResumeValue) error {
	if strings.TrimSpace(threadID) == "" {
		return NewValidationError("conversation_id", "required")
	}
	if resume == nil || strings.TrimSpace(resume.Action) == "" {
		return NewValidationError("action", "required")
	}
	return nil
}

func (o *Orchestrator) acquire(threadID string) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if _, busy := o.inflight[threadID]; busy {
		return &ThreadBusyError{ThreadID: threadID}
	}
	o.inflight[threadID] = struct{}{}
	return nil
}

func (o *Orchestrator) release(threadID string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	delete(o.inflight, threadID)
}
