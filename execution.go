package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.jetify.com/typeid"
)

// NewWorkflowID returns a new prefixed ID for workflow identification
func NewWorkflowID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// execution drives one workflow run (or resumed segment) through the graph.
// It is the single writer of its WorkflowState: steps return deltas and the
// execution merges them, checkpoints, and publishes events in step order.
type execution struct {
	graph         *Graph
	threadID      string
	state         *WorkflowState
	checkpoints   CheckpointStore
	interventions *InterventionManager
	broadcaster   *Broadcaster
	stageLogger   StageLogger
	callbacks     ExecutionCallbacks
	clock         clockwork.Clock
	logger        *slog.Logger

	// progress fraction reported when a step completes, keyed by step name
	progress      map[string]float64
	progressShare float64
}

func newExecution(o *Orchestrator, threadID string, state *WorkflowState) *execution {
	total := len(o.graph.steps)
	progress := make(map[string]float64, total)
	for i, step := range o.graph.steps {
		progress[step.Name] = float64(i+1) / float64(total)
	}
	return &execution{
		graph:         o.graph,
		threadID:      threadID,
		state:         state,
		checkpoints:   o.checkpoints,
		interventions: o.interventions,
		broadcaster:   o.broadcaster,
		stageLogger:   o.stageLogger,
		callbacks:     o.callbacks,
		clock:         o.clock,
		logger:        o.logger.With("workflow_id", state.WorkflowID, "thread_id", threadID),
		progress:      progress,
		progressShare: 1.0 / float64(total),
	}
}

// run executes the graph from the named step until it reaches a terminal
// step, suspends, or fails fatally. The resume value is delivered to the
// first step only; every later step starts fresh.
func (e *execution) run(ctx context.Context, startStep string, resume *ResumeValue) (*WorkflowState, error) {
	current, ok := e.graph.GetStep(startStep)
	if !ok {
		return nil, fmt.Errorf("unknown step %q in graph %q", startStep, e.graph.Name())
	}

	// Stages retrieve these with GetLoggerFromContext and
	// GetThreadIDFromContext.
	ctx = WithLogger(ctx, e.logger)
	ctx = WithThreadID(ctx, e.threadID)

	for current != nil {
		if err := ctx.Err(); err != nil {
			e.failWorkflow(ctx, current, fmt.Errorf("execution cancelled: %w", err))
			return e.state, nil
		}

		e.state.Stage = current.Name
		e.publish(EventStageStarted, current, fmt.Sprintf("stage %s started", current.Name), e.progress[current.Name]-e.progressShare, nil)

		started := e.clock.Now()
		e.callbacks.BeforeStepExecution(ctx, &StepExecutionEvent{
			WorkflowID:     e.state.WorkflowID,
			ConversationID: e.threadID,
			StepName:       current.Name,
			Agent:          current.Agent,
			Policy:         current.Policy,
			StartTime:      started,
		})

		outcome := current.Run(ctx, e.state, resume)
		resume = nil

		ended := e.clock.Now()
		stepErr, _ := outcome.Failed()
		e.callbacks.AfterStepExecution(ctx, &StepExecutionEvent{
			WorkflowID:     e.state.WorkflowID,
			ConversationID: e.threadID,
			StepName:       current.Name,
			Agent:          current.Agent,
			Policy:         current.Policy,
			StartTime:      started,
			EndTime:        ended,
			Duration:       ended.Sub(started),
			Error:          stepErr,
		})

		if payload, ok := outcome.Suspended(); ok {
			if err := e.pauseWorkflow(ctx, current, payload); err != nil {
				return nil, err
			}
			e.logStage(ctx, current, "suspended", nil, started, ended)
			return e.state, nil
		}

		if err, ok := outcome.Failed(); ok {
			next, done := e.applyFailurePolicy(ctx, current, err)
			e.logStage(ctx, current, "failed", err, started, ended)
			if done {
				return e.state, nil
			}
			if err := e.saveCheckpoint(ctx, ""); err != nil {
				return nil, err
			}
			current = next
			continue
		}

		delta, _ := outcome.Continued()
		delta.Apply(e.state)
		e.logStage(ctx, current, "completed", nil, started, ended)

		if err := e.saveCheckpoint(ctx, ""); err != nil {
			return nil, err
		}
		e.publish(EventStageCompleted, current, fmt.Sprintf("stage %s completed", current.Name), e.progress[current.Name], nil)

		nextName, err := e.graph.nextStep(current, e.state)
		if err != nil {
			e.failWorkflow(ctx, current, err)
			return e.state, nil
		}
		if nextName == "" {
			break
		}
		current, _ = e.graph.GetStep(nextName)
	}

	e.finishWorkflow(ctx)
	return e.state, nil
}

// applyFailurePolicy handles a failed step outcome according to the step's
// classification. It returns the next step to run and whether the workflow
// is finished.
func (e *execution) applyFailurePolicy(ctx context.Context, step *Step, stepErr error) (*Step, bool) {
	switch step.Policy {
	case PolicyRecoverable:
		e.logger.Warn("recoverable stage failure",
			"step", step.Name, "error", stepErr)
		e.state.Warnings = append(e.state.Warnings, stepErr.Error())
		e.state.PartialSuccess = true
		if step.Next == "" {
			e.failWorkflow(ctx, step, stepErr)
			return nil, true
		}
		next, _ := e.graph.GetStep(step.Next)
		return next, false

	case PolicyDecision:
		e.logger.Warn("decision stage failure, applying default route",
			"step", step.Name, "error", stepErr)
		e.state.Warnings = append(e.state.Warnings,
			fmt.Sprintf("decision failed, using default: %v", stepErr))
		if step.Route == nil || step.Route.Default == "" {
			e.failWorkflow(ctx, step, stepErr)
			return nil, true
		}
		next, _ := e.graph.GetStep(step.Route.Targets[step.Route.Default])
		return next, false

	default:
		e.failWorkflow(ctx, step, stepErr)
		return nil, true
	}
}

// pauseWorkflow checkpoints the thread at the suspended step, opens the
// intervention request, and announces the pause. The checkpoint is written
// before the request opens so a response can never race an unsaved state.
func (e *execution) pauseWorkflow(ctx context.Context, step *Step, payload *SuspendPayload) error {
	e.state.Status = StatusPaused
	if err := e.saveCheckpoint(ctx, step.Name); err != nil {
		return err
	}

	request, err := e.interventions.Open(ctx, e.threadID, e.state.WorkflowID, payload)
	if err != nil {
		return fmt.Errorf("failed to open intervention request: %w", err)
	}
	e.logger.Info("workflow paused for human input",
		"step", step.Name,
		"request_id", request.RequestID,
		"intervention_type", request.InterventionType)

	data := map[string]any{
		"request_id":        request.RequestID,
		"intervention_type": request.InterventionType,
		"options":           request.Options,
		"timeout_seconds":   request.TimeoutSeconds,
	}
	for k, v := range payload.Context {
		data[k] = v
	}
	e.publish(EventHumanInputRequired, step, "human input required", e.progress[step.Name], data)
	e.publish(EventWorkflowPaused, step, fmt.Sprintf("workflow paused at %s", step.Name), e.progress[step.Name], map[string]any{
		"request_id": request.RequestID,
	})
	return nil
}

// failWorkflow records a fatal error, stamps completion metadata, and
// publishes the terminal failure event.
func (e *execution) failWorkflow(ctx context.Context, step *Step, stepErr error) {
	e.logger.Error("fatal stage failure", "step", step.Name, "error", stepErr)
	e.state.Errors = append(e.state.Errors, stepErr.Error())
	e.state.Status = StatusFailed
	e.stampCompletion()
	if err := e.saveCheckpoint(ctx, ""); err != nil {
		e.logger.Error("failed to checkpoint failed workflow", "error", err)
	}
	e.publish(EventWorkflowFailed, step, stepErr.Error(), 1.0, map[string]any{
		"errors": e.state.Errors,
	})
}

// finishWorkflow publishes the terminal event after the last step ran. The
// aggregate step already settled the final status.
func (e *execution) finishWorkflow(ctx context.Context) {
	if !e.state.Status.Terminal() {
		e.state.Status = StatusCompleted
	}
	e.stampCompletion()
	if err := e.saveCheckpoint(ctx, ""); err != nil {
		e.logger.Error("failed to checkpoint finished workflow", "error", err)
	}
	data := map[string]any{
		"status":          string(e.state.Status),
		"agents_executed": e.state.AgentsExecuted,
	}
	if e.state.Status == StatusFailed {
		e.publish(EventWorkflowFailed, nil, "workflow failed", 1.0, data)
		return
	}
	e.publish(EventWorkflowCompleted, nil, "workflow completed", 1.0, data)
}

func (e *execution) stampCompletion() {
	if e.state.CompletedAt.IsZero() {
		e.state.CompletedAt = e.clock.Now()
		e.state.ExecutionTime = e.state.CompletedAt.Sub(e.state.CreatedAt).Round(time.Millisecond)
	}
}

func (e *execution) saveCheckpoint(ctx context.Context, pendingStep string) error {
	return e.checkpoints.Put(ctx, &Checkpoint{
		ThreadID:    e.threadID,
		PendingStep: pendingStep,
		State:       e.state.Copy(),
		UpdatedAt:   e.clock.Now(),
	})
}

func (e *execution) publish(eventType EventType, step *Step, message string, progress float64, data map[string]any) {
	event := Event{
		Type:       eventType,
		WorkflowID: e.state.WorkflowID,
		Message:    message,
		Progress:   clampProgress(progress),
		Data:       data,
		Timestamp:  e.clock.Now(),
	}
	if step != nil {
		event.Stage = step.Name
		event.Agent = step.Agent
	}
	e.broadcaster.Publish(e.state.WorkflowID, event)
}

func (e *execution) logStage(ctx context.Context, step *Step, outcome string, stepErr error, started, ended time.Time) {
	entry := &StageLogEntry{
		WorkflowID:     e.state.WorkflowID,
		ConversationID: e.threadID,
		StepName:       step.Name,
		Agent:          step.Agent,
		Outcome:        outcome,
		StartTime:      started,
		Duration:       ended.Sub(started).Seconds(),
	}
	if stepErr != nil {
		entry.Error = stepErr.Error()
	}
	if err := e.stageLogger.LogStage(ctx, entry); err != nil {
		e.logger.Warn("failed to write stage log entry", "step", step.Name, "error", err)
	}
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
