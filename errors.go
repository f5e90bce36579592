package orchestrator

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input to Execute or Resume. It is returned
// before any step runs; nothing enters the graph.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for a named input field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NoCheckpointError reports a resume attempt against a thread that has no
// pending checkpoint: the thread is unknown, already completed, or already
// being resumed.
type NoCheckpointError struct {
	ThreadID string
}

func (e *NoCheckpointError) Error() string {
	return fmt.Sprintf("no pending checkpoint for thread %q", e.ThreadID)
}

// IsNoCheckpointError reports whether err is a NoCheckpointError.
func IsNoCheckpointError(err error) bool {
	var nce *NoCheckpointError
	return errors.As(err, &nce)
}

// ThreadBusyError reports a second Execute or Resume call for a thread that
// already has an execution in flight. Rejecting the call prevents checkpoint
// clobbering.
type ThreadBusyError struct {
	ThreadID string
}

func (e *ThreadBusyError) Error() string {
	return fmt.Sprintf("thread %q already has an execution in flight", e.ThreadID)
}

// IsThreadBusyError reports whether err is a ThreadBusyError.
func IsThreadBusyError(err error) bool {
	var tbe *ThreadBusyError
	return errors.As(err, &tbe)
}

// StageFatalError wraps a failure from a fatal-classified stage. The executor
// converts it into a terminal failed state; it never escapes the orchestrator
// boundary as a returned error.
type StageFatalError struct {
	Stage string
	Err   error
}

func (e *StageFatalError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageFatalError) Unwrap() error {
	return e.Err
}

// StageRecoverableError wraps a failure from a recoverable-classified stage.
// The executor records it as a warning and continues.
type StageRecoverableError struct {
	Stage string
	Err   error
}

func (e *StageRecoverableError) Error() string {
	return fmt.Sprintf("stage %s failed (recoverable): %v", e.Stage, e.Err)
}

func (e *StageRecoverableError) Unwrap() error {
	return e.Err
}

// TimeoutExpiredError reports that a human intervention request reached its
// deadline before a response arrived.
type TimeoutExpiredError struct {
	RequestID string
}

func (e *TimeoutExpiredError) Error() string {
	return fmt.Sprintf("intervention request %s timed out", e.RequestID)
}

// DeliveryError reports a failed event delivery to one subscriber. The
// broadcaster logs it, drops the subscriber, and never propagates it.
type DeliveryError struct {
	WorkflowID string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("event delivery failed for workflow %s: %v", e.WorkflowID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
