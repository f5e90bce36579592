package orchestrator

// outcomeKind discriminates the StepOutcome variants.
type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeSuspend
	outcomeFail
)

// StepOutcome is the tagged result returned by every step: the step either
// continues with a state delta, suspends the workflow pending external input,
// or fails. Representing suspension as a value rather than a panic keeps the
// state machine's transitions inspectable.
type StepOutcome struct {
	kind    outcomeKind
	delta   *StateDelta
	suspend *SuspendPayload
	err     error
}

// Continue returns an outcome that merges the delta and proceeds to the next
// step in the graph.
func Continue(delta *StateDelta) StepOutcome {
	return StepOutcome{kind: outcomeContinue, delta: delta}
}

// Suspend returns an outcome that pauses the workflow at the current step
// pending external input.
func Suspend(payload *SuspendPayload) StepOutcome {
	return StepOutcome{kind: outcomeSuspend, suspend: payload}
}

// Fail returns an outcome that reports a step error. The step's failure
// policy decides whether this is fatal, recoverable, or routed.
func Fail(err error) StepOutcome {
	return StepOutcome{kind: outcomeFail, err: err}
}

// Continued reports whether the outcome is a Continue and returns its delta.
func (o StepOutcome) Continued() (*StateDelta, bool) {
	return o.delta, o.kind == outcomeContinue
}

// Suspended reports whether the outcome is a Suspend and returns its payload.
func (o StepOutcome) Suspended() (*SuspendPayload, bool) {
	return o.suspend, o.kind == outcomeSuspend
}

// Failed reports whether the outcome is a Fail and returns its error.
func (o StepOutcome) Failed() (error, bool) {
	return o.err, o.kind == outcomeFail
}

// SuspendPayload carries the human-facing context of an interrupt: what kind
// of intervention is needed, what the human should see, and which actions
// they may take.
type SuspendPayload struct {
	InterventionType string               `json:"intervention_type"`
	Context          map[string]any       `json:"context,omitempty"`
	Options          []InterventionOption `json:"options,omitempty"`
	TimeoutSeconds   int                  `json:"timeout_seconds,omitempty"`
}

// ResumeValue is the external input supplied when a paused workflow resumes.
// The suspended step receives it on re-invocation and distinguishes "first
// call" (nil) from "resumed" (non-nil).
type ResumeValue struct {
	Action    string         `json:"action"`
	Data      map[string]any `json:"data,omitempty"`
	Feedback  string         `json:"feedback,omitempty"`
	Responder string         `json:"responder,omitempty"`
}
