package orchestrator

import (
	"context"
	"fmt"
	"sort"
)

// RouteLabel is a routing decision produced by a conditional edge. Each edge
// declares its closed set of labels at build time so a router returning an
// unknown label is a graph bug, not a silent misroute.
type RouteLabel string

// FailurePolicy classifies how a step's failure affects the workflow.
type FailurePolicy string

const (
	// PolicyFatal stops the workflow: errors are recorded and no further
	// steps run.
	PolicyFatal FailurePolicy = "fatal"

	// PolicyRecoverable records a warning, marks the run as a partial
	// success, and continues along the step's unconditional edge.
	PolicyRecoverable FailurePolicy = "recoverable"

	// PolicyDecision records a warning and follows the conditional edge's
	// default label instead of failing.
	PolicyDecision FailurePolicy = "decision"
)

// StepFunc executes one step. The resume value is nil on a first invocation
// and non-nil when the step is re-entered after a suspend. Steps communicate
// exclusively through the returned outcome.
type StepFunc func(ctx context.Context, state *WorkflowState, resume *ResumeValue) StepOutcome

// RouteFunc picks the label for a conditional edge based on current state.
type RouteFunc func(state *WorkflowState) RouteLabel

// ConditionalEdge routes to one of several next steps based on state.
type ConditionalEdge struct {
	Route   RouteFunc
	Targets map[RouteLabel]string

	// Default is the label applied when a decision-classified step fails.
	Default RouteLabel
}

// Step is a single named node in the workflow graph. A step has either an
// unconditional Next edge, a conditional Route edge, or neither (terminal).
type Step struct {
	Name   string
	Policy FailurePolicy
	Run    StepFunc
	Next   string
	Route  *ConditionalEdge

	// Agent is the logical agent name recorded on progress events for this
	// step. Optional; plumbing steps leave it empty.
	Agent string
}

// Terminal reports whether the step has no outgoing edge.
func (s *Step) Terminal() bool {
	return s.Next == "" && s.Route == nil
}

// Graph is a validated, immutable directed graph of named steps with one
// designated start step.
type Graph struct {
	name        string
	start       string
	steps       []*Step
	stepsByName map[string]*Step
}

// NewGraph validates and returns a new Graph. The first step is the start
// step, matching how workflows are declared top to bottom.
func NewGraph(name string, steps ...*Step) (*Graph, error) {
	if name == "" {
		return nil, fmt.Errorf("graph name required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("steps required")
	}
	stepsByName := make(map[string]*Step, len(steps))
	for _, step := range steps {
		if step.Name == "" {
			return nil, fmt.Errorf("step name required")
		}
		if step.Run == nil {
			return nil, fmt.Errorf("step %q has no run function", step.Name)
		}
		if _, exists := stepsByName[step.Name]; exists {
			return nil, fmt.Errorf("duplicate step name %q", step.Name)
		}
		stepsByName[step.Name] = step
	}
	terminal := false
	for _, step := range steps {
		if step.Next != "" && step.Route != nil {
			return nil, fmt.Errorf("step %q has both an unconditional and a conditional edge", step.Name)
		}
		if step.Next != "" {
			if _, ok := stepsByName[step.Next]; !ok {
				return nil, fmt.Errorf("step %q: edge to unknown step %q", step.Name, step.Next)
			}
		}
		if step.Route != nil {
			if step.Route.Route == nil {
				return nil, fmt.Errorf("step %q: conditional edge has no route function", step.Name)
			}
			if len(step.Route.Targets) == 0 {
				return nil, fmt.Errorf("step %q: conditional edge has no targets", step.Name)
			}
			for label, target := range step.Route.Targets {
				if _, ok := stepsByName[target]; !ok {
					return nil, fmt.Errorf("step %q: label %q routes to unknown step %q", step.Name, label, target)
				}
			}
			if _, ok := step.Route.Targets[step.Route.Default]; step.Route.Default != "" && !ok {
				return nil, fmt.Errorf("step %q: default label %q is not a declared target", step.Name, step.Route.Default)
			}
		}
		if step.Terminal() {
			terminal = true
		}
	}
	if !terminal {
		return nil, fmt.Errorf("graph has no terminal step")
	}
	return &Graph{
		name:        name,
		start:       steps[0].Name,
		steps:       steps,
		stepsByName: stepsByName,
	}, nil
}

// Name returns the graph name
func (g *Graph) Name() string {
	return g.name
}

// Start returns the name of the start step
func (g *Graph) Start() string {
	return g.start
}

// GetStep returns a step by name
func (g *Graph) GetStep(name string) (*Step, bool) {
	step, ok := g.stepsByName[name]
	return step, ok
}

// StepNames returns the names of all steps in the graph
func (g *Graph) StepNames() []string {
	names := make([]string, 0, len(g.stepsByName))
	for name := range g.stepsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// nextStep resolves the outgoing edge of a step against the current state.
// Returns "" when the step is terminal.
func (g *Graph) nextStep(step *Step, state *WorkflowState) (string, error) {
	if step.Next != "" {
		return step.Next, nil
	}
	if step.Route == nil {
		return "", nil
	}
	label := step.Route.Route(state)
	target, ok := step.Route.Targets[label]
	if !ok {
		return "", fmt.Errorf("step %q: router returned undeclared label %q", step.Name, label)
	}
	return target, nil
}
