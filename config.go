package orchestrator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy holds the tunable execution policy: what happens when the
// visualization decider fails and how human intervention timeouts behave.
type Policy struct {
	// DecisionDefault is the route applied when the visualization decider
	// fails. Either "visualize" or "skip".
	DecisionDefault string `json:"decision_default" yaml:"decision_default"`

	// InterventionTimeout bounds how long a workflow stays paused waiting
	// for a human response before the fallback applies.
	InterventionTimeout time.Duration `json:"intervention_timeout" yaml:"intervention_timeout"`

	// TimeoutFallback is what happens when an intervention times out.
	TimeoutFallback FallbackAction `json:"timeout_fallback" yaml:"timeout_fallback"`

	// SweepInterval is how often expired interventions are checked for.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultPolicy returns the policy applied when the caller provides none:
// visualize on decider failure, five minute intervention timeout, abort on
// timeout.
func DefaultPolicy() Policy {
	return Policy{
		DecisionDefault:     string(RouteVisualize),
		InterventionTimeout: 5 * time.Minute,
		TimeoutFallback:     FallbackAbort,
		SweepInterval:       time.Second,
	}
}

// Validate checks the policy for unknown enum values.
func (p Policy) Validate() error {
	switch RouteLabel(p.DecisionDefault) {
	case RouteVisualize, RouteSkip:
	default:
		return fmt.Errorf("invalid decision_default %q", p.DecisionDefault)
	}
	switch p.TimeoutFallback {
	case FallbackAbort, FallbackAutoApprove, FallbackContinue:
	default:
		return fmt.Errorf("invalid timeout_fallback %q", p.TimeoutFallback)
	}
	return nil
}

// UnmarshalYAML decodes duration fields from strings like "90s" or "5m".
func (p *Policy) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		DecisionDefault     string         `yaml:"decision_default"`
		InterventionTimeout string         `yaml:"intervention_timeout"`
		TimeoutFallback     FallbackAction `yaml:"timeout_fallback"`
		SweepInterval       string         `yaml:"sweep_interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.DecisionDefault != "" {
		p.DecisionDefault = raw.DecisionDefault
	}
	if raw.TimeoutFallback != "" {
		p.TimeoutFallback = raw.TimeoutFallback
	}
	if raw.InterventionTimeout != "" {
		d, err := time.ParseDuration(raw.InterventionTimeout)
		if err != nil {
			return fmt.Errorf("invalid intervention_timeout: %w", err)
		}
		p.InterventionTimeout = d
	}
	if raw.SweepInterval != "" {
		d, err := time.ParseDuration(raw.SweepInterval)
		if err != nil {
			return fmt.Errorf("invalid sweep_interval: %w", err)
		}
		p.SweepInterval = d
	}
	return nil
}

// LoadPolicy reads a policy from a YAML file. Fields omitted in the file keep
// their defaults.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy file %q: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy file %q: %w", path, err)
	}
	return policy, nil
}
