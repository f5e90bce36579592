package orchestrator

import (
	"context"
	"log/slog"
)

// Notifier announces that an intervention request is awaiting a human.
// Notification failures are logged and never abort the suspend.
type Notifier interface {
	// Name returns the name of the notifier for logging.
	Name() string

	// Notify announces a pending intervention request to its channel.
	Notify(ctx context.Context, request *InterventionRequest) error
}

// LogNotifier writes intervention announcements to the log. It is the
// default when no external channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that writes to the given logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string {
	return "log"
}

func (n *LogNotifier) Notify(ctx context.Context, request *InterventionRequest) error {
	n.logger.Info("human input required",
		"request_id", request.RequestID,
		"workflow_id", request.WorkflowID,
		"intervention_type", request.InterventionType,
		"timeout_seconds", request.TimeoutSeconds)
	return nil
}
