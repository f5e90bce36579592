package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StageLogEntry represents a single stage audit log entry
type StageLogEntry struct {
	WorkflowID     string    `json:"workflow_id"`
	ConversationID string    `json:"conversation_id"`
	StepName       string    `json:"step_name"`
	Agent          string    `json:"agent,omitempty"`
	Outcome        string    `json:"outcome"`
	Error          string    `json:"error,omitempty"`
	StartTime      time.Time `json:"start_time"`
	Duration       float64   `json:"duration"`
}

// StageLogger defines the stage audit logging interface
type StageLogger interface {
	// LogStage logs a completed stage
	LogStage(ctx context.Context, entry *StageLogEntry) error

	// GetStageHistory retrieves the stage log for a workflow
	GetStageHistory(ctx context.Context, workflowID string) ([]*StageLogEntry, error)
}

// NullStageLogger is a no-op implementation of StageLogger.
type NullStageLogger struct{}

func NewNullStageLogger() *NullStageLogger {
	return &NullStageLogger{}
}

func (l *NullStageLogger) LogStage(ctx context.Context, entry *StageLogEntry) error {
	return nil
}

func (l *NullStageLogger) GetStageHistory(ctx context.Context, workflowID string) ([]*StageLogEntry, error) {
	return nil, nil
}

// FileStageLogger is an implementation of StageLogger that logs to a file.
// A file is created per workflow. The file is formatted as newline-delimited JSON.
type FileStageLogger struct {
	directory string
}

func NewFileStageLogger(directory string) *FileStageLogger {
	return &FileStageLogger{directory: directory}
}

func (l *FileStageLogger) workflowStageLogPath(workflowID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", workflowID))
}

func (l *FileStageLogger) GetStageHistory(ctx context.Context, workflowID string) ([]*StageLogEntry, error) {
	filePath := l.workflowStageLogPath(workflowID)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var entries []*StageLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry StageLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (l *FileStageLogger) LogStage(ctx context.Context, entry *StageLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	filePath := l.workflowStageLogPath(entry.WorkflowID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte(string(data) + "\n")); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return nil
}
