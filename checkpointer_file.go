package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileCheckpointStore is a file-based implementation that persists one
// checkpoint file per conversation thread, as indented JSON. Writes go
// through a temp file and rename so a crash never leaves a torn checkpoint.
type FileCheckpointStore struct {
	dataDir string
	mutex   sync.Mutex
}

// NewFileCheckpointStore creates a new file-based checkpoint store
func NewFileCheckpointStore(dataDir string) (*FileCheckpointStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".orchestrator", "checkpoints")
	}

	// Ensure the data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	return &FileCheckpointStore{dataDir: dataDir}, nil
}

func (c *FileCheckpointStore) threadPath(threadID string) string {
	return filepath.Join(c.dataDir, fmt.Sprintf("%s.json", threadID))
}

// Put saves the thread's checkpoint to disk, replacing any previous one.
func (c *FileCheckpointStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.write(checkpoint)
}

// Get loads the checkpoint for a thread.
func (c *FileCheckpointStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.read(threadID)
}

// TakePending returns a paused thread's checkpoint and clears its pending
// marker. The store mutex makes the read-and-clear atomic.
func (c *FileCheckpointStore) TakePending(ctx context.Context, threadID string) (*Checkpoint, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	checkpoint, err := c.read(threadID)
	if err != nil {
		return nil, err
	}
	if !checkpoint.Paused() {
		return nil, &NoCheckpointError{ThreadID: threadID}
	}
	cleared := checkpoint.Copy()
	cleared.PendingStep = ""
	if err := c.write(cleared); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// Delete removes checkpoint data for a thread.
func (c *FileCheckpointStore) Delete(ctx context.Context, threadID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := os.Remove(c.threadPath(threadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return nil
}

// ListThreads returns the thread IDs with a stored checkpoint, sorted.
func (c *FileCheckpointStore) ListThreads(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	var threads []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		threads = append(threads, entry.Name()[:len(entry.Name())-len(".json")])
	}
	sort.Strings(threads)
	return threads, nil
}

func (c *FileCheckpointStore) read(threadID string) (*Checkpoint, error) {
	data, err := os.ReadFile(c.threadPath(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NoCheckpointError{ThreadID: threadID}
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (c *FileCheckpointStore) write(checkpoint *Checkpoint) error {
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	path := c.threadPath(checkpoint.ThreadID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}
