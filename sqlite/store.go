// Package sqlite provides durable checkpoint and intervention request
// storage backed by SQLite, using the pure-Go "modernc.org/sqlite" driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/orchestrator"
	_ "modernc.org/sqlite"
)

// Store owns a SQLite database holding both checkpoints and intervention
// requests. The two concerns are exposed as separate store values.
type Store struct {
	db          *sql.DB
	checkpoints *CheckpointStore
	requests    *RequestStore
}

// Open opens (or creates) a SQLite database at the given path and initializes
// the schema. Use ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY errors under concurrent checkpointing.
	db.SetMaxOpenConns(1)
	return NewStore(db)
}

// NewStore initializes the required schema in the given database and returns
// a new Store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{
		db:          db,
		checkpoints: &CheckpointStore{db: db},
		requests:    &RequestStore{db: db},
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Checkpoints returns the checkpoint store view.
func (s *Store) Checkpoints() *CheckpointStore {
	return s.checkpoints
}

// Requests returns the intervention request store view.
func (s *Store) Requests() *RequestStore {
	return s.requests
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			pending_step TEXT NOT NULL DEFAULT '',
			state BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS intervention_requests (
			request_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			status TEXT NOT NULL,
			deadline INTEGER NOT NULL,
			request BLOB NOT NULL,
			response BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_requests_thread
			ON intervention_requests (thread_id, status);
		CREATE INDEX IF NOT EXISTS idx_requests_deadline
			ON intervention_requests (status, deadline);`,
	)
	return err
}

// CheckpointStore is a durable orchestrator.CheckpointStore backed by SQLite.
type CheckpointStore struct {
	db *sql.DB
}

var _ orchestrator.CheckpointStore = (*CheckpointStore)(nil)

// Put creates or overwrites the checkpoint for the checkpoint's thread.
func (s *CheckpointStore) Put(ctx context.Context, checkpoint *orchestrator.Checkpoint) error {
	state, err := json.Marshal(checkpoint.State)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, pending_step, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			pending_step = excluded.pending_step,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		checkpoint.ThreadID,
		checkpoint.PendingStep,
		state,
		checkpoint.UpdatedAt.UnixNano(),
	)
	return err
}

// Get returns the checkpoint for a thread.
func (s *CheckpointStore) Get(ctx context.Context, threadID string) (*orchestrator.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pending_step, state, updated_at
		FROM checkpoints WHERE thread_id = ?`, threadID)
	return scanCheckpoint(row, threadID)
}

// TakePending atomically returns a paused thread's checkpoint and clears its
// pending marker. The transaction guarantees at most one concurrent caller
// succeeds.
func (s *CheckpointStore) TakePending(ctx context.Context, threadID string) (*orchestrator.Checkpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT pending_step, state, updated_at
		FROM checkpoints WHERE thread_id = ?`, threadID)
	checkpoint, err := scanCheckpoint(row, threadID)
	if err != nil {
		return nil, err
	}
	if !checkpoint.Paused() {
		return nil, &orchestrator.NoCheckpointError{ThreadID: threadID}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE checkpoints SET pending_step = '' WHERE thread_id = ?`, threadID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// Delete removes checkpoint data for a thread.
func (s *CheckpointStore) Delete(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner, threadID string) (*orchestrator.Checkpoint, error) {
	var (
		pendingStep string
		state       []byte
		updatedAt   int64
	)
	if err := row.Scan(&pendingStep, &state, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &orchestrator.NoCheckpointError{ThreadID: threadID}
		}
		return nil, err
	}
	var workflowState orchestrator.WorkflowState
	if err := json.Unmarshal(state, &workflowState); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	return &orchestrator.Checkpoint{
		ThreadID:    threadID,
		PendingStep: pendingStep,
		State:       &workflowState,
		UpdatedAt:   time.Unix(0, updatedAt),
	}, nil
}

// RequestStore is a durable orchestrator.RequestStore backed by SQLite.
type RequestStore struct {
	db *sql.DB
}

var _ orchestrator.RequestStore = (*RequestStore)(nil)

// Create stores a new intervention request.
func (s *RequestStore) Create(ctx context.Context, request *orchestrator.InterventionRequest) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode intervention request: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO intervention_requests (request_id, thread_id, status, deadline, request)
		VALUES (?, ?, ?, ?, ?)`,
		request.RequestID,
		request.ThreadID,
		string(request.Status),
		request.Deadline().UnixNano(),
		payload,
	)
	return err
}

// Get returns an intervention request by ID, or nil if it does not exist.
func (s *RequestStore) Get(ctx context.Context, requestID string) (*orchestrator.InterventionRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, request FROM intervention_requests WHERE request_id = ?`, requestID)
	request, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return request, err
}

// Resolve transitions a pending request to a final status, recording the
// response. It reports false when the request was not pending, so a late
// answer never overrides a timeout or an earlier answer.
func (s *RequestStore) Resolve(ctx context.Context, requestID string, status orchestrator.InterventionStatus, response *orchestrator.InterventionResponse) (bool, error) {
	var payload []byte
	if response != nil {
		var err error
		payload, err = json.Marshal(response)
		if err != nil {
			return false, fmt.Errorf("failed to encode intervention response: %w", err)
		}
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE intervention_requests SET status = ?, response = ?
		WHERE request_id = ? AND status = ?`,
		string(status), payload, requestID, string(orchestrator.InterventionPending))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Pending returns the open requests for a conversation thread.
func (s *RequestStore) Pending(ctx context.Context, threadID string) ([]*orchestrator.InterventionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, request FROM intervention_requests
		WHERE thread_id = ? AND status = ?`,
		threadID, string(orchestrator.InterventionPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// Expired returns the open requests whose deadline has passed.
func (s *RequestStore) Expired(ctx context.Context, now time.Time) ([]*orchestrator.InterventionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, request FROM intervention_requests
		WHERE status = ? AND deadline <= ?`,
		string(orchestrator.InterventionPending), now.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func scanRequest(row rowScanner) (*orchestrator.InterventionRequest, error) {
	var (
		status  string
		payload []byte
	)
	if err := row.Scan(&status, &payload); err != nil {
		return nil, err
	}
	var request orchestrator.InterventionRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, fmt.Errorf("failed to decode intervention request: %w", err)
	}
	request.Status = orchestrator.InterventionStatus(status)
	return &request, nil
}

func collectRequests(rows *sql.Rows) ([]*orchestrator.InterventionRequest, error) {
	var requests []*orchestrator.InterventionRequest
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}
