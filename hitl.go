package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// NewRequestID returns a new prefixed ID for an intervention request.
func NewRequestID() string {
	id, err := typeid.WithPrefix("hitl")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// InterventionStatus is the lifecycle state of an intervention request.
// Exactly one transition out of pending may fire.
type InterventionStatus string

const (
	InterventionPending   InterventionStatus = "pending"
	InterventionAnswered  InterventionStatus = "answered"
	InterventionTimedOut  InterventionStatus = "timed_out"
	InterventionCancelled InterventionStatus = "cancelled"
)

// InterventionOption is one action a human may take on a request.
type InterventionOption struct {
	Action      string `json:"action"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// InterventionRequest is a persisted request for human input. It is stored
// independently of the workflow checkpoint so it can be inspected and
// answered even if the workflow process restarts.
type InterventionRequest struct {
	RequestID        string               `json:"request_id"`
	ThreadID         string               `json:"thread_id"`
	WorkflowID       string               `json:"workflow_id"`
	InterventionType string               `json:"intervention_type"`
	Context          map[string]any       `json:"context,omitempty"`
	Options          []InterventionOption `json:"options,omitempty"`
	TimeoutSeconds   int                  `json:"timeout_seconds"`
	RequestedAt      time.Time            `json:"requested_at"`
	Status           InterventionStatus   `json:"status"`
}

// Deadline returns the instant at which the request times out.
func (r *InterventionRequest) Deadline() time.Time {
	return r.RequestedAt.Add(time.Duration(r.TimeoutSeconds) * time.Second)
}

// Copy returns a deep copy of the request.
func (r *InterventionRequest) Copy() *InterventionRequest {
	out := *r
	out.Context = copyMap(r.Context)
	out.Options = make([]InterventionOption, len(r.Options))
	copy(out.Options, r.Options)
	return &out
}

// InterventionResponse records how a request was resolved.
type InterventionResponse struct {
	RequestID   string         `json:"request_id"`
	Action      string         `json:"action"`
	Data        map[string]any `json:"data,omitempty"`
	Feedback    string         `json:"feedback,omitempty"`
	Responder   string         `json:"responder,omitempty"`
	RespondedAt time.Time      `json:"responded_at"`
}

// RequestStore persists intervention requests and their resolutions.
// Resolve must be atomic per request: only the first resolution of a pending
// request succeeds, which guards against a late response arriving after a
// timeout has already resumed the workflow.
type RequestStore interface {
	// Create persists a new pending request.
	Create(ctx context.Context, request *InterventionRequest) error

	// Get returns a request by ID, or nil if unknown.
	Get(ctx context.Context, requestID string) (*InterventionRequest, error)

	// Resolve transitions a request out of pending. It returns false without
	// error if the request is unknown or no longer pending.
	Resolve(ctx context.Context, requestID string, status InterventionStatus, response *InterventionResponse) (bool, error)

	// Pending returns the pending requests for one thread.
	Pending(ctx context.Context, threadID string) ([]*InterventionRequest, error)

	// Expired returns pending requests whose deadline is at or before now.
	Expired(ctx context.Context, now time.Time) ([]*InterventionRequest, error)
}

// MemoryRequestStore is a process-local RequestStore backed by maps.
type MemoryRequestStore struct {
	mutex     sync.Mutex
	requests  map[string]*InterventionRequest
	responses map[string]*InterventionResponse
}

// NewMemoryRequestStore creates an empty in-memory request store.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		requests:  map[string]*InterventionRequest{},
		responses: map[string]*InterventionResponse{},
	}
}

// Create persists a new pending request.
func (s *MemoryRequestStore) Create(ctx context.Context, request *InterventionRequest) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cp := request.Copy()
	if cp.Status == "" {
		cp.Status = InterventionPending
	}
	s.requests[cp.RequestID] = cp
	return nil
}

// Get returns a request by ID.
func (s *MemoryRequestStore) Get(ctx context.Context, requestID string) (*InterventionRequest, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	request, ok := s.requests[requestID]
	if !ok {
		return nil, nil
	}
	return request.Copy(), nil
}

// Resolve transitions a request out of pending exactly once.
func (s *MemoryRequestStore) Resolve(ctx context.Context, requestID string, status InterventionStatus, response *InterventionResponse) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	request, ok := s.requests[requestID]
	if !ok || request.Status != InterventionPending {
		return false, nil
	}
	request.Status = status
	if response != nil {
		s.responses[requestID] = response
	}
	return true, nil
}

// Pending returns the pending requests for one thread, oldest first.
func (s *MemoryRequestStore) Pending(ctx context.Context, threadID string) ([]*InterventionRequest, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var pending []*InterventionRequest
	for _, request := range s.requests {
		if request.ThreadID == threadID && request.Status == InterventionPending {
			pending = append(pending, request.Copy())
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].RequestedAt.Before(pending[j].RequestedAt)
	})
	return pending, nil
}

// Expired returns pending requests whose deadline has passed.
func (s *MemoryRequestStore) Expired(ctx context.Context, now time.Time) ([]*InterventionRequest, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var expired []*InterventionRequest
	for _, request := range s.requests {
		if request.Status == InterventionPending && !request.Deadline().After(now) {
			expired = append(expired, request.Copy())
		}
	}
	return expired, nil
}
