// Package inmem provides an in-memory implementation of approval.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/approval/mongo).
// Resolution semantics are identical: the status check-and-set happens under
// the store lock, so concurrent duplicate decisions observe
// approval.ErrAlreadyResolved.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/gate/runtime/gate/approval"
)

// Store is an in-memory implementation of approval.Store.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	requests map[string]approval.Request

	// now is overridable in tests.
	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		requests: make(map[string]approval.Request),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create implements approval.Store.
func (s *Store) Create(_ context.Context, toolName string, toolInput, parameterSchema json.RawMessage, ttl time.Duration) (approval.Request, error) {
	if toolName == "" {
		return approval.Request{}, errors.New("tool name is required")
	}
	if ttl <= 0 {
		return approval.Request{}, errors.New("ttl must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	req := approval.Request{
		ID:              uuid.NewString(),
		ToolName:        toolName,
		ToolInput:       cloneRaw(toolInput),
		ParameterSchema: cloneRaw(parameterSchema),
		Status:          approval.StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	s.requests[req.ID] = req
	return cloneRequest(req), nil
}

// Resolve implements approval.Store.
func (s *Store) Resolve(_ context.Context, id string, approved bool, modifiedInput json.RawMessage) (approval.Request, error) {
	if id == "" {
		return approval.Request{}, errors.New("approval id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.requests[id]
	if !ok {
		return approval.Request{}, approval.ErrNotFound
	}
	if existing.Status == approval.StatusExpired {
		return approval.Request{}, approval.ErrExpired
	}
	if existing.Status != approval.StatusPending {
		return approval.Request{}, approval.ErrAlreadyResolved
	}
	now := s.now()
	if now.After(existing.ExpiresAt) {
		existing.Status = approval.StatusExpired
		existing.ResolvedAt = &now
		s.requests[id] = existing
		return approval.Request{}, approval.ErrExpired
	}

	if approved {
		existing.Status = approval.StatusApproved
		existing.ModifiedInput = cloneRaw(modifiedInput)
	} else {
		existing.Status = approval.StatusDenied
	}
	existing.ResolvedAt = &now
	s.requests[id] = existing
	return cloneRequest(existing), nil
}

// Get implements approval.Store.
func (s *Store) Get(_ context.Context, id string) (approval.Request, error) {
	if id == "" {
		return approval.Request{}, errors.New("approval id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.requests[id]
	if !ok {
		return approval.Request{}, approval.ErrNotFound
	}
	return cloneRequest(existing), nil
}

// SweepExpired implements approval.Store.
func (s *Store) SweepExpired(_ context.Context, now time.Time, retention time.Duration) (int, error) {
	if now.IsZero() {
		return 0, errors.New("now is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for id, req := range s.requests {
		switch {
		case req.Status == approval.StatusPending && now.After(req.ExpiresAt):
			at := now
			req.Status = approval.StatusExpired
			req.ResolvedAt = &at
			s.requests[id] = req
			expired++
		case req.Status.Terminal() && req.ResolvedAt != nil && retention > 0 && now.Sub(*req.ResolvedAt) > retention:
			delete(s.requests, id)
		}
	}
	return expired, nil
}

// SetNow overrides the store clock. Test hook.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func cloneRequest(in approval.Request) approval.Request {
	out := in
	out.ToolInput = cloneRaw(in.ToolInput)
	out.ParameterSchema = cloneRaw(in.ParameterSchema)
	out.ModifiedInput = cloneRaw(in.ModifiedInput)
	if in.ResolvedAt != nil {
		at := *in.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}
