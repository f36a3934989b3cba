// Package mongo provides the durable, Mongo-backed approval store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	clientsmongo "goa.design/gate/features/approval/mongo/clients/mongo"
	"goa.design/gate/runtime/gate/approval"
)

// Store implements approval.Store by delegating to the Mongo client.
//
// Exactly-once resolution rides on a conditional update: the filter matches
// only a pending, unexpired record, so of N concurrent decisions exactly one
// observes ModifiedCount == 1. The losers load the record to report the
// precise failure.
type Store struct {
	client clientsmongo.Client

	now func() time.Time
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client, now: time.Now}, nil
}

// Create persists a new pending request with a fresh ID and the given TTL.
func (s *Store) Create(ctx context.Context, toolName string, toolInput, parameterSchema json.RawMessage, ttl time.Duration) (approval.Request, error) {
	if toolName == "" {
		return approval.Request{}, errors.New("tool name is required")
	}
	if ttl <= 0 {
		return approval.Request{}, errors.New("ttl must be positive")
	}
	now := s.now().UTC()
	req := approval.Request{
		ID:              uuid.NewString(),
		ToolName:        toolName,
		ToolInput:       toolInput,
		ParameterSchema: parameterSchema,
		Status:          approval.StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	if err := s.client.CreateApproval(ctx, req); err != nil {
		return approval.Request{}, err
	}
	return req, nil
}

// Resolve transitions a pending, unexpired request to approved or denied.
func (s *Store) Resolve(ctx context.Context, id string, approved bool, modifiedInput json.RawMessage) (approval.Request, error) {
	if id == "" {
		return approval.Request{}, errors.New("approval id is required")
	}
	status := approval.StatusDenied
	if approved {
		status = approval.StatusApproved
	}
	won, err := s.client.ResolveApproval(ctx, id, status, modifiedInput, s.now().UTC())
	if err != nil {
		return approval.Request{}, err
	}
	out, loadErr := s.client.LoadApproval(ctx, id)
	if won {
		return out, loadErr
	}
	// Lost the conditional update. The follow-up read discriminates why.
	if loadErr != nil {
		return approval.Request{}, loadErr
	}
	switch {
	case out.Status == approval.StatusExpired:
		return approval.Request{}, approval.ErrExpired
	case out.Status.Terminal():
		return approval.Request{}, approval.ErrAlreadyResolved
	case !out.ExpiresAt.After(s.now().UTC()):
		// Deadline passed but the sweep has not marked it yet.
		return approval.Request{}, approval.ErrExpired
	default:
		return approval.Request{}, approval.ErrAlreadyResolved
	}
}

// Get loads a request.
func (s *Store) Get(ctx context.Context, id string) (approval.Request, error) {
	return s.client.LoadApproval(ctx, id)
}

// SweepExpired expires overdue pending requests and prunes terminal requests
// older than the retention window.
func (s *Store) SweepExpired(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	expired, err := s.client.ExpireApprovals(ctx, now)
	if err != nil {
		return 0, err
	}
	if retention > 0 {
		if _, err := s.client.DeleteResolvedBefore(ctx, now.Add(-retention)); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// SetNow overrides the time source. Intended for tests.
func (s *Store) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}
