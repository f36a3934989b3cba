// Package mongo provides the durable, Mongo-backed stream session registry.
package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	clientsmongo "goa.design/gate/features/registry/mongo/clients/mongo"
	"goa.design/gate/runtime/gate/registry"
	"goa.design/gate/runtime/gate/run"
	"goa.design/gate/runtime/gate/stream"
)

// Store implements registry.Registry by delegating to the Mongo client.
//
// Gate exclusivity rides on a conditional update: SetGate matches only a
// session with no gate field, so concurrent gate opens resolve to exactly
// one winner.
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

// Begin allocates a session with a fresh stream ID.
func (s *Store) Begin(ctx context.Context, query string) (string, error) {
	now := s.now().UTC()
	sess := registry.Session{
		StreamID:  uuid.NewString(),
		Query:     query,
		State:     run.StateRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.client.CreateSession(ctx, sess); err != nil {
		return "", err
	}
	return sess.StreamID, nil
}

// Append records one emitted event.
func (s *Store) Append(ctx context.Context, streamID string, env stream.Envelope) error {
	last := registry.LastToolName([]stream.Envelope{env})
	return s.client.AppendEvent(ctx, streamID, env, last, s.now().UTC())
}

// Get loads the session.
func (s *Store) Get(ctx context.Context, streamID string) (registry.Session, error) {
	return s.client.LoadSession(ctx, streamID)
}

// FindToolNameForApproval scans the recorded history for the gate carrying
// approvalID.
func (s *Store) FindToolNameForApproval(ctx context.Context, streamID, approvalID string) (string, error) {
	sess, err := s.client.LoadSession(ctx, streamID)
	if err != nil {
		return "", err
	}
	if name, ok := registry.ToolNameForApproval(sess.Events, approvalID); ok {
		return name, nil
	}
	return "", registry.ErrApprovalNotInSession
}

// OpenGate records the suspended call, conditional on no gate being open.
func (s *Store) OpenGate(ctx context.Context, streamID string, gate registry.PendingGate) error {
	if gate.ApprovalID == "" || gate.ToolName == "" {
		return errors.New("gate requires approval id and tool name")
	}
	won, err := s.client.SetGate(ctx, streamID, gate, s.now().UTC())
	if err != nil {
		return err
	}
	if won {
		return nil
	}
	// Lost the conditional update. The follow-up read discriminates why.
	if _, err := s.client.LoadSession(ctx, streamID); err != nil {
		return err
	}
	return registry.ErrGateOpen
}

// ClearGate removes the open gate.
func (s *Store) ClearGate(ctx context.Context, streamID string) error {
	return s.client.ClearGate(ctx, streamID, s.now().UTC())
}

// SetState records the run lifecycle state.
func (s *Store) SetState(ctx context.Context, streamID string, state run.State) error {
	return s.client.SetState(ctx, streamID, state, s.now().UTC())
}

// End releases the session. Idempotent.
func (s *Store) End(ctx context.Context, streamID string) error {
	return s.client.DeleteSession(ctx, streamID)
}

// SweepIdle releases sessions not touched since before now-idle.
func (s *Store) SweepIdle(ctx context.Context, now time.Time, idle time.Duration) (int, error) {
	if idle <= 0 {
		return 0, errors.New("idle window must be positive")
	}
	return s.client.DeleteIdleBefore(ctx, now.Add(-idle))
}

// SetNow overrides the time source. Intended for tests.
func (s *Store) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}
