// Package inmem provides an in-memory implementation of registry.Registry.
//
// It is intended for tests and single-process deployments. Cross-process
// setups must use a durable implementation (for example
// features/registry/mongo) so resume calls arriving on other connections see
// the session.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/gate/runtime/gate/registry"
	"goa.design/gate/runtime/gate/run"
	"goa.design/gate/runtime/gate/stream"
)

// Store is an in-memory implementation of registry.Registry.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]registry.Session

	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]registry.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Begin implements registry.Registry.
func (s *Store) Begin(_ context.Context, query string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	sess := registry.Session{
		StreamID:  uuid.NewString(),
		Query:     query,
		State:     run.StateRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.StreamID] = sess
	return sess.StreamID, nil
}

// Append implements registry.Registry.
func (s *Store) Append(_ context.Context, streamID string, env stream.Envelope) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[streamID]
	if !ok {
		return registry.ErrSessionNotFound
	}
	sess.Events = append(sess.Events, env)
	if name := registry.LastToolName([]stream.Envelope{env}); name != "" {
		sess.LastToolName = name
	}
	sess.UpdatedAt = s.now()
	s.sessions[streamID] = sess
	return nil
}

// Get implements registry.Registry.
func (s *Store) Get(_ context.Context, streamID string) (registry.Session, error) {
	if streamID == "" {
		return registry.Session{}, errors.New("stream id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[streamID]
	if !ok {
		return registry.Session{}, registry.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

// FindToolNameForApproval implements registry.Registry.
func (s *Store) FindToolNameForApproval(_ context.Context, streamID, approvalID string) (string, error) {
	if streamID == "" || approvalID == "" {
		return "", errors.New("stream id and approval id are required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[streamID]
	if !ok {
		return "", registry.ErrSessionNotFound
	}
	name, ok := registry.ToolNameForApproval(sess.Events, approvalID)
	if !ok {
		return "", registry.ErrApprovalNotInSession
	}
	return name, nil
}

// OpenGate implements registry.Registry.
func (s *Store) OpenGate(_ context.Context, streamID string, gate registry.PendingGate) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	if gate.ApprovalID == "" || gate.ToolName == "" {
		return errors.New("gate approval id and tool name are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[streamID]
	if !ok {
		return registry.ErrSessionNotFound
	}
	if sess.Gate != nil {
		return registry.ErrGateOpen
	}
	g := gate
	sess.Gate = &g
	sess.State = run.StateAwaitingApproval
	sess.UpdatedAt = s.now()
	s.sessions[streamID] = sess
	return nil
}

// ClearGate implements registry.Registry.
func (s *Store) ClearGate(_ context.Context, streamID string) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[streamID]
	if !ok {
		return registry.ErrSessionNotFound
	}
	sess.Gate = nil
	sess.UpdatedAt = s.now()
	s.sessions[streamID] = sess
	return nil
}

// SetState implements registry.Registry.
func (s *Store) SetState(_ context.Context, streamID string, state run.State) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[streamID]
	if !ok {
		return registry.ErrSessionNotFound
	}
	sess.State = state
	sess.UpdatedAt = s.now()
	s.sessions[streamID] = sess
	return nil
}

// End implements registry.Registry.
func (s *Store) End(_ context.Context, streamID string) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, streamID)
	return nil
}

// SweepIdle implements registry.Registry.
func (s *Store) SweepIdle(_ context.Context, now time.Time, idle time.Duration) (int, error) {
	if now.IsZero() {
		return 0, errors.New("now is required")
	}
	if idle <= 0 {
		return 0, errors.New("idle timeout must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.UpdatedAt) > idle {
			delete(s.sessions, id)
			released++
		}
	}
	return released, nil
}

// SetNow overrides the store clock. Test hook.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func cloneSession(in registry.Session) registry.Session {
	out := in
	if len(in.Events) > 0 {
		out.Events = make([]stream.Envelope, len(in.Events))
		copy(out.Events, in.Events)
	}
	if in.Gate != nil {
		g := *in.Gate
		out.Gate = &g
	}
	return out
}
