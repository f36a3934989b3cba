// Package approval defines durable storage for pending tool-approval
// requests.
//
// A Request is created when a run reaches a consent gate and is resolved
// exactly once by a human decision, or expired by the background sweep when
// its TTL elapses undecided. The store is the single source of truth for
// decision state: resolution is a transactional compare-and-set so duplicate
// decisions (client double-clicks, retried requests) observe
// ErrAlreadyResolved rather than silently succeeding twice.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Request captures a pending tool-approval request.
	Request struct {
		// ID is the globally unique, opaque approval identifier.
		ID string
		// ToolName identifies the action pending approval.
		ToolName string
		// ToolInput is the proposed tool input. Its schema belongs to the
		// tool, not to this store.
		ToolInput json.RawMessage
		// ParameterSchema optionally describes the editable fields as a JSON
		// schema for review UIs. Nil when the tool declares none.
		ParameterSchema json.RawMessage
		// Status is the current lifecycle state.
		Status Status
		// ModifiedInput carries human-edited parameters recorded on approval.
		// Nil when the decision kept the original input.
		ModifiedInput json.RawMessage
		// CreatedAt records when the request was created.
		CreatedAt time.Time
		// ExpiresAt bounds the approval window. An unresolved request past
		// this instant is invalid and becomes Expired on the next sweep.
		ExpiresAt time.Time
		// ResolvedAt is set when the request reaches a terminal status.
		ResolvedAt *time.Time
	}

	// Store persists approval requests.
	//
	// Implementations must be durable and must arbitrate exactly-once
	// resolution: Resolve performs an atomic status check-and-set so that of
	// N concurrent resolution attempts exactly one succeeds.
	Store interface {
		// Create persists a new pending request with a fresh unique ID and
		// the given TTL, returning the stored request.
		Create(ctx context.Context, toolName string, toolInput, parameterSchema json.RawMessage, ttl time.Duration) (Request, error)

		// Resolve transitions a pending, unexpired request to approved or
		// denied and records modifiedInput when provided. It fails with
		// ErrNotFound for unknown IDs, ErrAlreadyResolved when the request
		// already reached a terminal status, and ErrExpired when the approval
		// window has passed.
		Resolve(ctx context.Context, id string, approved bool, modifiedInput json.RawMessage) (Request, error)

		// Get loads a request. Returns ErrNotFound for unknown IDs.
		Get(ctx context.Context, id string) (Request, error)

		// SweepExpired transitions every pending request whose ExpiresAt
		// precedes now to Expired and removes terminal requests older than
		// the retention window. Returns the number of newly expired requests.
		SweepExpired(ctx context.Context, now time.Time, retention time.Duration) (int, error)
	}

	// Status represents the lifecycle state of a request.
	Status string
)

const (
	// StatusPending indicates the request awaits a decision.
	StatusPending Status = "pending"
	// StatusApproved indicates a human approved the tool call.
	StatusApproved Status = "approved"
	// StatusDenied indicates a human denied the tool call.
	StatusDenied Status = "denied"
	// StatusExpired indicates the TTL elapsed with no decision.
	StatusExpired Status = "expired"
)

var (
	// ErrNotFound indicates the approval ID is unknown.
	ErrNotFound = errors.New("approval not found")
	// ErrAlreadyResolved indicates the request already reached a terminal
	// status. Distinct from ErrNotFound so clients can report "already
	// handled" rather than "does not exist".
	ErrAlreadyResolved = errors.New("approval already resolved")
	// ErrExpired indicates the approval window passed before a decision
	// arrived. A new run must be started.
	ErrExpired = errors.New("approval expired")
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}
