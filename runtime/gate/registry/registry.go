// Package registry tracks the resumable state of in-flight runs, keyed by
// stream ID.
//
// The registry is the continuation snapshot a resume call reconstructs a run
// from: the ordered event history, the cached last tool name, the open gate
// (if any) and the run state. It is mutated only by the run's own
// continuation but read from other request contexts, so production
// deployments must back it with storage visible across requests (for example
// features/registry/mongo); the in-memory implementation serves tests and
// single-process setups.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/gate/runtime/gate/run"
	"goa.design/gate/runtime/gate/stream"
)

type (
	// Session is the resumable state of one run.
	Session struct {
		// StreamID is the opaque identifier clients hold.
		StreamID string
		// Query is the user request that started the run, kept so resumes
		// can rebuild planner input without the original connection.
		Query string
		// Events is the ordered history of every event emitted for the run,
		// across the initial connection and all resumes.
		Events []stream.Envelope
		// LastToolName caches the most recent tool name seen, used as a
		// fallback when a tool result arrives with no name and no matching
		// approval association.
		LastToolName string
		// Gate is the open consent gate, nil when none is outstanding.
		Gate *PendingGate
		// State is the run lifecycle state.
		State run.State
		// CreatedAt records when the session began.
		CreatedAt time.Time
		// UpdatedAt records the last mutation, used for idle expiry.
		UpdatedAt time.Time
	}

	// PendingGate snapshots the tool call suspended behind an open approval.
	PendingGate struct {
		// ApprovalID is the approval record gating the call.
		ApprovalID string
		// ToolName is the suspended tool.
		ToolName string
		// ToolInput is the original proposed input.
		ToolInput json.RawMessage
		// ParameterSchema is the optional editable-field schema.
		ParameterSchema json.RawMessage
		// Preview is the human-facing rendering of the call.
		Preview string
	}

	// Registry persists resumable run state.
	//
	// Sessions are single-writer (the run's own continuation) but must be
	// readable from other request contexts, because decisions arrive on
	// separate connections from the stream that created the session.
	Registry interface {
		// Begin allocates a session with empty history for the given user
		// query, returning its fresh stream ID.
		Begin(ctx context.Context, query string) (string, error)

		// Append records one emitted event. Called for every event, in
		// emission order, before the event is sent to the client.
		Append(ctx context.Context, streamID string, env stream.Envelope) error

		// Get loads the session. Returns ErrSessionNotFound for unknown IDs.
		Get(ctx context.Context, streamID string) (Session, error)

		// FindToolNameForApproval scans the history backward for the
		// tool_approval_required event carrying approvalID and returns its
		// tool name. Returns ErrApprovalNotInSession when no such event was
		// recorded. The association is keyed by approval ID, not event
		// adjacency: the tool may have been invoked before its gate.
		FindToolNameForApproval(ctx context.Context, streamID, approvalID string) (string, error)

		// OpenGate records the suspended call and moves the session to
		// awaiting_approval. Fails with ErrGateOpen when a gate is already
		// outstanding: at most one approval may be open per run.
		OpenGate(ctx context.Context, streamID string, gate PendingGate) error

		// ClearGate removes the open gate.
		ClearGate(ctx context.Context, streamID string) error

		// SetState records the run lifecycle state.
		SetState(ctx context.Context, streamID string, state run.State) error

		// End releases the session. Called on terminal events or idle
		// timeout. Idempotent.
		End(ctx context.Context, streamID string) error

		// SweepIdle releases sessions not touched since before now-idle.
		// Returns the number of sessions released. Runs alongside the
		// approval sweep so abandoned runs do not accumulate.
		SweepIdle(ctx context.Context, now time.Time, idle time.Duration) (int, error)
	}
)

var (
	// ErrSessionNotFound indicates the stream ID is unknown or the session
	// was already released.
	ErrSessionNotFound = errors.New("stream session not found")
	// ErrGateOpen indicates a second gate was opened while one is
	// unresolved.
	ErrGateOpen = errors.New("approval gate already open")
	// ErrApprovalNotInSession indicates no recorded gate matches the
	// approval ID.
	ErrApprovalNotInSession = errors.New("approval not recorded in session")
)

// ToolNameForApproval scans envelopes backward for the approval-required
// event carrying approvalID. Shared by Registry implementations.
func ToolNameForApproval(events []stream.Envelope, approvalID string) (string, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind != stream.KindToolApprovalRequired {
			continue
		}
		var p stream.ToolApprovalRequiredPayload
		if err := json.Unmarshal(events[i].Payload, &p); err != nil {
			continue
		}
		if p.ApprovalID == approvalID {
			return p.ToolName, true
		}
	}
	return "", false
}

// Outcomes reconstructs the tool outcomes recorded in the event history, in
// emission order, so a resumed run can rebuild planner input without the
// original connection's in-memory state. Results marked is_error at emission
// time are surfaced as execution errors; tool_denied events become denied
// outcomes carrying the denial reason.
func Outcomes(events []stream.Envelope) []*run.ToolOutcome {
	var out []*run.ToolOutcome
	for _, env := range events {
		switch env.Kind {
		case stream.KindToolResult:
			var p stream.ToolResultPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			oc := &run.ToolOutcome{
				Name: p.Name,
				Output: run.ToolOutput{
					Data:     p.Full,
					DataType: string(p.DataType),
					Preview:  p.Preview,
				},
			}
			if p.IsError {
				msg := p.Preview
				var e struct {
					Error string `json:"error"`
				}
				if err := json.Unmarshal(p.Full, &e); err == nil && e.Error != "" {
					msg = e.Error
				}
				oc.Err = msg
				oc.Output = run.ToolOutput{}
			}
			out = append(out, oc)
		case stream.KindToolDenied:
			var p stream.ToolDeniedPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			reason, _ := json.Marshal(map[string]string{"denied": p.Reason})
			out = append(out, &run.ToolOutcome{
				Name:   p.ToolName,
				Denied: true,
				Output: run.ToolOutput{Data: reason, DataType: "json", Preview: p.Reason},
			})
		}
	}
	return out
}

// LastToolName extracts the most recent tool name from envelopes, considering
// tool, tool_executing and approval-required events.
func LastToolName(events []stream.Envelope) string {
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Kind {
		case stream.KindTool:
			var p stream.ToolPayload
			if err := json.Unmarshal(events[i].Payload, &p); err == nil && p.Tool != "" {
				return p.Tool
			}
		case stream.KindToolExecuting:
			var p stream.ToolExecutingPayload
			if err := json.Unmarshal(events[i].Payload, &p); err == nil && p.ToolName != "" {
				return p.ToolName
			}
		case stream.KindToolApprovalRequired:
			var p stream.ToolApprovalRequiredPayload
			if err := json.Unmarshal(events[i].Payload, &p); err == nil && p.ToolName != "" {
				return p.ToolName
			}
		}
	}
	return ""
}
