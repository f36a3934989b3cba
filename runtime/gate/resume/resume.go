// Package resume bridges human decisions to suspended runs.
//
// Two operations compose the protocol:
//
//   - Decide durably records a decision against an approval. It is the
//     exactly-once arbiter: the first decision wins, duplicates observe
//     approval.ErrAlreadyResolved.
//   - Resume re-enters the suspended continuation on a fresh event stream,
//     applying the recorded decision: execute the tool on approval (with
//     edited parameters when provided), synthesize a denial event otherwise,
//     then hand control back to the agent loop, which may open further gates.
//
// The operations are decoupled so a decision survives a failed stream leg:
// a retried Resume finds the approval already resolved and proceeds with the
// recorded decision as long as the gate is still open.
package resume

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"

	"goa.design/gate/runtime/gate/approval"
	"goa.design/gate/runtime/gate/registry"
	"goa.design/gate/runtime/gate/run"
	"goa.design/gate/runtime/gate/runner"
	"goa.design/gate/runtime/gate/stream"
)

type (
	// Handler resolves decisions and resumes suspended runs.
	Handler struct {
		// Approvals is the decision store. Required.
		Approvals approval.Store
		// Sessions is the stream session registry. Required.
		Sessions registry.Registry
		// Runner re-enters the agent loop. Required.
		Runner *runner.Runner
	}

	// Decision reports the outcome of recording a decision.
	Decision struct {
		// Approved echoes the recorded decision.
		Approved bool
		// HasModifications reports that edited parameters were recorded.
		HasModifications bool
	}
)

// ErrNoOpenGate indicates the session has no unresolved approval gate to
// resume through.
var ErrNoOpenGate = errors.New("no open approval gate")

// ErrInvalidModifiedParams indicates edited parameters failed validation
// against the tool's parameter schema. The approval is not consumed.
var ErrInvalidModifiedParams = errors.New("modified parameters do not match parameter schema")

// Decide durably records a decision for approvalID. Resolution errors
// (approval.ErrNotFound, ErrAlreadyResolved, ErrExpired) are returned
// unwrapped so callers can tell "nothing to retry" from "retry is safe".
//
// When the approval declares a parameter schema and modifiedParams are
// supplied, the edits are validated first; invalid edits fail with
// ErrInvalidModifiedParams without consuming the approval.
func (h *Handler) Decide(ctx context.Context, approvalID string, approved bool, modifiedParams json.RawMessage) (Decision, error) {
	if approvalID == "" {
		return Decision{}, errors.New("approval id is required")
	}
	if approved && len(modifiedParams) > 0 {
		req, err := h.Approvals.Get(ctx, approvalID)
		if err != nil {
			return Decision{}, err
		}
		if len(req.ParameterSchema) > 0 {
			if err := validateParams(req.ParameterSchema, modifiedParams); err != nil {
				return Decision{}, fmt.Errorf("%w: %s", ErrInvalidModifiedParams, err)
			}
		}
	}
	req, err := h.Approvals.Resolve(ctx, approvalID, approved, modifiedParams)
	if err != nil {
		return Decision{}, err
	}
	log.Info(ctx, log.KV{K: "msg", V: "approval decided"},
		log.KV{K: "approval_id", V: approvalID},
		log.KV{K: "approved", V: approved},
		log.KV{K: "modified", V: len(req.ModifiedInput) > 0})
	return Decision{Approved: approved, HasModifications: len(req.ModifiedInput) > 0}, nil
}

// Resume applies the decision for the session's open gate and continues the
// run on sink, a fresh event stream independent of the connection that
// created the session.
//
// The decision may be passed inline (approved, modifiedParams) or have been
// recorded earlier via Decide; an inline decision that races a recorded one
// loses and the recorded decision is applied. Resume succeeds at most once
// per gate: once the gate is cleared, subsequent calls return the resolution
// error of the underlying approval.
func (h *Handler) Resume(ctx context.Context, streamID string, approved bool, modifiedParams json.RawMessage, sink stream.Sink) (runner.Outcome, error) {
	if streamID == "" {
		return runner.Outcome{}, errors.New("stream id is required")
	}
	sess, err := h.Sessions.Get(ctx, streamID)
	if err != nil {
		return runner.Outcome{}, err
	}
	if sess.Gate == nil {
		return runner.Outcome{}, h.resolvedGateError(ctx, sess)
	}
	gate := *sess.Gate

	// An inline decision honors the same edit contract as Decide: invalid
	// edits fail before the approval is consumed.
	if approved && len(modifiedParams) > 0 && len(gate.ParameterSchema) > 0 {
		if err := validateParams(gate.ParameterSchema, modifiedParams); err != nil {
			return runner.Outcome{}, fmt.Errorf("%w: %s", ErrInvalidModifiedParams, err)
		}
	}

	req, err := h.Approvals.Resolve(ctx, gate.ApprovalID, approved, modifiedParams)
	switch {
	case err == nil:
		// Inline decision won.
	case errors.Is(err, approval.ErrAlreadyResolved):
		// Recorded earlier via Decide, or a retried resume. Proceed with the
		// stored decision while the gate is open.
		req, err = h.Approvals.Get(ctx, gate.ApprovalID)
		if err != nil {
			return runner.Outcome{}, err
		}
		if req.Status == approval.StatusExpired {
			return runner.Outcome{}, approval.ErrExpired
		}
	default:
		return runner.Outcome{}, err
	}

	if _, err := sess.State.Transition(run.StateResuming); err != nil {
		return runner.Outcome{}, err
	}
	if err := h.Sessions.SetState(ctx, streamID, run.StateResuming); err != nil {
		return runner.Outcome{}, err
	}

	toolName := h.resolveToolName(ctx, streamID, gate.ApprovalID, gate.ToolName, sess.LastToolName)

	if req.Status == approval.StatusApproved {
		input := gate.ToolInput
		if len(req.ModifiedInput) > 0 {
			input = req.ModifiedInput
		}
		call := &run.ToolRequest{Name: toolName, Input: gate.ToolInput, Preview: gate.Preview}
		outcome, err := h.Runner.ExecuteResolved(ctx, streamID, call, input, sink)
		if err != nil {
			return runner.Outcome{}, err
		}
		if err := h.Sessions.ClearGate(ctx, streamID); err != nil {
			return runner.Outcome{}, err
		}
		return h.continueRun(ctx, streamID, sink, outcome)
	}

	// Denied: the tool never executes. Emit the denial and let the agent
	// respond to it in natural language.
	reason := fmt.Sprintf("The user denied execution of %s.", toolName)
	if err := h.Runner.Emit(ctx, streamID, stream.NewToolDenied(streamID, toolName, reason), sink); err != nil {
		return runner.Outcome{}, err
	}
	if err := h.Sessions.ClearGate(ctx, streamID); err != nil {
		return runner.Outcome{}, err
	}
	return h.continueRun(ctx, streamID, sink, nil)
}

// continueRun rebuilds planner input from the recorded history and re-enters
// the agent loop.
func (h *Handler) continueRun(ctx context.Context, streamID string, sink stream.Sink, _ *run.ToolOutcome) (runner.Outcome, error) {
	sess, err := h.Sessions.Get(ctx, streamID)
	if err != nil {
		return runner.Outcome{}, err
	}
	return h.Runner.Continue(ctx, streamID, registry.Outcomes(sess.Events), sink)
}

// resolveToolName recovers the tool name for a gate resolution, in priority
// order: the name snapshot on the gate itself, the approval-id association in
// the recorded history, then the cached last tool name. The association
// lookup is keyed by approval id because the result being forwarded may have
// no adjacent tool event: the tool may have been identified before the gate
// opened.
func (h *Handler) resolveToolName(ctx context.Context, streamID, approvalID, explicit, last string) string {
	if explicit != "" && explicit != "unknown" {
		return explicit
	}
	if name, err := h.Sessions.FindToolNameForApproval(ctx, streamID, approvalID); err == nil && name != "" {
		return name
	}
	return last
}

// ResolveToolName recovers the tool name associated with approvalID for a
// result that arrived without one. Exposed for transports that forward
// results produced outside the runner.
func (h *Handler) ResolveToolName(ctx context.Context, streamID, approvalID, explicit string) (string, error) {
	if explicit != "" && explicit != "unknown" {
		return explicit, nil
	}
	name, err := h.Sessions.FindToolNameForApproval(ctx, streamID, approvalID)
	if err == nil && name != "" {
		return name, nil
	}
	sess, serr := h.Sessions.Get(ctx, streamID)
	if serr == nil && sess.LastToolName != "" {
		return sess.LastToolName, nil
	}
	if err == nil {
		err = registry.ErrApprovalNotInSession
	}
	return "", err
}

// resolvedGateError reports why a session has no open gate, surfacing the
// specific resolution state of the most recent approval when one exists.
func (h *Handler) resolvedGateError(ctx context.Context, sess registry.Session) error {
	for i := len(sess.Events) - 1; i >= 0; i-- {
		if sess.Events[i].Kind != stream.KindToolApprovalRequired {
			continue
		}
		var p stream.ToolApprovalRequiredPayload
		if err := json.Unmarshal(sess.Events[i].Payload, &p); err != nil {
			break
		}
		req, err := h.Approvals.Get(ctx, p.ApprovalID)
		if err != nil {
			return ErrNoOpenGate
		}
		switch req.Status {
		case approval.StatusExpired:
			return approval.ErrExpired
		case approval.StatusApproved, approval.StatusDenied:
			return approval.ErrAlreadyResolved
		}
		break
	}
	return ErrNoOpenGate
}

// validateParams validates params against the JSON schema in schemaRaw.
func validateParams(schemaRaw, params json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaRaw))
	if err != nil {
		return fmt.Errorf("parse parameter schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("parameters.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("parameters.json")
	if err != nil {
		return fmt.Errorf("compile parameter schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return fmt.Errorf("parse modified parameters: %w", err)
	}
	return sch.Validate(inst)
}
