// Package run defines the lifecycle of a gate-managed agent run and the
// collaborator interfaces the runner drives.
//
// # Lifecycle
//
// A run starts in StateRunning and reaches exactly one terminal state:
//
//	running ──► awaiting_approval ──► resuming ──► running   (repeatable)
//	running / resuming ──► done
//	any ──► errored
//	any ──► cancelled
//
// The only suspension point is the consent gate: a run pauses immediately
// before a tool requiring human approval would execute, never mid-call. Tool
// execution failures after approval do not terminate the run; they surface as
// error-shaped tool results and the agent decides how to respond. Only
// framework-level faults (store unreachable, sink failure) force
// StateErrored.
package run

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// State represents the lifecycle state of a run.
	State string

	// Planner is the opaque agent engine driving a run. The gate runtime
	// never inspects its reasoning; it consumes plans and feeds tool results
	// back in.
	Planner interface {
		// Plan produces the next batch of steps given the results accumulated
		// so far. The runner calls it repeatedly until a plan carries a final
		// result.
		Plan(ctx context.Context, in *PlanInput) (*Plan, error)
	}

	// Invoker executes tools on behalf of a run.
	Invoker interface {
		// Invoke executes the named tool with the given input. Errors are
		// reported to the agent as error-shaped tool results, not surfaced as
		// run failures.
		Invoke(ctx context.Context, toolName string, input json.RawMessage) (ToolOutput, error)
	}

	// PlanInput carries the accumulated context for the next planning step.
	PlanInput struct {
		// StreamID identifies the run.
		StreamID string
		// Query is the user request that started the run.
		Query string
		// ToolResults are the outcomes of every tool call executed so far,
		// including synthesized denial results, in execution order.
		ToolResults []*ToolOutcome
	}

	// Plan is one batch of agent output: zero or more deltas, then either
	// tool requests or a final result.
	Plan struct {
		// Content is visible answer text emitted before any tool call.
		Content string
		// Thinking is intermediate reasoning text.
		Thinking string
		// ToolCalls are the tool invocations the agent requests next. They
		// are executed strictly in order.
		ToolCalls []*ToolRequest
		// Final, when non-nil, carries the concluding answer; ToolCalls must
		// be empty.
		Final *FinalResult
	}

	// ToolRequest describes one requested tool invocation.
	ToolRequest struct {
		// Name is the tool identifier.
		Name string
		// Input is the proposed JSON input.
		Input json.RawMessage
		// RequiresApproval marks the call as needing human consent before
		// execution.
		RequiresApproval bool
		// ParameterSchema optionally describes editable input fields as a
		// JSON schema, forwarded to approval UIs.
		ParameterSchema json.RawMessage
		// Preview is a short human-facing rendering of the call.
		Preview string
	}

	// ToolOutput is the payload a tool produced.
	ToolOutput struct {
		// Data is the result payload.
		Data json.RawMessage
		// DataType tags the payload shape: "text", "json" or "json_list".
		DataType string
		// Preview is a concise human-facing summary.
		Preview string
	}

	// ToolOutcome pairs a tool request with its outcome for the planner.
	ToolOutcome struct {
		// Name is the tool that produced the outcome.
		Name string
		// Output is the tool result. On denial it carries the synthesized
		// denial message so the agent can narrate it.
		Output ToolOutput
		// Denied reports that a human denied the call; the tool never ran.
		Denied bool
		// Err is the execution error message when the approved tool raised.
		Err string
	}

	// FinalResult is the concluding answer of a run.
	FinalResult struct {
		// Content is the final textual answer.
		Content string
	}
)

const (
	// StateRunning indicates the agent loop is executing.
	StateRunning State = "running"
	// StateAwaitingApproval indicates the run is suspended at a consent gate.
	StateAwaitingApproval State = "awaiting_approval"
	// StateResuming indicates a decision arrived and the continuation is
	// being re-entered.
	StateResuming State = "resuming"
	// StateDone indicates normal completion.
	StateDone State = "done"
	// StateErrored indicates an unrecoverable framework fault.
	StateErrored State = "errored"
	// StateCancelled indicates explicit client cancellation.
	StateCancelled State = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored || s == StateCancelled
}

// CanTransition reports whether the machine admits the transition from s to
// next. Errored and cancelled are reachable from any non-terminal state.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateErrored || next == StateCancelled {
		return true
	}
	switch s {
	case StateRunning:
		return next == StateAwaitingApproval || next == StateDone
	case StateAwaitingApproval:
		return next == StateResuming
	case StateResuming:
		return next == StateRunning || next == StateDone
	}
	return false
}

// Transition validates and returns the transition from s to next.
func (s State) Transition(next State) (State, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("invalid run state transition %s -> %s", s, next)
	}
	return next, nil
}
