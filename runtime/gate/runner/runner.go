// Package runner drives a single agent run through the gate state machine:
// it consumes plans from the opaque agent engine, executes ungated tools,
// suspends at consent gates and emits every unit of progress as a stream
// event recorded in the session registry before it reaches the client.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"goa.design/gate/runtime/gate/approval"
	"goa.design/gate/runtime/gate/registry"
	"goa.design/gate/runtime/gate/run"
	"goa.design/gate/runtime/gate/stream"
)

type (
	// Runner executes agent runs. All fields are required unless noted.
	Runner struct {
		// Approvals arbitrates consent decisions.
		Approvals approval.Store
		// Sessions persists resumable run state.
		Sessions registry.Registry
		// Planner is the opaque agent engine.
		Planner run.Planner
		// Invoker executes tools.
		Invoker run.Invoker
		// ApprovalTTL bounds the approval window for each gate. Defaults to
		// DefaultApprovalTTL.
		ApprovalTTL time.Duration
		// Mirror optionally duplicates every emitted event to a second sink,
		// typically the Pulse fan-out, so the event stream outlives the HTTP
		// connection. Mirror failures are logged, never fatal: the recorded
		// history in the registry remains the source of truth.
		Mirror stream.Sink
	}

	// Outcome reports how a Start or Continue call left the run.
	Outcome struct {
		// StreamID identifies the run.
		StreamID string
		// State is the run state when the call returned: awaiting_approval
		// when suspended at a gate, otherwise a terminal state.
		State run.State
	}
)

// DefaultApprovalTTL is the approval window applied when the Runner does not
// configure one.
const DefaultApprovalTTL = 10 * time.Minute

// Start begins a new run for query, emitting events to sink until the run
// suspends at a consent gate or terminates. The stream_id event is always
// emitted first.
func (r *Runner) Start(ctx context.Context, query string, sink stream.Sink) (Outcome, error) {
	if err := r.validate(); err != nil {
		return Outcome{}, err
	}
	streamID, err := r.Sessions.Begin(ctx, query)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin session: %w", err)
	}
	if err := r.Emit(ctx, streamID, stream.NewStreamID(streamID), sink); err != nil {
		return r.fault(ctx, streamID, sink, err)
	}
	return r.drive(ctx, streamID, query, nil, sink)
}

// Continue re-enters the agent loop of an existing run after a gate has been
// resolved and its outcome appended to results. The caller (the resume
// handler) has already emitted the gate-resolution events.
func (r *Runner) Continue(ctx context.Context, streamID string, results []*run.ToolOutcome, sink stream.Sink) (Outcome, error) {
	if err := r.validate(); err != nil {
		return Outcome{}, err
	}
	sess, err := r.Sessions.Get(ctx, streamID)
	if err != nil {
		return Outcome{}, err
	}
	if err := r.setState(ctx, streamID, sess.State, run.StateRunning); err != nil {
		return Outcome{}, err
	}
	return r.drive(ctx, streamID, sess.Query, results, sink)
}

// Cancel marks the run cancelled. In-flight work is abandoned best-effort;
// any pending approval is left pending until its TTL expires so a
// reconnecting client can still resolve it while the session lives.
func (r *Runner) Cancel(ctx context.Context, streamID string) error {
	sess, err := r.Sessions.Get(ctx, streamID)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return nil
	}
	if err := r.Sessions.SetState(ctx, streamID, run.StateCancelled); err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "run cancelled"}, log.KV{K: "stream_id", V: streamID})
	return nil
}

// Emit records ev in the session history and forwards it to sink. Recording
// happens first: the registry is the source of truth for event order, the
// client view is a projection of it.
func (r *Runner) Emit(ctx context.Context, streamID string, ev stream.Event, sink stream.Sink) error {
	env, err := stream.Encode(ev)
	if err != nil {
		return err
	}
	if err := r.Sessions.Append(ctx, streamID, env); err != nil {
		return fmt.Errorf("append %s event: %w", ev.Kind(), err)
	}
	if err := sink.Send(ctx, ev); err != nil {
		return fmt.Errorf("send %s event: %w", ev.Kind(), err)
	}
	if r.Mirror != nil {
		if err := r.Mirror.Send(ctx, ev); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "mirror send failed"},
				log.KV{K: "stream_id", V: streamID},
				log.KV{K: "kind", V: ev.Kind()})
		}
	}
	return nil
}

// drive runs the plan/execute loop until a gate opens or the run terminates.
func (r *Runner) drive(ctx context.Context, streamID, query string, results []*run.ToolOutcome, sink stream.Sink) (Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return r.cancelled(streamID)
		}

		plan, err := r.Planner.Plan(ctx, &run.PlanInput{
			StreamID:    streamID,
			Query:       query,
			ToolResults: results,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return r.cancelled(streamID)
			}
			return r.fault(ctx, streamID, sink, fmt.Errorf("plan: %w", err))
		}

		if plan.Thinking != "" {
			if err := r.Emit(ctx, streamID, stream.NewThinking(streamID, plan.Thinking), sink); err != nil {
				return r.fault(ctx, streamID, sink, err)
			}
		}
		if plan.Content != "" {
			if err := r.Emit(ctx, streamID, stream.NewContent(streamID, plan.Content), sink); err != nil {
				return r.fault(ctx, streamID, sink, err)
			}
		}

		if plan.Final != nil {
			if err := r.Emit(ctx, streamID, stream.NewResult(streamID, plan.Final.Content), sink); err != nil {
				return r.fault(ctx, streamID, sink, err)
			}
			if err := r.Emit(ctx, streamID, stream.NewDone(streamID), sink); err != nil {
				return r.fault(ctx, streamID, sink, err)
			}
			if err := r.Sessions.SetState(ctx, streamID, run.StateDone); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "record done state"}, log.KV{K: "stream_id", V: streamID})
			}
			if err := r.Sessions.End(ctx, streamID); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "release session"}, log.KV{K: "stream_id", V: streamID})
			}
			return Outcome{StreamID: streamID, State: run.StateDone}, nil
		}

		for _, call := range plan.ToolCalls {
			if err := ctx.Err(); err != nil {
				return r.cancelled(streamID)
			}
			if call.RequiresApproval {
				return r.openGate(ctx, streamID, call, sink)
			}
			outcome, err := r.execute(ctx, streamID, call, false, call.Input, sink)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return r.cancelled(streamID)
				}
				return r.fault(ctx, streamID, sink, err)
			}
			results = append(results, outcome)
		}
	}
}

// openGate creates the approval record, snapshots the suspended call and
// emits the approval-required event. The run is suspended from this point:
// nothing further executes until a decision resolves the gate.
func (r *Runner) openGate(ctx context.Context, streamID string, call *run.ToolRequest, sink stream.Sink) (Outcome, error) {
	ttl := r.ApprovalTTL
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	req, err := r.Approvals.Create(ctx, call.Name, call.Input, call.ParameterSchema, ttl)
	if err != nil {
		return r.fault(ctx, streamID, sink, fmt.Errorf("create approval: %w", err))
	}
	if err := r.Sessions.OpenGate(ctx, streamID, registry.PendingGate{
		ApprovalID:      req.ID,
		ToolName:        call.Name,
		ToolInput:       call.Input,
		ParameterSchema: call.ParameterSchema,
		Preview:         call.Preview,
	}); err != nil {
		return r.fault(ctx, streamID, sink, fmt.Errorf("open gate: %w", err))
	}
	ev := stream.NewToolApprovalRequired(streamID, req.ID, call.Name, call.Input, call.ParameterSchema)
	if err := r.Emit(ctx, streamID, ev, sink); err != nil {
		return r.fault(ctx, streamID, sink, err)
	}
	log.Info(ctx, log.KV{K: "msg", V: "run suspended at approval gate"},
		log.KV{K: "stream_id", V: streamID},
		log.KV{K: "approval_id", V: req.ID},
		log.KV{K: "tool", V: call.Name})
	return Outcome{StreamID: streamID, State: run.StateAwaitingApproval}, nil
}

// execute invokes one tool call and emits the tool, tool_executing and
// tool_result events. An invocation error becomes an error-shaped
// tool_result; the run continues and the agent decides how to respond.
func (r *Runner) execute(ctx context.Context, streamID string, call *run.ToolRequest, approved bool, input json.RawMessage, sink stream.Sink) (*run.ToolOutcome, error) {
	if err := r.Emit(ctx, streamID, stream.NewTool(streamID, call.Name, call.Preview, input, approved), sink); err != nil {
		return nil, err
	}
	if err := r.Emit(ctx, streamID, stream.NewToolExecuting(streamID, call.Name, "Executing "+call.Name), sink); err != nil {
		return nil, err
	}
	out, invokeErr := r.Invoker.Invoke(ctx, call.Name, input)
	if invokeErr != nil {
		if errors.Is(invokeErr, context.Canceled) {
			return nil, invokeErr
		}
		if err := r.Emit(ctx, streamID, stream.NewToolError(streamID, call.Name, invokeErr.Error()), sink); err != nil {
			return nil, err
		}
		return &run.ToolOutcome{Name: call.Name, Err: invokeErr.Error()}, nil
	}
	dt := stream.DataType(out.DataType)
	if dt == "" {
		dt = stream.DataTypeText
	}
	if err := r.Emit(ctx, streamID, stream.NewToolResult(streamID, call.Name, out.Preview, out.Data, dt), sink); err != nil {
		return nil, err
	}
	return &run.ToolOutcome{Name: call.Name, Output: out}, nil
}

// ExecuteResolved runs a gate-resolved tool call on behalf of the resume
// handler: the tool event carries approved=true and, when the human edited
// parameters, the modified input.
func (r *Runner) ExecuteResolved(ctx context.Context, streamID string, call *run.ToolRequest, input json.RawMessage, sink stream.Sink) (*run.ToolOutcome, error) {
	return r.execute(ctx, streamID, call, true, input, sink)
}

// fault records the stream fault, emits one terminal error event best-effort
// and releases the session. This is the only path that aborts a whole run.
func (r *Runner) fault(ctx context.Context, streamID string, sink stream.Sink, cause error) (Outcome, error) {
	log.Error(ctx, cause, log.KV{K: "msg", V: "run faulted"}, log.KV{K: "stream_id", V: streamID})
	if err := r.Sessions.SetState(ctx, streamID, run.StateErrored); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "record errored state"}, log.KV{K: "stream_id", V: streamID})
	}
	ev := stream.NewError(streamID, "The run failed unexpectedly. Please start a new request.")
	if env, err := stream.Encode(ev); err == nil {
		_ = r.Sessions.Append(ctx, streamID, env)
	}
	_ = sink.Send(ctx, ev)
	if err := r.Sessions.End(ctx, streamID); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "release session"}, log.KV{K: "stream_id", V: streamID})
	}
	return Outcome{StreamID: streamID, State: run.StateErrored}, cause
}

func (r *Runner) cancelled(streamID string) (Outcome, error) {
	// Recorded with a fresh context: the run context is already canceled.
	ctx := context.Background()
	if err := r.Sessions.SetState(ctx, streamID, run.StateCancelled); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "record cancelled state"}, log.KV{K: "stream_id", V: streamID})
	}
	return Outcome{StreamID: streamID, State: run.StateCancelled}, nil
}

func (r *Runner) setState(ctx context.Context, streamID string, from, to run.State) error {
	next, err := from.Transition(to)
	if err != nil {
		return err
	}
	return r.Sessions.SetState(ctx, streamID, next)
}

func (r *Runner) validate() error {
	if r.Approvals == nil {
		return errors.New("approval store is required")
	}
	if r.Sessions == nil {
		return errors.New("session registry is required")
	}
	if r.Planner == nil {
		return errors.New("planner is required")
	}
	if r.Invoker == nil {
		return errors.New("invoker is required")
	}
	return nil
}
