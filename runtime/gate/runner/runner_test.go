package runner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/gate/runtime/gate/approval"
	approvalinmem "goa.design/gate/runtime/gate/approval/inmem"
	"goa.design/gate/runtime/gate/registry"
	registryinmem "goa.design/gate/runtime/gate/registry/inmem"
	"goa.design/gate/runtime/gate/run"
	"goa.design/gate/runtime/gate/stream"
)

// captureSink records every event it receives.
type captureSink struct {
	events []stream.Event
}

func (s *captureSink) Send(_ context.Context, ev stream.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Close(context.Context) error { return nil }

func (s *captureSink) kinds() []stream.Kind {
	out := make([]stream.Kind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind()
	}
	return out
}

// scriptPlanner replays a fixed sequence of plans and records its inputs.
type scriptPlanner struct {
	plans  []*run.Plan
	inputs []*run.PlanInput
}

func (p *scriptPlanner) Plan(_ context.Context, in *run.PlanInput) (*run.Plan, error) {
	p.inputs = append(p.inputs, in)
	if len(p.plans) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := p.plans[0]
	p.plans = p.plans[1:]
	return next, nil
}

// mapInvoker dispatches tool calls to canned handlers.
type mapInvoker map[string]func(json.RawMessage) (run.ToolOutput, error)

func (m mapInvoker) Invoke(_ context.Context, toolName string, input json.RawMessage) (run.ToolOutput, error) {
	fn, ok := m[toolName]
	if !ok {
		return run.ToolOutput{}, errors.New("unknown tool " + toolName)
	}
	return fn(input)
}

func newTestRunner(planner run.Planner, invoker run.Invoker) (*Runner, *approvalinmem.Store, *registryinmem.Store) {
	approvals := approvalinmem.New()
	sessions := registryinmem.New()
	return &Runner{
		Approvals: approvals,
		Sessions:  sessions,
		Planner:   planner,
		Invoker:   invoker,
	}, approvals, sessions
}

func TestStartHappyPathNoGates(t *testing.T) {
	planner := &scriptPlanner{plans: []*run.Plan{
		{
			Thinking: "I should look this up.",
			ToolCalls: []*run.ToolRequest{{
				Name:    "search_web",
				Input:   json.RawMessage(`{"q":"weather"}`),
				Preview: "search for weather",
			}},
		},
		{Content: "Here is what I found.", Final: &run.FinalResult{Content: "Sunny, 22C."}},
	}}
	invoker := mapInvoker{
		"search_web": func(json.RawMessage) (run.ToolOutput, error) {
			return run.ToolOutput{
				Data:     json.RawMessage(`[{"title":"forecast"}]`),
				DataType: "json_list",
				Preview:  "1 result",
			}, nil
		},
	}
	rnr, _, sessions := newTestRunner(planner, invoker)
	sink := &captureSink{}

	out, err := rnr.Start(context.Background(), "what is the weather", sink)
	require.NoError(t, err)
	require.Equal(t, run.StateDone, out.State)
	require.NotEmpty(t, out.StreamID)

	require.Equal(t, []stream.Kind{
		stream.KindStreamID,
		stream.KindThinking,
		stream.KindTool,
		stream.KindToolExecuting,
		stream.KindToolResult,
		stream.KindContent,
		stream.KindResult,
		stream.KindDone,
	}, sink.kinds())

	// The planner saw the tool outcome on the second pass.
	require.Len(t, planner.inputs, 2)
	require.Len(t, planner.inputs[1].ToolResults, 1)
	require.Equal(t, "search_web", planner.inputs[1].ToolResults[0].Name)

	// Terminal runs release their session.
	_, err = sessions.Get(context.Background(), out.StreamID)
	require.ErrorIs(t, err, registry.ErrSessionNotFound)
}

func TestStartSuspendsAtGate(t *testing.T) {
	input := json.RawMessage(`{"path":"/tmp/x"}`)
	schema := json.RawMessage(`{"type":"object"}`)
	planner := &scriptPlanner{plans: []*run.Plan{
		{ToolCalls: []*run.ToolRequest{{
			Name:             "write_file",
			Input:            input,
			RequiresApproval: true,
			ParameterSchema:  schema,
			Preview:          "write /tmp/x",
		}}},
	}}
	rnr, approvals, sessions := newTestRunner(planner, mapInvoker{})
	sink := &captureSink{}

	out, err := rnr.Start(context.Background(), "write the file", sink)
	require.NoError(t, err)
	require.Equal(t, run.StateAwaitingApproval, out.State)

	// The stream ends on the gate event; the tool did not execute.
	kinds := sink.kinds()
	require.Equal(t, stream.KindToolApprovalRequired, kinds[len(kinds)-1])
	require.NotContains(t, kinds, stream.KindToolExecuting)

	sess, err := sessions.Get(context.Background(), out.StreamID)
	require.NoError(t, err)
	require.Equal(t, run.StateAwaitingApproval, sess.State)
	require.NotNil(t, sess.Gate)
	require.Equal(t, "write_file", sess.Gate.ToolName)
	require.JSONEq(t, string(input), string(sess.Gate.ToolInput))

	req, err := approvals.Get(context.Background(), sess.Gate.ApprovalID)
	require.NoError(t, err)
	require.Equal(t, approval.StatusPending, req.Status)
	require.Equal(t, "write_file", req.ToolName)
}

func TestToolFailureDoesNotAbortRun(t *testing.T) {
	planner := &scriptPlanner{plans: []*run.Plan{
		{ToolCalls: []*run.ToolRequest{{Name: "search_web", Input: json.RawMessage(`{}`)}}},
		{Final: &run.FinalResult{Content: "I could not reach the search service."}},
	}}
	invoker := mapInvoker{
		"search_web": func(json.RawMessage) (run.ToolOutput, error) {
			return run.ToolOutput{}, errors.New("connection refused")
		},
	}
	rnr, _, _ := newTestRunner(planner, invoker)
	sink := &captureSink{}

	out, err := rnr.Start(context.Background(), "search", sink)
	require.NoError(t, err)
	require.Equal(t, run.StateDone, out.State)

	// The failure travels as an error-shaped tool result, not an error event.
	kinds := sink.kinds()
	require.Contains(t, kinds, stream.KindToolResult)
	require.NotContains(t, kinds, stream.KindError)

	var payload stream.ToolResultPayload
	for _, ev := range sink.events {
		if ev.Kind() == stream.KindToolResult {
			raw, err := json.Marshal(ev.Payload())
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(raw, &payload))
		}
	}
	require.Equal(t, stream.DataTypeText, payload.DataType)
	require.True(t, payload.IsError)
	require.JSONEq(t, `{"error":"connection refused"}`, string(payload.Full))

	// The planner saw the execution error.
	require.Equal(t, "connection refused", planner.inputs[1].ToolResults[0].Err)
}

func TestPlannerFaultEmitsTerminalError(t *testing.T) {
	planner := &scriptPlanner{}
	rnr, _, sessions := newTestRunner(planner, mapInvoker{})
	sink := &captureSink{}

	out, err := rnr.Start(context.Background(), "q", sink)
	require.Error(t, err)
	require.Equal(t, run.StateErrored, out.State)

	kinds := sink.kinds()
	require.Equal(t, stream.KindError, kinds[len(kinds)-1])
	_, err = sessions.Get(context.Background(), out.StreamID)
	require.ErrorIs(t, err, registry.ErrSessionNotFound)
}

func TestCancelledContextMarksRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	planner := &scriptPlanner{plans: []*run.Plan{
		{ToolCalls: []*run.ToolRequest{{Name: "search_web", Input: json.RawMessage(`{}`)}}},
	}}
	invoker := mapInvoker{
		"search_web": func(json.RawMessage) (run.ToolOutput, error) {
			cancel()
			return run.ToolOutput{}, ctx.Err()
		},
	}
	rnr, _, sessions := newTestRunner(planner, invoker)
	sink := &captureSink{}

	out, err := rnr.Start(ctx, "q", sink)
	require.NoError(t, err)
	require.Equal(t, run.StateCancelled, out.State)

	// Cancellation is not an error: the session stays for the idle sweep.
	sess, err := sessions.Get(context.Background(), out.StreamID)
	require.NoError(t, err)
	require.Equal(t, run.StateCancelled, sess.State)
}

func TestCancelLeavesApprovalsPending(t *testing.T) {
	planner := &scriptPlanner{plans: []*run.Plan{
		{ToolCalls: []*run.ToolRequest{{Name: "write_file", Input: json.RawMessage(`{}`), RequiresApproval: true}}},
	}}
	rnr, approvals, sessions := newTestRunner(planner, mapInvoker{})
	sink := &captureSink{}

	out, err := rnr.Start(context.Background(), "q", sink)
	require.NoError(t, err)
	require.Equal(t, run.StateAwaitingApproval, out.State)

	require.NoError(t, rnr.Cancel(context.Background(), out.StreamID))

	sess, err := sessions.Get(context.Background(), out.StreamID)
	require.NoError(t, err)
	require.Equal(t, run.StateCancelled, sess.State)
	require.NotNil(t, sess.Gate)

	req, err := approvals.Get(context.Background(), sess.Gate.ApprovalID)
	require.NoError(t, err)
	require.Equal(t, approval.StatusPending, req.Status)
}

func TestEmitRecordsBeforeSend(t *testing.T) {
	rnr, _, sessions := newTestRunner(&scriptPlanner{}, mapInvoker{})
	id, err := sessions.Begin(context.Background(), "q")
	require.NoError(t, err)

	failing := failingSink{err: errors.New("client went away")}
	err = rnr.Emit(context.Background(), id, stream.NewContent(id, "hello"), failing)
	require.Error(t, err)

	// The registry recorded the event even though the client never saw it.
	sess, err := sessions.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, sess.Events, 1)
	require.Equal(t, stream.KindContent, sess.Events[0].Kind)
}

func TestMirrorReceivesEveryEvent(t *testing.T) {
	planner := &scriptPlanner{plans: []*run.Plan{
		{Final: &run.FinalResult{Content: "done"}},
	}}
	rnr, _, _ := newTestRunner(planner, mapInvoker{})
	mirror := &captureSink{}
	rnr.Mirror = mirror
	sink := &captureSink{}

	_, err := rnr.Start(context.Background(), "q", sink)
	require.NoError(t, err)
	require.Equal(t, sink.kinds(), mirror.kinds())
}

type failingSink struct {
	err error
}

func (s failingSink) Send(context.Context, stream.Event) error { return s.err }
func (s failingSink) Close(context.Context) error              { return nil }
