package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	input := json.RawMessage(`{"path":"/tmp/x"}`)
	schema := json.RawMessage(`{"type":"object"}`)
	cases := []struct {
		name string
		ev   Event
	}{
		{"stream_id", NewStreamID("st-1")},
		{"content", NewContent("st-1", "partial answer")},
		{"thinking", NewThinking("st-1", "considering options")},
		{"tool", NewTool("st-1", "write_file", "write_file /tmp/x", input, true)},
		{"tool_executing", NewToolExecuting("st-1", "write_file", "Executing write_file")},
		{"tool_result", NewToolResult("st-1", "write_file", "ok", json.RawMessage(`{"ok":true}`), DataTypeJSON)},
		{"tool_approval_required", NewToolApprovalRequired("st-1", "apr-1", "write_file", input, schema)},
		{"tool_denied", NewToolDenied("st-1", "write_file", "The user denied execution of write_file.")},
		{"result", NewResult("st-1", "final answer")},
		{"error", NewError("st-1", "boom")},
		{"done", NewDone("st-1")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Encode(tc.ev)
			require.NoError(t, err)
			require.Equal(t, tc.ev.Kind(), env.Kind)
			require.Equal(t, "st-1", env.StreamID)

			got, err := Decode(env)
			require.NoError(t, err)
			require.Equal(t, tc.ev.Kind(), got.Kind())
			require.Equal(t, tc.ev.Payload(), got.Payload())
		})
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode(Envelope{Kind: "telemetry", StreamID: "st-1", Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeMalformedPayload(t *testing.T) {
	_, err := Decode(Envelope{Kind: KindTool, StreamID: "st-1", Payload: json.RawMessage(`not json`)})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnknownKind)
}

func TestDecodePreservesRawPayloads(t *testing.T) {
	// Tool inputs and results are opaque values; decoding must not normalize
	// or reorder them.
	raw := json.RawMessage(`{"b":2,"a":1}`)
	env, err := Encode(NewToolResult("st-1", "search", "2 hits", raw, DataTypeJSONList))
	require.NoError(t, err)
	got, err := Decode(env)
	require.NoError(t, err)
	p := got.Payload().(ToolResultPayload)
	require.Equal(t, string(raw), string(p.Full))
}

func TestTerminalKinds(t *testing.T) {
	require.True(t, Terminal(KindDone))
	require.True(t, Terminal(KindError))
	require.False(t, Terminal(KindResult))
	require.False(t, Terminal(KindToolApprovalRequired))
}
