package inmem

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/gate/runtime/gate/registry"
	"goa.design/gate/runtime/gate/run"
	"goa.design/gate/runtime/gate/stream"
)

func TestBeginAndGet(t *testing.T) {
	store := New()
	id, err := store.Begin(context.Background(), "delete old logs")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "delete old logs", sess.Query)
	require.Equal(t, run.StateRunning, sess.State)
	require.Empty(t, sess.Events)
	require.Nil(t, sess.Gate)
}

func TestAppendPreservesOrder(t *testing.T) {
	store := New()
	id, err := store.Begin(context.Background(), "q")
	require.NoError(t, err)

	kinds := []stream.Kind{stream.KindStreamID, stream.KindThinking, stream.KindContent, stream.KindDone}
	for _, k := range kinds {
		require.NoError(t, store.Append(context.Background(), id, stream.Envelope{Kind: k, StreamID: id}))
	}

	sess, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, sess.Events, len(kinds))
	for i, k := range kinds {
		require.Equal(t, k, sess.Events[i].Kind)
	}
}

func TestAppendTracksLastToolName(t *testing.T) {
	store := New()
	id, err := store.Begin(context.Background(), "q")
	require.NoError(t, err)

	payload, err := json.Marshal(stream.ToolPayload{Tool: "search_web"})
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), id, stream.Envelope{
		Kind: stream.KindTool, StreamID: id, Payload: payload,
	}))
	require.NoError(t, store.Append(context.Background(), id, stream.Envelope{
		Kind: stream.KindContent, StreamID: id,
	}))

	sess, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "search_web", sess.LastToolName)
}

func TestOpenGateExclusive(t *testing.T) {
	store := New()
	id, err := store.Begin(context.Background(), "q")
	require.NoError(t, err)

	gate := registry.PendingGate{ApprovalID: "apr-1", ToolName: "write_file"}
	require.NoError(t, store.OpenGate(context.Background(), id, gate))

	sess, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, run.StateAwaitingApproval, sess.State)
	require.NotNil(t, sess.Gate)
	require.Equal(t, "apr-1", sess.Gate.ApprovalID)

	err = store.OpenGate(context.Background(), id, registry.PendingGate{ApprovalID: "apr-2", ToolName: "rm"})
	require.ErrorIs(t, err, registry.ErrGateOpen)

	require.NoError(t, store.ClearGate(context.Background(), id))
	require.NoError(t, store.OpenGate(context.Background(), id, registry.PendingGate{ApprovalID: "apr-2", ToolName: "rm"}))
}

func TestFindToolNameForApproval(t *testing.T) {
	store := New()
	id, err := store.Begin(context.Background(), "q")
	require.NoError(t, err)

	for _, gate := range []stream.ToolApprovalRequiredPayload{
		{ApprovalID: "apr-1", ToolName: "write_file"},
		{ApprovalID: "apr-2", ToolName: "send_mail"},
	} {
		payload, err := json.Marshal(gate)
		require.NoError(t, err)
		require.NoError(t, store.Append(context.Background(), id, stream.Envelope{
			Kind: stream.KindToolApprovalRequired, StreamID: id, Payload: payload,
		}))
	}

	name, err := store.FindToolNameForApproval(context.Background(), id, "apr-1")
	require.NoError(t, err)
	require.Equal(t, "write_file", name)

	name, err = store.FindToolNameForApproval(context.Background(), id, "apr-2")
	require.NoError(t, err)
	require.Equal(t, "send_mail", name)

	_, err = store.FindToolNameForApproval(context.Background(), id, "apr-3")
	require.ErrorIs(t, err, registry.ErrApprovalNotInSession)
}

func TestEndIsIdempotent(t *testing.T) {
	store := New()
	id, err := store.Begin(context.Background(), "q")
	require.NoError(t, err)
	require.NoError(t, store.End(context.Background(), id))
	require.NoError(t, store.End(context.Background(), id))
	_, err = store.Get(context.Background(), id)
	require.ErrorIs(t, err, registry.ErrSessionNotFound)
}

func TestSweepIdle(t *testing.T) {
	store := New()
	base := time.Now().UTC()
	store.SetNow(func() time.Time { return base })
	stale, err := store.Begin(context.Background(), "stale")
	require.NoError(t, err)

	store.SetNow(func() time.Time { return base.Add(50 * time.Minute) })
	fresh, err := store.Begin(context.Background(), "fresh")
	require.NoError(t, err)

	n, err := store.SweepIdle(context.Background(), base.Add(time.Hour), 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = store.Get(context.Background(), stale)
	require.ErrorIs(t, err, registry.ErrSessionNotFound)
	_, err = store.Get(context.Background(), fresh)
	require.NoError(t, err)
}

func TestGetReturnsCopy(t *testing.T) {
	store := New()
	id, err := store.Begin(context.Background(), "q")
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), id, stream.Envelope{Kind: stream.KindContent, StreamID: id}))

	sess, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	sess.Events[0].Kind = stream.KindError

	again, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, stream.KindContent, again.Events[0].Kind)
}
