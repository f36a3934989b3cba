package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	approvalinmem "goa.design/gate/runtime/gate/approval/inmem"
	registryinmem "goa.design/gate/runtime/gate/registry/inmem"
	"goa.design/gate/runtime/gate/resume"
	"goa.design/gate/runtime/gate/run"
	"goa.design/gate/runtime/gate/runner"
	"goa.design/gate/runtime/gate/stream/sse"
)

type scriptPlanner struct {
	plans []*run.Plan
}

func (p *scriptPlanner) Plan(_ context.Context, _ *run.PlanInput) (*run.Plan, error) {
	if len(p.plans) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := p.plans[0]
	p.plans = p.plans[1:]
	return next, nil
}

type okInvoker struct{}

func (okInvoker) Invoke(context.Context, string, json.RawMessage) (run.ToolOutput, error) {
	return run.ToolOutput{Data: json.RawMessage(`{"ok":true}`), DataType: "json", Preview: "ok"}, nil
}

type testService struct {
	svc       *Service
	approvals *approvalinmem.Store
	sessions  *registryinmem.Store
	handler   http.Handler
}

func newTestService(plans ...*run.Plan) *testService {
	approvals := approvalinmem.New()
	sessions := registryinmem.New()
	rnr := &runner.Runner{
		Approvals: approvals,
		Sessions:  sessions,
		Planner:   &scriptPlanner{plans: plans},
		Invoker:   okInvoker{},
	}
	svc := &Service{
		Runner: rnr,
		Resume: &resume.Handler{Approvals: approvals, Sessions: sessions, Runner: rnr},
	}
	return &testService{
		svc:       svc,
		approvals: approvals,
		sessions:  sessions,
		handler:   NewHandler(svc),
	}
}

func gatedPlan(tool string) *run.Plan {
	return &run.Plan{ToolCalls: []*run.ToolRequest{{
		Name:             tool,
		Input:            json.RawMessage(`{"path":"/tmp/x"}`),
		RequiresApproval: true,
		ParameterSchema:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
	}}}
}

func (ts *testService) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

// startRun posts a run that suspends at a gate and returns the stream and
// approval IDs parsed from the SSE body.
func (ts *testService) startRun(t *testing.T) (string, string) {
	t.Helper()
	rec := ts.post(t, "/runs", `{"query":"do the thing"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var streamID, approvalID string
	r := sse.NewReader(rec.Body)
	for {
		ev, err := r.Next()
		if err != nil {
			break
		}
		switch ev.Kind() {
		case "stream_id":
			raw, _ := json.Marshal(ev.Payload())
			var p struct {
				StreamID string `json:"stream_id"`
			}
			require.NoError(t, json.Unmarshal(raw, &p))
			streamID = p.StreamID
		case "tool_approval_required":
			raw, _ := json.Marshal(ev.Payload())
			var p struct {
				ApprovalID string `json:"approval_id"`
			}
			require.NoError(t, json.Unmarshal(raw, &p))
			approvalID = p.ApprovalID
		}
	}
	require.NotEmpty(t, streamID)
	require.NotEmpty(t, approvalID)
	return streamID, approvalID
}

func TestRunRequiresQuery(t *testing.T) {
	ts := newTestService()
	rec := ts.post(t, "/runs", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.post(t, "/runs", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunStreamsToCompletion(t *testing.T) {
	ts := newTestService(&run.Plan{Final: &run.FinalResult{Content: "hi"}})
	rec := ts.post(t, "/runs", `{"query":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "event: stream_id\n")
	require.Contains(t, body, "event: result\n")
	require.Contains(t, body, "event: done\n")
}

func TestDecisionSuccess(t *testing.T) {
	ts := newTestService(gatedPlan("write_file"))
	_, approvalID := ts.startRun(t)

	rec := ts.post(t, "/approvals/"+approvalID+"/decision", `{"approved":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success  bool `json:"success"`
		Approved bool `json:"approved"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.True(t, resp.Approved)
}

func TestDecisionUnknownApproval(t *testing.T) {
	ts := newTestService()
	rec := ts.post(t, "/approvals/missing/decision", `{"approved":true}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "approval not found")
}

func TestDecisionDuplicateConflict(t *testing.T) {
	ts := newTestService(gatedPlan("write_file"))
	_, approvalID := ts.startRun(t)

	rec := ts.post(t, "/approvals/"+approvalID+"/decision", `{"approved":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.post(t, "/approvals/"+approvalID+"/decision", `{"approved":false}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "already decided; no further action is needed")
}

func TestDecisionExpiredGone(t *testing.T) {
	ts := newTestService(gatedPlan("write_file"))
	base := time.Now().UTC()
	ts.approvals.SetNow(func() time.Time { return base })
	_, approvalID := ts.startRun(t)

	ts.approvals.SetNow(func() time.Time { return base.Add(time.Hour) })
	rec := ts.post(t, "/approvals/"+approvalID+"/decision", `{"approved":true}`)
	require.Equal(t, http.StatusGone, rec.Code)
	var resp struct {
		Expired bool   `json:"expired"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Expired)
	require.Equal(t, "expired", resp.Error)
	require.Contains(t, resp.Message, "start a new run")
}

func TestDecisionInvalidModifiedParams(t *testing.T) {
	ts := newTestService(gatedPlan("write_file"))
	_, approvalID := ts.startRun(t)

	rec := ts.post(t, "/approvals/"+approvalID+"/decision",
		`{"approved":true,"modified_params":{"path":42}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// The approval survives a rejected edit.
	rec = ts.post(t, "/approvals/"+approvalID+"/decision",
		`{"approved":true,"modified_params":{"path":"/tmp/y"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDecisionRateLimited(t *testing.T) {
	ts := newTestService(gatedPlan("write_file"))
	ts.svc.Limiter = NewDecisionLimiter(time.Hour, 2)
	_, approvalID := ts.startRun(t)

	ts.post(t, "/approvals/"+approvalID+"/decision", `{"approved":true}`)
	ts.post(t, "/approvals/"+approvalID+"/decision", `{"approved":true}`)
	rec := ts.post(t, "/approvals/"+approvalID+"/decision", `{"approved":true}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestResumeStreamsContinuation(t *testing.T) {
	ts := newTestService(
		gatedPlan("write_file"),
		&run.Plan{Final: &run.FinalResult{Content: "written"}},
	)
	streamID, approvalID := ts.startRun(t)

	rec := ts.post(t, "/approvals/"+approvalID+"/decision", `{"approved":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.post(t, "/streams/"+streamID+"/resume", `{"approved":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	require.Contains(t, body, "event: tool\n")
	require.Contains(t, body, "event: tool_result\n")
	require.Contains(t, body, "event: done\n")
}

func TestResumeDeniedStreamsDenial(t *testing.T) {
	ts := newTestService(
		gatedPlan("write_file"),
		&run.Plan{Final: &run.FinalResult{Content: "understood"}},
	)
	streamID, _ := ts.startRun(t)

	rec := ts.post(t, "/streams/"+streamID+"/resume", `{"approved":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "event: tool_denied\n")
	require.Contains(t, body, "The user denied execution of write_file.")
	require.NotContains(t, body, "event: tool_executing\n")
}

func TestResumeExpiredReportsGone(t *testing.T) {
	ts := newTestService(gatedPlan("write_file"))
	base := time.Now().UTC()
	ts.approvals.SetNow(func() time.Time { return base })
	streamID, _ := ts.startRun(t)

	ts.approvals.SetNow(func() time.Time { return base.Add(time.Hour) })
	rec := ts.post(t, "/streams/"+streamID+"/resume", `{"approved":true}`)
	require.Equal(t, http.StatusGone, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp struct {
		Expired bool   `json:"expired"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Expired)
	require.Equal(t, "expired", resp.Error)
}

func TestResumeUnknownStreamNotFound(t *testing.T) {
	ts := newTestService()
	rec := ts.post(t, "/streams/missing/resume", `{"approved":true}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestResumeInvalidModifiedParamsUnprocessable(t *testing.T) {
	ts := newTestService(gatedPlan("write_file"))
	streamID, _ := ts.startRun(t)

	rec := ts.post(t, "/streams/"+streamID+"/resume",
		`{"approved":true,"modified_params":{"path":42}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_modified_params")
}

func TestLimiterAllowsDistinctApprovals(t *testing.T) {
	l := NewDecisionLimiter(time.Hour, 1)
	require.True(t, l.Allow("apr-1"))
	require.False(t, l.Allow("apr-1"))
	require.True(t, l.Allow("apr-2"))
}
