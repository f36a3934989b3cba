// Package api exposes the run, decision and resume operations over HTTP.
//
// The event-bearing endpoints respond with Server-Sent Events; the decision
// endpoint is plain JSON so review UIs can record a decision without holding
// a stream open. Sentinel errors from the stores map to specific statuses
// and messages: a human reading the response must be able to tell "already
// handled, do nothing" from "too late, start over".
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"goa.design/clue/log"

	"goa.design/gate/runtime/gate/approval"
	"goa.design/gate/runtime/gate/registry"
	"goa.design/gate/runtime/gate/resume"
	"goa.design/gate/runtime/gate/runner"
	"goa.design/gate/runtime/gate/stream"
	"goa.design/gate/runtime/gate/stream/sse"
)

type (
	// Service bundles the operations the HTTP surface adapts.
	Service struct {
		// Runner starts and cancels runs. Required.
		Runner *runner.Runner
		// Resume records decisions and resumes suspended runs. Required.
		Resume *resume.Handler
		// Limiter absorbs duplicate decision submissions per approval.
		// Optional; nil disables limiting.
		Limiter *DecisionLimiter
	}

	runRequest struct {
		Query string `json:"query"`
	}

	decisionRequest struct {
		Approved       bool            `json:"approved"`
		ModifiedParams json.RawMessage `json:"modified_params,omitempty"`
	}

	decisionResponse struct {
		Success          bool `json:"success"`
		Approved         bool `json:"approved,omitempty"`
		Expired          bool `json:"expired,omitempty"`
		HasModifications bool `json:"has_modifications,omitempty"`
	}

	errorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
)

// NewHandler builds the HTTP routes for svc.
func NewHandler(svc *Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", svc.handleRun)
	mux.HandleFunc("POST /approvals/{id}/decision", svc.handleDecision)
	mux.HandleFunc("POST /streams/{id}/resume", svc.handleResume)
	return mux
}

func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "query is required")
		return
	}
	sink := &lazySink{w: w}
	out, err := s.Runner.Start(r.Context(), req.Query, sink)
	if err != nil {
		if !sink.opened() {
			writeError(w, http.StatusInternalServerError, "internal", "run failed to start")
			return
		}
		// The stream already carries an error event; nothing else to write.
		log.Error(r.Context(), err, log.KV{K: "msg", V: "run failed"})
		return
	}
	log.Info(r.Context(), log.KV{K: "msg", V: "run finished"},
		log.KV{K: "stream_id", V: out.StreamID},
		log.KV{K: "state", V: out.State})
}

func (s *Service) handleDecision(w http.ResponseWriter, r *http.Request) {
	approvalID := r.PathValue("id")
	if s.Limiter != nil && !s.Limiter.Allow(approvalID) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many decision attempts for this approval")
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	dec, err := s.Resume.Decide(r.Context(), approvalID, req.Approved, req.ModifiedParams)
	if err != nil {
		writeDecisionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{
		Success:          true,
		Approved:         dec.Approved,
		HasModifications: dec.HasModifications,
	})
}

func (s *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	// The stream opens on the first event, so a resolution failure (expired,
	// already resolved, unknown session, no open gate) still maps to a
	// status the client can act on. Past the first event errors travel as
	// stream events.
	sink := &lazySink{w: w}
	out, err := s.Resume.Resume(r.Context(), streamID, req.Approved, req.ModifiedParams, sink)
	if err != nil {
		if !sink.opened() {
			writeDecisionError(w, err)
			return
		}
		log.Error(r.Context(), err, log.KV{K: "msg", V: "resume failed"},
			log.KV{K: "stream_id", V: streamID})
		return
	}
	log.Info(r.Context(), log.KV{K: "msg", V: "resume finished"},
		log.KV{K: "stream_id", V: streamID},
		log.KV{K: "state", V: out.State})
}

// writeDecisionError maps store sentinels to the statuses and messages the
// review UI surfaces verbatim.
func writeDecisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "approval not found")
	case errors.Is(err, registry.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "stream session not found")
	case errors.Is(err, approval.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already_resolved", "this approval was already decided; no further action is needed")
	case errors.Is(err, approval.ErrExpired):
		writeJSON(w, http.StatusGone, struct {
			decisionResponse
			Error   string `json:"error"`
			Message string `json:"message"`
		}{
			decisionResponse: decisionResponse{Expired: true},
			Error:            "expired",
			Message:          "this approval expired before a decision arrived; start a new run",
		})
	case errors.Is(err, resume.ErrInvalidModifiedParams):
		writeError(w, http.StatusUnprocessableEntity, "invalid_modified_params", err.Error())
	case errors.Is(err, resume.ErrNoOpenGate):
		writeError(w, http.StatusConflict, "no_open_gate", "the run has no pending approval to resume")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "decision failed")
	}
}

// lazySink defers the SSE handshake until the first event. While nothing has
// been sent the response is uncommitted and a failure can still map to a
// JSON error status.
type lazySink struct {
	w   http.ResponseWriter
	sse *sse.Writer
}

func (s *lazySink) Send(ctx context.Context, ev stream.Event) error {
	if s.sse == nil {
		s.sse = openSSE(s.w)
	}
	return s.sse.Send(ctx, ev)
}

func (s *lazySink) Close(ctx context.Context) error {
	if s.sse == nil {
		return nil
	}
	return s.sse.Close(ctx)
}

func (s *lazySink) opened() bool { return s.sse != nil }

func openSSE(w http.ResponseWriter) *sse.Writer {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return sse.NewWriter(w)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		fmt.Fprintln(w, `{"error":"internal"}`)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
