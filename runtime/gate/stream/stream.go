// Package stream defines the wire-level event model for gate-managed agent
// runs. Every unit of streamed progress (content delta, tool invocation,
// approval request, terminal signal) is an Event delivered to clients through
// a Sink implementation.
//
// Events are self-describing: each carries its own Kind so a client can parse
// a single event without tracking protocol state. Reconstructing a full run
// (matching approval requests to their eventual results) still requires
// multi-event state, which the registry package maintains server-side.
//
// All event types embed Base and are immutable after construction; they are
// safe to send concurrently through a Sink.
package stream

import (
	"context"
	"encoding/json"
)

type (
	// Sink delivers run events to clients over a transport (SSE, Pulse, test
	// buffers). Implementations must be thread-safe and are responsible for
	// marshaling events into their wire format.
	Sink interface {
		// Send publishes one event. It returns an error when delivery fails
		// (connection closed, serialization failure, transport unavailable).
		// Send errors abort the run: the runner treats them as stream faults.
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink. Idempotent; after Close
		// returns, subsequent Send calls must return errors.
		Close(ctx context.Context) error
	}

	// Event is one streamed unit of run progress. Concrete types embed Base.
	// Sinks use the interface for generic marshaling; consumers type-assert
	// for structured field access.
	Event interface {
		// Kind returns the wire kind tag (e.g. KindToolResult).
		Kind() Kind

		// StreamID returns the identifier of the run that produced the event.
		// All events of a run share the same stream ID across the initial
		// connection and every resume.
		StreamID() string

		// Payload returns the event payload in a JSON-serializable form.
		Payload() any
	}

	// StreamID assigns the opaque stream identifier to the client. Emitted
	// exactly once near the start of a run, before any other event.
	StreamID struct {
		Base
		Data StreamIDPayload
	}

	// Content streams an incremental chunk of the assistant's visible answer.
	// Clients concatenate Data.Content across sequential Content events.
	Content struct {
		Base
		Data TextPayload
	}

	// Thinking streams intermediate reasoning text. Clients typically render
	// it in a collapsed or dimmed section.
	Thinking struct {
		Base
		Data TextPayload
	}

	// Tool streams a tool invocation that is proceeding (either pre-approved
	// policy-side or just approved by a human). It is emitted before the tool
	// executes.
	Tool struct {
		Base
		Data ToolPayload
	}

	// ToolExecuting is a progress marker emitted while a tool call is in
	// flight.
	ToolExecuting struct {
		Base
		Data ToolExecutingPayload
	}

	// ToolResult streams the outcome of a tool invocation. Execution failures
	// are reported here as error-shaped results; they do not terminate the
	// run.
	ToolResult struct {
		Base
		Data ToolResultPayload
	}

	// ToolApprovalRequired streams a human consent gate. The run is suspended
	// after this event until a decision resolves the referenced approval.
	ToolApprovalRequired struct {
		Base
		Data ToolApprovalRequiredPayload
	}

	// ToolDenied streams a human denial of a gated tool call. The tool is
	// never executed; the agent continues and may narrate the denial.
	ToolDenied struct {
		Base
		Data ToolDeniedPayload
	}

	// Result streams the final textual answer of the run.
	Result struct {
		Base
		Data TextPayload
	}

	// Error streams an unrecoverable run failure. Terminal: no further events
	// follow for this stream cycle.
	Error struct {
		Base
		Data ErrorPayload
	}

	// Done marks the end of a stream cycle. Terminal.
	Done struct {
		Base
		Data DonePayload
	}

	// StreamIDPayload carries the stream identifier assignment.
	StreamIDPayload struct {
		StreamID string `json:"stream_id"`
	}

	// TextPayload carries a chunk of text. Shared by content, thinking and
	// result events.
	TextPayload struct {
		Content string `json:"content"`
	}

	// ToolPayload describes a proceeding tool invocation.
	ToolPayload struct {
		// Tool is the tool name.
		Tool string `json:"tool"`
		// InputPreview is a short human-facing rendering of the input.
		InputPreview string `json:"input_preview"`
		// InputFull is the canonical JSON input the tool executes with. When
		// a human edited the parameters during approval, this carries the
		// modified input, not the original proposal.
		InputFull json.RawMessage `json:"input_full"`
		// Approved reports whether a human explicitly approved this call.
		// False for calls that did not require consent.
		Approved bool `json:"approved"`
	}

	// ToolExecutingPayload carries the in-flight progress marker.
	ToolExecutingPayload struct {
		ToolName string `json:"tool_name"`
		Message  string `json:"message"`
	}

	// ToolResultPayload describes a completed tool invocation.
	ToolResultPayload struct {
		// Name is the tool name when known at emission time. It may be empty
		// on resume paths; consumers must then recover the name via the
		// approval id association, not event adjacency.
		Name string `json:"name"`
		// Preview is a concise human-facing summary of the result.
		Preview string `json:"preview"`
		// Full is the complete result payload.
		Full json.RawMessage `json:"full"`
		// DataType tags the shape of Full: DataTypeText, DataTypeJSON or
		// DataTypeJSONList.
		DataType DataType `json:"data_type"`
		// IsError marks the result as an execution failure. Set at emission
		// time so consumers never infer failure from the payload shape.
		IsError bool `json:"is_error,omitempty"`
	}

	// ToolApprovalRequiredPayload describes a pending consent gate.
	ToolApprovalRequiredPayload struct {
		// ApprovalID identifies the approval record a decision must target.
		ApprovalID string `json:"approval_id"`
		// ToolName is the tool pending approval.
		ToolName string `json:"tool_name"`
		// ToolInput is the proposed input, as an opaque structured value.
		ToolInput json.RawMessage `json:"tool_input"`
		// ParameterSchema optionally describes the editable fields as a JSON
		// schema so clients can render a review form.
		ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"`
	}

	// ToolDeniedPayload describes a denied gate.
	ToolDeniedPayload struct {
		ToolName string `json:"tool_name"`
		// Reason is a human-readable explanation forwarded to the agent so it
		// can respond to the denial in natural language.
		Reason string `json:"reason"`
	}

	// ErrorPayload carries the terminal failure message.
	ErrorPayload struct {
		Message string `json:"message"`
	}

	// DonePayload is intentionally empty.
	DonePayload struct{}

	// Base provides the default Event implementation. Embed it in concrete
	// event types; fields are abbreviated because they are accessed through
	// the interface methods.
	Base struct {
		k Kind
		s string
		p any
	}
)

// Kind enumerates the wire event kinds.
type Kind string

const (
	// KindStreamID assigns the stream identifier. Emitted once per run.
	KindStreamID Kind = "stream_id"

	// KindContent streams assistant answer text.
	KindContent Kind = "content"

	// KindThinking streams intermediate reasoning text.
	KindThinking Kind = "thinking"

	// KindTool streams a proceeding tool invocation.
	KindTool Kind = "tool"

	// KindToolExecuting marks a tool call in flight.
	KindToolExecuting Kind = "tool_executing"

	// KindToolResult streams a tool outcome, including failures.
	KindToolResult Kind = "tool_result"

	// KindToolApprovalRequired streams a consent gate; the run suspends.
	KindToolApprovalRequired Kind = "tool_approval_required"

	// KindToolDenied streams a human denial of a gated tool call.
	KindToolDenied Kind = "tool_denied"

	// KindResult streams the final answer.
	KindResult Kind = "result"

	// KindError streams an unrecoverable failure. Terminal.
	KindError Kind = "error"

	// KindDone marks the end of a stream cycle. Terminal.
	KindDone Kind = "done"
)

// DataType tags the shape of a tool result payload.
type DataType string

const (
	// DataTypeText marks plain-text results (including error messages).
	DataTypeText DataType = "text"
	// DataTypeJSON marks a single JSON object result.
	DataTypeJSON DataType = "json"
	// DataTypeJSONList marks a JSON array result.
	DataTypeJSONList DataType = "json_list"
)

// NewBase constructs a Base with the given kind, stream ID and payload.
func NewBase(k Kind, streamID string, payload any) Base {
	return Base{k: k, s: streamID, p: payload}
}

// Kind implements Event.Kind.
func (e Base) Kind() Kind { return e.k }

// StreamID implements Event.StreamID.
func (e Base) StreamID() string { return e.s }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.p }

// NewStreamID builds the stream identifier assignment event.
func NewStreamID(streamID string) *StreamID {
	d := StreamIDPayload{StreamID: streamID}
	return &StreamID{Base: NewBase(KindStreamID, streamID, d), Data: d}
}

// NewContent builds a content delta event.
func NewContent(streamID, text string) *Content {
	d := TextPayload{Content: text}
	return &Content{Base: NewBase(KindContent, streamID, d), Data: d}
}

// NewThinking builds a thinking delta event.
func NewThinking(streamID, text string) *Thinking {
	d := TextPayload{Content: text}
	return &Thinking{Base: NewBase(KindThinking, streamID, d), Data: d}
}

// NewTool builds a proceeding tool invocation event.
func NewTool(streamID, tool, preview string, input json.RawMessage, approved bool) *Tool {
	d := ToolPayload{Tool: tool, InputPreview: preview, InputFull: input, Approved: approved}
	return &Tool{Base: NewBase(KindTool, streamID, d), Data: d}
}

// NewToolExecuting builds an in-flight progress marker event.
func NewToolExecuting(streamID, toolName, message string) *ToolExecuting {
	d := ToolExecutingPayload{ToolName: toolName, Message: message}
	return &ToolExecuting{Base: NewBase(KindToolExecuting, streamID, d), Data: d}
}

// NewToolResult builds a tool outcome event.
func NewToolResult(streamID, name, preview string, full json.RawMessage, dt DataType) *ToolResult {
	d := ToolResultPayload{Name: name, Preview: preview, Full: full, DataType: dt}
	return &ToolResult{Base: NewBase(KindToolResult, streamID, d), Data: d}
}

// NewToolError builds a tool outcome event for an execution failure. The
// payload carries the message as {"error": message} for display; the IsError
// marker is what distinguishes it from a legitimate result of the same shape.
func NewToolError(streamID, name, message string) *ToolResult {
	full, _ := json.Marshal(map[string]string{"error": message})
	d := ToolResultPayload{Name: name, Preview: "Tool failed", Full: full, DataType: DataTypeText, IsError: true}
	return &ToolResult{Base: NewBase(KindToolResult, streamID, d), Data: d}
}

// NewToolApprovalRequired builds a consent gate event.
func NewToolApprovalRequired(streamID, approvalID, toolName string, input, schema json.RawMessage) *ToolApprovalRequired {
	d := ToolApprovalRequiredPayload{
		ApprovalID:      approvalID,
		ToolName:        toolName,
		ToolInput:       input,
		ParameterSchema: schema,
	}
	return &ToolApprovalRequired{Base: NewBase(KindToolApprovalRequired, streamID, d), Data: d}
}

// NewToolDenied builds a denial event.
func NewToolDenied(streamID, toolName, reason string) *ToolDenied {
	d := ToolDeniedPayload{ToolName: toolName, Reason: reason}
	return &ToolDenied{Base: NewBase(KindToolDenied, streamID, d), Data: d}
}

// NewResult builds the final answer event.
func NewResult(streamID, text string) *Result {
	d := TextPayload{Content: text}
	return &Result{Base: NewBase(KindResult, streamID, d), Data: d}
}

// NewError builds the terminal error event.
func NewError(streamID, message string) *Error {
	d := ErrorPayload{Message: message}
	return &Error{Base: NewBase(KindError, streamID, d), Data: d}
}

// NewDone builds the terminal done event.
func NewDone(streamID string) *Done {
	return &Done{Base: NewBase(KindDone, streamID, DonePayload{}), Data: DonePayload{}}
}

// Terminal reports whether k ends a stream cycle: no further events follow
// for the stream after an event of this kind.
func Terminal(k Kind) bool {
	return k == KindError || k == KindDone
}
