package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the serialized form of an Event used by durable registries and
// message-bus transports. The payload is kept as canonical JSON so stored
// events round-trip without schema drift.
type Envelope struct {
	// Kind identifies the event kind.
	Kind Kind `json:"kind"`
	// StreamID identifies the run the event belongs to.
	StreamID string `json:"stream_id"`
	// Payload is the JSON-encoded event payload.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrUnknownKind reports an envelope whose kind this version does not know.
// Decoders must skip such envelopes rather than fail the stream so newer
// servers can talk to older clients.
var ErrUnknownKind = errors.New("unknown event kind")

// Encode serializes an event into an Envelope.
func Encode(ev Event) (Envelope, error) {
	b, err := json.Marshal(ev.Payload())
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", ev.Kind(), err)
	}
	return Envelope{Kind: ev.Kind(), StreamID: ev.StreamID(), Payload: b}, nil
}

// Decode reconstructs a typed event from an Envelope. Returns ErrUnknownKind
// for kinds this version does not know.
func Decode(env Envelope) (Event, error) {
	switch env.Kind {
	case KindStreamID:
		var p StreamIDPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return NewStreamID(p.StreamID), nil

	case KindContent:
		var p TextPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return NewContent(env.StreamID, p.Content), nil

	case KindThinking:
		var p TextPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return NewThinking(env.StreamID, p.Content), nil

	case KindTool:
		var p ToolPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return NewTool(env.StreamID, p.Tool, p.InputPreview, p.InputFull, p.Approved), nil

	case KindToolExecuting:
		var p ToolExecutingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return NewToolExecuting(env.StreamID, p.ToolName, p.Message), nil

	case KindToolResult:
		var p ToolResultPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return NewToolResult(env.StreamID, p.Name, p.Preview, p.Full, p.DataType), nil

	case KindToolApprovalRequired:
		var p ToolApprovalRequiredPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return NewToolApprovalRequired(env.StreamID, p.ApprovalID, p.ToolName, p.ToolInput, p.ParameterSchema), nil

	case KindToolDenied:
		var p ToolDeniedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return NewToolDenied(env.StreamID, p.ToolName, p.Reason), nil

	case KindResult:
		var p TextPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return NewResult(env.StreamID, p.Content), nil

	case KindError:
		var p ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
		return NewError(env.StreamID, p.Message), nil

	case KindDone:
		return NewDone(env.StreamID), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
}
