// Package sse implements the text/event-stream framing for gate run events:
// one event per block, an "event:" line carrying the kind followed by a
// "data:" line carrying the JSON payload and a blank separator.
package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"goa.design/gate/runtime/gate/stream"
)

type (
	// Writer is a stream.Sink that frames events as Server-Sent Events over
	// an io.Writer. When the writer implements http.Flusher each event is
	// flushed immediately so clients observe progress in real time.
	Writer struct {
		mu     sync.Mutex
		w      io.Writer
		closed bool
	}

	// Reader decodes framed events from a text/event-stream body. Blocks
	// with kinds this version does not know are skipped, not surfaced as
	// errors, so clients keep working against newer servers.
	Reader struct {
		r *bufio.Reader
	}
)

// NewWriter wraps w in an SSE sink.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Send implements stream.Sink. Events are written as a complete block before
// the lock is released so concurrent senders never interleave frames.
func (s *Writer) Send(_ context.Context, ev stream.Event) error {
	data, err := json.Marshal(ev.Payload())
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev.Kind(), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sse: writer closed")
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Kind(), data); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Kind(), err)
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Close implements stream.Sink. Idempotent; the underlying writer is owned by
// the caller (typically the HTTP response) and is not closed here.
func (s *Writer) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// NewReader wraps r in an SSE event decoder.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next decoded event. Unknown kinds and comment lines are
// skipped. Returns io.EOF when the stream ends.
func (r *Reader) Next() (stream.Event, error) {
	for {
		kind, data, err := r.readBlock()
		if err != nil {
			return nil, err
		}
		// Unknown kinds and malformed payloads must not terminate the
		// connection; the frame carries no stream id of its own, clients know
		// it from the stream_id event on the same connection.
		ev, err := stream.Decode(stream.Envelope{Kind: stream.Kind(kind), Payload: data})
		if err != nil {
			continue
		}
		return ev, nil
	}
}

// readBlock reads one framed block, returning its event name and data line.
func (r *Reader) readBlock() (string, []byte, error) {
	var kind string
	var data []byte
	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && (kind != "" || len(data) > 0) {
				return kind, data, nil
			}
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if kind == "" && len(data) == 0 {
				continue
			}
			return kind, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			kind = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimSpace(after)...)
			continue
		}
	}
}
