// Package stream implements the resilient Server-Sent Events client used to
// follow long-running Lattice operations. A Connection owns one SSE stream for
// one operation, parses incoming events into typed payloads, dispatches them
// to registered handlers, and transparently reconnects with exponential
// backoff, resuming from the last delivered sequence marker.
//
// Consumers must tolerate duplicate delivery across a reconnect boundary:
// resumption guarantees at-least-once delivery relative to sequence markers,
// not exactly-once.
package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// EventKind identifies the wire-level event type delivered on an operation
// stream. The set of kinds is fixed by the server contract.
type EventKind string

const (
	// KindStarted signals the server has begun executing the operation.
	KindStarted EventKind = "operation_started"
	// KindProgress carries a human-readable progress update and optional
	// completion percentage.
	KindProgress EventKind = "operation_progress"
	// KindCompleted is terminal: the operation finished successfully and the
	// payload carries the result.
	KindCompleted EventKind = "operation_completed"
	// KindError is terminal: the server reports the operation failed.
	KindError EventKind = "operation_error"
	// KindCancelled is terminal: the operation was cancelled server-side.
	KindCancelled EventKind = "operation_cancelled"
	// KindDataChunk carries a partial result (rows or raw data) for
	// operations that stream output incrementally.
	KindDataChunk EventKind = "data_chunk"
	// KindMetadata carries auxiliary operation metadata.
	KindMetadata EventKind = "metadata"
	// KindQueueUpdate reports the operation's position in the server queue.
	KindQueueUpdate EventKind = "queue_update"
	// KindHeartbeat keeps the transport alive; it carries no payload of
	// interest and is not forwarded to kind-specific handlers by monitors.
	KindHeartbeat EventKind = "heartbeat"
)

// Terminal reports whether k is one of the terminal kinds. The server
// guarantees no further events follow a terminal event, so connections close
// automatically after dispatching one.
func (k EventKind) Terminal() bool {
	switch k {
	case KindCompleted, KindError, KindCancelled:
		return true
	}
	return false
}

// knownKinds is the fixed wire enumeration. Events with unknown kinds are
// routed to the decode-error channel rather than dispatched.
var knownKinds = map[EventKind]struct{}{
	KindStarted:     {},
	KindProgress:    {},
	KindCompleted:   {},
	KindError:       {},
	KindCancelled:   {},
	KindDataChunk:   {},
	KindMetadata:    {},
	KindQueueUpdate: {},
	KindHeartbeat:   {},
}

// Event is a parsed stream event as delivered to handlers. Events on one
// connection are ordered by sequence marker; no ordering holds across
// connections.
type Event struct {
	// Kind is the wire event type.
	Kind EventKind
	// Seq is the monotonic per-operation sequence marker, used for
	// resumption after a disconnect. Zero when the server omitted it.
	Seq int64
	// Data is the raw JSON payload. Use the typed accessors (Progress,
	// QueueUpdate, Completed, ...) for structured access.
	Data json.RawMessage
	// ReceivedAt records when the client parsed the event.
	ReceivedAt time.Time
}

// ProgressPayload is the payload of KindProgress events.
type ProgressPayload struct {
	Message         string         `json:"message"`
	ProgressPercent *float64       `json:"progress_percent,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
}

// QueueUpdatePayload is the payload of KindQueueUpdate events. Servers have
// emitted both "position" and "queue_position"; Pos returns whichever is set.
type QueueUpdatePayload struct {
	Position             *int    `json:"position,omitempty"`
	QueuePosition        *int    `json:"queue_position,omitempty"`
	EstimatedWaitSeconds float64 `json:"estimated_wait_seconds"`
}

// Pos returns the queue position, preferring the "position" field.
func (p QueueUpdatePayload) Pos() int {
	if p.Position != nil {
		return *p.Position
	}
	if p.QueuePosition != nil {
		return *p.QueuePosition
	}
	return 0
}

// CompletedPayload is the payload of KindCompleted events.
type CompletedPayload struct {
	Result   json.RawMessage `json:"result,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// ErrorPayload is the payload of KindError events.
type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// DataChunkPayload is the payload of KindDataChunk events. Servers emit
// either row-oriented chunks ("rows") or opaque data blobs ("data").
type DataChunkPayload struct {
	Rows []json.RawMessage `json:"rows,omitempty"`
	Data json.RawMessage   `json:"data,omitempty"`
}

// Progress decodes the event as a progress payload.
func (e Event) Progress() (ProgressPayload, error) {
	var p ProgressPayload
	err := decodePayload(e, &p)
	return p, err
}

// QueueUpdate decodes the event as a queue-update payload.
func (e Event) QueueUpdate() (QueueUpdatePayload, error) {
	var p QueueUpdatePayload
	err := decodePayload(e, &p)
	return p, err
}

// Completed decodes the event as a completed payload.
func (e Event) Completed() (CompletedPayload, error) {
	var p CompletedPayload
	err := decodePayload(e, &p)
	return p, err
}

// ErrorInfo decodes the event as an error payload.
func (e Event) ErrorInfo() (ErrorPayload, error) {
	var p ErrorPayload
	err := decodePayload(e, &p)
	return p, err
}

// DataChunk decodes the event as a data-chunk payload.
func (e Event) DataChunk() (DataChunkPayload, error) {
	var p DataChunkPayload
	err := decodePayload(e, &p)
	return p, err
}

func decodePayload(e Event, out any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// DecodeError describes a malformed event reported on the decode-error
// channel. Decode errors never terminate the connection.
type DecodeError struct {
	// Kind is the wire kind of the offending event, when one was present.
	Kind EventKind
	// Raw is the unparsed event data.
	Raw []byte
	// Err is the underlying JSON or schema-validation failure.
	Err error
}

// Error implements the error interface.
func (e DecodeError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("decode %s event: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("decode event: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e DecodeError) Unwrap() error { return e.Err }

// payloadSchemas maps event kinds to a compact JSON schema for the payload.
// Payloads that fail validation are routed to the decode-error channel
// instead of being dispatched with a shape handlers cannot rely on.
var payloadSchemas = map[EventKind]string{
	KindProgress: `{
		"type": "object",
		"properties": {
			"message": {"type": "string"},
			"progress_percent": {"type": "number"},
			"details": {"type": "object"}
		}
	}`,
	KindQueueUpdate: `{
		"type": "object",
		"properties": {
			"position": {"type": "integer"},
			"queue_position": {"type": "integer"},
			"estimated_wait_seconds": {"type": "number"}
		}
	}`,
	KindCompleted: `{
		"type": "object",
		"properties": {
			"metadata": {"type": "object"}
		}
	}`,
	KindError: `{
		"type": "object",
		"properties": {
			"error": {"type": "string"},
			"message": {"type": "string"}
		}
	}`,
	KindDataChunk: `{
		"type": "object",
		"properties": {
			"rows": {"type": "array"},
			"data": {}
		}
	}`,
}

var (
	schemaOnce     sync.Once
	compiledSchema map[EventKind]*jsonschema.Schema
	schemaErr      error
)

func compiledSchemas() (map[EventKind]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiled := make(map[EventKind]*jsonschema.Schema, len(payloadSchemas))
		for kind, src := range payloadSchemas {
			var doc any
			if err := json.Unmarshal([]byte(src), &doc); err != nil {
				schemaErr = fmt.Errorf("unmarshal %s schema: %w", kind, err)
				return
			}
			c := jsonschema.NewCompiler()
			name := string(kind) + ".json"
			if err := c.AddResource(name, doc); err != nil {
				schemaErr = fmt.Errorf("add %s schema: %w", kind, err)
				return
			}
			s, err := c.Compile(name)
			if err != nil {
				schemaErr = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			compiled[kind] = s
		}
		compiledSchema = compiled
	})
	return compiledSchema, schemaErr
}

// validatePayload checks data against the schema registered for kind. Kinds
// without a schema (started, metadata, heartbeat) accept any JSON object.
func validatePayload(kind EventKind, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	s, ok := schemas[kind]
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}
