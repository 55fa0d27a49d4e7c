// Package monitor turns "watch operation X until it finishes" into a single
// awaited Result while managing the lifecycle of many concurrent stream
// connections. It schedules grace-delayed cleanup after terminal events and
// periodically sweeps connections that died without a terminal signal, so the
// connection registry never grows unbounded.
package monitor

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// Result is the single terminal representation of a monitored operation.
	// Exactly one of Result and Error is meaningfully populated, determined
	// by Success. Server-reported failure and cancellation are Results, not
	// Go errors: callers branch on Success rather than using error control
	// flow for expected outcomes.
	Result struct {
		// Success reports whether the operation completed.
		Success bool
		// Result carries the operation's payload. Set iff Success.
		Result json.RawMessage
		// Error is the server-reported failure message. Set iff !Success.
		Error string
		// Metadata aggregates the payloads of metadata events observed
		// during monitoring plus any metadata on the completion event.
		Metadata map[string]any
	}

	// Progress is an intermediate progress report.
	Progress struct {
		Message         string
		ProgressPercent *float64
		Details         map[string]any
	}

	// QueuePosition is an intermediate queue-update report.
	QueuePosition struct {
		Position             int
		EstimatedWaitSeconds float64
	}

	// Update is one value on a WatchUpdates channel. Exactly one field is
	// set. The channel delivers zero or more intermediate updates (Progress,
	// Queue, Chunk) followed by exactly one terminal value (Result or Err),
	// after which it is closed.
	Update struct {
		Progress *Progress
		Queue    *QueuePosition
		Chunk    *Chunk
		Result   *Result
		Err      error
	}

	// Chunk is a partial-result update for operations that stream output.
	Chunk struct {
		Rows []json.RawMessage
		Data json.RawMessage
	}

	// Status is the point-in-time state returned by the status endpoint,
	// for callers who poll instead of subscribing.
	Status struct {
		Status  string          `json:"status"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   string          `json:"error,omitempty"`
		Message string          `json:"message,omitempty"`
	}

	// TimeoutError is returned by Watch when the local watchdog expires
	// before a terminal event. It represents "we gave up observing", not
	// "the operation failed": the server-side operation may still be
	// running, and is not cancelled by the watchdog.
	TimeoutError struct {
		OperationID string
		Timeout     time.Duration
	}
)

// Terminal reports whether s is a terminal status value.
func (s Status) Terminal() bool {
	switch s.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("monitoring operation %s timed out after %s", e.OperationID, e.Timeout)
}

func successResult(payload json.RawMessage, meta map[string]any) Result {
	return Result{Success: true, Result: payload, Metadata: meta}
}

func failureResult(msg string, meta map[string]any) Result {
	return Result{Success: false, Error: msg, Metadata: meta}
}
