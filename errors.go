package lattice

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/latticedb/lattice-go/stream"
)

type (
	// APIError is a non-2xx response from the Lattice API.
	APIError struct {
		StatusCode int
		Message    string
	}

	// QueuedError is returned when the server queued the operation and the
	// caller opted out of waiting (NoWait). It carries the queue metadata so
	// the caller can poll or watch later.
	QueuedError struct {
		Status               string  `json:"status"`
		OperationID          string  `json:"operation_id"`
		QueuePosition        int     `json:"queue_position"`
		EstimatedWaitSeconds float64 `json:"estimated_wait_seconds"`
		// Raw is the server's response body, verbatim.
		Raw json.RawMessage `json:"-"`
	}

	// OperationError is a server-reported operation failure or cancellation
	// surfaced through a request executor.
	OperationError struct {
		OperationID string
		Message     string
		Cancelled   bool
	}
)

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("lattice: API status %d: %s", e.StatusCode, e.Message)
}

// Error implements the error interface.
func (e *QueuedError) Error() string {
	return fmt.Sprintf("lattice: operation %s queued at position %d (estimated wait %.0fs)",
		e.OperationID, e.QueuePosition, e.EstimatedWaitSeconds)
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.Cancelled {
		return fmt.Sprintf("lattice: operation %s cancelled", e.OperationID)
	}
	return fmt.Sprintf("lattice: operation %s failed: %s", e.OperationID, e.Message)
}

// IsQueued reports whether err is a QueuedError, returning it when so.
func IsQueued(err error) (*QueuedError, bool) {
	var qe *QueuedError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// isConnectFailure reports whether err is a connection-layer failure (the
// stream never opened), as opposed to a server-reported operation outcome or
// a monitoring timeout. Only connection-layer failures may fall back to
// polling.
func isConnectFailure(err error) bool {
	var ce *stream.ConnectError
	return errors.As(err, &ce) ||
		errors.Is(err, stream.ErrConnectTimeout) ||
		errors.Is(err, stream.ErrRetriesExhausted)
}
