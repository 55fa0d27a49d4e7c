package lattice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/latticedb/lattice-go/monitor"
	"github.com/latticedb/lattice-go/stream"
)

type (
	// WaitOptions controls how an executor waits for a queued operation.
	WaitOptions struct {
		// NoWait makes the executor return a *QueuedError instead of
		// waiting when the server queues the work.
		NoWait bool
		// MaxWait bounds the wait for a terminal outcome. Zero falls back
		// to the client's default watch timeout (unbounded when that is
		// zero too). Expiry returns a *monitor.TimeoutError.
		MaxWait time.Duration
		// OnProgress receives intermediate progress updates.
		OnProgress func(monitor.Progress)
		// OnQueueUpdate receives queue-position updates.
		OnQueueUpdate func(position int, estimatedWaitSeconds float64)
	}

	// startResponse is the queued/accepted response shape shared by every
	// operation-starting endpoint.
	startResponse struct {
		Status               string  `json:"status"`
		OperationID          string  `json:"operation_id"`
		QueuePosition        int     `json:"queue_position"`
		EstimatedWaitSeconds float64 `json:"estimated_wait_seconds"`
	}
)

func (s startResponse) queued(httpStatus int) bool {
	if s.OperationID == "" {
		return false
	}
	return s.Status == "queued" || s.Status == "accepted" || httpStatus == http.StatusAccepted
}

// startOperation issues the initiating request and branches on the response
// shape: a synchronous payload is returned as-is; a queued/accepted response
// hands off to the monitor and returns the operation's terminal payload.
// Server-reported failure and cancellation become *OperationError.
func (c *Client) startOperation(ctx context.Context, op, method, path string, body any, opts WaitOptions) (json.RawMessage, error) {
	return c.startOperationWith(ctx, op, method, path, body, opts, c.watch)
}

// startOperationWith is startOperation with a pluggable resolver for the
// queued branch, so executors with their own wait strategy (graph creation's
// polling fallback) share the sync/queued/NoWait branching and metrics.
func (c *Client) startOperationWith(ctx context.Context, op, method, path string, body any, opts WaitOptions, resolve func(context.Context, string, WaitOptions) (monitor.Result, error)) (json.RawMessage, error) {
	ctx, span := c.inst.StartSpan(ctx, "lattice."+op)
	var err error
	defer func() { c.inst.EndSpan(span, err) }()

	var raw []byte
	var status int
	raw, status, err = c.doRaw(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	var start startResponse
	_ = json.Unmarshal(raw, &start)
	if !start.queued(status) {
		// Server completed synchronously.
		c.inst.RecordOperation(ctx, op, "completed")
		return json.RawMessage(raw), nil
	}

	if opts.NoWait {
		c.inst.RecordOperation(ctx, op, "queued")
		err = &QueuedError{
			Status:               start.Status,
			OperationID:          start.OperationID,
			QueuePosition:        start.QueuePosition,
			EstimatedWaitSeconds: start.EstimatedWaitSeconds,
			Raw:                  json.RawMessage(raw),
		}
		return nil, err
	}

	var res monitor.Result
	res, err = resolve(ctx, start.OperationID, opts)
	if err != nil {
		c.inst.RecordOperation(ctx, op, "timed_out")
		return nil, err
	}
	if !res.Success {
		cancelled := res.Error == "Operation cancelled"
		outcome := "failed"
		if cancelled {
			outcome = "cancelled"
		}
		c.inst.RecordOperation(ctx, op, outcome)
		err = &OperationError{OperationID: start.OperationID, Message: res.Error, Cancelled: cancelled}
		return nil, err
	}
	c.inst.RecordOperation(ctx, op, "completed")
	return res.Result, nil
}

// watch follows a queued operation over SSE until a terminal outcome.
func (c *Client) watch(ctx context.Context, operationID string, opts WaitOptions) (monitor.Result, error) {
	timeout := opts.MaxWait
	if timeout == 0 {
		timeout = c.watchTimeout
	}
	return c.mon.Watch(ctx, operationID, monitor.WatchOptions{
		OnProgress:    opts.OnProgress,
		OnQueueUpdate: opts.OnQueueUpdate,
		Timeout:       timeout,
		OnEvent: func(ev stream.Event) {
			c.inst.RecordEvent(ctx, string(ev.Kind))
		},
		OnDecodeError: func(stream.DecodeError) {
			c.inst.RecordDecodeError(ctx)
		},
	})
}

// resolveWithFallback watches the operation over SSE, degrading to status
// polling when streaming is disabled or the stream never connects. A
// server-reported failure from the stream is final and is never retried by
// polling.
func (c *Client) resolveWithFallback(ctx context.Context, operationID string, opts WaitOptions) (monitor.Result, error) {
	if c.noStreaming {
		return c.pollOperation(ctx, operationID, opts)
	}
	res, err := c.watch(ctx, operationID, opts)
	if err != nil && isConnectFailure(err) {
		return c.pollOperation(ctx, operationID, opts)
	}
	return res, err
}

// pollOperation is the fixed-interval status-polling fallback used when
// streaming is disabled or the stream fails to connect. Polls are paced by
// a rate limiter; up to maxPollErrors consecutive request failures are
// tolerated before giving up. The timeout contract matches the SSE path:
// MaxWait (or the client default) expiring returns a *monitor.TimeoutError.
func (c *Client) pollOperation(ctx context.Context, operationID string, opts WaitOptions) (monitor.Result, error) {
	timeout := opts.MaxWait
	if timeout == 0 {
		timeout = c.watchTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	limiter := rate.NewLimiter(rate.Every(c.pollInterval), 1)
	var consecutive int
	const maxPollErrors = 10
	for {
		if err := limiter.Wait(ctx); err != nil {
			if timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return monitor.Result{}, &monitor.TimeoutError{OperationID: operationID, Timeout: timeout}
			}
			return monitor.Result{}, err
		}
		st, err := c.mon.Status(ctx, operationID)
		if err != nil {
			consecutive++
			if consecutive >= maxPollErrors {
				return monitor.Result{}, fmt.Errorf("lattice: polling operation %s: %w", operationID, err)
			}
			continue
		}
		consecutive = 0
		switch st.Status {
		case "completed":
			return monitor.Result{Success: true, Result: st.Result}, nil
		case "failed":
			msg := st.Error
			if msg == "" {
				msg = st.Message
			}
			if msg == "" {
				msg = "operation failed"
			}
			return monitor.Result{Success: false, Error: msg}, nil
		case "cancelled":
			return monitor.Result{Success: false, Error: "Operation cancelled"}, nil
		}
	}
}
