package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"goa.design/clue/log"
)

type (
	// Frame is one raw server-sent event as read off the wire, before JSON
	// decoding. Name maps to the SSE "event:" field, ID to "id:" and Data to
	// the joined "data:" lines.
	Frame struct {
		Name string
		ID   string
		Data []byte
	}

	// Transport is one live server-push stream. Recv blocks until the next
	// frame arrives and returns an error when the stream ends or fails.
	// Implementations must unblock Recv when Close is called.
	Transport interface {
		Recv() (Frame, error)
		Close() error
	}

	// Dialer opens a transport for an operation, resuming from the given
	// sequence marker. A nil error means the stream is open and the server
	// has acknowledged the subscription.
	Dialer interface {
		Dial(ctx context.Context, operationID string, fromSeq int64) (Transport, error)
	}

	// Config tunes a Connection. The zero value selects the documented
	// defaults.
	Config struct {
		// MaxReconnectAttempts bounds consecutive reconnection attempts
		// after a transport failure. Default 5.
		MaxReconnectAttempts int
		// BaseRetryDelay is the delay before the first reconnect attempt;
		// attempt i waits BaseRetryDelay * 2^(i-1). Default 1s.
		BaseRetryDelay time.Duration
		// ConnectTimeout bounds how long Connect waits for the transport to
		// open. Default 10s.
		ConnectTimeout time.Duration
		// HeartbeatInterval is the expected server heartbeat period. A
		// connected stream that has delivered no frame for twice this
		// interval reports Stale. Zero disables staleness tracking.
		HeartbeatInterval time.Duration
		// Clock drives backoff and timeout timers. Default clock.WallClock.
		Clock clock.Clock
		// OnReconnect, when set, is invoked before each reconnect attempt
		// with the 1-indexed attempt number. Diagnostics only.
		OnReconnect func(attempt int)
	}

	// Connection delivers a reliable logical event stream for one operation
	// over an inherently unreliable transport. At most one transport is live
	// at any time; once closed, a Connection never reconnects and all
	// handlers are discarded.
	Connection struct {
		opID   string
		dialer Dialer
		cfg    Config
		disp   *dispatcher

		mu          sync.Mutex
		ctx         context.Context
		transport   Transport
		connected   bool
		closed      bool
		closeReason error
		attempts    int
		startSeq    int64
		lastSeq     int64
		gotAny      bool
		lastFrame   time.Time
		closedFns   []func(error)
		done        chan struct{}
	}
)

const (
	// DefaultMaxReconnectAttempts is the reconnection budget.
	DefaultMaxReconnectAttempts = 5
	// DefaultBaseRetryDelay seeds the exponential backoff schedule.
	DefaultBaseRetryDelay = time.Second
	// DefaultConnectTimeout bounds the wait for the stream-open signal.
	DefaultConnectTimeout = 10 * time.Second
)

var (
	// ErrRetriesExhausted is the close reason when the reconnection budget
	// is spent without a successful reopen.
	ErrRetriesExhausted = errors.New("stream: max reconnect attempts exceeded")
	// ErrConnectTimeout is returned by Connect when the transport does not
	// signal open within the connect timeout.
	ErrConnectTimeout = errors.New("stream: connect timed out")
	// ErrClosed is returned by Connect on a connection that was already
	// closed.
	ErrClosed = errors.New("stream: connection closed")
)

// ConnectError wraps a dial failure during the initial Connect. Callers use
// it to distinguish connection-layer failures, which may fall back to
// polling, from server-reported operation failures, which must not.
type ConnectError struct {
	OperationID string
	Err         error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("stream: connect %s: %v", e.OperationID, e.Err)
}

// Unwrap returns the underlying dial error.
func (e *ConnectError) Unwrap() error { return e.Err }

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return c
}

// NewConnection creates a connection for operationID. Nothing is dialed
// until Connect.
func NewConnection(operationID string, dialer Dialer, cfg Config) *Connection {
	return &Connection{
		opID:   operationID,
		dialer: dialer,
		cfg:    cfg.withDefaults(),
		disp:   newDispatcher(),
		done:   make(chan struct{}),
	}
}

// OperationID returns the operation this connection follows.
func (c *Connection) OperationID() string { return c.opID }

// LastSeq returns the last delivered sequence marker, or the starting marker
// when nothing has been received.
func (c *Connection) LastSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// On registers a handler for one event kind.
func (c *Connection) On(kind EventKind, h Handler) Subscription { return c.disp.on(kind, h) }

// OnAny registers a wildcard handler notified for every dispatched event,
// regardless of kind. Intended for diagnostics.
func (c *Connection) OnAny(h Handler) Subscription { return c.disp.onAny(h) }

// OnDecodeError registers a handler for malformed events. Decode failures
// are reported here and never affect connection health.
func (c *Connection) OnDecodeError(h DecodeErrorHandler) Subscription {
	return c.disp.onDecodeError(h)
}

// NotifyClosed registers fn to run when the connection closes. The reason is
// nil for a normal close (explicit Close or terminal event) and
// ErrRetriesExhausted when the reconnection budget was spent. If the
// connection is already closed, fn runs synchronously.
func (c *Connection) NotifyClosed(fn func(reason error)) {
	c.mu.Lock()
	if c.closed {
		reason := c.closeReason
		c.mu.Unlock()
		fn(reason)
		return
	}
	c.closedFns = append(c.closedFns, fn)
	c.mu.Unlock()
}

// Connect opens the stream starting at fromSeq. It returns once the
// transport signals open, ErrConnectTimeout if no open signal arrives within
// the connect timeout, or the dial error. Transport failures after Connect
// returns never surface here; the connection reconnects transparently.
//
// The context is retained for reconnect dials and logging; cancel it only
// when the connection is no longer needed.
func (c *Connection) Connect(ctx context.Context, fromSeq int64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.transport != nil {
		c.mu.Unlock()
		return errors.New("stream: already connected")
	}
	c.ctx = ctx
	c.startSeq = fromSeq
	c.lastSeq = fromSeq
	c.mu.Unlock()

	type dialResult struct {
		t   Transport
		err error
	}
	ch := make(chan dialResult, 1)
	go func() {
		t, err := c.dialer.Dial(ctx, c.opID, fromSeq)
		ch <- dialResult{t, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return &ConnectError{OperationID: c.opID, Err: res.err}
		}
		if !c.adopt(res.t) {
			_ = res.t.Close()
			return ErrClosed
		}
		return nil
	case <-c.cfg.Clock.After(c.cfg.ConnectTimeout):
		// Release the transport if the dial eventually succeeds.
		go func() {
			if res := <-ch; res.t != nil {
				_ = res.t.Close()
			}
		}()
		return ErrConnectTimeout
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.t != nil {
				_ = res.t.Close()
			}
		}()
		return ctx.Err()
	}
}

// adopt installs t as the live transport and starts its read loop. It
// returns false when the connection closed while dialing.
func (c *Connection) adopt(t Transport) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.transport = t
	c.connected = true
	c.attempts = 0
	c.lastFrame = c.cfg.Clock.Now()
	c.mu.Unlock()
	go c.readLoop(t)
	return true
}

// IsConnected reports whether a live transport exists in the open state.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.transport != nil
}

// Stale reports whether the connection is nominally open but has delivered
// no frame (not even a heartbeat) for twice the configured heartbeat
// interval. Always false when no heartbeat interval is configured.
func (c *Connection) Stale() bool {
	if c.cfg.HeartbeatInterval <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.transport == nil {
		return false
	}
	return c.cfg.Clock.Now().Sub(c.lastFrame) > 2*c.cfg.HeartbeatInterval
}

// Close releases the transport, notifies closed handlers and clears all
// registered listeners. It is idempotent.
func (c *Connection) Close() {
	c.closeWith(nil)
}

func (c *Connection) closeWith(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	c.connected = false
	t := c.transport
	c.transport = nil
	fns := c.closedFns
	c.closedFns = nil
	close(c.done)
	c.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	for _, fn := range fns {
		fn(reason)
	}
	c.disp.clear()
}

// readLoop consumes frames from t until it fails or the connection closes.
func (c *Connection) readLoop(t Transport) {
	for {
		frame, err := t.Recv()
		if err != nil {
			c.mu.Lock()
			if c.closed || c.transport != t {
				c.mu.Unlock()
				return
			}
			c.connected = false
			c.transport = nil
			ctx := c.ctx
			c.mu.Unlock()
			_ = t.Close()
			log.Debug(ctx, log.KV{K: "msg", V: "stream transport failed"},
				log.KV{K: "operation_id", V: c.opID}, log.KV{K: "err", V: err.Error()})
			c.reconnect(ctx)
			return
		}
		if terminal := c.handleFrame(frame); terminal {
			c.closeWith(nil)
			return
		}
	}
}

// handleFrame decodes and dispatches one frame. It reports whether the frame
// carried a terminal event.
func (c *Connection) handleFrame(f Frame) bool {
	// Any frame proves the transport is alive, malformed ones included.
	c.mu.Lock()
	c.lastFrame = c.cfg.Clock.Now()
	c.mu.Unlock()

	kind := EventKind(f.Name)
	if _, ok := knownKinds[kind]; !ok {
		c.disp.dispatchDecodeError(DecodeError{Kind: kind, Raw: f.Data,
			Err: fmt.Errorf("unknown event kind %q", f.Name)})
		return false
	}
	if len(f.Data) > 0 && !json.Valid(f.Data) {
		c.disp.dispatchDecodeError(DecodeError{Kind: kind, Raw: f.Data,
			Err: errors.New("payload is not valid JSON")})
		return false
	}
	if err := validatePayload(kind, f.Data); err != nil {
		c.disp.dispatchDecodeError(DecodeError{Kind: kind, Raw: f.Data, Err: err})
		return false
	}
	ev := Event{
		Kind:       kind,
		Seq:        c.frameSeq(f),
		Data:       json.RawMessage(f.Data),
		ReceivedAt: c.cfg.Clock.Now(),
	}
	if ev.Seq > 0 {
		c.mu.Lock()
		c.lastSeq = ev.Seq
		c.gotAny = true
		c.mu.Unlock()
	}
	c.disp.dispatch(ev)
	return kind.Terminal()
}

// frameSeq extracts the sequence marker from the SSE id field, falling back
// to a "seq" member of the payload.
func (c *Connection) frameSeq(f Frame) int64 {
	if f.ID != "" {
		if n, err := strconv.ParseInt(f.ID, 10, 64); err == nil {
			return n
		}
	}
	if len(f.Data) > 0 {
		var env struct {
			Seq *int64 `json:"seq"`
		}
		if err := json.Unmarshal(f.Data, &env); err == nil && env.Seq != nil {
			return *env.Seq
		}
	}
	return 0
}

// reconnect drives the backoff loop after a transport failure. Each attempt
// resumes from the last delivered marker plus one, or the original starting
// marker when nothing was received.
func (c *Connection) reconnect(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		if attempt > c.cfg.MaxReconnectAttempts {
			c.mu.Unlock()
			log.Error(ctx, ErrRetriesExhausted, log.KV{K: "operation_id", V: c.opID})
			c.closeWith(ErrRetriesExhausted)
			return
		}
		from := c.startSeq
		if c.gotAny {
			from = c.lastSeq + 1
		}
		c.mu.Unlock()

		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect(attempt)
		}
		delay := Backoff(c.cfg.BaseRetryDelay, attempt)
		log.Debug(ctx, log.KV{K: "msg", V: "stream reconnecting"},
			log.KV{K: "operation_id", V: c.opID},
			log.KV{K: "attempt", V: attempt},
			log.KV{K: "delay", V: delay.String()},
			log.KV{K: "from_sequence", V: from})
		select {
		case <-c.cfg.Clock.After(delay):
		case <-c.done:
			return
		case <-ctx.Done():
			c.closeWith(ctx.Err())
			return
		}

		t, err := c.dialer.Dial(ctx, c.opID, from)
		if err != nil {
			continue
		}
		if !c.adopt(t) {
			_ = t.Close()
		}
		return
	}
}

// Backoff returns the delay before reconnect attempt i (1-indexed):
// base * 2^(i-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}
