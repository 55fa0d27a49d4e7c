package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"goa.design/clue/log"

	"github.com/latticedb/lattice-go/stream"
)

type (
	// API is the one-shot HTTP surface the monitor needs besides the event
	// stream: point-in-time status checks and server-side cancellation. The
	// root client implements it.
	API interface {
		OperationStatus(ctx context.Context, operationID string) (Status, error)
		CancelOperation(ctx context.Context, operationID string) error
	}

	// Options tunes a Monitor. The zero value selects the documented
	// defaults.
	Options struct {
		// Stream configures every connection the monitor creates.
		Stream stream.Config
		// GraceDelay is how long a finished connection stays registered
		// after its terminal event, so trailing duplicate events are
		// observed and discarded cleanly. Default 5s.
		GraceDelay time.Duration
		// SweepInterval is the period of the background sweep that
		// force-releases connections which silently died without a terminal
		// or closed signal. Default 5m.
		SweepInterval time.Duration
		// Clock drives grace timers, the sweep and watch timeouts.
		// Default clock.WallClock.
		Clock clock.Clock
	}

	// WatchOptions configures one Watch call. All callbacks are optional
	// and run on the connection's read goroutine.
	WatchOptions struct {
		// OnProgress receives operation_progress events.
		OnProgress func(Progress)
		// OnQueueUpdate receives queue_update events.
		OnQueueUpdate func(position int, estimatedWaitSeconds float64)
		// OnChunk receives data_chunk events.
		OnChunk func(Chunk)
		// OnEvent is a wildcard diagnostic hook notified for every
		// dispatched event of any kind.
		OnEvent func(stream.Event)
		// OnDecodeError is notified for malformed events, which are
		// dropped without affecting the watch.
		OnDecodeError func(stream.DecodeError)
		// Timeout bounds the whole watch. Zero means no watchdog. Expiry
		// force-releases the connection and returns a *TimeoutError; it
		// does not cancel the server-side operation.
		Timeout time.Duration
		// FromSeq is the starting sequence marker. Zero resumes from the
		// beginning of the operation's event history.
		FromSeq int64
	}

	// Monitor owns a registry of in-flight stream connections keyed by
	// operation id. The registry is mutated only through the public
	// methods; entries are released by grace timers, the periodic sweep,
	// explicit cancellation or Close.
	Monitor struct {
		api    API
		dialer stream.Dialer
		opts   Options

		mu      sync.Mutex
		entries map[string]*entry
		closed  bool
		done    chan struct{}
	}

	entry struct {
		conn  *stream.Connection
		grace clock.Timer
	}
)

const (
	// DefaultGraceDelay is the post-terminal release delay.
	DefaultGraceDelay = 5 * time.Second
	// DefaultSweepInterval is the period of the disconnected-connection
	// sweep.
	DefaultSweepInterval = 5 * time.Minute
)

// ErrMonitorClosed is returned by Watch after Close.
var ErrMonitorClosed = errors.New("monitor: closed")

// ErrAlreadyWatching is returned when a Watch is already in flight for the
// same operation id.
var ErrAlreadyWatching = errors.New("monitor: operation already being watched")

func (o Options) withDefaults() Options {
	if o.GraceDelay <= 0 {
		o.GraceDelay = DefaultGraceDelay
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Stream.Clock == nil {
		o.Stream.Clock = o.Clock
	}
	return o
}

// New constructs a Monitor and starts its periodic sweep. Callers must
// Close the monitor when done to release timers and open transports.
func New(api API, dialer stream.Dialer, opts Options) *Monitor {
	m := &Monitor{
		api:     api,
		dialer:  dialer,
		opts:    opts.withDefaults(),
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Watch connects a stream for operationID and blocks until a terminal event
// arrives, translating it into a Result. Server-reported failure and
// cancellation are returned as Results with Success false; only monitoring
// failures return a non-nil error: connect failure, reconnect exhaustion,
// watchdog timeout (*TimeoutError) or context cancellation.
func (m *Monitor) Watch(ctx context.Context, operationID string, opts WatchOptions) (Result, error) {
	conn, err := m.register(operationID)
	if err != nil {
		return Result{}, err
	}

	var (
		metaMu   sync.Mutex
		metadata map[string]any
		resultCh = make(chan Result, 1)
		failCh   = make(chan error, 1)
		once     sync.Once
	)
	mergeMeta := func(extra map[string]any) map[string]any {
		metaMu.Lock()
		defer metaMu.Unlock()
		for k, v := range extra {
			if metadata == nil {
				metadata = make(map[string]any)
			}
			metadata[k] = v
		}
		return metadata
	}
	settle := func(res Result) {
		once.Do(func() { resultCh <- res })
	}

	if opts.OnProgress != nil {
		conn.On(stream.KindProgress, func(ev stream.Event) {
			p, err := ev.Progress()
			if err != nil {
				return
			}
			opts.OnProgress(Progress{
				Message:         p.Message,
				ProgressPercent: p.ProgressPercent,
				Details:         p.Details,
			})
		})
	}
	if opts.OnQueueUpdate != nil {
		conn.On(stream.KindQueueUpdate, func(ev stream.Event) {
			q, err := ev.QueueUpdate()
			if err != nil {
				return
			}
			opts.OnQueueUpdate(q.Pos(), q.EstimatedWaitSeconds)
		})
	}
	if opts.OnChunk != nil {
		conn.On(stream.KindDataChunk, func(ev stream.Event) {
			c, err := ev.DataChunk()
			if err != nil {
				return
			}
			opts.OnChunk(Chunk{Rows: c.Rows, Data: c.Data})
		})
	}
	conn.On(stream.KindMetadata, func(ev stream.Event) {
		var payload map[string]any
		if len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				return
			}
		}
		mergeMeta(payload)
	})
	conn.On(stream.KindCompleted, func(ev stream.Event) {
		p, err := ev.Completed()
		if err != nil {
			settle(failureResult(fmt.Sprintf("malformed completion event: %v", err), mergeMeta(nil)))
			return
		}
		settle(successResult(p.Result, mergeMeta(p.Metadata)))
	})
	conn.On(stream.KindError, func(ev stream.Event) {
		p, _ := ev.ErrorInfo()
		msg := p.Error
		if msg == "" {
			msg = p.Message
		}
		if msg == "" {
			msg = "operation failed"
		}
		settle(failureResult(msg, mergeMeta(nil)))
	})
	conn.On(stream.KindCancelled, func(ev stream.Event) {
		settle(failureResult("Operation cancelled", mergeMeta(nil)))
	})
	if opts.OnEvent != nil {
		conn.OnAny(opts.OnEvent)
	}
	conn.OnDecodeError(func(derr stream.DecodeError) {
		log.Debug(ctx, log.KV{K: "msg", V: "dropped malformed stream event"},
			log.KV{K: "operation_id", V: operationID},
			log.KV{K: "err", V: derr.Error()})
		if opts.OnDecodeError != nil {
			opts.OnDecodeError(derr)
		}
	})
	conn.NotifyClosed(func(reason error) {
		if reason != nil {
			select {
			case failCh <- reason:
			default:
			}
		}
	})

	if err := conn.Connect(ctx, opts.FromSeq); err != nil {
		m.release(operationID)
		return Result{}, err
	}

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timeoutCh = m.opts.Clock.After(opts.Timeout)
	}

	select {
	case res := <-resultCh:
		m.scheduleRelease(operationID)
		return res, nil
	case err := <-failCh:
		m.release(operationID)
		return Result{}, err
	case <-timeoutCh:
		m.release(operationID)
		return Result{}, &TimeoutError{OperationID: operationID, Timeout: opts.Timeout}
	case <-ctx.Done():
		m.release(operationID)
		return Result{}, ctx.Err()
	case <-m.done:
		m.release(operationID)
		return Result{}, ErrMonitorClosed
	}
}

// WatchUpdates exposes a watch as a channel of intermediate updates
// terminated by exactly one Result or Err value. The channel is closed after
// the terminal value. Slow consumers apply backpressure to event dispatch.
func (m *Monitor) WatchUpdates(ctx context.Context, operationID string, opts WatchOptions) <-chan Update {
	ch := make(chan Update, 16)
	// The terminal value and channel close race against event handlers
	// still running on the connection's read goroutine when the watch
	// settles through a timeout or cancellation. The sealed flag keeps a
	// straggling handler from sending on the closed channel.
	var (
		sendMu sync.Mutex
		sealed bool
	)
	send := func(u Update) {
		sendMu.Lock()
		defer sendMu.Unlock()
		if sealed {
			return
		}
		ch <- u
	}
	inner := opts
	userProgress, userQueue, userChunk := opts.OnProgress, opts.OnQueueUpdate, opts.OnChunk
	inner.OnProgress = func(p Progress) {
		if userProgress != nil {
			userProgress(p)
		}
		send(Update{Progress: &p})
	}
	inner.OnQueueUpdate = func(pos int, wait float64) {
		if userQueue != nil {
			userQueue(pos, wait)
		}
		q := QueuePosition{Position: pos, EstimatedWaitSeconds: wait}
		send(Update{Queue: &q})
	}
	inner.OnChunk = func(c Chunk) {
		if userChunk != nil {
			userChunk(c)
		}
		send(Update{Chunk: &c})
	}
	go func() {
		res, err := m.Watch(ctx, operationID, inner)
		sendMu.Lock()
		defer sendMu.Unlock()
		if err != nil {
			ch <- Update{Err: err}
		} else {
			ch <- Update{Result: &res}
		}
		sealed = true
		close(ch)
	}()
	return ch
}

// WatchAll fans out Watch over every id concurrently and returns a map from
// id to Result once all complete. Monitoring failures are joined into the
// returned error; ids that settled normally still appear in the map. An
// empty input returns an empty map immediately.
func (m *Monitor) WatchAll(ctx context.Context, operationIDs []string, opts WatchOptions) (map[string]Result, error) {
	results := make(map[string]Result, len(operationIDs))
	if len(operationIDs) == 0 {
		return results, nil
	}
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
	)
	for _, id := range operationIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := m.Watch(ctx, id, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("operation %s: %w", id, err))
				return
			}
			results[id] = res
		}(id)
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

// Status performs a one-shot point-in-time status check, independent of any
// stream.
func (m *Monitor) Status(ctx context.Context, operationID string) (Status, error) {
	return m.api.OperationStatus(ctx, operationID)
}

// Cancel releases any local connection for the operation, then requests
// server-side cancellation. Local cleanup does not depend on the server
// call succeeding.
func (m *Monitor) Cancel(ctx context.Context, operationID string) error {
	m.release(operationID)
	return m.api.CancelOperation(ctx, operationID)
}

// Watching reports whether a connection is currently registered for the
// operation.
func (m *Monitor) Watching(operationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[operationID]
	return ok
}

// Len returns the number of registered connections.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the periodic sweep, cancels every pending grace timer and
// force-releases every registered connection. The registry is empty when it
// returns. Close is idempotent.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		if e.grace != nil {
			e.grace.Stop()
		}
		e.conn.Close()
	}
}

// register creates and records a connection for the operation.
func (m *Monitor) register(operationID string) (*stream.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMonitorClosed
	}
	if _, ok := m.entries[operationID]; ok {
		return nil, ErrAlreadyWatching
	}
	conn := stream.NewConnection(operationID, m.dialer, m.opts.Stream)
	m.entries[operationID] = &entry{conn: conn}
	return conn, nil
}

// release closes and removes the entry immediately.
func (m *Monitor) release(operationID string) {
	m.mu.Lock()
	e, ok := m.entries[operationID]
	if ok {
		delete(m.entries, operationID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if e.grace != nil {
		e.grace.Stop()
	}
	e.conn.Close()
}

// scheduleRelease arms the grace timer for a finished operation. The delay
// absorbs trailing duplicate events before resources are released.
func (m *Monitor) scheduleRelease(operationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[operationID]
	if !ok || m.closed {
		return
	}
	if e.grace != nil {
		return
	}
	e.grace = m.opts.Clock.AfterFunc(m.opts.GraceDelay, func() {
		m.release(operationID)
	})
}

// sweepLoop force-releases entries whose connection reports itself
// disconnected or stale, guarding against streams that died without a
// terminal or closed signal.
func (m *Monitor) sweepLoop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.opts.Clock.After(m.opts.SweepInterval):
		}
		m.sweepOnce()
	}
}

func (m *Monitor) sweepOnce() {
	m.mu.Lock()
	var stale []string
	for id, e := range m.entries {
		if !e.conn.IsConnected() || e.conn.Stale() {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		m.release(id)
	}
}
