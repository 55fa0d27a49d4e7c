package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	// fakeTransport is a scriptable Transport fed through a channel.
	fakeTransport struct {
		frames chan Frame
		closed chan struct{}
		once   sync.Once
	}

	// fakeDialer records every dial and serves scripted outcomes.
	fakeDialer struct {
		mu     sync.Mutex
		dials  []int64
		dialed chan *fakeTransport
		// errs are consumed first; once exhausted, dials succeed.
		errs []error
		// block, when set, makes Dial hang until the context ends.
		block bool
	}
)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan Frame, 16), closed: make(chan struct{})}
}

func (t *fakeTransport) Recv() (Frame, error) {
	select {
	case f, ok := <-t.frames:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	case <-t.closed:
		return Frame{}, io.EOF
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// drop simulates a transport failure.
func (t *fakeTransport) drop() { close(t.frames) }

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, operationID string, fromSeq int64) (Transport, error) {
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d.mu.Lock()
	d.dials = append(d.dials, fromSeq)
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t := newFakeTransport()
	d.dialed <- t
	return t, nil
}

func (d *fakeDialer) dialSeqs() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.dials...)
}

func testConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		BaseRetryDelay:       time.Millisecond,
		ConnectTimeout:       100 * time.Millisecond,
	}
}

func waitTransport(t *testing.T, d *fakeDialer) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.dialed:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func TestConnectionHappyPath(t *testing.T) {
	dialer := newFakeDialer()
	conn := NewConnection("op_1", dialer, testConfig())

	events := make(chan Event, 16)
	conn.On(KindProgress, func(ev Event) { events <- ev })
	conn.On(KindCompleted, func(ev Event) { events <- ev })

	require.NoError(t, conn.Connect(context.Background(), 0))
	tr := waitTransport(t, dialer)
	require.True(t, conn.IsConnected())

	tr.frames <- Frame{Name: "operation_progress", ID: "1", Data: []byte(`{"message":"50%"}`)}
	ev := <-events
	require.Equal(t, KindProgress, ev.Kind)
	require.EqualValues(t, 1, ev.Seq)
	p, err := ev.Progress()
	require.NoError(t, err)
	require.Equal(t, "50%", p.Message)

	tr.frames <- Frame{Name: "operation_completed", ID: "2", Data: []byte(`{"result":{"value":42}}`)}
	ev = <-events
	require.Equal(t, KindCompleted, ev.Kind)
	done, err := ev.Completed()
	require.NoError(t, err)
	require.JSONEq(t, `{"value":42}`, string(done.Result))

	// Terminal auto-close: no explicit Close call was made.
	require.Eventually(t, func() bool { return !conn.IsConnected() },
		time.Second, time.Millisecond)
	require.Len(t, dialer.dialSeqs(), 1)
}

func TestConnectionReconnectResumesFromNextMarker(t *testing.T) {
	dialer := newFakeDialer()
	conn := NewConnection("op_1", dialer, testConfig())

	completed := make(chan Event, 1)
	progress := make(chan Event, 1)
	conn.On(KindProgress, func(ev Event) { progress <- ev })
	conn.On(KindCompleted, func(ev Event) { completed <- ev })

	require.NoError(t, conn.Connect(context.Background(), 0))
	tr := waitTransport(t, dialer)

	tr.frames <- Frame{Name: "operation_progress", ID: "5", Data: []byte(`{"message":"working"}`)}
	<-progress

	tr.drop()
	tr2 := waitTransport(t, dialer)
	require.Equal(t, []int64{0, 6}, dialer.dialSeqs())
	require.Eventually(t, conn.IsConnected, time.Second, time.Millisecond)

	tr2.frames <- Frame{Name: "operation_completed", ID: "7", Data: []byte(`{"result":{}}`)}
	<-completed
}

func TestConnectionReconnectWithoutEventsUsesStartMarker(t *testing.T) {
	dialer := newFakeDialer()
	conn := NewConnection("op_1", dialer, testConfig())
	require.NoError(t, conn.Connect(context.Background(), 40))
	tr := waitTransport(t, dialer)

	tr.drop()
	waitTransport(t, dialer)
	require.Equal(t, []int64{40, 40}, dialer.dialSeqs())
	conn.Close()
}

func TestConnectionMaxRetriesExceeded(t *testing.T) {
	dialer := newFakeDialer()
	dialer.errs = []error{
		errors.New("refused"), errors.New("refused"), errors.New("refused"),
	}
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	conn := NewConnection("op_1", dialer, cfg)

	var mu sync.Mutex
	var reasons []error
	closedCh := make(chan struct{})
	conn.NotifyClosed(func(reason error) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
		close(closedCh)
	})

	require.NoError(t, conn.Connect(context.Background(), 0))
	tr := waitTransport(t, dialer)
	tr.drop()

	select {
	case <-closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close after exhausting retries")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reasons, 1)
	require.ErrorIs(t, reasons[0], ErrRetriesExhausted)
	assert.False(t, conn.IsConnected())
	// Initial connect plus exactly two reconnect attempts: no third.
	assert.Len(t, dialer.dialSeqs(), 3)
}

func TestConnectionBackoffScheduleFakeClock(t *testing.T) {
	clk := testclock.NewClock(time.Time{})
	dialer := newFakeDialer()
	conn := NewConnection("op_1", dialer, Config{
		MaxReconnectAttempts: 2,
		BaseRetryDelay:       time.Second,
		ConnectTimeout:       time.Hour,
		Clock:                clk,
	})

	closedCh := make(chan error, 1)
	conn.NotifyClosed(func(reason error) { closedCh <- reason })

	require.NoError(t, conn.Connect(context.Background(), 0))
	tr := waitTransport(t, dialer)

	dialer.mu.Lock()
	dialer.errs = []error{errors.New("refused"), errors.New("refused")}
	dialer.mu.Unlock()
	tr.drop()

	// Attempt 1 is gated behind exactly base delay: the dial cannot happen
	// until the clock advances 1s. Two waiters: the idle connect-timeout
	// alarm and the backoff sleep.
	require.NoError(t, clk.WaitAdvance(time.Second, 2*time.Second, 2))
	require.Eventually(t, func() bool { return len(dialer.dialSeqs()) == 2 },
		time.Second, time.Millisecond)

	// Attempt 2 waits base*2.
	require.NoError(t, clk.WaitAdvance(2*time.Second, 2*time.Second, 2))
	require.Eventually(t, func() bool { return len(dialer.dialSeqs()) == 3 },
		time.Second, time.Millisecond)

	// Budget spent: the connection closes without a third attempt, and
	// advancing far past every configured delay produces no further dials.
	select {
	case reason := <-closedCh:
		require.ErrorIs(t, reason, ErrRetriesExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close after exhausting retries")
	}
	clk.Advance(24 * time.Hour)
	require.Len(t, dialer.dialSeqs(), 3)
}

func TestConnectionStaleWithoutFrames(t *testing.T) {
	clk := testclock.NewClock(time.Time{})
	dialer := newFakeDialer()
	conn := NewConnection("op_1", dialer, Config{
		MaxReconnectAttempts: 5,
		BaseRetryDelay:       time.Second,
		ConnectTimeout:       time.Hour,
		HeartbeatInterval:    30 * time.Second,
		Clock:                clk,
	})
	events := make(chan Event, 1)
	conn.On(KindHeartbeat, func(ev Event) { events <- ev })

	require.NoError(t, conn.Connect(context.Background(), 0))
	tr := waitTransport(t, dialer)
	require.False(t, conn.Stale())

	// Silent past twice the heartbeat interval.
	clk.Advance(2 * time.Minute)
	require.True(t, conn.Stale())

	// Any frame, heartbeats included, refreshes liveness.
	tr.frames <- Frame{Name: "heartbeat"}
	<-events
	require.False(t, conn.Stale())
	conn.Close()
}

func TestConnectionCloseIdempotent(t *testing.T) {
	dialer := newFakeDialer()
	conn := NewConnection("op_1", dialer, testConfig())
	require.NoError(t, conn.Connect(context.Background(), 0))
	waitTransport(t, dialer)

	var notified int
	conn.NotifyClosed(func(error) { notified++ })

	conn.Close()
	conn.Close()
	conn.Close()
	require.Equal(t, 1, notified)
	require.False(t, conn.IsConnected())

	// A closed connection never redials.
	require.Error(t, conn.Connect(context.Background(), 0))
	require.Len(t, dialer.dialSeqs(), 1)
}

func TestConnectionConnectTimeout(t *testing.T) {
	dialer := newFakeDialer()
	dialer.block = true
	cfg := testConfig()
	cfg.ConnectTimeout = 5 * time.Millisecond
	conn := NewConnection("op_1", dialer, cfg)

	err := conn.Connect(context.Background(), 0)
	require.ErrorIs(t, err, ErrConnectTimeout)
	require.False(t, conn.IsConnected())
}

func TestConnectionDecodeErrorsDoNotAffectHealth(t *testing.T) {
	dialer := newFakeDialer()
	conn := NewConnection("op_1", dialer, testConfig())

	decodeErrs := make(chan DecodeError, 4)
	events := make(chan Event, 4)
	conn.OnDecodeError(func(derr DecodeError) { decodeErrs <- derr })
	conn.On(KindProgress, func(ev Event) { events <- ev })

	require.NoError(t, conn.Connect(context.Background(), 0))
	tr := waitTransport(t, dialer)

	// Not JSON.
	tr.frames <- Frame{Name: "operation_progress", Data: []byte(`{oops`)}
	derr := <-decodeErrs
	require.Equal(t, KindProgress, derr.Kind)

	// Unknown kind.
	tr.frames <- Frame{Name: "mystery_event", Data: []byte(`{}`)}
	derr = <-decodeErrs
	require.Contains(t, derr.Error(), "mystery_event")

	// Schema mismatch: progress_percent must be a number.
	tr.frames <- Frame{Name: "operation_progress", Data: []byte(`{"progress_percent":"nope"}`)}
	<-decodeErrs

	// The stream is still healthy and delivers the next valid event.
	require.True(t, conn.IsConnected())
	tr.frames <- Frame{Name: "operation_progress", ID: "9", Data: []byte(`{"message":"ok"}`)}
	ev := <-events
	require.EqualValues(t, 9, ev.Seq)
	conn.Close()
}

func TestConnectionSeqFromPayload(t *testing.T) {
	dialer := newFakeDialer()
	conn := NewConnection("op_1", dialer, testConfig())
	events := make(chan Event, 1)
	conn.On(KindMetadata, func(ev Event) { events <- ev })

	require.NoError(t, conn.Connect(context.Background(), 0))
	tr := waitTransport(t, dialer)
	tr.frames <- Frame{Name: "metadata", Data: []byte(`{"seq":12,"shard":"a"}`)}
	ev := <-events
	require.EqualValues(t, 12, ev.Seq)
	require.EqualValues(t, 12, conn.LastSeq())
	conn.Close()
}

func TestConnectionListenersClearedOnClose(t *testing.T) {
	dialer := newFakeDialer()
	conn := NewConnection("op_1", dialer, testConfig())
	fired := false
	conn.On(KindProgress, func(Event) { fired = true })
	require.NoError(t, conn.Connect(context.Background(), 0))
	waitTransport(t, dialer)
	conn.Close()

	// Registration after close is inert.
	sub := conn.On(KindProgress, func(Event) { fired = true })
	sub.Cancel()
	require.False(t, fired)
}
