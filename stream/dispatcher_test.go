package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatcherKindRouting(t *testing.T) {
	d := newDispatcher()
	var progress, completed int
	d.on(KindProgress, func(Event) { progress++ })
	d.on(KindCompleted, func(Event) { completed++ })

	d.dispatch(Event{Kind: KindProgress})
	d.dispatch(Event{Kind: KindProgress})
	d.dispatch(Event{Kind: KindCompleted})

	require.Equal(t, 2, progress)
	require.Equal(t, 1, completed)
}

func TestDispatcherWildcardSeesEveryKind(t *testing.T) {
	d := newDispatcher()
	var kinds []EventKind
	d.onAny(func(ev Event) { kinds = append(kinds, ev.Kind) })
	var typed int
	d.on(KindHeartbeat, func(Event) { typed++ })

	d.dispatch(Event{Kind: KindHeartbeat})
	d.dispatch(Event{Kind: KindMetadata})

	require.Equal(t, []EventKind{KindHeartbeat, KindMetadata}, kinds)
	require.Equal(t, 1, typed)
}

func TestDispatcherCancel(t *testing.T) {
	d := newDispatcher()
	var calls int
	sub := d.on(KindProgress, func(Event) { calls++ })
	d.dispatch(Event{Kind: KindProgress})
	sub.Cancel()
	sub.Cancel() // no-op
	d.dispatch(Event{Kind: KindProgress})
	require.Equal(t, 1, calls)
}

func TestDispatcherClearDropsEverything(t *testing.T) {
	d := newDispatcher()
	var calls int
	d.on(KindProgress, func(Event) { calls++ })
	d.onAny(func(Event) { calls++ })
	d.onDecodeError(func(DecodeError) { calls++ })

	d.clear()
	d.dispatch(Event{Kind: KindProgress})
	d.dispatchDecodeError(DecodeError{})
	require.Zero(t, calls)

	// Registrations after clear are inert too.
	d.on(KindProgress, func(Event) { calls++ })
	d.dispatch(Event{Kind: KindProgress})
	require.Zero(t, calls)
}
