package stream

import "sync"

type (
	// Handler receives dispatched events. Handlers run on the connection's
	// read goroutine and should not block; long work belongs in the caller's
	// own goroutines.
	Handler func(Event)

	// DecodeErrorHandler receives malformed-event reports.
	DecodeErrorHandler func(DecodeError)

	// Subscription identifies one registered handler. Cancel removes it;
	// cancelling twice or after Close is a no-op.
	Subscription struct {
		cancel func()
	}

	// dispatcher is the typed pub/sub layer inside a Connection. Handlers are
	// keyed by event kind; wildcard handlers live on a separate always-notified
	// list rather than a special-cased key.
	dispatcher struct {
		mu        sync.Mutex
		nextID    int
		kinds     map[EventKind]map[int]Handler
		wildcards map[int]Handler
		decodeErr map[int]DecodeErrorHandler
		cleared   bool
	}
)

// Cancel removes the subscription's handler.
func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		kinds:     make(map[EventKind]map[int]Handler),
		wildcards: make(map[int]Handler),
		decodeErr: make(map[int]DecodeErrorHandler),
	}
}

func (d *dispatcher) on(kind EventKind, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cleared {
		return Subscription{}
	}
	id := d.nextID
	d.nextID++
	set, ok := d.kinds[kind]
	if !ok {
		set = make(map[int]Handler)
		d.kinds[kind] = set
	}
	set[id] = h
	return Subscription{cancel: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.kinds[kind], id)
	}}
}

func (d *dispatcher) onAny(h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cleared {
		return Subscription{}
	}
	id := d.nextID
	d.nextID++
	d.wildcards[id] = h
	return Subscription{cancel: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.wildcards, id)
	}}
}

func (d *dispatcher) onDecodeError(h DecodeErrorHandler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cleared {
		return Subscription{}
	}
	id := d.nextID
	d.nextID++
	d.decodeErr[id] = h
	return Subscription{cancel: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.decodeErr, id)
	}}
}

// dispatch delivers ev to kind-specific handlers then wildcards. Handlers
// registered while dispatching do not receive the current event.
func (d *dispatcher) dispatch(ev Event) {
	d.mu.Lock()
	handlers := make([]Handler, 0, len(d.kinds[ev.Kind])+len(d.wildcards))
	for _, h := range d.kinds[ev.Kind] {
		handlers = append(handlers, h)
	}
	for _, h := range d.wildcards {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (d *dispatcher) dispatchDecodeError(derr DecodeError) {
	d.mu.Lock()
	handlers := make([]DecodeErrorHandler, 0, len(d.decodeErr))
	for _, h := range d.decodeErr {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()
	for _, h := range handlers {
		h(derr)
	}
}

// clear discards every handler so a closed connection cannot leak callbacks.
func (d *dispatcher) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared = true
	d.kinds = make(map[EventKind]map[int]Handler)
	d.wildcards = make(map[int]Handler)
	d.decodeErr = make(map[int]DecodeErrorHandler)
}
