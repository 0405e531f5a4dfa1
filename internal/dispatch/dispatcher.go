// Package dispatch fans state deltas out to external consumers as one
// ordered stream per entity kind. Delivery is at-least-once; consumers must
// treat duplicate deltas as no-ops, which mirrors the store's idempotence.
package dispatch

import "sync"

type Kind string

const (
	KindGuild     Kind = "guild"
	KindChannel   Kind = "channel"
	KindMessage   Kind = "message"
	KindMember    Kind = "member"
	KindPresence  Kind = "presence"
	KindReadState Kind = "read_state"
	KindTyping    Kind = "typing"
	KindStatus    Kind = "status"
)

type Op string

const (
	OpUpsert Op = "upsert"
	OpPatch  Op = "patch"
	OpRemove Op = "remove"
	// OpReset tells consumers to throw away everything of this kind and
	// re-read the store. Emitted only after a full rebuild has completed.
	OpReset Op = "reset"
)

type Delta struct {
	Kind   Kind
	Op     Op
	Entity interface{}
}

const subscriberBuffer = 64

// stream is one kind's ordered queue plus its subscribers. The queue is
// unbounded so Publish never blocks the apply loop; the worker goroutine
// drains it to subscribers in order.
type stream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Delta
	subs    map[chan Delta]struct{}
	closed  bool
	started bool
}

type Dispatcher struct {
	mu      sync.Mutex
	streams map[Kind]*stream
	closed  bool
}

func New() *Dispatcher {
	return &Dispatcher{streams: make(map[Kind]*stream)}
}

func (d *Dispatcher) stream(kind Kind) *stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.streams[kind]
	if st == nil {
		st = &stream{subs: make(map[chan Delta]struct{})}
		st.cond = sync.NewCond(&st.mu)
		d.streams[kind] = st
	}
	if !st.started && !d.closed {
		st.started = true
		go st.run()
	}
	return st
}

func (st *stream) run() {
	for {
		st.mu.Lock()
		for len(st.queue) == 0 && !st.closed {
			st.cond.Wait()
		}
		if st.closed && len(st.queue) == 0 {
			for ch := range st.subs {
				close(ch)
			}
			st.subs = make(map[chan Delta]struct{})
			st.mu.Unlock()
			return
		}
		delta := st.queue[0]
		st.queue = st.queue[1:]
		subs := make([]chan Delta, 0, len(st.subs))
		for ch := range st.subs {
			subs = append(subs, ch)
		}
		st.mu.Unlock()

		for _, ch := range subs {
			ch <- delta
		}
	}
}

// Publish enqueues one delta. Ordering within a kind follows publish order;
// nothing is guaranteed across kinds.
func (d *Dispatcher) Publish(delta Delta) {
	st := d.stream(delta.Kind)
	st.mu.Lock()
	if !st.closed {
		st.queue = append(st.queue, delta)
		st.cond.Signal()
	}
	st.mu.Unlock()
}

// Subscribe returns the ordered delta stream for one entity kind. The
// channel closes when the dispatcher shuts down.
func (d *Dispatcher) Subscribe(kind Kind) <-chan Delta {
	st := d.stream(kind)
	ch := make(chan Delta, subscriberBuffer)
	st.mu.Lock()
	st.subs[ch] = struct{}{}
	st.mu.Unlock()
	return ch
}

// Unsubscribe detaches a previously subscribed channel. A delta already in
// flight may still land in its buffer; the channel itself is only closed by
// Close so an unsubscribing consumer never races a send.
func (d *Dispatcher) Unsubscribe(kind Kind, ch <-chan Delta) {
	st := d.stream(kind)
	st.mu.Lock()
	defer st.mu.Unlock()
	for sub := range st.subs {
		if (<-chan Delta)(sub) == ch {
			delete(st.subs, sub)
			return
		}
	}
}

// Close flushes queued deltas and closes every subscriber channel.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	streams := make([]*stream, 0, len(d.streams))
	for _, st := range d.streams {
		streams = append(streams, st)
	}
	d.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		st.closed = true
		st.cond.Signal()
		st.mu.Unlock()
	}
}
