package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opforge/toolrun/runtime/telemetry"
)

// Defaults applied when Options leaves them zero.
const (
	DefaultHistorySize      = 1000
	DefaultSubscriberBuffer = 64
)

type (
	// Options configures a Bus.
	Options struct {
		// HistorySize bounds the diagnostic ring of recent events.
		HistorySize int

		// SubscriberBuffer is the channel depth per room subscriber. A full
		// buffer drops the event for that subscriber only.
		SubscriberBuffer int

		// Logger reports drops and sink failures. Nil means noop.
		Logger telemetry.Logger
	}

	// Handler is an in-process callback registered per event type. Handlers
	// run synchronously on the publishing goroutine; keep them fast.
	Handler func(Event)

	// Sink forwards sanitized room events to another process. Forward must
	// not block; implementations buffer internally and drop on overflow.
	Sink interface {
		Forward(ctx context.Context, room string, ev Event)
	}

	// Bus is the in-process event fan-out. Safe for concurrent use.
	Bus struct {
		logger  telemetry.Logger
		bufSize int

		mu       sync.RWMutex
		rooms    map[string]map[int64]chan Event
		handlers map[Type]map[int64]Handler
		sinks    []Sink
		nextID   int64

		history *ring
		dropped atomic.Int64
	}

	// Filter narrows Recent queries. Zero fields match everything.
	Filter struct {
		TraceID  string
		ToolName string
		Type     Type
		Limit    int
	}
)

// New creates a Bus.
func New(opts Options) *Bus {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Bus{
		logger:   logger,
		bufSize:  opts.SubscriberBuffer,
		rooms:    make(map[string]map[int64]chan Event),
		handlers: make(map[Type]map[int64]Handler),
		history:  newRing(opts.HistorySize),
	}
}

// Publish sanitizes the event payload and fans it out: history ring, typed
// handlers, room subscribers, then cross-process sinks. Publish never blocks
// on a slow subscriber; its event is dropped instead.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Payload = Sanitize(ev.Payload)

	b.history.add(ev)

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[ev.Type]))
	for _, h := range b.handlers[ev.Type] {
		handlers = append(handlers, h)
	}
	sinks := append([]Sink(nil), b.sinks...)
	type delivery struct {
		room string
		subs []chan Event
	}
	deliveries := make([]delivery, 0, 2)
	for _, room := range ev.Rooms() {
		subs := b.rooms[room]
		if len(subs) == 0 {
			deliveries = append(deliveries, delivery{room: room})
			continue
		}
		chans := make([]chan Event, 0, len(subs))
		for _, ch := range subs {
			chans = append(chans, ch)
		}
		deliveries = append(deliveries, delivery{room: room, subs: chans})
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	for _, d := range deliveries {
		for _, ch := range d.subs {
			select {
			case ch <- ev:
			default:
				b.dropped.Add(1)
				b.logger.Debug(ctx, "event dropped for slow subscriber",
					"room", d.room, "event_type", string(ev.Type), "request_id", ev.RequestID)
			}
		}
		for _, s := range sinks {
			s.Forward(ctx, d.room, ev)
		}
	}
}

// Subscribe attaches a buffered channel to a room. The returned cancel
// function detaches and closes the channel.
func (b *Bus) Subscribe(room string) (<-chan Event, func()) {
	ch := make(chan Event, b.bufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	subs, ok := b.rooms[room]
	if !ok {
		subs = make(map[int64]chan Event)
		b.rooms[room] = subs
	}
	subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.rooms[room]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.rooms, room)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SubscribeType registers an in-process handler for one event type. The
// returned cancel function unregisters it.
func (b *Bus) SubscribeType(t Type, h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	hs, ok := b.handlers[t]
	if !ok {
		hs = make(map[int64]Handler)
		b.handlers[t] = hs
	}
	hs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if hs, ok := b.handlers[t]; ok {
				delete(hs, id)
				if len(hs) == 0 {
					delete(b.handlers, t)
				}
			}
			b.mu.Unlock()
		})
	}
}

// AttachSink adds a cross-process forwarder for every published room event.
func (b *Bus) AttachSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Recent returns up to Limit history entries matching the filter, newest
// first.
func (b *Bus) Recent(f Filter) []Event {
	return b.history.recent(f)
}

// Dropped reports how many events were discarded for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// ring is the fixed-capacity history of recent events.
type ring struct {
	mu      sync.Mutex
	entries []Event
	next    int
	full    bool
}

func newRing(capacity int) *ring {
	return &ring{entries: make([]Event, capacity)}
}

func (r *ring) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = ev
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) recent(f Filter) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	limit := f.Limit
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Event, 0, limit)
	for i := 0; i < size && len(out) < limit; i++ {
		ev := r.entries[(r.next-1-i+len(r.entries))%len(r.entries)]
		if f.TraceID != "" && ev.TraceID != f.TraceID {
			continue
		}
		if f.ToolName != "" && ev.ToolName != f.ToolName {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		out = append(out, ev)
	}
	return out
}
