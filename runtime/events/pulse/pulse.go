// Package pulse forwards sanitized room events onto Pulse streams over
// Redis so transport shells in other processes can serve the rooms. The
// forwarder is best-effort: events are queued to a bounded channel and
// dropped on overflow so publishing never blocks execution.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/opforge/toolrun/runtime/events"
	"github.com/opforge/toolrun/runtime/telemetry"
)

// Defaults applied when Options leaves them zero.
const (
	DefaultStreamPrefix = "toolrun"
	DefaultBufferSize   = 256
	DefaultAddTimeout   = 5 * time.Second
)

type (
	// Options configures a Sink.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client

		// StreamPrefix namespaces the streams
		// ({prefix}:company:{id}, {prefix}:user:{id}).
		StreamPrefix string

		// BufferSize bounds the forwarding queue. A full queue drops.
		BufferSize int

		// StreamMaxLen bounds entries kept per stream. Zero uses Pulse
		// defaults.
		StreamMaxLen int

		// AddTimeout bounds each stream append.
		AddTimeout time.Duration

		// Logger reports drops and append failures. Nil means noop.
		Logger telemetry.Logger
	}

	// Sink implements events.Sink on top of Pulse streams.
	Sink struct {
		opts   Options
		logger telemetry.Logger

		mu      sync.Mutex
		streams map[string]*streaming.Stream

		queue     chan item
		done      chan struct{}
		closeOnce sync.Once
		wg        sync.WaitGroup
	}

	item struct {
		room string
		ev   events.Event
	}
)

var _ events.Sink = (*Sink)(nil)

// New creates the sink and starts its forwarding worker.
func New(opts Options) (*Sink, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulse sink: redis client is required")
	}
	if opts.StreamPrefix == "" {
		opts.StreamPrefix = DefaultStreamPrefix
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.AddTimeout <= 0 {
		opts.AddTimeout = DefaultAddTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	s := &Sink{
		opts:    opts,
		logger:  logger,
		streams: make(map[string]*streaming.Stream),
		queue:   make(chan item, opts.BufferSize),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Forward queues one room event. Never blocks; a full queue drops the event.
func (s *Sink) Forward(ctx context.Context, room string, ev events.Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.queue <- item{room: room, ev: ev}:
	default:
		s.logger.Debug(ctx, "pulse sink queue full, event dropped",
			"room", room, "event_type", string(ev.Type))
	}
}

// Close stops the worker after draining queued events. Idempotent.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case it := <-s.queue:
			s.forward(it)
		case <-s.done:
			for {
				select {
				case it := <-s.queue:
					s.forward(it)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) forward(it item) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.AddTimeout)
	defer cancel()

	stream, err := s.stream(it.room)
	if err != nil {
		s.logger.Warn(ctx, "pulse sink stream unavailable", "room", it.room, "err", err.Error())
		return
	}
	payload, err := json.Marshal(it.ev)
	if err != nil {
		s.logger.Warn(ctx, "pulse sink event not encodable", "room", it.room, "err", err.Error())
		return
	}
	if _, err := stream.Add(ctx, string(it.ev.Type), payload); err != nil {
		s.logger.Warn(ctx, "pulse sink append failed", "room", it.room, "err", err.Error())
	}
}

func (s *Sink) stream(room string) (*streaming.Stream, error) {
	name := s.streamName(room)
	s.mu.Lock()
	defer s.mu.Unlock()
	if stream, ok := s.streams[name]; ok {
		return stream, nil
	}
	var opts []streamopts.Stream
	if s.opts.StreamMaxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(s.opts.StreamMaxLen))
	}
	stream, err := streaming.NewStream(name, s.opts.Redis, opts...)
	if err != nil {
		return nil, err
	}
	s.streams[name] = stream
	return stream, nil
}

// streamName maps room "company_acme" onto "{prefix}:company:acme".
func (s *Sink) streamName(room string) string {
	kind, id, found := strings.Cut(room, "_")
	if !found {
		return s.opts.StreamPrefix + ":" + room
	}
	return s.opts.StreamPrefix + ":" + kind + ":" + id
}
