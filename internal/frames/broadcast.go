package frames

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrClosed           = errors.New("frame broadcaster closed")
	ErrSubscriberExists = errors.New("subscriber id already exists")
)

// Frame is one complete JPEG image. Data must not be modified once published.
type Frame struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

// Stats is a snapshot of broadcaster counters.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Subscribers map[string]SubscriberStats
}

type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Subscription receives frames in capture order. When the consumer falls
// behind, the oldest buffered frames are discarded to make room.
type Subscription struct {
	id      string
	ch      chan Frame
	mu      sync.Mutex
	sent    atomic.Uint64
	dropped atomic.Uint64
	b       *Broadcaster
}

func (s *Subscription) ID() string { return s.id }

// Frames is closed when the subscription ends.
func (s *Subscription) Frames() <-chan Frame { return s.ch }

func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) Close() { s.b.Unsubscribe(s.id) }

// offer never blocks: a full buffer loses its oldest frame.
func (s *Subscription) offer(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := false
	for {
		select {
		case s.ch <- f:
			s.sent.Add(1)
			return dropped
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// Broadcaster holds the latest-frame slot and fans frames out to subscribers.
type Broadcaster struct {
	name   string
	buffer int
	log    *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	latest    atomic.Pointer[Frame]
	seq       atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	done      chan struct{}

	// notify is closed and replaced on every publish
	nmu    sync.Mutex
	notify chan struct{}

	frameCounter metric.Int64Counter
	dropCounter  metric.Int64Counter
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to buffer frames.
func NewBroadcaster(name string, buffer int, log *slog.Logger) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	b := &Broadcaster{
		name:   name,
		buffer: buffer,
		log:    log.With(slog.String("component", "frames"), slog.String("stream", name)),
		subs:   make(map[string]*Subscription),
		done:   make(chan struct{}),
		notify: make(chan struct{}),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-rover/frames")
	if c, err := meter.Int64Counter("rover.frames.published", metric.WithDescription("Frames published to subscribers")); err == nil {
		b.frameCounter = c
	}
	if c, err := meter.Int64Counter("rover.frames.dropped", metric.WithDescription("Frames discarded for slow subscribers")); err == nil {
		b.dropCounter = c
	}
	return b
}

// Publish stamps data as the next frame, replaces the latest slot and offers
// the frame to every subscriber without blocking.
func (b *Broadcaster) Publish(data []byte) Frame {
	frame := Frame{Seq: b.seq.Add(1), Data: data, CapturedAt: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return frame
	}

	b.latest.Store(&frame)
	b.nmu.Lock()
	close(b.notify)
	b.notify = make(chan struct{})
	b.nmu.Unlock()
	b.published.Add(1)

	var drops int64
	for _, sub := range b.subs {
		if sub.offer(frame) {
			drops++
		}
	}
	attrs := metric.WithAttributes(attribute.String("stream", b.name))
	if b.frameCounter != nil {
		b.frameCounter.Add(context.Background(), 1, attrs)
	}
	if drops > 0 {
		b.dropped.Add(uint64(drops))
		if b.dropCounter != nil {
			b.dropCounter.Add(context.Background(), drops, attrs)
		}
	}
	return frame
}

// Latest returns the most recently published frame.
func (b *Broadcaster) Latest() (Frame, bool) {
	f := b.latest.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// Await returns the latest frame, waiting for the first one if nothing has
// been published yet.
func (b *Broadcaster) Await(ctx context.Context) (Frame, error) {
	return b.Wait(ctx, nil)
}

// Wait returns the latest frame accepted by accept, blocking until such a
// frame is published. A nil accept takes any frame.
func (b *Broadcaster) Wait(ctx context.Context, accept func(Frame) bool) (Frame, error) {
	for {
		b.nmu.Lock()
		notify := b.notify
		b.nmu.Unlock()

		if f := b.latest.Load(); f != nil && (accept == nil || accept(*f)) {
			return *f, nil
		}
		select {
		case <-notify:
		case <-b.done:
			return Frame{}, ErrClosed
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Subscribe registers a new consumer under id.
func (b *Broadcaster) Subscribe(id string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, exists := b.subs[id]; exists {
		return nil, ErrSubscriberExists
	}
	sub := &Subscription{id: id, ch: make(chan Frame, b.buffer), b: b}
	b.subs[id] = sub
	b.log.Debug("subscriber added", slog.String("subscriber", id))
	return sub, nil
}

// Unsubscribe removes id and closes its channel. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
	b.log.Debug("subscriber removed", slog.String("subscriber", id), slog.Uint64("dropped", sub.dropped.Load()))
}

func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: make(map[string]SubscriberStats, len(b.subs)),
	}
	for id, sub := range b.subs {
		stats.Subscribers[id] = SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}
	}
	return stats
}

// Close ends every subscription. The latest frame stays readable.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	close(b.done)
}
