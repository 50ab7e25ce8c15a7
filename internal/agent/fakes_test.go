package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-rover/internal/command"
	"github.com/loqalabs/loqa-rover/internal/frames"
	"github.com/loqalabs/loqa-rover/internal/llm"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type reply struct {
	content string
	err     error
	block   bool
}

// scriptedEngine answers with replies in order; the last reply repeats.
type scriptedEngine struct {
	mu       sync.Mutex
	replies  []reply
	requests []llm.Request
}

func engineOf(replies ...reply) *scriptedEngine {
	return &scriptedEngine{replies: replies}
}

func say(content string) reply { return reply{content: content} }

func (e *scriptedEngine) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	r := e.replies[0]
	if len(e.replies) > 1 {
		e.replies = e.replies[1:]
	}
	e.mu.Unlock()

	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	return consumer(llm.Chunk{RunID: req.RunID, Content: r.content})
}

func (e *scriptedEngine) Requests() []llm.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]llm.Request(nil), e.requests...)
}

type fakeObserver struct {
	mu    sync.Mutex
	seq   uint64
	fail  bool
	calls int
}

func (o *fakeObserver) Observe(ctx context.Context, since time.Time) (frames.Frame, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.fail {
		return frames.Frame{}, errors.New("camera offline")
	}
	o.seq++
	return frames.Frame{Seq: o.seq, Data: []byte{0xFF, 0xD8, byte(o.seq), 0xFF, 0xD9}, CapturedAt: time.Now()}, nil
}

type fakeMover struct {
	mu      sync.Mutex
	moves   []command.Movement
	stops   int
	err     error
	block   bool
	started chan struct{}
}

func (m *fakeMover) Move(ctx context.Context, move command.Movement) error {
	if m.block {
		if m.started != nil {
			select {
			case m.started <- struct{}{}:
			default:
			}
		}
		<-ctx.Done()
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.moves = append(m.moves, move)
	return nil
}

func (m *fakeMover) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *fakeMover) Moves() []command.Movement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]command.Movement(nil), m.moves...)
}

func (m *fakeMover) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

func testOptions() Options {
	return Options{
		MaxIterations:         10,
		HistoryTurns:          6,
		FrameTimeout:          100 * time.Millisecond,
		ObservationRetries:    1,
		ObservationRetryDelay: time.Millisecond,
		DecisionTimeout:       time.Second,
		DecisionRetries:       1,
	}
}

type stepLog struct {
	mu    sync.Mutex
	steps []Step
}

func (l *stepLog) add(s Step) {
	l.mu.Lock()
	l.steps = append(l.steps, s)
	l.mu.Unlock()
}

func (l *stepLog) all() []Step {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Step(nil), l.steps...)
}
