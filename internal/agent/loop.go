package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-rover/internal/command"
	"github.com/loqalabs/loqa-rover/internal/frames"
	"github.com/loqalabs/loqa-rover/internal/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-rover/agent"

// Loop drives runs one iteration at a time. A Loop is safe for concurrent
// runs; each run keeps its own history.
type Loop struct {
	observer Observer
	engine   llm.Generator
	mover    Mover
	opts     Options
	log      *slog.Logger
	tracer   trace.Tracer

	iterations metric.Int64Counter
	faults     metric.Int64Counter
	latency    metric.Float64Histogram
}

func NewLoop(observer Observer, engine llm.Generator, mover Mover, opts Options, log *slog.Logger) *Loop {
	l := &Loop{
		observer: observer,
		engine:   engine,
		mover:    mover,
		opts:     opts.withDefaults(),
		log:      log.With(slog.String("component", "agent")),
		tracer:   otel.Tracer(instrumentationName),
	}
	meter := otel.Meter(instrumentationName)
	if c, err := meter.Int64Counter("rover.agent.iterations", metric.WithDescription("Control loop iterations started")); err == nil {
		l.iterations = c
	}
	if c, err := meter.Int64Counter("rover.agent.decision_faults", metric.WithDescription("Decision engine errors, timeouts and unparseable replies")); err == nil {
		l.faults = c
	}
	if h, err := meter.Float64Histogram("rover.agent.decision_latency", metric.WithUnit("ms"), metric.WithDescription("Decision engine call latency")); err == nil {
		l.latency = h
	}
	return l
}

// run is the per-invocation state threaded through one Run call.
type run struct {
	id      string
	goal    string
	state   State
	history History
	since   time.Time
	last    *Step
	emit    func(Step)
	log     *slog.Logger
}

func (r *run) to(state State) {
	r.log.Debug("agent state", slog.String("from", string(r.state)), slog.String("to", string(state)))
	r.state = state
}

func (r *run) record(step Step) {
	step.RunID = r.id
	step.State = r.state
	step.Timestamp = time.Now().UTC()
	r.last = &step
	if r.emit != nil {
		r.emit(step)
	}
}

// Run steers toward goal until the engine reports completion, the iteration
// budget runs out, a fault ends the run or ctx is cancelled. emit receives
// every step in order. The drive is always stopped before Run returns.
func (l *Loop) Run(ctx context.Context, runID, goal string, emit func(Step)) (res Result) {
	ctx, span := l.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.run_id", runID),
		attribute.Int("agent.max_iterations", l.opts.MaxIterations),
	))
	r := &run{
		id:      runID,
		goal:    goal,
		state:   StateAwaitingObservation,
		history: NewHistory(l.opts.HistoryTurns),
		since:   time.Now(),
		emit:    emit,
		log:     l.log.With(slog.String("run_id", runID)),
	}
	r.log.Info("agent run started", slog.String("goal", goal))

	used := 0
	defer func() {
		if err := l.mover.Stop(); err != nil {
			r.log.Error("final stop failed", slogError(err))
			res.Err = errors.Join(res.Err, err)
			if res.Status == StatusCompleted {
				res.Status = StatusFailed
				res.Reason = "final stop failed"
			}
		}
		res.RunID = runID
		res.Goal = goal
		res.Iterations = used
		res.Last = r.last
		res.FinishedAt = time.Now().UTC()
		if res.Status == StatusFailed {
			span.SetStatus(codes.Error, res.Reason)
		}
		span.SetAttributes(attribute.String("agent.status", string(res.Status)), attribute.Int("agent.iterations", res.Iterations))
		span.End()
		r.log.Info("agent run finished",
			slog.String("status", string(res.Status)),
			slog.String("reason", res.Reason),
			slog.Int("iterations", res.Iterations))
	}()

	faults := 0
	for i := 0; i < l.opts.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return cancelled(r, err)
		}
		used = i + 1
		if l.iterations != nil {
			l.iterations.Add(ctx, 1)
		}

		r.to(StateAwaitingObservation)
		frame, err := l.observe(ctx, r.since)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(r, ctx.Err())
			}
			r.to(StateFailed)
			r.record(Step{Iteration: i, Observation: "No camera frame available", Fault: err.Error()})
			return failed(err, "observation unavailable")
		}
		if l.opts.OnObservation != nil {
			l.opts.OnObservation(frame)
		}

		r.to(StateDeciding)
		before := r.history
		r.history = r.history.Append(Turn{
			Role:     llm.RoleUser,
			Text:     userPrompt(goal, before),
			Image:    frame.Data,
			FrameSeq: frame.Seq,
		})
		raw, err := l.decide(ctx, r)
		if err != nil {
			// the unanswered question is dropped so the retry asks it afresh
			r.history = before
			if ctx.Err() != nil {
				return cancelled(r, ctx.Err())
			}
			faults++
			r.log.Warn("decision fault", slog.Int("iteration", i), slog.Int("consecutive", faults), slogError(err))
			if faults > l.opts.DecisionRetries {
				r.to(StateFailed)
				r.record(Step{Iteration: i, Observation: "Decision engine unavailable", FrameSeq: frame.Seq, Fault: err.Error()})
				return failed(err, "decision engine unavailable")
			}
			r.record(Step{Iteration: i, Observation: "Decision engine fault, retrying", FrameSeq: frame.Seq, Fault: err.Error()})
			continue
		}
		faults = 0

		r.to(StateValidating)
		decision, body, err := ParseDecision(raw)
		if err != nil {
			l.countFault(ctx, "parse")
			r.log.Error("failed to parse decision", slog.Int("iteration", i), slog.String("reply", raw), slogError(err))
			r.to(StateFailed)
			r.record(Step{Iteration: i, Observation: "Failed to parse decision", Thought: "Parse error", Completed: true, FrameSeq: frame.Seq, Fault: err.Error()})
			return failed(err, ErrUnparseable.Error())
		}
		r.history = r.history.Append(Turn{Role: llm.RoleAssistant, Text: body})

		step := Step{
			Iteration:   i,
			Observation: "Image captured and analyzed",
			Thought:     decision.Thought,
			Tokens:      decision.Actions,
			Actions:     command.Filter(decision.Actions),
			FrameSeq:    frame.Seq,
		}
		r.log.Info("decision",
			slog.Int("iteration", i),
			slog.String("thought", decision.Thought),
			slog.Any("actions", decision.Actions))

		if decision.Completed() {
			step.Actions = nil
			step.Completed = true
			r.to(StateCompleted)
			r.record(step)
			return Result{Status: StatusCompleted, Reason: "goal reached"}
		}

		r.to(StateActing)
		if err := l.act(ctx, step.Actions); err != nil {
			step.Fault = err.Error()
			if ctx.Err() != nil {
				r.record(step)
				return cancelled(r, ctx.Err())
			}
			r.to(StateFailed)
			r.record(step)
			return failed(err, "hardware fault")
		}
		r.since = time.Now()
		r.record(step)
	}

	r.to(StateFailed)
	return Result{Status: StatusFailed, Reason: "iteration budget exhausted"}
}

func failed(err error, reason string) Result {
	return Result{Status: StatusFailed, Reason: reason, Err: err}
}

func cancelled(r *run, err error) Result {
	r.to(StateFailed)
	return Result{Status: StatusFailed, Reason: "cancelled", Err: err}
}

// observe waits for a frame newer than since, retrying a bounded number of times.
func (l *Loop) observe(ctx context.Context, since time.Time) (frames.Frame, error) {
	var lastErr error
	for attempt := 0; attempt <= l.opts.ObservationRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(l.opts.ObservationRetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return frames.Frame{}, ctx.Err()
			case <-timer.C:
			}
		}
		frameCtx, cancel := context.WithTimeout(ctx, l.opts.FrameTimeout)
		frame, err := l.observer.Observe(frameCtx, since)
		cancel()
		if err == nil {
			return frame, nil
		}
		if ctx.Err() != nil {
			return frames.Frame{}, ctx.Err()
		}
		lastErr = err
		l.log.Warn("observation failed", slog.Int("attempt", attempt+1), slogError(err))
	}
	return frames.Frame{}, fmt.Errorf("%w: %w", ErrObservation, lastErr)
}

// decide makes one engine call bounded by the decision timeout.
func (l *Loop) decide(ctx context.Context, r *run) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.DecisionTimeout)
	defer cancel()
	ctx, span := l.tracer.Start(ctx, "agent.decide", trace.WithAttributes(
		attribute.Int("agent.history_turns", r.history.Len()),
	))
	defer span.End()

	req := l.opts.Request
	req.RunID = r.id
	req.System = systemPrompt(r.goal)
	req.Messages = r.history.Messages()
	if sc := span.SpanContext(); sc.HasTraceID() {
		req.TraceID = sc.TraceID().String()
	}

	out, err := llm.Collect(ctx, l.engine, req)
	if l.latency != nil {
		l.latency.Record(ctx, float64(out.Latency.Microseconds())/1000)
	}
	if err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		l.countFault(ctx, reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		return "", fmt.Errorf("%w: %w", ErrDecision, err)
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", out.PromptTokens),
		attribute.Int("llm.completion_tokens", out.CompletionTokens),
	)
	return out.Content, nil
}

// act runs every movement in order; each one finishes its stop before the next.
func (l *Loop) act(ctx context.Context, moves []command.Movement) error {
	for _, m := range moves {
		if err := l.mover.Move(ctx, m); err != nil {
			return fmt.Errorf("move %s: %w", m, err)
		}
	}
	return nil
}

func (l *Loop) countFault(ctx context.Context, kind string) {
	if l.faults != nil {
		l.faults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
