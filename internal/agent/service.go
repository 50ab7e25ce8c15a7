package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-rover/internal/bus"
	"github.com/loqalabs/loqa-rover/internal/eventstore"
	"github.com/loqalabs/loqa-rover/internal/protocol"
	"github.com/loqalabs/loqa-rover/internal/pwm"
	"github.com/nats-io/nats.go"
)

var (
	ErrInvalidGoal = errors.New("goal must not be empty")
	ErrDuplicate   = errors.New("agent run id already active")
	ErrClosed      = errors.New("agent service closed")
)

const recordTimeout = 2 * time.Second

// RunLog persists runs and their steps; *eventstore.Store implements it.
type RunLog interface {
	AppendRun(ctx context.Context, run eventstore.Run) error
	FinishRun(ctx context.Context, runID, status, reason string, iterations int) error
	AppendStep(ctx context.Context, step eventstore.Step) error
}

// RunRequest starts one run. An empty ID gets a generated one.
type RunRequest struct {
	ID      string
	Goal    string
	TraceID string
}

// Service admits a bounded number of concurrent runs, records every step and
// serves run requests arriving on the bus.
type Service struct {
	loop   *Loop
	bus    *bus.Client
	store  RunLog
	sem    chan struct{}
	mu     sync.Mutex
	closed bool
	runs   map[string]context.CancelFunc
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewService wires a loop to its surroundings. busClient and store may be nil.
func NewService(parent context.Context, loop *Loop, busClient *bus.Client, store RunLog, maxConcurrent int, logger *slog.Logger) *Service {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		loop:   loop,
		bus:    busClient,
		store:  store,
		sem:    make(chan struct{}, maxConcurrent),
		runs:   make(map[string]context.CancelFunc),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "agent-service")),
	}
}

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAgentRun, s.handleRun)
	if err != nil {
		return fmt.Errorf("subscribe agent runs: %w", err)
	}
	s.sub = sub
	return nil
}

// Close cancels every active run and waits for them to stop the drive.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ctx.Err() == nil && (s.bus == nil || s.sub != nil)
}

// Active returns the number of runs in progress.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Execute runs a goal on the calling goroutine. It fails fast with ErrBusy
// when the concurrency limit is reached. Cancelling ctx ends the run.
func (s *Service) Execute(ctx context.Context, req RunRequest, emit func(Step)) (Result, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return Result{}, ErrInvalidGoal
	}
	if s.ctx.Err() != nil {
		return Result{}, ErrClosed
	}
	runID := req.ID
	if runID == "" {
		runID = uuid.NewString()
	}

	select {
	case s.sem <- struct{}{}:
	default:
		return Result{}, ErrBusy
	}
	defer func() { <-s.sem }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrClosed
	}
	if _, exists := s.runs[runID]; exists {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrDuplicate, runID)
	}
	s.runs[runID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.recordRun(eventstore.Run{ID: runID, Goal: goal, TraceID: req.TraceID})
	res := s.loop.Run(runCtx, runID, goal, func(step Step) {
		s.recordStep(step)
		if emit != nil {
			emit(step)
		}
	})
	s.recordResult(res)
	return res, nil
}

// Cancel stops an active run. The run still ends with its final stop.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	cancel, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	cancel()
	s.logger.Info("agent run cancelled", slog.String("run_id", runID))
	return nil
}

func (s *Service) handleRun(msg *nats.Msg) {
	var req protocol.RunRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode run request", slogError(err))
		s.reply(msg, protocol.RunResult{Status: string(StatusFailed), Code: protocol.CodeInvalid, Error: err.Error(), Timestamp: time.Now().UTC()})
		return
	}

	if !s.track() {
		s.reply(msg, protocol.RunResult{Goal: req.Goal, Status: string(StatusFailed), Code: ErrorCode(ErrClosed), Error: ErrClosed.Error(), Timestamp: time.Now().UTC()})
		return
	}
	go func() {
		defer s.wg.Done()
		res, err := s.Execute(s.ctx, RunRequest{Goal: req.Goal, TraceID: req.TraceID}, nil)
		if err != nil {
			s.reply(msg, protocol.RunResult{Goal: req.Goal, Status: string(StatusFailed), Code: ErrorCode(err), Error: err.Error(), Timestamp: time.Now().UTC()})
			return
		}
		s.reply(msg, res.Message())
	}()
}

// track adds a goroutine to the wait group unless Close has begun.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) reply(msg *nats.Msg, v protocol.RunResult) {
	if msg.Reply == "" {
		return
	}
	if err := bus.Respond(msg, v); err != nil {
		s.logger.Warn("failed to reply to run request", slogError(err))
	}
}

func (s *Service) recordRun(run eventstore.Run) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.store.AppendRun(ctx, run); err != nil {
		s.logger.Warn("failed to record run", slog.String("run_id", run.ID), slogError(err))
	}
}

func (s *Service) recordStep(step Step) {
	msg := step.Message()
	if s.bus != nil {
		if err := s.bus.PublishJSON(protocol.SubjectAgentStep, msg); err != nil {
			s.logger.Warn("failed to publish agent step", slogError(err))
		}
	}
	if s.store == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("failed to encode agent step", slogError(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.store.AppendStep(ctx, eventstore.Step{RunID: step.RunID, Iteration: step.Iteration, Payload: payload, CreatedAt: step.Timestamp}); err != nil {
		s.logger.Warn("failed to record agent step", slog.String("run_id", step.RunID), slogError(err))
	}
}

func (s *Service) recordResult(res Result) {
	if s.bus != nil {
		if err := s.bus.PublishJSON(protocol.SubjectAgentDone, res.Message()); err != nil {
			s.logger.Warn("failed to publish agent result", slogError(err))
		}
	}
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.store.FinishRun(ctx, res.RunID, string(res.Status), res.Reason, res.Iterations); err != nil {
		s.logger.Warn("failed to record run result", slog.String("run_id", res.RunID), slogError(err))
	}
}

// Message converts a step to its wire form.
func (s Step) Message() protocol.AgentStep {
	return protocol.AgentStep{
		RunID:       s.RunID,
		Iteration:   s.Iteration,
		Observation: s.Observation,
		Thought:     s.Thought,
		Actions:     s.ActionStrings(),
		Completed:   s.Completed,
		Fault:       s.Fault,
		Timestamp:   s.Timestamp,
	}
}

// Message converts a result to its wire form.
func (r Result) Message() protocol.RunResult {
	msg := protocol.RunResult{
		RunID:      r.RunID,
		Goal:       r.Goal,
		Status:     string(r.Status),
		Reason:     r.Reason,
		Iterations: r.Iterations,
		Timestamp:  r.FinishedAt,
	}
	if r.Err != nil {
		msg.Code = ErrorCode(r.Err)
		msg.Error = r.Err.Error()
	}
	return msg
}

// ErrorCode classifies run errors for transports.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusy), errors.Is(err, ErrDuplicate):
		return protocol.CodeBusy
	case errors.Is(err, ErrInvalidGoal):
		return protocol.CodeInvalid
	case errors.Is(err, pwm.ErrHardware):
		return protocol.CodeHardware
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeCancelled
	}
	return protocol.CodeUnavailable
}
