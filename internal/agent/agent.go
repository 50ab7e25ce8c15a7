// Package agent runs the observe, decide and act loop that steers the rover
// toward a natural-language goal.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-rover/internal/command"
	"github.com/loqalabs/loqa-rover/internal/config"
	"github.com/loqalabs/loqa-rover/internal/frames"
	"github.com/loqalabs/loqa-rover/internal/llm"
)

var (
	ErrObservation = errors.New("observation unavailable")
	ErrDecision    = errors.New("decision engine fault")
	ErrBusy        = errors.New("agent run limit reached")
	ErrUnknownRun  = errors.New("unknown agent run")
)

// State is a control loop phase.
type State string

const (
	StateAwaitingObservation State = "awaiting_observation"
	StateDeciding            State = "deciding"
	StateValidating          State = "validating"
	StateActing              State = "acting"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Observer supplies a camera frame captured no earlier than since.
type Observer interface {
	Observe(ctx context.Context, since time.Time) (frames.Frame, error)
}

// Mover executes one timed movement and the neutral stop plan.
type Mover interface {
	Move(ctx context.Context, m command.Movement) error
	Stop() error
}

// Step is the immutable record of one iteration.
type Step struct {
	RunID       string             `json:"run_id"`
	Iteration   int                `json:"iteration"`
	State       State              `json:"state"`
	Observation string             `json:"observation"`
	Thought     string             `json:"thought"`
	Tokens      []string           `json:"tokens,omitempty"`
	Actions     []command.Movement `json:"actions"`
	Completed   bool               `json:"completed"`
	Fault       string             `json:"fault,omitempty"`
	FrameSeq    uint64             `json:"frame_seq,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// ActionStrings returns the validated actions as plain strings.
func (s Step) ActionStrings() []string {
	out := make([]string, len(s.Actions))
	for i, a := range s.Actions {
		out[i] = a.String()
	}
	return out
}

// Result is the terminal report of a run. Every run produces one.
type Result struct {
	RunID      string    `json:"run_id"`
	Goal       string    `json:"goal"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason"`
	Iterations int       `json:"iterations"`
	Last       *Step     `json:"last_step,omitempty"`
	Err        error     `json:"-"`
	FinishedAt time.Time `json:"finished_at"`
}

// Options bounds a run.
type Options struct {
	MaxIterations         int
	HistoryTurns          int
	FrameTimeout          time.Duration
	ObservationRetries    int
	ObservationRetryDelay time.Duration
	DecisionTimeout       time.Duration
	DecisionRetries       int
	// Request carries model options copied into every decision call.
	Request llm.Request
	// OnObservation, when set, sees every frame handed to the engine.
	OnObservation func(frames.Frame)
}

func OptionsFromConfig(agent config.AgentConfig, model config.LLMConfig) Options {
	return Options{
		MaxIterations:         agent.MaxIterations,
		HistoryTurns:          agent.HistoryTurns,
		FrameTimeout:          time.Duration(agent.FrameTimeoutMS) * time.Millisecond,
		ObservationRetries:    agent.ObservationRetries,
		ObservationRetryDelay: time.Duration(agent.ObservationRetryDelay) * time.Millisecond,
		DecisionTimeout:       time.Duration(model.TimeoutMS) * time.Millisecond,
		DecisionRetries:       agent.DecisionRetries,
		Request:               llm.RequestFromConfig(model),
	}
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 50
	}
	if o.HistoryTurns <= 0 {
		o.HistoryTurns = 6
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = 5 * time.Second
	}
	if o.DecisionTimeout <= 0 {
		o.DecisionTimeout = time.Minute
	}
	if o.ObservationRetries < 0 {
		o.ObservationRetries = 0
	}
	if o.DecisionRetries < 0 {
		o.DecisionRetries = 0
	}
	return o
}
