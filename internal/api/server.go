package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-rover/internal/actuator"
	"github.com/loqalabs/loqa-rover/internal/agent"
	"github.com/loqalabs/loqa-rover/internal/camera"
	"github.com/loqalabs/loqa-rover/internal/command"
	"github.com/loqalabs/loqa-rover/internal/eventstore"
	"github.com/loqalabs/loqa-rover/internal/frames"
	"github.com/loqalabs/loqa-rover/internal/protocol"
)

const defaultStepLimit = 100

// Runner starts and cancels agent runs.
type Runner interface {
	Execute(ctx context.Context, req agent.RunRequest, emit func(agent.Step)) (agent.Result, error)
	Cancel(runID string) error
}

// RunStore reads the persisted run log.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (eventstore.Run, error)
	ListRunSteps(ctx context.Context, runID string, limit int) ([]eventstore.Step, error)
}

// Driver executes direct drive commands.
type Driver interface {
	Move(ctx context.Context, m command.Movement) error
	SetServo(id string, angle int) error
}

// Snapshotter returns the most useful single frame available.
type Snapshotter interface {
	Snapshot(ctx context.Context) (frames.Frame, error)
}

// Options lists the components the HTTP surface exposes. Nil components
// answer 503.
type Options struct {
	Runner    Runner
	Store     RunStore
	Driver    Driver
	Camera    Snapshotter
	Live      *frames.Broadcaster
	Decisions *frames.Broadcaster
	Metrics   http.Handler
	Healthy   func() bool
	Ready     func() bool
}

type Server struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Server {
	return &Server{opts: opts, logger: logger.With(slog.String("component", "http-api"))}
}

// Router builds the chi router for every endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/agent/runs", s.handleStartRun)
		r.Delete("/agent/runs/{runID}", s.handleCancelRun)
		r.Get("/agent/runs/{runID}/steps", s.handleRunSteps)
		r.Get("/agent/frames", s.streamHandler(func() *frames.Broadcaster { return s.opts.Decisions }))

		r.Get("/camera/frame", s.handleFrame)
		r.Get("/camera/stream", s.streamHandler(func() *frames.Broadcaster { return s.opts.Live }))

		r.Post("/drive/move", s.handleMove)
		r.Post("/drive/servo", s.handleServo)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Healthy != nil && !s.opts.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready != nil && !s.opts.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	if s.opts.Driver == nil {
		writeError(w, protocol.CodeUnavailable, "drive unavailable")
		return
	}
	move, err := command.ParseMovement(r.URL.Query().Get("command"))
	if err != nil {
		writeError(w, protocol.CodeInvalid, err.Error())
		return
	}
	if err := s.opts.Driver.Move(r.Context(), move); err != nil {
		s.logger.Warn("drive move failed", slog.String("command", move.String()), slogError(err))
		writeError(w, actuator.ErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, protocol.CommandReply{OK: true})
}

func (s *Server) handleServo(w http.ResponseWriter, r *http.Request) {
	if s.opts.Driver == nil {
		writeError(w, protocol.CodeUnavailable, "drive unavailable")
		return
	}
	query := r.URL.Query()
	angle, err := strconv.Atoi(query.Get("angle"))
	if err != nil {
		writeError(w, protocol.CodeInvalid, "angle must be an integer")
		return
	}
	if err := s.opts.Driver.SetServo(query.Get("channel"), angle); err != nil {
		writeError(w, actuator.ErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, protocol.CommandReply{OK: true})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if s.opts.Camera == nil {
		writeError(w, protocol.CodeUnavailable, camera.ErrUnavailable.Error())
		return
	}
	frame, err := s.opts.Camera.Snapshot(r.Context())
	if err != nil {
		s.logger.Warn("snapshot failed", slogError(err))
		writeError(w, protocol.CodeUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	w.Header().Set("Content-Length", strconv.Itoa(len(frame.Data)))
	_, _ = w.Write(frame.Data)
}

type runStepsResponse struct {
	Run   eventstore.Run    `json:"run"`
	Steps []json.RawMessage `json:"steps"`
}

func (s *Server) handleRunSteps(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, protocol.CodeUnavailable, "event store unavailable")
		return
	}
	runID := chi.URLParam(r, "runID")
	limit := defaultStepLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, protocol.CodeInvalid, "limit must be a positive integer")
			return
		}
		limit = n
	}

	run, err := s.opts.Store.GetRun(r.Context(), runID)
	if errors.Is(err, eventstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "run not found"})
		return
	}
	if err != nil {
		s.logger.Error("failed to read run", slog.String("run_id", runID), slogError(err))
		writeError(w, protocol.CodeUnavailable, "failed to read run")
		return
	}
	steps, err := s.opts.Store.ListRunSteps(r.Context(), runID, limit)
	if err != nil {
		s.logger.Error("failed to list run steps", slog.String("run_id", runID), slogError(err))
		writeError(w, protocol.CodeUnavailable, "failed to list run steps")
		return
	}
	resp := runStepsResponse{Run: run, Steps: make([]json.RawMessage, 0, len(steps))}
	for _, step := range steps {
		resp.Steps = append(resp.Steps, json.RawMessage(step.Payload))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runner == nil {
		writeError(w, protocol.CodeUnavailable, "agent unavailable")
		return
	}
	runID := chi.URLParam(r, "runID")
	if err := s.opts.Runner.Cancel(runID); err != nil {
		if errors.Is(err, agent.ErrUnknownRun) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
			return
		}
		writeError(w, agent.ErrorCode(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runner == nil {
		writeError(w, protocol.CodeUnavailable, "agent unavailable")
		return
	}
	var req protocol.RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, protocol.CodeInvalid, "invalid request body")
		return
	}

	runID := uuid.NewString()
	events := newEventStream(w, runID)
	// a client that goes away cancels the run through the request context
	res, err := s.opts.Runner.Execute(r.Context(), agent.RunRequest{ID: runID, Goal: req.Goal, TraceID: req.TraceID}, func(step agent.Step) {
		if err := events.send("step", step.Message()); err != nil {
			s.logger.Debug("step event not delivered", slog.String("run_id", runID), slogError(err))
		}
	})
	if err != nil {
		if events.started() {
			_ = events.send("error", errorBody{Error: err.Error(), Code: agent.ErrorCode(err)})
			return
		}
		writeError(w, agent.ErrorCode(err), err.Error())
		return
	}
	if err := events.send("result", res.Message()); err != nil {
		s.logger.Debug("result event not delivered", slog.String("run_id", runID), slogError(err))
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StatusFor maps a reply code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case protocol.CodeInvalid:
		return http.StatusBadRequest
	case protocol.CodeBusy:
		return http.StatusConflict
	case protocol.CodeUnavailable:
		return http.StatusServiceUnavailable
	case protocol.CodeCancelled:
		return 499
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, code, msg string) {
	writeJSON(w, StatusFor(code), errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
