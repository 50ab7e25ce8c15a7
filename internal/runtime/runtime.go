package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-rover/internal/actuator"
	"github.com/loqalabs/loqa-rover/internal/agent"
	"github.com/loqalabs/loqa-rover/internal/api"
	"github.com/loqalabs/loqa-rover/internal/bus"
	"github.com/loqalabs/loqa-rover/internal/camera"
	"github.com/loqalabs/loqa-rover/internal/config"
	"github.com/loqalabs/loqa-rover/internal/eventstore"
	"github.com/loqalabs/loqa-rover/internal/frames"
	"github.com/loqalabs/loqa-rover/internal/llm"
	"github.com/loqalabs/loqa-rover/internal/natsserver"
	"github.com/loqalabs/loqa-rover/internal/presence"
	"github.com/loqalabs/loqa-rover/internal/pwm"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool

	server    *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	ctrl      *pwm.Controller
	act       *actuator.Actuator
	drive     *actuator.Service
	live      *frames.Broadcaster
	decisions *frames.Broadcaster
	streamer  *camera.Streamer
	agent     *agent.Service
	presence  *presence.Tracker
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds every component, serves until ctx is done and then tears the
// components down in reverse order.
func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startBus(ctx); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if err := r.startDrive(ctx); err != nil {
		return err
	}

	source, err := r.startCamera()
	if err != nil {
		return err
	}

	if err := r.startAgent(ctx, source); err != nil {
		return err
	}

	if r.bus != nil {
		tracker, err := presence.New(ctx, r.cfg.Node, r.capabilities(), r.gauges, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
		r.presence = tracker
	}

	handler := api.New(api.Options{
		Runner:    r.agent,
		Store:     r.store,
		Driver:    r.act,
		Camera:    source,
		Live:      r.live,
		Decisions: r.decisions,
		Metrics:   metricsHandler,
		Healthy:   func() bool { return true },
		Ready:     r.Ready,
	}, r.logger).Router()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// open streams and runs end with the runtime
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})
	if r.streamer != nil {
		g.Go(func() error {
			if err := r.streamer.Run(gctx); err != nil {
				r.logger.Warn("camera stream stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	err = g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return err
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		r.logger.Info("bus disabled")
		return nil
	}
	busCfg := r.cfg.Bus
	server, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.server = server
	if server != nil {
		busCfg.Servers = []string{server.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) startDrive(ctx context.Context) error {
	var hw pwm.Bus
	switch r.cfg.PWM.Mode {
	case "i2c":
		b, err := pwm.OpenI2C(r.cfg.PWM.I2CBus, uint16(r.cfg.PWM.Address))
		if err != nil {
			return fmt.Errorf("open pwm bus: %w", err)
		}
		hw = b
	default:
		hw = pwm.NewMemoryBus()
	}

	r.ctrl = pwm.NewController(hw, r.logger)
	if err := r.ctrl.Init(r.cfg.PWM.Frequency); err != nil {
		return fmt.Errorf("init pwm controller: %w", err)
	}
	r.act = actuator.New(r.ctrl, actuator.OptionsFromConfig(r.cfg.Actuator, r.cfg.PWM.Frequency), r.logger)
	if err := r.act.Start(); err != nil {
		return fmt.Errorf("start actuator: %w", err)
	}

	if r.bus == nil {
		return nil
	}
	r.drive = actuator.NewService(ctx, r.act, r.bus, r.logger)
	if err := r.drive.Start(); err != nil {
		return err
	}
	return nil
}

func (r *Runtime) startCamera() (*camera.Source, error) {
	r.live = frames.NewBroadcaster("live", r.cfg.Frames.SubscriberBuffer, r.logger)
	r.decisions = frames.NewBroadcaster("decisions", r.cfg.Agent.DecisionFrameBuffer, r.logger)
	if !r.cfg.Camera.Enabled {
		r.logger.Info("camera disabled")
		return camera.NewSource(r.live, nil, nil), nil
	}
	cam, err := camera.New(r.cfg.Camera, r.logger)
	if err != nil {
		return nil, err
	}
	r.streamer = camera.NewStreamer(cam, r.live,
		r.cfg.Frames.MaxFrameBytes,
		r.cfg.Frames.ReadBufferBytes,
		time.Duration(r.cfg.Camera.RestartDelayMS)*time.Millisecond,
		r.logger)
	return camera.NewSource(r.live, cam, r.streamer), nil
}

func (r *Runtime) startAgent(ctx context.Context, source *camera.Source) error {
	engine, err := llm.FromConfig(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("decision engine: %w", err)
	}
	opts := agent.OptionsFromConfig(r.cfg.Agent, r.cfg.LLM)
	opts.OnObservation = func(f frames.Frame) {
		r.decisions.Publish(f.Data)
	}
	loop := agent.NewLoop(source, engine, r.act, opts, r.logger)
	r.agent = agent.NewService(ctx, loop, r.bus, r.store, r.cfg.Agent.MaxConcurrentRuns, r.logger)
	return r.agent.Start()
}

func (r *Runtime) capabilities() []string {
	caps := []string{"drive", "servo", "agent"}
	if r.cfg.Camera.Enabled {
		caps = append(caps, "camera")
	}
	return caps
}

func (r *Runtime) gauges() (uint64, time.Duration, int) {
	age := time.Duration(-1)
	if f, ok := r.live.Latest(); ok {
		age = time.Since(f.CapturedAt)
	}
	return r.live.Stats().Published, age, r.agent.Active()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Ready reports whether every started component is serving.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.drive != nil && !r.drive.Healthy() {
		return false
	}
	if r.agent != nil && !r.agent.Healthy() {
		return false
	}
	return true
}

// shutdown closes components in reverse start order. Runs are cancelled
// first so their final stop reaches the drive before the bus closes.
func (r *Runtime) shutdown() {
	if r.agent != nil {
		r.agent.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.drive != nil {
		r.drive.Close()
	}
	if r.decisions != nil {
		r.decisions.Close()
	}
	if r.live != nil {
		r.live.Close()
	}
	if r.act != nil {
		if err := r.act.Stop(); err != nil {
			r.logger.Error("final drive stop failed", slog.String("error", err.Error()))
		}
	}
	if r.ctrl != nil {
		if err := r.ctrl.Close(); err != nil {
			r.logger.Warn("pwm close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.server.Shutdown()

	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
