package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-rover/internal/command"
	"github.com/loqalabs/loqa-rover/internal/config"
	"github.com/loqalabs/loqa-rover/internal/pwm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Options configures an Actuator.
type Options struct {
	Wheels      [4]Wheel
	Servos      []Servo
	DriveDuty   int
	Settle      time.Duration
	StopMode    StopMode
	ServoBias   int
	FrequencyHz int
	CenterOnRun bool
}

// OptionsFromConfig builds options for the stock wiring.
func OptionsFromConfig(cfg config.ActuatorConfig, freq int) Options {
	return Options{
		Wheels:      DefaultWheels,
		Servos:      DefaultServos(),
		DriveDuty:   cfg.DriveDuty,
		Settle:      time.Duration(cfg.SettleMS) * time.Millisecond,
		StopMode:    StopMode(cfg.StopMode),
		ServoBias:   cfg.ServoBias,
		FrequencyHz: freq,
		CenterOnRun: cfg.CenterServos,
	}
}

// Actuator turns movement and servo commands into PWM writes. Movements are
// serialized: a pulse and its trailing stop finish before the next starts.
type Actuator struct {
	ctrl   *pwm.Controller
	opts   Options
	servos map[string]Servo
	log    *slog.Logger
	motion sync.Mutex

	moves  metric.Int64Counter
	brakes metric.Int64Counter
}

func New(ctrl *pwm.Controller, opts Options, log *slog.Logger) *Actuator {
	if opts.StopMode == "" {
		opts.StopMode = Brake
	}
	if opts.FrequencyHz <= 0 {
		opts.FrequencyHz = 50
	}
	a := &Actuator{
		ctrl:   ctrl,
		opts:   opts,
		servos: make(map[string]Servo, len(opts.Servos)),
		log:    log.With(slog.String("component", "actuator")),
	}
	for _, s := range opts.Servos {
		a.servos[s.ID] = s
	}
	meter := otel.Meter("github.com/loqalabs/loqa-rover/actuator")
	if c, err := meter.Int64Counter("rover.actuator.moves", metric.WithDescription("Movement pulses executed")); err == nil {
		a.moves = c
	}
	if c, err := meter.Int64Counter("rover.actuator.stops", metric.WithDescription("Stop plans issued")); err == nil {
		a.brakes = c
	}
	return a
}

// Start puts the drive into the stop plan and optionally centres every servo.
func (a *Actuator) Start() error {
	if err := a.Stop(); err != nil {
		return err
	}
	if !a.opts.CenterOnRun {
		return nil
	}
	ticks := PulseTicks(servoCenterUS, a.opts.FrequencyHz)
	settings := make([]pwm.Setting, 0, len(a.servos))
	for _, id := range servoIDs(a.servos) {
		settings = append(settings, pwm.Setting{Channel: a.servos[id].Channel, Ticks: ticks})
	}
	if err := a.ctrl.Apply(settings); err != nil {
		return fmt.Errorf("center servos: %w", err)
	}
	a.log.Info("actuator ready", slog.String("stop_mode", string(a.opts.StopMode)), slog.Int("servos", len(settings)))
	return nil
}

// Apply writes a duty plan to all four wheels in one bus transaction.
func (a *Actuator) Apply(plan DutyPlan) error {
	return a.ctrl.Apply(PlanSettings(a.opts.Wheels, plan.Clamped(), a.opts.StopMode))
}

// Stop issues the zero plan. It waits for a movement in progress to finish
// its hold so that a pulse is never cut short by another caller.
func (a *Actuator) Stop() error {
	a.motion.Lock()
	defer a.motion.Unlock()
	return a.stopLocked()
}

// stopLocked issues the zero plan; the caller holds a.motion.
func (a *Actuator) stopLocked() error {
	if a.brakes != nil {
		a.brakes.Add(context.Background(), 1)
	}
	return a.Apply(StopPlan)
}

// Move drives one movement for the settle duration and then stops. The stop
// is written even when ctx is cancelled during the hold.
func (a *Actuator) Move(ctx context.Context, m command.Movement) error {
	plan, err := PlanFor(m, a.opts.DriveDuty)
	if err != nil {
		return err
	}

	a.motion.Lock()
	defer a.motion.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if a.moves != nil {
		a.moves.Add(ctx, 1, metric.WithAttributes(attribute.String("movement", m.String())))
	}

	if err := a.Apply(plan); err != nil {
		a.log.Error("movement write failed", slog.String("movement", m.String()), slogError(err))
		return errors.Join(err, a.stopLocked())
	}

	timer := time.NewTimer(a.opts.Settle)
	var holdErr error
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		holdErr = ctx.Err()
	}

	if err := a.stopLocked(); err != nil {
		a.log.Error("stop after movement failed", slog.String("movement", m.String()), slogError(err))
		return errors.Join(holdErr, err)
	}
	a.log.Debug("movement complete", slog.String("movement", m.String()))
	return holdErr
}

// SetServo points servo id at angle, clamped to 0..180 degrees.
func (a *Actuator) SetServo(id string, angle int) error {
	servo, ok := a.servos[id]
	if !ok {
		return fmt.Errorf("%w: %q (valid: %v)", ErrUnknownServo, id, servoIDs(a.servos))
	}
	pulse := PulseMicros(angle, a.opts.ServoBias, servo.Mirrored)
	ticks := PulseTicks(pulse, a.opts.FrequencyHz)
	if err := a.ctrl.SetPWM(servo.Channel, 0, ticks); err != nil {
		return err
	}
	a.log.Debug("servo set", slog.String("servo", id), slog.Int("angle", ClampAngle(angle)), slog.Int("ticks", ticks))
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
