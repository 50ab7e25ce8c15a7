package actuator

import (
	"fmt"

	"github.com/loqalabs/loqa-rover/internal/command"
	"github.com/loqalabs/loqa-rover/internal/pwm"
)

const MaxDuty = pwm.MaxTicks

// StopMode selects what a zero duty does to a wheel's channel pair.
type StopMode string

const (
	// Brake drives both channels fully on, shorting the motor.
	Brake StopMode = "brake"
	// Coast releases both channels.
	Coast StopMode = "coast"
)

// DutyPlan holds signed duties for left-upper, left-lower, right-upper and
// right-lower wheels. The sign selects rotation direction.
type DutyPlan [4]int

// StopPlan is the all-zero plan; what it does electrically depends on StopMode.
var StopPlan = DutyPlan{}

func ClampDuty(duty int) int {
	if duty > MaxDuty {
		return MaxDuty
	}
	if duty < -MaxDuty {
		return -MaxDuty
	}
	return duty
}

// Clamped returns a copy of p with every duty inside [-MaxDuty, MaxDuty].
func (p DutyPlan) Clamped() DutyPlan {
	for i := range p {
		p[i] = ClampDuty(p[i])
	}
	return p
}

// PlanFor maps a movement to wheel duties of the given magnitude.
func PlanFor(m command.Movement, magnitude int) (DutyPlan, error) {
	d := ClampDuty(magnitude)
	if d < 0 {
		d = -d
	}
	switch m {
	case command.Forward:
		return DutyPlan{-d, -d, -d, -d}, nil
	case command.Backward:
		return DutyPlan{d, d, d, d}, nil
	case command.Right:
		return DutyPlan{-d, -d, d, d}, nil
	case command.Left:
		return DutyPlan{d, d, -d, -d}, nil
	}
	return DutyPlan{}, fmt.Errorf("%w: %q", command.ErrUnknownMovement, string(m))
}

// Wheel is an H-bridge driven by two PWM channels.
type Wheel struct {
	Name     string
	Positive int
	Negative int
}

// DefaultWheels is the channel wiring of the four-wheel drive board.
var DefaultWheels = [4]Wheel{
	{Name: "left-upper", Positive: 1, Negative: 0},
	{Name: "left-lower", Positive: 2, Negative: 3},
	{Name: "right-upper", Positive: 7, Negative: 6},
	{Name: "right-lower", Positive: 5, Negative: 4},
}

// Settings converts one wheel duty into its two channel writes. The idle
// channel is always written first.
func (w Wheel) Settings(duty int, mode StopMode) []pwm.Setting {
	duty = ClampDuty(duty)
	switch {
	case duty > 0:
		return []pwm.Setting{{Channel: w.Negative, Ticks: 0}, {Channel: w.Positive, Ticks: duty}}
	case duty < 0:
		return []pwm.Setting{{Channel: w.Positive, Ticks: 0}, {Channel: w.Negative, Ticks: -duty}}
	}
	hold := MaxDuty
	if mode == Coast {
		hold = 0
	}
	return []pwm.Setting{{Channel: w.Negative, Ticks: hold}, {Channel: w.Positive, Ticks: hold}}
}

// PlanSettings flattens a plan into channel writes in wheel order.
func PlanSettings(wheels [4]Wheel, plan DutyPlan, mode StopMode) []pwm.Setting {
	settings := make([]pwm.Setting, 0, 8)
	for i, w := range wheels {
		settings = append(settings, w.Settings(plan[i], mode)...)
	}
	return settings
}
