package actuator

import (
	"errors"
	"fmt"
	"sort"
)

const (
	servoMinAngle   = 0
	servoMaxAngle   = 180
	servoCenterUS   = 1500
	servoLowUS      = 500
	servoHighUS     = 2500
	microsPerSecond = 1_000_000
)

var ErrUnknownServo = errors.New("unknown servo channel")

// Servo maps a logical servo id to its PWM channel. Mirrored servos are
// mounted facing the opposite way, so their pulse runs high to low.
type Servo struct {
	ID       string
	Channel  int
	Mirrored bool
}

// DefaultServos maps servo ids "0".."7" onto PWM channels 8..15.
func DefaultServos() []Servo {
	servos := make([]Servo, 0, 8)
	for i := 0; i < 8; i++ {
		servos = append(servos, Servo{ID: fmt.Sprint(i), Channel: 8 + i, Mirrored: i == 0})
	}
	return servos
}

func ClampAngle(angle int) int {
	if angle < servoMinAngle {
		return servoMinAngle
	}
	if angle > servoMaxAngle {
		return servoMaxAngle
	}
	return angle
}

// PulseMicros converts an angle to a pulse width. Each degree is 100/9 us
// (0.09 deg/us); bias is the calibration offset added to every angle.
func PulseMicros(angle, bias int, mirrored bool) int {
	offset := (ClampAngle(angle) + bias) * 100 / 9
	if mirrored {
		return servoHighUS - offset
	}
	return servoLowUS + offset
}

// PulseTicks converts a pulse width to 12-bit ticks for the PWM period at freq.
func PulseTicks(micros, freq int) int {
	period := microsPerSecond / freq
	return micros * 4096 / period
}

func servoIDs(servos map[string]Servo) []string {
	ids := make([]string, 0, len(servos))
	for id := range servos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
