package pwm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PCA9685 register map and limits.
const (
	RegMode1    byte = 0x00
	RegPrescale byte = 0xFE
	RegLED0OnL  byte = 0x06

	mode1Reset   byte = 0x00
	mode1Sleep   byte = 0x10
	mode1Restart byte = 0xA1 // restart | auto-increment | all-call

	MaxTicks = 4095
	Channels = 16

	oscillatorHz = 25_000_000
	resolution   = 4096
)

var (
	ErrHardware       = errors.New("pwm hardware write failed")
	ErrInvalidChannel = errors.New("invalid pwm channel")
	ErrFrequency      = errors.New("pwm frequency out of range")
)

// Bus is the raw single-byte register write channel to the controller chip.
type Bus interface {
	WriteRegister(reg, value byte) error
	Close() error
}

// Setting is one channel's off-tick value; on-tick is always zero.
type Setting struct {
	Channel int
	Ticks   int
}

// Controller is the sole owner of the register bus. Every write sequence runs
// under mu so four-register channel updates never interleave.
type Controller struct {
	mu     sync.Mutex
	bus    Bus
	log    *slog.Logger
	sleep  func(time.Duration)
	faults metric.Int64Counter
}

func NewController(bus Bus, log *slog.Logger) *Controller {
	c := &Controller{
		bus:   bus,
		log:   log.With(slog.String("component", "pwm")),
		sleep: time.Sleep,
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-rover/pwm").Int64Counter(
		"rover.pwm.write_faults",
		metric.WithDescription("Register writes that failed"),
	)
	if err == nil {
		c.faults = counter
	}
	return c
}

// Prescale computes the prescaler for freq: round(25MHz / (4096*freq) - 1).
func Prescale(freq int) (byte, error) {
	if freq <= 0 {
		return 0, fmt.Errorf("%w: %d Hz", ErrFrequency, freq)
	}
	value := math.Round(float64(oscillatorHz)/(float64(resolution)*float64(freq)) - 1)
	if value < 3 || value > 255 {
		return 0, fmt.Errorf("%w: %d Hz", ErrFrequency, freq)
	}
	return byte(value), nil
}

// Init resets the chip and programs the output frequency.
func (c *Controller) Init(freq int) error {
	prescale, err := Prescale(freq)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(RegMode1, mode1Reset); err != nil {
		return err
	}
	if err := c.write(RegMode1, mode1Sleep); err != nil {
		return err
	}
	if err := c.write(RegPrescale, prescale); err != nil {
		return err
	}
	if err := c.write(RegMode1, mode1Reset); err != nil {
		return err
	}
	// oscillator needs at least 500us after wake before restart
	c.sleep(time.Millisecond)
	if err := c.write(RegMode1, mode1Restart); err != nil {
		return err
	}
	c.log.Info("pwm controller initialized", slog.Int("freq_hz", freq), slog.Int("prescale", int(prescale)))
	return nil
}

// SetPWM writes the on/off tick pair of one channel.
func (c *Controller) SetPWM(channel, on, off int) error {
	if err := checkChannel(channel); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setPWM(channel, clampTicks(on), clampTicks(off))
}

// Apply writes a batch of settings without letting another caller interleave.
// Channels are validated before the first write.
func (c *Controller) Apply(settings []Setting) error {
	for _, s := range settings {
		if err := checkChannel(s.Channel); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range settings {
		if err := c.setPWM(s.Channel, 0, clampTicks(s.Ticks)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus.Close()
}

func (c *Controller) setPWM(channel, on, off int) error {
	reg := RegLED0OnL + byte(4*channel)
	if err := c.write(reg, byte(on&0xFF)); err != nil {
		return err
	}
	if err := c.write(reg+1, byte((on>>8)&0xFF)); err != nil {
		return err
	}
	if err := c.write(reg+2, byte(off&0xFF)); err != nil {
		return err
	}
	return c.write(reg+3, byte((off>>8)&0xFF))
}

func (c *Controller) write(reg, value byte) error {
	if err := c.bus.WriteRegister(reg, value); err != nil {
		if c.faults != nil {
			c.faults.Add(context.Background(), 1, metric.WithAttributes(attribute.Int("register", int(reg))))
		}
		return fmt.Errorf("%w: register 0x%02x: %w", ErrHardware, reg, err)
	}
	return nil
}

func checkChannel(channel int) error {
	if channel < 0 || channel >= Channels {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	return nil
}

func clampTicks(ticks int) int {
	if ticks > MaxTicks {
		return MaxTicks
	}
	if ticks < 0 {
		return 0
	}
	return ticks
}
