package pwm

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

type i2cBus struct {
	bus i2c.BusCloser
	dev *i2c.Dev
}

// OpenI2C opens the named Linux I2C bus ("1", "/dev/i2c-1", or "" for the
// first available) and addresses the controller at addr.
func OpenI2C(name string, addr uint16) (Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", name, err)
	}
	return &i2cBus{bus: bus, dev: &i2c.Dev{Bus: bus, Addr: addr}}, nil
}

func (b *i2cBus) WriteRegister(reg, value byte) error {
	return b.dev.Tx([]byte{reg, value}, nil)
}

func (b *i2cBus) Close() error {
	return b.bus.Close()
}
