package pwm

import "sync"

// Write is one recorded register write.
type Write struct {
	Reg   byte
	Value byte
}

// MemoryBus is an in-memory register file used when no controller chip is
// attached and by tests.
type MemoryBus struct {
	mu     sync.Mutex
	regs   [256]byte
	writes []Write
	fail   error
	closed bool
}

func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

func (m *MemoryBus) WriteRegister(reg, value byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.regs[reg] = value
	m.writes = append(m.writes, Write{Reg: reg, Value: value})
	return nil
}

func (m *MemoryBus) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// FailWith makes every later write return err; nil restores normal writes.
func (m *MemoryBus) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *MemoryBus) Register(reg byte) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[reg]
}

// OffTicks decodes the off-tick value currently held for channel.
func (m *MemoryBus) OffTicks(channel int) int {
	reg := RegLED0OnL + byte(4*channel)
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.regs[reg+2]) | int(m.regs[reg+3])<<8
}

func (m *MemoryBus) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

func (m *MemoryBus) Reset() {
	m.mu.Lock()
	m.writes = nil
	m.mu.Unlock()
}

func (m *MemoryBus) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
