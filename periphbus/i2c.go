package periphbus

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"

	"bitbang/core"
)

// DefaultI2CFrequency is the standard-mode SCL rate
const DefaultI2CFrequency = 100 * physic.KiloHertz

// I2CBus is an i2c.BusCloser clocked in software on two open-drain lines.
// Both lines need pull-ups, internal or external.
type I2CBus struct {
	mu sync.Mutex

	name   string
	scl    gpio.PinIO
	sda    gpio.PinIO
	delay  core.Delayer
	cfg    core.I2CConfig
	engine *core.SoftwareI2C
}

var (
	_ i2c.BusCloser = (*I2CBus)(nil)
	_ i2c.Pins      = (*I2CBus)(nil)
	_ drivers.I2C   = (*I2CBus)(nil)
)

// NewI2CBus releases both lines and builds the engine. A zero frequency in
// cfg selects DefaultI2CFrequency.
func NewI2CBus(name string, scl, sda gpio.PinIO, delay core.Delayer, cfg core.I2CConfig) (*I2CBus, error) {
	if !valid(scl) || !valid(sda) {
		return nil, fmt.Errorf("%s: %w", name, core.ErrMissingPin)
	}
	if cfg.Frequency == 0 {
		cfg.Frequency = DefaultI2CFrequency
	}
	b := &I2CBus{name: name, scl: scl, sda: sda, delay: delay}
	if err := b.build(cfg); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *I2CBus) build(cfg core.I2CConfig) error {
	scl, err := OpenDrain(b.scl)
	if err != nil {
		return fmt.Errorf("%s: scl: %w", b.name, err)
	}
	sda, err := OpenDrain(b.sda)
	if err != nil {
		return fmt.Errorf("%s: sda: %w", b.name, err)
	}
	engine, err := core.NewSoftwareI2C(scl, sda, b.delay, cfg)
	if err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	b.engine = engine
	b.cfg = cfg
	return nil
}

func (b *I2CBus) String() string {
	return b.name
}

// Tx writes w then reads r from addr, behind a repeated START when both are
// given. With neither the address alone is sent.
func (b *I2CBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engine == nil {
		return fmt.Errorf("%s: %w", b.name, core.ErrReleased)
	}
	return b.engine.Tx(addr, w, r)
}

// SetSpeed rebuilds the engine at the new SCL rate
func (b *I2CBus) SetSpeed(f physic.Frequency) error {
	if f <= 0 {
		return fmt.Errorf("%s: invalid speed %s", b.name, f)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engine == nil {
		return fmt.Errorf("%s: %w", b.name, core.ErrReleased)
	}
	cfg := b.cfg
	cfg.Frequency = f
	old := b.engine
	if err := b.build(cfg); err != nil {
		return err
	}
	old.Release()
	return nil
}

// Probe reports whether a target acknowledges addr
func (b *I2CBus) Probe(addr uint16) (bool, error) {
	if addr > 0x7F {
		return false, core.ErrInvalidAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engine == nil {
		return false, fmt.Errorf("%s: %w", b.name, core.ErrReleased)
	}
	return b.engine.Probe(core.I2CAddress(addr))
}

// Scan probes every non-reserved 7-bit address and returns those that answered
func (b *I2CBus) Scan() ([]uint16, error) {
	var found []uint16
	for addr := uint16(0x08); addr < 0x78; addr++ {
		ack, err := b.Probe(addr)
		if err != nil {
			return found, err
		}
		if ack {
			found = append(found, addr)
		}
	}
	return found, nil
}

// Close releases the engine and leaves both lines floating high
func (b *I2CBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engine != nil {
		b.engine.Release()
		b.engine = nil
	}
	return nil
}

// SCL implements i2c.Pins
func (b *I2CBus) SCL() gpio.PinIO { return b.scl }

// SDA implements i2c.Pins
func (b *I2CBus) SDA() gpio.PinIO { return b.sda }
