package periphbus

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"bitbang/core"
)

// DefaultSPIFrequency is used when neither the device nor LimitSpeed gives a rate
const DefaultSPIFrequency = physic.MegaHertz

// SPIPort is a spi.PortCloser clocked in software. CS is active low and
// optional, as is MISO for write-only devices.
type SPIPort struct {
	mu sync.Mutex

	name  string
	sck   gpio.PinIO
	mosi  gpio.PinIO
	miso  gpio.PinIO
	cs    gpio.PinIO
	delay core.Delayer

	limit  physic.Frequency
	engine *core.SoftwareSPI
	closed bool
}

var (
	_ spi.PortCloser = (*SPIPort)(nil)
	_ spi.Pins       = (*SPIPort)(nil)
	_ spi.Conn       = (*spiConn)(nil)
)

// NewSPIPort binds the lines of a port. Nothing is driven until Connect.
func NewSPIPort(name string, sck, mosi, miso, cs gpio.PinIO, delay core.Delayer) *SPIPort {
	return &SPIPort{
		name:  name,
		sck:   sck,
		mosi:  mosi,
		miso:  miso,
		cs:    cs,
		delay: delay,
	}
}

func (p *SPIPort) String() string {
	return p.name
}

// LimitSpeed caps the clock rate picked by Connect
func (p *SPIPort) LimitSpeed(f physic.Frequency) error {
	if f <= 0 {
		return fmt.Errorf("%s: invalid speed %s", p.name, f)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = f
	return nil
}

// Connect builds the engine for one device. Only 8-bit words and full duplex
// are supported.
func (p *SPIPort) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("%s: %w", p.name, core.ErrReleased)
	}
	if p.engine != nil {
		return nil, fmt.Errorf("%s: Connect can only be called once", p.name)
	}
	if bits != 8 {
		return nil, fmt.Errorf("%s: %d bits per word not supported", p.name, bits)
	}
	if mode&spi.HalfDuplex != 0 {
		return nil, fmt.Errorf("%s: half duplex not supported", p.name)
	}
	if !valid(p.sck) {
		return nil, fmt.Errorf("%s: %w", p.name, core.ErrMissingPin)
	}

	switch {
	case f == 0 && p.limit == 0:
		f = DefaultSPIFrequency
	case f == 0:
		f = p.limit
	case p.limit != 0 && p.limit < f:
		f = p.limit
	}

	cfg := core.SPIConfig{
		Mode:      core.SPIMode(mode & spi.Mode3),
		BitOrder:  core.MSBFirst,
		Frequency: f,
	}
	if mode&spi.LSBFirst != 0 {
		cfg.BitOrder = core.LSBFirst
	}

	var (
		mosi core.OutputPin
		miso core.InputPin
	)
	if valid(p.mosi) {
		mosi = Pin(p.mosi)
	}
	if valid(p.miso) {
		in, err := Input(p.miso)
		if err != nil {
			return nil, fmt.Errorf("%s: miso: %w", p.name, err)
		}
		miso = in
	}

	var cs gpio.PinOut
	if mode&spi.NoCS == 0 && valid(p.cs) {
		if err := p.cs.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("%s: cs: %w", p.name, err)
		}
		cs = p.cs
	}

	engine, err := core.NewSoftwareSPI(Pin(p.sck), mosi, miso, p.delay, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	p.engine = engine
	return &spiConn{port: p, engine: engine, cs: cs, freq: f}, nil
}

// Close releases the engine; the connection stops working
func (p *SPIPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engine != nil {
		p.engine.Release()
	}
	p.closed = true
	return nil
}

// CLK implements spi.Pins
func (p *SPIPort) CLK() gpio.PinOut { return orInvalid(p.sck) }

// MOSI implements spi.Pins
func (p *SPIPort) MOSI() gpio.PinOut { return orInvalid(p.mosi) }

// MISO implements spi.Pins
func (p *SPIPort) MISO() gpio.PinIn { return orInvalid(p.miso) }

// CS implements spi.Pins
func (p *SPIPort) CS() gpio.PinOut { return orInvalid(p.cs) }

func orInvalid(p gpio.PinIO) gpio.PinIO {
	if p == nil {
		return gpio.INVALID
	}
	return p
}

// spiConn is the connection handed to a device driver
type spiConn struct {
	port   *SPIPort
	engine *core.SoftwareSPI
	cs     gpio.PinOut // nil without chip select
	freq   physic.Frequency

	selected bool
}

func (c *spiConn) String() string {
	return fmt.Sprintf("%s@%s", c.port.name, c.freq)
}

// Tx runs one transaction with CS asserted around it
func (c *spiConn) Tx(w, r []byte) error {
	return c.TxPackets([]spi.Packet{{W: w, R: r}})
}

// TxPackets runs the packets back to back. CS is released after a packet
// unless it asks to keep it.
func (c *spiConn) TxPackets(packets []spi.Packet) error {
	c.port.mu.Lock()
	defer c.port.mu.Unlock()

	for _, pk := range packets {
		if pk.BitsPerWord != 0 && pk.BitsPerWord != 8 {
			c.deselect()
			return fmt.Errorf("%s: %d bits per word not supported", c.port.name, pk.BitsPerWord)
		}
		if err := c.selectCS(); err != nil {
			return err
		}
		if err := c.engine.Tx(pk.W, pk.R); err != nil {
			c.deselect()
			return err
		}
		if !pk.KeepCS {
			if err := c.deselect(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Duplex implements conn.Conn
func (c *spiConn) Duplex() conn.Duplex {
	return conn.Full
}

func (c *spiConn) selectCS() error {
	if c.cs == nil || c.selected {
		return nil
	}
	if err := c.cs.Out(gpio.Low); err != nil {
		return fmt.Errorf("%s: cs: %w", c.port.name, err)
	}
	c.selected = true
	return nil
}

func (c *spiConn) deselect() error {
	if c.cs == nil || !c.selected {
		return nil
	}
	c.selected = false
	if err := c.cs.Out(gpio.High); err != nil {
		return fmt.Errorf("%s: cs: %w", c.port.name, err)
	}
	return nil
}
