package core

import (
	"time"

	"tinygo.org/x/drivers"
)

// SoftwareSerial is a bit-banged asynchronous serial port.
//
// Either pin may be nil for a transmit-only or receive-only port. Frames are
// start bit, DataBits data bits, optional parity, then one or two stop bits.
// There is no receive buffer: a frame is only captured while ReadByte runs.
type SoftwareSerial struct {
	tx OutputPin
	rx InputPin

	delay Delayer
	cfg   SerialConfig

	bitPeriod time.Duration
	halfBit   time.Duration
	pollEvery time.Duration // start-bit search, 16x oversampling

	released bool
}

var (
	_ Serial       = (*SoftwareSerial)(nil)
	_ drivers.UART = (*SoftwareSerial)(nil)
)

// NewSoftwareSerial validates cfg, takes ownership of the pins and drives TX
// to the idle (high) level.
func NewSoftwareSerial(tx OutputPin, rx InputPin, delay Delayer, cfg SerialConfig) (*SoftwareSerial, error) {
	if tx == nil && rx == nil {
		return nil, configErr("pins", ErrMissingPin)
	}
	if delay == nil {
		return nil, configErr("delay", ErrMissingDelay)
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.DataBits < 5 || cfg.DataBits > 8 {
		return nil, configErr("data bits", ErrInvalidDataBits)
	}
	if cfg.Parity > ParityOdd {
		return nil, configErr("parity", ErrInvalidParity)
	}
	if cfg.StopBits > 2 {
		return nil, configErr("stop bits", ErrInvalidStopBits)
	}
	bit, err := BitPeriod(cfg.Baud)
	if err != nil {
		return nil, err
	}

	e := &SoftwareSerial{
		tx:        tx,
		rx:        rx,
		delay:     delay,
		cfg:       cfg,
		bitPeriod: bit,
		halfBit:   bit / 2,
		pollEvery: bit / 16,
	}
	if e.pollEvery <= 0 {
		e.pollEvery = time.Nanosecond
	}

	if tx != nil {
		if err := e.setTX(true); err != nil {
			return nil, err
		}
	}

	logger.V(LogDebug).Info("software serial configured",
		"baud", cfg.Baud, "dataBits", cfg.DataBits, "parity", cfg.Parity.String(),
		"stopBits", cfg.StopBits, "bitPeriod", bit)
	return e, nil
}

// Config returns the frame format with defaults applied
func (e *SoftwareSerial) Config() SerialConfig {
	return e.cfg
}

// BitPeriod returns the duration of one bit on the wire
func (e *SoftwareSerial) BitPeriod() time.Duration {
	return e.bitPeriod
}

// WriteByte transmits one frame. Bits above DataBits are ignored.
func (e *SoftwareSerial) WriteByte(b byte) error {
	if e.released {
		return ErrReleased
	}
	if e.tx == nil {
		return ErrNoPin
	}

	// start bit
	if err := e.setTX(false); err != nil {
		return err
	}
	e.delay.Delay(e.bitPeriod)

	ones := 0
	n := int(e.cfg.DataBits)
	for i := 0; i < n; i++ {
		level := b&(1<<e.shift(i)) != 0
		if level {
			ones++
		}
		if err := e.setTX(level); err != nil {
			return err
		}
		e.delay.Delay(e.bitPeriod)
	}

	if e.cfg.Parity != ParityNone {
		if err := e.setTX(e.parityBit(ones)); err != nil {
			return err
		}
		e.delay.Delay(e.bitPeriod)
	}

	// stop bit(s), which also leave the line idle
	for i := uint8(0); i < e.cfg.StopBits; i++ {
		if err := e.setTX(true); err != nil {
			return err
		}
		e.delay.Delay(e.bitPeriod)
	}
	return nil
}

// ReadByte waits, without limit, for a start bit and receives one frame.
// A parity or framing failure is reported with whatever data was sampled.
func (e *SoftwareSerial) ReadByte() (byte, error) {
	if e.released {
		return 0, ErrReleased
	}
	if e.rx == nil {
		return 0, ErrNoPin
	}

	for {
		if err := e.waitStartEdge(); err != nil {
			return 0, err
		}
		// Move to the middle of the start bit and make sure it was not a glitch.
		e.delay.Delay(e.halfBit)
		high, err := e.getRX()
		if err != nil {
			return 0, err
		}
		if !high {
			break
		}
	}

	var b byte
	ones := 0
	n := int(e.cfg.DataBits)
	for i := 0; i < n; i++ {
		e.delay.Delay(e.bitPeriod)
		level, err := e.getRX()
		if err != nil {
			return b, err
		}
		if level {
			ones++
			b |= 1 << e.shift(i)
		}
	}

	parityOK := true
	if e.cfg.Parity != ParityNone {
		e.delay.Delay(e.bitPeriod)
		level, err := e.getRX()
		if err != nil {
			return b, err
		}
		parityOK = level == e.parityBit(ones)
	}

	for i := uint8(0); i < e.cfg.StopBits; i++ {
		e.delay.Delay(e.bitPeriod)
		level, err := e.getRX()
		if err != nil {
			return b, err
		}
		if !level {
			logger.V(LogDebug).Info("serial framing error", "data", b)
			return b, ErrFraming
		}
	}

	if !parityOK {
		logger.V(LogDebug).Info("serial parity error", "data", b)
		return b, ErrParity
	}
	return b, nil
}

// Write sends p frame by frame, stopping at the first failure
func (e *SoftwareSerial) Write(p []byte) (int, error) {
	for i, b := range p {
		if err := e.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Read blocks for a single frame and stores it in p[0]
func (e *SoftwareSerial) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := e.ReadByte()
	if err != nil {
		return 0, err
	}
	p[0] = b
	return 1, nil
}

// Buffered always reports zero: nothing is received outside ReadByte.
func (e *SoftwareSerial) Buffered() int {
	return 0
}

// Release hands the pins back to the caller. The engine is unusable afterwards.
func (e *SoftwareSerial) Release() (tx OutputPin, rx InputPin) {
	e.released = true
	logger.V(LogDebug).Info("software serial released")
	return e.tx, e.rx
}

// shift maps the i-th bit on the wire to its position in the byte
func (e *SoftwareSerial) shift(i int) uint {
	if e.cfg.MSBFirst {
		return uint(int(e.cfg.DataBits) - 1 - i)
	}
	return uint(i)
}

// parityBit returns the parity level for a frame carrying ones 1-bits
func (e *SoftwareSerial) parityBit(ones int) bool {
	odd := ones%2 == 1
	if e.cfg.Parity == ParityOdd {
		return !odd
	}
	return odd
}

func (e *SoftwareSerial) waitStartEdge() error {
	for {
		high, err := e.getRX()
		if err != nil {
			return err
		}
		if !high {
			return nil
		}
		e.delay.Delay(e.pollEvery)
	}
}

func (e *SoftwareSerial) setTX(high bool) error {
	if err := e.tx.Set(high); err != nil {
		return &PinError{Role: "tx", Op: "set", Err: err}
	}
	return nil
}

func (e *SoftwareSerial) getRX() (bool, error) {
	level, err := e.rx.Get()
	if err != nil {
		return false, &PinError{Role: "rx", Op: "get", Err: err}
	}
	return level, nil
}
