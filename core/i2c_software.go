package core

import (
	"time"

	"tinygo.org/x/drivers"
)

// SoftwareI2C is a bit-banged single-master I2C bus on two open-drain lines.
//
// Setting a line high must release it to the pull-up; setting it low must
// drive it low. Both lines are read back: SDA for target data and
// acknowledgments, SCL to honour clock stretching.
type SoftwareI2C struct {
	scl IOPin
	sda IOPin

	delay Delayer
	cfg   I2CConfig

	halfPeriod time.Duration
	pollEvery  time.Duration // SCL read-back interval while a target stretches

	released bool
}

var (
	_ I2C         = (*SoftwareI2C)(nil)
	_ drivers.I2C = (*SoftwareI2C)(nil)
)

// NewSoftwareI2C validates cfg, takes ownership of the lines and releases
// both of them so the bus starts idle.
func NewSoftwareI2C(scl, sda IOPin, delay Delayer, cfg I2CConfig) (*SoftwareI2C, error) {
	if scl == nil {
		return nil, configErr("scl", ErrMissingPin)
	}
	if sda == nil {
		return nil, configErr("sda", ErrMissingPin)
	}
	if delay == nil {
		return nil, configErr("delay", ErrMissingDelay)
	}
	half, err := HalfPeriod(cfg.Frequency)
	if err != nil {
		return nil, err
	}

	e := &SoftwareI2C{
		scl:        scl,
		sda:        sda,
		delay:      delay,
		cfg:        cfg,
		halfPeriod: half,
		pollEvery:  half / 4,
	}
	if e.pollEvery <= 0 {
		e.pollEvery = time.Nanosecond
	}

	if err := e.setSDA(true); err != nil {
		return nil, err
	}
	if err := e.setSCL(true); err != nil {
		return nil, err
	}

	logger.V(LogDebug).Info("software I2C configured",
		"halfPeriod", half, "stretchTimeout", cfg.StretchTimeout)
	return e, nil
}

// Config returns the immutable bus configuration
func (e *SoftwareI2C) Config() I2CConfig {
	return e.cfg
}

// HalfPeriod returns the delay between SCL transitions
func (e *SoftwareI2C) HalfPeriod() time.Duration {
	return e.halfPeriod
}

// Write sends data to addr: START, address+W, data bytes, STOP.
// An unacknowledged byte ends the transaction immediately.
func (e *SoftwareI2C) Write(addr I2CAddress, data []byte) error {
	if err := e.check(addr); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return e.transact(addr, func() error {
		if err := e.start(); err != nil {
			return err
		}
		if err := e.address(addr, false); err != nil {
			return err
		}
		return e.writeBytes(addr, data)
	})
}

// Read fills buf from addr: START, address+R, data bytes, STOP.
// Every byte but the last is acknowledged.
func (e *SoftwareI2C) Read(addr I2CAddress, buf []byte) error {
	if err := e.check(addr); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	return e.transact(addr, func() error {
		if err := e.start(); err != nil {
			return err
		}
		if err := e.address(addr, true); err != nil {
			return err
		}
		return e.readBytes(buf)
	})
}

// WriteThenRead writes w and then reads r behind a repeated START, so no
// other master can take the bus between the two phases.
func (e *SoftwareI2C) WriteThenRead(addr I2CAddress, w, r []byte) error {
	if err := e.check(addr); err != nil {
		return err
	}
	if len(w) == 0 || len(r) == 0 {
		return ErrInvalidData
	}
	return e.transact(addr, func() error {
		if err := e.start(); err != nil {
			return err
		}
		if err := e.address(addr, false); err != nil {
			return err
		}
		if err := e.writeBytes(addr, w); err != nil {
			return err
		}
		// Repeated START
		if err := e.start(); err != nil {
			return err
		}
		if err := e.address(addr, true); err != nil {
			return err
		}
		return e.readBytes(r)
	})
}

// Probe addresses addr for writing and reports whether anything acknowledged.
func (e *SoftwareI2C) Probe(addr I2CAddress) (bool, error) {
	if err := e.check(addr); err != nil {
		return false, err
	}
	var ack bool
	err := e.transact(addr, func() error {
		if err := e.start(); err != nil {
			return err
		}
		var err error
		ack, err = e.writeByte(byte(addr) << 1)
		return err
	})
	return ack, err
}

// Tx performs a transaction in the tinygo.org/x/drivers.I2C shape: write w,
// then read r. With both empty the address alone is sent.
func (e *SoftwareI2C) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7F {
		return ErrInvalidAddress
	}
	a := I2CAddress(addr)
	switch {
	case len(w) > 0 && len(r) > 0:
		return e.WriteThenRead(a, w, r)
	case len(w) > 0:
		return e.Write(a, w)
	case len(r) > 0:
		return e.Read(a, r)
	}
	ack, err := e.Probe(a)
	if err != nil {
		return err
	}
	if !ack {
		return &NackError{Addr: uint8(a), Index: -1}
	}
	return nil
}

// Release hands the lines back to the caller. The engine is unusable afterwards.
func (e *SoftwareI2C) Release() (scl, sda IOPin) {
	e.released = true
	logger.V(LogDebug).Info("software I2C released")
	return e.scl, e.sda
}

func (e *SoftwareI2C) check(addr I2CAddress) error {
	if e.released {
		return ErrReleased
	}
	if addr > 0x7F {
		return ErrInvalidAddress
	}
	return nil
}

// transact runs body and always finishes with a STOP. When body fails the
// STOP is best effort and body's error is the one reported.
func (e *SoftwareI2C) transact(addr I2CAddress, body func() error) error {
	err := body()
	if err == nil {
		return e.stop()
	}
	logger.V(LogDebug).Info("i2c transaction failed", "addr", uint8(addr), "err", err)
	if stopErr := e.stop(); stopErr != nil {
		logger.V(LogDebug).Info("i2c stop after failure also failed", "addr", uint8(addr), "err", stopErr)
	}
	return err
}

func (e *SoftwareI2C) address(addr I2CAddress, read bool) error {
	b := byte(addr) << 1
	if read {
		b |= 1
	}
	ack, err := e.writeByte(b)
	if err != nil {
		return err
	}
	if !ack {
		return &NackError{Addr: uint8(addr), Index: -1}
	}
	return nil
}

func (e *SoftwareI2C) writeBytes(addr I2CAddress, data []byte) error {
	for i, b := range data {
		ack, err := e.writeByte(b)
		if err != nil {
			return err
		}
		if !ack {
			return &NackError{Addr: uint8(addr), Index: i}
		}
	}
	return nil
}

func (e *SoftwareI2C) readBytes(buf []byte) error {
	for i := range buf {
		b, err := e.readByte(i != len(buf)-1)
		if err != nil {
			return err
		}
		buf[i] = b
	}
	return nil
}

// start emits START (or a repeated START when SCL is low): SDA falls while
// SCL is high, then SCL is pulled low.
func (e *SoftwareI2C) start() error {
	if err := e.setSDA(true); err != nil {
		return err
	}
	if err := e.releaseSCL(); err != nil {
		return err
	}
	e.delay.Delay(e.halfPeriod)

	if err := e.setSDA(false); err != nil {
		return err
	}
	e.delay.Delay(e.halfPeriod)

	if err := e.setSCL(false); err != nil {
		return err
	}
	e.delay.Delay(e.halfPeriod)
	return nil
}

// stop emits STOP: SDA rises while SCL is high, leaving the bus idle.
func (e *SoftwareI2C) stop() error {
	if err := e.setSDA(false); err != nil {
		return err
	}
	e.delay.Delay(e.halfPeriod)

	if err := e.releaseSCL(); err != nil {
		return err
	}
	e.delay.Delay(e.halfPeriod)

	if err := e.setSDA(true); err != nil {
		return err
	}
	e.delay.Delay(e.halfPeriod)
	return nil
}

// writeByte shifts b out MSB first and returns whether the target acknowledged
func (e *SoftwareI2C) writeByte(b byte) (bool, error) {
	for bit := 7; bit >= 0; bit-- {
		if err := e.writeBit(b&(1<<uint(bit)) != 0); err != nil {
			return false, err
		}
	}
	nack, err := e.readBit()
	if err != nil {
		return false, err
	}
	return !nack, nil
}

// readByte shifts a byte in MSB first and answers with ACK (more wanted)
// or NACK (last byte).
func (e *SoftwareI2C) readByte(ack bool) (byte, error) {
	var b byte
	for bit := 7; bit >= 0; bit-- {
		level, err := e.readBit()
		if err != nil {
			return b, err
		}
		if level {
			b |= 1 << uint(bit)
		}
	}
	return b, e.writeBit(!ack)
}

// writeBit sets SDA while SCL is low and holds it across one clock pulse
func (e *SoftwareI2C) writeBit(high bool) error {
	if err := e.setSDA(high); err != nil {
		return err
	}
	e.delay.Delay(e.halfPeriod)

	if err := e.releaseSCL(); err != nil {
		return err
	}
	e.delay.Delay(e.halfPeriod)

	return e.setSCL(false)
}

// readBit releases SDA, pulses SCL and samples SDA at the end of the high phase
func (e *SoftwareI2C) readBit() (bool, error) {
	if err := e.setSDA(true); err != nil {
		return false, err
	}
	e.delay.Delay(e.halfPeriod)

	if err := e.releaseSCL(); err != nil {
		return false, err
	}
	e.delay.Delay(e.halfPeriod)

	level, err := e.sda.Get()
	if err != nil {
		return false, &PinError{Role: "sda", Op: "get", Err: err}
	}
	return level, e.setSCL(false)
}

// releaseSCL lets SCL rise and does not return until it reads high, so a
// target stretching the clock holds the whole transfer.
func (e *SoftwareI2C) releaseSCL() error {
	if err := e.setSCL(true); err != nil {
		return err
	}
	var waited time.Duration
	for {
		high, err := e.scl.Get()
		if err != nil {
			return &PinError{Role: "scl", Op: "get", Err: err}
		}
		if high {
			return nil
		}
		if e.cfg.StretchTimeout > 0 && waited >= e.cfg.StretchTimeout {
			return ErrClockStretchTimeout
		}
		e.delay.Delay(e.pollEvery)
		waited += e.pollEvery
	}
}

func (e *SoftwareI2C) setSCL(high bool) error {
	if err := e.scl.Set(high); err != nil {
		return &PinError{Role: "scl", Op: "set", Err: err}
	}
	return nil
}

func (e *SoftwareI2C) setSDA(high bool) error {
	if err := e.sda.Set(high); err != nil {
		return &PinError{Role: "sda", Op: "set", Err: err}
	}
	return nil
}
