package core

import (
	"time"

	"tinygo.org/x/drivers"
)

// SoftwareSPI is a bit-banged SPI master on three GPIO lines.
//
// The engine owns its pins from construction until Release. It drives no
// chip select; callers assert and deassert any select line around a call.
type SoftwareSPI struct {
	sck  OutputPin
	mosi OutputPin // nil for receive-only buses
	miso InputPin  // nil for transmit-only buses

	delay Delayer
	cfg   SPIConfig

	// Calculated delay between clock transitions
	halfPeriod time.Duration

	// CPOL and CPHA derived from mode
	cpol bool // Clock polarity: false = idle low, true = idle high
	cpha bool // Clock phase: false = sample on first edge, true = sample on second edge

	released bool
}

var _ SPI = (*SoftwareSPI)(nil)

// NewSoftwareSPI validates cfg, takes ownership of the pins and parks the
// clock at its idle level. mosi or miso may be nil for one-directional
// devices; a nil miso reads as zero bits.
func NewSoftwareSPI(sck, mosi OutputPin, miso InputPin, delay Delayer, cfg SPIConfig) (*SoftwareSPI, error) {
	if sck == nil {
		return nil, configErr("sck", ErrMissingPin)
	}
	if delay == nil {
		return nil, configErr("delay", ErrMissingDelay)
	}
	if cfg.Mode > SPIMode3 {
		return nil, configErr("mode", ErrInvalidMode)
	}
	if cfg.BitOrder > LSBFirst {
		return nil, configErr("bit order", ErrInvalidBitOrder)
	}
	half, err := HalfPeriod(cfg.Frequency)
	if err != nil {
		return nil, err
	}

	s := &SoftwareSPI{
		sck:        sck,
		mosi:       mosi,
		miso:       miso,
		delay:      delay,
		cfg:        cfg,
		halfPeriod: half,
		cpol:       cfg.Mode.Polarity(),
		cpha:       cfg.Mode.Phase(),
	}

	// Set initial clock state based on CPOL
	if err := s.setClock(s.cpol); err != nil {
		return nil, err
	}

	logger.V(LogDebug).Info("software SPI configured",
		"mode", cfg.Mode, "order", cfg.BitOrder, "halfPeriod", half)
	return s, nil
}

// Config returns the immutable bus configuration
func (s *SoftwareSPI) Config() SPIConfig {
	return s.cfg
}

// HalfPeriod returns the delay used between clock edges
func (s *SoftwareSPI) HalfPeriod() time.Duration {
	return s.halfPeriod
}

// Transfer exchanges buf with the device, overwriting it with the received
// bytes. On a pin fault the transfer stops at the failing bit; bytes already
// exchanged stay exchanged.
func (s *SoftwareSPI) Transfer(buf []byte) error {
	if s.released {
		return ErrReleased
	}
	for i, w := range buf {
		r, err := s.transferWord(w)
		if err != nil {
			logger.V(LogDebug).Info("spi transfer aborted", "byte", i, "err", err)
			return err
		}
		buf[i] = r
	}
	logger.V(LogTrace).Info("spi transfer", "len", len(buf))
	return nil
}

// Tx transmits w and receives into r at the same time. A nil w clocks out
// zeros, a nil r discards what is received; otherwise the lengths must match.
func (s *SoftwareSPI) Tx(w, r []byte) error {
	if s.released {
		return ErrReleased
	}
	n := len(w)
	switch {
	case w == nil:
		n = len(r)
	case r != nil && len(r) != len(w):
		return ErrBufferMismatch
	}
	for i := 0; i < n; i++ {
		var out byte
		if w != nil {
			out = w[i]
		}
		in, err := s.transferWord(out)
		if err != nil {
			return err
		}
		if r != nil {
			r[i] = in
		}
	}
	return nil
}

// Release hands the pins back to the caller. The engine is unusable afterwards.
func (s *SoftwareSPI) Release() (sck, mosi OutputPin, miso InputPin) {
	s.released = true
	logger.V(LogDebug).Info("software SPI released")
	return s.sck, s.mosi, s.miso
}

// DriverSPI exposes the engine as a tinygo.org/x/drivers.SPI bus, whose
// single-byte Transfer collides with the in-place Transfer above.
func (s *SoftwareSPI) DriverSPI() drivers.SPI {
	return driverSPI{s}
}

type driverSPI struct{ s *SoftwareSPI }

func (d driverSPI) Tx(w, r []byte) error { return d.s.Tx(w, r) }

func (d driverSPI) Transfer(b byte) (byte, error) {
	if d.s.released {
		return 0, ErrReleased
	}
	return d.s.transferWord(b)
}

// transferWord shifts one 8-bit word out and one in
func (s *SoftwareSPI) transferWord(out byte) (byte, error) {
	var in byte
	for bit := 0; bit < 8; bit++ {
		shift := uint(7 - bit)
		if s.cfg.BitOrder == LSBFirst {
			shift = uint(bit)
		}
		level, err := s.transferBit(out&(1<<shift) != 0)
		if err != nil {
			return in, err
		}
		if level {
			in |= 1 << shift
		}
	}
	return in, nil
}

func (s *SoftwareSPI) transferBit(out bool) (bool, error) {
	active, idle := !s.cpol, s.cpol

	if !s.cpha {
		// Data valid before the leading edge, sampled on it.
		if err := s.setData(out); err != nil {
			return false, err
		}
		s.delay.Delay(s.halfPeriod)
		if err := s.setClock(active); err != nil {
			return false, err
		}
		in, err := s.sample()
		if err != nil {
			return false, err
		}
		s.delay.Delay(s.halfPeriod)
		return in, s.setClock(idle)
	}

	// Data changes on the leading edge, sampled on the trailing one.
	if err := s.setClock(active); err != nil {
		return false, err
	}
	if err := s.setData(out); err != nil {
		return false, err
	}
	s.delay.Delay(s.halfPeriod)
	if err := s.setClock(idle); err != nil {
		return false, err
	}
	in, err := s.sample()
	if err != nil {
		return false, err
	}
	s.delay.Delay(s.halfPeriod)
	return in, nil
}

func (s *SoftwareSPI) setClock(high bool) error {
	if err := s.sck.Set(high); err != nil {
		return &PinError{Role: "sck", Op: "set", Err: err}
	}
	return nil
}

func (s *SoftwareSPI) setData(high bool) error {
	if s.mosi == nil {
		return nil
	}
	if err := s.mosi.Set(high); err != nil {
		return &PinError{Role: "mosi", Op: "set", Err: err}
	}
	return nil
}

func (s *SoftwareSPI) sample() (bool, error) {
	if s.miso == nil {
		return false, nil
	}
	level, err := s.miso.Get()
	if err != nil {
		return false, &PinError{Role: "miso", Op: "get", Err: err}
	}
	return level, nil
}
