package core

import (
	"errors"
	"sync"

	"periph.io/x/conn/v3/physic"
)

// SPIMode represents SPI clock polarity and phase (0-3)
// Mode 0: CPOL=0, CPHA=0 (clock idle low, sample on rising edge)
// Mode 1: CPOL=0, CPHA=1 (clock idle low, sample on falling edge)
// Mode 2: CPOL=1, CPHA=0 (clock idle high, sample on falling edge)
// Mode 3: CPOL=1, CPHA=1 (clock idle high, sample on rising edge)
type SPIMode uint8

const (
	SPIMode0 SPIMode = iota
	SPIMode1
	SPIMode2
	SPIMode3
)

// Polarity reports the idle clock level (CPOL)
func (m SPIMode) Polarity() bool { return m&0x2 != 0 }

// Phase reports whether data is sampled on the trailing edge (CPHA)
func (m SPIMode) Phase() bool { return m&0x1 != 0 }

// BitOrder selects which end of a word is shifted first
type BitOrder uint8

const (
	MSBFirst BitOrder = iota // bit 7 first
	LSBFirst                 // bit 0 first
)

func (o BitOrder) String() string {
	switch o {
	case MSBFirst:
		return "msb-first"
	case LSBFirst:
		return "lsb-first"
	}
	return "invalid"
}

// SPIConfig holds the configuration for a software SPI bus
type SPIConfig struct {
	Mode      SPIMode          // SPI mode (0-3)
	BitOrder  BitOrder         // MSBFirst unless the device says otherwise
	Frequency physic.Frequency // clock rate
}

// SPI is the full-duplex capability that device drivers consume.
type SPI interface {
	// Transfer clocks buf out and overwrites it in place with the bytes
	// received at the same time.
	Transfer(buf []byte) error
}

// SoftwareSPIDriver is the interface for software (bit-banged) SPI
// on numbered GPIO pins, used by the command layer.
type SoftwareSPIDriver interface {
	// ConfigureSoftwareSPI sets up GPIO pins for software SPI
	// sclk: clock pin, mosi: master out slave in, miso: master in slave out
	ConfigureSoftwareSPI(sclk, mosi, miso uint32, mode SPIMode, rate uint32) (interface{}, error)

	// Transfer performs a software SPI transfer
	Transfer(handle interface{}, txData []byte, rxData []byte) error
}

// Global singleton used by the command layer
var softwareSPIDriver SoftwareSPIDriver

// SetSoftwareSPIDriver is called by target-specific code to register its software SPI driver
func SetSoftwareSPIDriver(d SoftwareSPIDriver) {
	softwareSPIDriver = d
}

// GetSoftwareSPI returns the software SPI driver or nil if not available
func GetSoftwareSPI() SoftwareSPIDriver {
	return softwareSPIDriver
}

// GPIOSoftwareSPIDriver implements SoftwareSPIDriver on top of a GPIODriver
// and a Delayer, so any target that registers GPIO gets software SPI.
type GPIOSoftwareSPIDriver struct {
	mu sync.Mutex

	gpio  GPIODriver
	delay Delayer

	// Track configured software SPI instances
	instances map[*SoftwareSPI]struct{}
}

// NewGPIOSoftwareSPIDriver creates a new software SPI driver
func NewGPIOSoftwareSPIDriver(gpio GPIODriver, delay Delayer) *GPIOSoftwareSPIDriver {
	return &GPIOSoftwareSPIDriver{
		gpio:      gpio,
		delay:     delay,
		instances: make(map[*SoftwareSPI]struct{}),
	}
}

// ConfigureSoftwareSPI binds the three pins and returns an engine handle
func (d *GPIOSoftwareSPIDriver) ConfigureSoftwareSPI(sclk, mosi, miso uint32, mode SPIMode, rate uint32) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sck, err := DriverPin(d.gpio, GPIOPin(sclk))
	if err != nil {
		return nil, err
	}
	sdo, err := DriverPin(d.gpio, GPIOPin(mosi))
	if err != nil {
		return nil, err
	}
	sdi, err := DriverInputPin(d.gpio, GPIOPin(miso))
	if err != nil {
		return nil, err
	}

	spi, err := NewSoftwareSPI(sck, sdo, sdi, d.delay, SPIConfig{
		Mode:      mode,
		Frequency: Hz(rate),
	})
	if err != nil {
		return nil, err
	}
	d.instances[spi] = struct{}{}
	return spi, nil
}

// Transfer performs a software SPI transfer on a handle from ConfigureSoftwareSPI
func (d *GPIOSoftwareSPIDriver) Transfer(handle interface{}, txData []byte, rxData []byte) error {
	spi, ok := handle.(*SoftwareSPI)
	if !ok {
		return errors.New("invalid software SPI handle")
	}
	d.mu.Lock()
	_, known := d.instances[spi]
	d.mu.Unlock()
	if !known {
		return errors.New("software SPI handle not owned by this driver")
	}
	return spi.Tx(txData, rxData)
}

// Release retires a handle from ConfigureSoftwareSPI. Unknown handles are ignored.
func (d *GPIOSoftwareSPIDriver) Release(handle interface{}) {
	spi, ok := handle.(*SoftwareSPI)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, known := d.instances[spi]; !known {
		return
	}
	delete(d.instances, spi)
	spi.Release()
}
