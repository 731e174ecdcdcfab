package core

import (
	"errors"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
)

// I2CBusID identifies a software I2C bus registered with an I2CDriver
type I2CBusID uint8

// I2CAddress is a 7-bit I2C device address.
type I2CAddress uint8

// I2CConfig holds the configuration for a software I2C bus
type I2CConfig struct {
	Frequency physic.Frequency // SCL rate, typically 100kHz or 400kHz

	// StretchTimeout bounds how long a target may hold SCL low.
	// Zero waits forever.
	StretchTimeout time.Duration
}

// I2C is the single-master capability that device drivers consume.
type I2C interface {
	// Write sends data to the device at addr in one transaction.
	Write(addr I2CAddress, data []byte) error

	// Read fills buf from the device at addr in one transaction.
	Read(addr I2CAddress, buf []byte) error

	// WriteThenRead writes w, issues a repeated start and reads r without
	// releasing the bus in between.
	WriteThenRead(addr I2CAddress, w, r []byte) error
}

// I2CDriver is the abstract I2C interface that core code uses.
type I2CDriver interface {
	// ConfigureBus initializes a specific I2C bus with the given frequency.
	// Returns error if bus ID is invalid or configuration fails.
	ConfigureBus(bus I2CBusID, frequencyHz uint32) error

	// Write transmits data to a device at the given address on the specified bus.
	Write(bus I2CBusID, addr I2CAddress, data []byte) error

	// Read reads data from a device, optionally writing a register address first.
	// If regData is non-empty, it's transmitted before the read (restart in between).
	Read(bus I2CBusID, addr I2CAddress, regData []byte, readLen uint8) ([]byte, error)
}

// SoftwareI2CBusDriver is an I2CDriver whose buses are built on GPIO lines
// chosen at run time.
type SoftwareI2CBusDriver interface {
	I2CDriver

	// AssignPins records the SCL and SDA lines of bus
	AssignPins(bus I2CBusID, scl, sda GPIOPin)
}

// Global singleton used by core code.
var i2cDriver I2CDriver

// SetI2CDriver is called by target-specific code to register its driver.
func SetI2CDriver(d I2CDriver) {
	i2cDriver = d
}

// MustI2C returns the configured driver or panics if missing.
func MustI2C() I2CDriver {
	if i2cDriver == nil {
		panic("I2C driver not configured")
	}
	return i2cDriver
}

// SoftwareI2CDriver implements I2CDriver with one SoftwareI2C engine per bus
// ID, each on a pair of open-drain GPIO lines.
type SoftwareI2CDriver struct {
	mu sync.Mutex

	gpio  GPIODriver
	delay Delayer

	// Pin assignment per bus: SCL then SDA
	pins map[I2CBusID][2]GPIOPin

	// Configured buses
	buses map[I2CBusID]*SoftwareI2C
}

var _ SoftwareI2CBusDriver = (*SoftwareI2CDriver)(nil)

// NewSoftwareI2CDriver constructs the driver
func NewSoftwareI2CDriver(gpio GPIODriver, delay Delayer) *SoftwareI2CDriver {
	return &SoftwareI2CDriver{
		gpio:  gpio,
		delay: delay,
		pins:  make(map[I2CBusID][2]GPIOPin),
		buses: make(map[I2CBusID]*SoftwareI2C),
	}
}

// AssignPins records which GPIO lines make up bus. It must be called before
// ConfigureBus for that bus.
func (d *SoftwareI2CDriver) AssignPins(bus I2CBusID, scl, sda GPIOPin) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pins[bus] = [2]GPIOPin{scl, sda}
}

// ConfigureBus initializes a specific I2C bus with the given frequency.
func (d *SoftwareI2CDriver) ConfigureBus(bus I2CBusID, frequencyHz uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	pins, ok := d.pins[bus]
	if !ok {
		return errors.New("unsupported I2C bus ID")
	}

	scl, err := OpenDrainPin(d.gpio, pins[0])
	if err != nil {
		return err
	}
	sda, err := OpenDrainPin(d.gpio, pins[1])
	if err != nil {
		return err
	}
	i2c, err := NewSoftwareI2C(scl, sda, d.delay, I2CConfig{Frequency: Hz(frequencyHz)})
	if err != nil {
		return err
	}
	// Reconfiguring keeps the lines and only swaps the engine. A failed
	// reconfigure leaves the old one in service.
	if old, exists := d.buses[bus]; exists {
		old.Release()
	}
	d.buses[bus] = i2c
	return nil
}

// Write transmits data to a device at the given address on the specified bus.
func (d *SoftwareI2CDriver) Write(bus I2CBusID, addr I2CAddress, data []byte) error {
	i2c, err := d.bus(bus)
	if err != nil {
		return err
	}
	return i2c.Write(addr, data)
}

// Read reads data from a device, optionally writing a register address first.
func (d *SoftwareI2CDriver) Read(bus I2CBusID, addr I2CAddress, regData []byte, readLen uint8) ([]byte, error) {
	i2c, err := d.bus(bus)
	if err != nil {
		return nil, err
	}

	// Allocate buffer for read data
	readBuf := make([]byte, readLen)

	if len(regData) > 0 {
		err = i2c.WriteThenRead(addr, regData, readBuf)
	} else {
		err = i2c.Read(addr, readBuf)
	}
	if err != nil {
		return nil, err
	}
	return readBuf, nil
}

// Bus returns the engine configured for bus, for direct use by drivers
func (d *SoftwareI2CDriver) Bus(bus I2CBusID) (*SoftwareI2C, error) {
	return d.bus(bus)
}

func (d *SoftwareI2CDriver) bus(bus I2CBusID) (*SoftwareI2C, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i2c, exists := d.buses[bus]
	if !exists {
		return nil, errors.New("I2C bus not configured")
	}
	return i2c, nil
}

// ReleaseBus retires the engine configured for bus, keeping its pin assignment
func (d *SoftwareI2CDriver) ReleaseBus(bus I2CBusID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i2c, exists := d.buses[bus]; exists {
		i2c.Release()
		delete(d.buses, bus)
	}
}
