package core

// OutputPin is a settable logic-level line
type OutputPin interface {
	// Set drives the line high (true) or low (false)
	Set(high bool) error
}

// InputPin is a readable logic-level line
type InputPin interface {
	// Get reads the current line level
	Get() (bool, error)
}

// IOPin is a line that can be both driven and read back, as needed for the
// shared I2C clock and data lines.
type IOPin interface {
	OutputPin
	InputPin
}

// GPIOPin identifies a hardware GPIO pin number
type GPIOPin uint32

// GPIODriver is the abstract GPIO interface that core code uses.
// Platform-specific implementations handle actual hardware control.
type GPIODriver interface {
	// ConfigureOutput configures a pin as a digital output
	// Returns error if pin is invalid or already in use
	ConfigureOutput(pin GPIOPin) error

	// ConfigureInputPullUp configures a pin as a digital input with pull-up resistor
	ConfigureInputPullUp(pin GPIOPin) error

	// SetPin sets the pin to high (true) or low (false)
	SetPin(pin GPIOPin, value bool) error

	// GetPin reads the current pin state
	GetPin(pin GPIOPin) (bool, error)
}

// Global singleton used by core code.
var gpioDriver GPIODriver

// SetGPIODriver is called by target-specific code to register its driver.
func SetGPIODriver(d GPIODriver) {
	gpioDriver = d
}

// MustGPIO returns the configured driver or panics if missing.
func MustGPIO() GPIODriver {
	if gpioDriver == nil {
		panic("GPIO driver not configured")
	}
	return gpioDriver
}

// driverPin is a numbered pin on a GPIODriver in push-pull mode
type driverPin struct {
	drv GPIODriver
	pin GPIOPin
}

// DriverPin binds a pin of d as a push-pull output that can be read back.
// The pin is configured as an output immediately.
func DriverPin(d GPIODriver, pin GPIOPin) (IOPin, error) {
	if err := d.ConfigureOutput(pin); err != nil {
		return nil, err
	}
	return driverPin{drv: d, pin: pin}, nil
}

// DriverInputPin binds a pin of d as a pulled-up input
func DriverInputPin(d GPIODriver, pin GPIOPin) (InputPin, error) {
	if err := d.ConfigureInputPullUp(pin); err != nil {
		return nil, err
	}
	return driverPin{drv: d, pin: pin}, nil
}

func (p driverPin) Set(high bool) error {
	return p.drv.SetPin(p.pin, high)
}

func (p driverPin) Get() (bool, error) {
	return p.drv.GetPin(p.pin)
}

// openDrainPin emulates an open-drain line on a push-pull capable GPIO:
// high releases the line to the pull-up, low actively drives it.
type openDrainPin struct {
	drv GPIODriver
	pin GPIOPin
}

// OpenDrainPin binds a pin of d as an open-drain line, released (high) at start.
func OpenDrainPin(d GPIODriver, pin GPIOPin) (IOPin, error) {
	if err := d.ConfigureInputPullUp(pin); err != nil {
		return nil, err
	}
	return openDrainPin{drv: d, pin: pin}, nil
}

func (p openDrainPin) Set(high bool) error {
	if high {
		return p.drv.ConfigureInputPullUp(p.pin)
	}
	if err := p.drv.ConfigureOutput(p.pin); err != nil {
		return err
	}
	return p.drv.SetPin(p.pin, false)
}

func (p openDrainPin) Get() (bool, error) {
	return p.drv.GetPin(p.pin)
}
