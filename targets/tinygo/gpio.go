//go:build tinygo

package main

import (
	"machine"

	"bitbang/core"
)

// GPIODriver implements core.GPIODriver on machine.Pin numbers
type GPIODriver struct {
	// Track configured pins and their direction
	pins map[core.GPIOPin]machine.PinMode
}

// NewGPIODriver creates a driver with no pins configured
func NewGPIODriver() *GPIODriver {
	return &GPIODriver{
		pins: make(map[core.GPIOPin]machine.PinMode),
	}
}

// ConfigureOutput configures a pin as a digital output
func (d *GPIODriver) ConfigureOutput(pin core.GPIOPin) error {
	return d.configure(pin, machine.PinOutput)
}

// ConfigureInputPullUp configures a pin as an input with pull-up resistor
func (d *GPIODriver) ConfigureInputPullUp(pin core.GPIOPin) error {
	return d.configure(pin, machine.PinInputPullup)
}

func (d *GPIODriver) configure(pin core.GPIOPin, mode machine.PinMode) error {
	if cur, exists := d.pins[pin]; exists && cur == mode {
		return nil
	}
	machine.Pin(pin).Configure(machine.PinConfig{Mode: mode})
	d.pins[pin] = mode
	return nil
}

// SetPin sets the pin to high (true) or low (false)
func (d *GPIODriver) SetPin(pin core.GPIOPin, value bool) error {
	if _, exists := d.pins[pin]; !exists {
		// Pin isn't configured - configure it first
		if err := d.ConfigureOutput(pin); err != nil {
			return err
		}
	}
	machine.Pin(pin).Set(value)
	return nil
}

// GetPin reads the current pin state
func (d *GPIODriver) GetPin(pin core.GPIOPin) (bool, error) {
	return machine.Pin(pin).Get(), nil
}
