package periphbus

import (
	"fmt"
	"strconv"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"bitbang/core"
)

// GPIO is a core.GPIODriver over the pins a periph host registers. Pin
// numbers are resolved by name, so 17 means whatever gpioreg knows as "17".
type GPIO struct {
	mu     sync.Mutex
	lookup func(name string) gpio.PinIO
	pins   map[core.GPIOPin]gpio.PinIO
}

var _ core.GPIODriver = (*GPIO)(nil)

// NewGPIO resolves pins through gpioreg. host.Init must have run.
func NewGPIO() *GPIO {
	return NewGPIOWithLookup(gpioreg.ByName)
}

// NewGPIOWithLookup resolves pins through lookup instead of gpioreg
func NewGPIOWithLookup(lookup func(name string) gpio.PinIO) *GPIO {
	return &GPIO{
		lookup: lookup,
		pins:   make(map[core.GPIOPin]gpio.PinIO),
	}
}

func (g *GPIO) pin(n core.GPIOPin) (gpio.PinIO, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pins[n]; ok {
		return p, nil
	}
	p := g.lookup(strconv.FormatUint(uint64(n), 10))
	if !valid(p) {
		return nil, fmt.Errorf("gpio %d: no such pin", n)
	}
	g.pins[n] = p
	return p, nil
}

// ConfigureOutput drives the pin low
func (g *GPIO) ConfigureOutput(n core.GPIOPin) error {
	p, err := g.pin(n)
	if err != nil {
		return err
	}
	return p.Out(gpio.Low)
}

// ConfigureInputPullUp makes the pin an input with its pull-up enabled
func (g *GPIO) ConfigureInputPullUp(n core.GPIOPin) error {
	p, err := g.pin(n)
	if err != nil {
		return err
	}
	return p.In(gpio.PullUp, gpio.NoEdge)
}

func (g *GPIO) SetPin(n core.GPIOPin, value bool) error {
	p, err := g.pin(n)
	if err != nil {
		return err
	}
	return p.Out(gpio.Level(value))
}

func (g *GPIO) GetPin(n core.GPIOPin) (bool, error) {
	p, err := g.pin(n)
	if err != nil {
		return false, err
	}
	return p.Read() == gpio.High, nil
}
