// Package periphbus exposes the software bus engines through periph.io
// interfaces, on any gpio.PinIO a periph host driver provides.
package periphbus

import (
	"periph.io/x/conn/v3/gpio"

	"bitbang/core"
)

// pushPull drives a periph pin as a plain output and reads back its level
type pushPull struct {
	p gpio.PinIO
}

// Pin adapts p as a push-pull line
func Pin(p gpio.PinIO) core.IOPin {
	return pushPull{p: p}
}

func (l pushPull) Set(high bool) error {
	return l.p.Out(gpio.Level(high))
}

func (l pushPull) Get() (bool, error) {
	return l.p.Read() == gpio.High, nil
}

// input is a pulled-up periph input
type input struct {
	p gpio.PinIn
}

// Input configures p as an input with its pull-up enabled
func Input(p gpio.PinIn) (core.InputPin, error) {
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, err
	}
	return input{p: p}, nil
}

func (l input) Get() (bool, error) {
	return l.p.Read() == gpio.High, nil
}

// openDrain releases the line to its pull-up for high and drives it low
type openDrain struct {
	p gpio.PinIO
}

// OpenDrain adapts p as an open-drain line and releases it
func OpenDrain(p gpio.PinIO) (core.IOPin, error) {
	l := openDrain{p: p}
	if err := l.Set(true); err != nil {
		return nil, err
	}
	return l, nil
}

func (l openDrain) Set(high bool) error {
	if high {
		return l.p.In(gpio.PullUp, gpio.NoEdge)
	}
	return l.p.Out(gpio.Low)
}

func (l openDrain) Get() (bool, error) {
	return l.p.Read() == gpio.High, nil
}

// valid reports whether p names a usable pin
func valid(p gpio.PinIO) bool {
	return p != nil && p != gpio.INVALID
}
