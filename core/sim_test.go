package core

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
)

// Shared fakes for the engine tests. Everything runs on the test goroutine:
// pins react synchronously to Set, and delays only advance a virtual clock.

// virtualClock is a Delayer that never blocks
type virtualClock struct {
	now   time.Duration
	calls int
}

func (c *virtualClock) Delay(d time.Duration) {
	c.now += d
	c.calls++
}

type event struct {
	Pin   string
	Level bool
}

// trace collects Set calls from several pins in order
type trace struct {
	events []event
}

func (t *trace) reset() { t.events = nil }

// tracePin is an output that logs every level it is given and reads back
// the last one
type tracePin struct {
	name  string
	log   *trace
	level bool
}

func (p *tracePin) Set(high bool) error {
	p.level = high
	if p.log != nil {
		p.log.events = append(p.log.events, event{p.name, high})
	}
	return nil
}

func (p *tracePin) Get() (bool, error) { return p.level, nil }

// funcPin wires Set and Get to closures
type funcPin struct {
	set func(bool) error
	get func() (bool, error)
}

func (p funcPin) Set(high bool) error {
	if p.set == nil {
		return nil
	}
	return p.set(high)
}

func (p funcPin) Get() (bool, error) {
	if p.get == nil {
		return false, nil
	}
	return p.get()
}

var errPinFault = errors.New("pin fault")

// faultPin fails every operation
type faultPin struct{}

func (faultPin) Set(bool) error     { return errPinFault }
func (faultPin) Get() (bool, error) { return false, errPinFault }

// mapGPIO is a GPIODriver over a map of pin levels. Inputs read back as
// whatever the read hook says, or the last driven level.
type mapGPIO struct {
	levels  map[GPIOPin]bool
	outputs map[GPIOPin]bool
	sets    []event
	read    func(pin GPIOPin) (bool, bool)
}

func newMapGPIO() *mapGPIO {
	return &mapGPIO{
		levels:  make(map[GPIOPin]bool),
		outputs: make(map[GPIOPin]bool),
	}
}

func (m *mapGPIO) ConfigureOutput(pin GPIOPin) error {
	m.outputs[pin] = true
	return nil
}

func (m *mapGPIO) ConfigureInputPullUp(pin GPIOPin) error {
	m.outputs[pin] = false
	m.levels[pin] = true
	return nil
}

func (m *mapGPIO) SetPin(pin GPIOPin, value bool) error {
	if !m.outputs[pin] {
		return errors.New("set on input pin")
	}
	m.levels[pin] = value
	m.sets = append(m.sets, event{Pin: strconv.Itoa(int(pin)), Level: value})
	return nil
}

func (m *mapGPIO) GetPin(pin GPIOPin) (bool, error) {
	if m.read != nil {
		if level, ok := m.read(pin); ok {
			return level, nil
		}
	}
	return m.levels[pin], nil
}

// useTestLogger routes engine logs to t for the duration of the test
func useTestLogger(t *testing.T) {
	t.Helper()
	prev := Logger()
	SetLogger(testr.NewWithOptions(t, testr.Options{Verbosity: LogDebug}))
	t.Cleanup(func() { logger = prev })
}
