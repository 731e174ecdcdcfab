package core

import (
	"time"

	"periph.io/x/conn/v3/physic"
)

// Delayer is the blocking timing source the engines use to approximate bit
// periods. Delay must not return before d has elapsed and has no way to be
// cancelled. Accuracy is the implementation's responsibility.
type Delayer interface {
	Delay(d time.Duration)
}

// DelayFunc adapts a plain function to a Delayer
type DelayFunc func(d time.Duration)

// Delay calls f(d)
func (f DelayFunc) Delay(d time.Duration) {
	f(d)
}

// BusyDelay spins the calling goroutine against the monotonic clock. It
// never yields, so it is the right choice for bit periods in the
// microsecond range.
type BusyDelay struct{}

// SleepDelay hands the wait to the Go scheduler. Wake-up latency is
// typically tens of microseconds, so it only suits slow links.
type SleepDelay struct{}

// Delay sleeps for d
func (SleepDelay) Delay(d time.Duration) {
	time.Sleep(d)
}

// busDelay paces the engines built by the command layer
var busDelay Delayer = BusyDelay{}

// SetDelayer replaces the delay source used for command-configured buses.
// Engines already configured keep the source they were built with.
func SetDelayer(d Delayer) {
	busDelay = d
}

// Hz converts an integer rate in hertz to a physic.Frequency
func Hz(rate uint32) physic.Frequency {
	return physic.Frequency(rate) * physic.Hertz
}

// HalfPeriod returns the delay between two clock transitions for a bus
// clocked at f: two consecutive delays make one clock period, 1/(2f).
func HalfPeriod(f physic.Frequency) (time.Duration, error) {
	if f <= 0 {
		return 0, configErr("frequency", ErrInvalidRate)
	}
	return period(2*f, "frequency")
}

// BitPeriod returns the duration of one bit at the given baud rate
func BitPeriod(baud uint32) (time.Duration, error) {
	if baud == 0 {
		return 0, configErr("baud", ErrInvalidRate)
	}
	return period(Hz(baud), "baud")
}

func period(f physic.Frequency, field string) (time.Duration, error) {
	d := f.Period()
	if d <= 0 {
		// Faster than the delay source can express.
		return 0, configErr(field, ErrInvalidRate)
	}
	return d, nil
}
