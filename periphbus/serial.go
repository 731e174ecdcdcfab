package periphbus

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"

	"bitbang/core"
)

// NewSerial builds a software UART. Either line may be nil or gpio.INVALID
// for a one-directional port. TX is parked at the idle (mark) level.
func NewSerial(tx, rx gpio.PinIO, delay core.Delayer, cfg core.SerialConfig) (*core.SoftwareSerial, error) {
	var (
		out core.OutputPin
		in  core.InputPin
	)
	if valid(tx) {
		out = Pin(tx)
	}
	if valid(rx) {
		p, err := Input(rx)
		if err != nil {
			return nil, fmt.Errorf("rx: %w", err)
		}
		in = p
	}
	return core.NewSoftwareSerial(out, in, delay, cfg)
}
