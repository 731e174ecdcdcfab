// GPIO (General Purpose Input/Output) support
// Plain digital lines next to the software buses: resets, enables, interrupts
package core

import (
	"bitbang/protocol"
)

// DigitalOut flags
const (
	DF_ON         = 1 << 0 // Current pin state (1=high, 0=low)
	DF_DEFAULT_ON = 1 << 1 // Default state for shutdown and reset
)

// DigitalOut represents a configured GPIO output pin
type DigitalOut struct {
	OID   uint8   // Object ID
	Pin   GPIOPin // Hardware pin
	Flags uint8   // State flags (DF_*)
}

// DigitalIn represents a configured pulled-up GPIO input
type DigitalIn struct {
	OID uint8
	Pin GPIOPin
}

// Global registries of digital lines
var (
	digitalOutputs = make(map[uint8]*DigitalOut)
	digitalInputs  = make(map[uint8]*DigitalIn)
)

// InitGPIOCommands registers GPIO-related commands with the command registry
func InitGPIOCommands() {
	// Command to configure a digital output pin
	RegisterCommand("config_digital_out", "oid=%c pin=%u value=%c default_value=%c", handleConfigDigitalOut)

	// Command to immediately update a pin value
	RegisterCommand("update_digital_out", "oid=%c value=%c", handleUpdateDigitalOut)

	// Commands to configure and sample an input pin
	RegisterCommand("config_digital_in", "oid=%c pin=%u", handleConfigDigitalIn)
	RegisterCommand("query_digital_in", "oid=%c", handleQueryDigitalIn)

	RegisterResponse("digital_in_state", "oid=%c value=%c")
}

// handleConfigDigitalOut configures a pin for digital output
// Format: config_digital_out oid=%c pin=%u value=%c default_value=%c
func handleConfigDigitalOut(data *[]byte) error {
	var args [4]uint32
	for i := range args {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		args[i] = v
	}
	oid, pin, value, defaultValue := args[0], args[1], args[2], args[3]

	dout := &DigitalOut{
		OID: uint8(oid),
		Pin: GPIOPin(pin),
	}
	if defaultValue != 0 {
		dout.Flags |= DF_DEFAULT_ON
	}

	if err := MustGPIO().ConfigureOutput(dout.Pin); err != nil {
		return err
	}
	if err := dout.set(value != 0); err != nil {
		return err
	}

	digitalOutputs[dout.OID] = dout
	return nil
}

// handleUpdateDigitalOut immediately sets a pin value
// Format: update_digital_out oid=%c value=%c
func handleUpdateDigitalOut(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	value, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if IsShutdown() {
		return ErrShutdown
	}

	dout, exists := digitalOutputs[uint8(oid)]
	if !exists {
		return ErrUnknownOID
	}
	return dout.set(value != 0)
}

// handleConfigDigitalIn configures a pulled-up input
// Format: config_digital_in oid=%c pin=%u
func handleConfigDigitalIn(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	pin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	if err := MustGPIO().ConfigureInputPullUp(GPIOPin(pin)); err != nil {
		return err
	}
	digitalInputs[uint8(oid)] = &DigitalIn{OID: uint8(oid), Pin: GPIOPin(pin)}
	return nil
}

// handleQueryDigitalIn reports the current input level
// Format: query_digital_in oid=%c
// Response: digital_in_state oid=%c value=%c
func handleQueryDigitalIn(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	din, exists := digitalInputs[uint8(oid)]
	if !exists {
		return ErrUnknownOID
	}
	level, err := MustGPIO().GetPin(din.Pin)
	if err != nil {
		return err
	}

	SendResponse("digital_in_state", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQUint(output, boolArg(level))
	})
	return nil
}

func (d *DigitalOut) set(on bool) error {
	if err := MustGPIO().SetPin(d.Pin, on); err != nil {
		return err
	}
	if on {
		d.Flags |= DF_ON
	} else {
		d.Flags &^= DF_ON
	}
	return nil
}

// ShutdownDigitalOut drives every output to its default value
func ShutdownDigitalOut() {
	for _, dout := range digitalOutputs {
		if err := dout.set(dout.Flags&DF_DEFAULT_ON != 0); err != nil {
			logger.V(LogDebug).Info("digital out shutdown failed", "oid", dout.OID, "err", err)
		}
	}
}

func resetDigitalLines() {
	ShutdownDigitalOut()
	for oid := range digitalOutputs {
		delete(digitalOutputs, oid)
	}
	for oid := range digitalInputs {
		delete(digitalInputs, oid)
	}
}
