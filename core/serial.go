// Serial command support
// Bit-banged asynchronous serial ports on GPIO lines
package core

import (
	"bitbang/protocol"
)

// NoSerialPin in place of a pin number leaves that direction unbound
const NoSerialPin = ^uint32(0)

// SerialReadMax keeps a serial_read_response within one transport frame:
// room is left for the response id, the oid and the length prefix.
const SerialReadMax = protocol.MessageLengthMax - protocol.MessageLengthMin - 6

// SerialDevice represents a configured software serial port
type SerialDevice struct {
	OID   uint8
	TXPin uint32 // NoSerialPin when receive-only
	RXPin uint32 // NoSerialPin when transmit-only
	Port  *SoftwareSerial
}

// Global registry of serial devices
var serialDevices = make(map[uint8]*SerialDevice)

// InitSerialCommands registers serial commands with the command registry
func InitSerialCommands() {
	RegisterCommand("config_serial", "oid=%c tx_pin=%u rx_pin=%u baud=%u", handleConfigSerial)
	RegisterCommand("serial_write", "oid=%c data=%*s", handleSerialWrite)
	RegisterCommand("serial_read", "oid=%c count=%u", handleSerialRead)

	// Response message: received frames (device -> host)
	RegisterResponse("serial_read_response", "oid=%c data=%*s")
}

// handleConfigSerial builds an 8N1 port on the given lines
// Format: config_serial oid=%c tx_pin=%u rx_pin=%u baud=%u
func handleConfigSerial(data *[]byte) error {
	var args [4]uint32
	for i := range args {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		args[i] = v
	}
	oid, txPin, rxPin, baud := args[0], args[1], args[2], args[3]

	var (
		tx OutputPin
		rx InputPin
	)
	if txPin != NoSerialPin {
		p, err := DriverPin(MustGPIO(), GPIOPin(txPin))
		if err != nil {
			return err
		}
		tx = p
	}
	if rxPin != NoSerialPin {
		p, err := DriverInputPin(MustGPIO(), GPIOPin(rxPin))
		if err != nil {
			return err
		}
		rx = p
	}

	port, err := NewSoftwareSerial(tx, rx, busDelay, DefaultSerialConfig(baud))
	if err != nil {
		return err
	}

	if old, exists := serialDevices[uint8(oid)]; exists {
		old.Port.Release()
	}
	serialDevices[uint8(oid)] = &SerialDevice{
		OID:   uint8(oid),
		TXPin: txPin,
		RXPin: rxPin,
		Port:  port,
	}
	return nil
}

// handleSerialWrite transmits data frame by frame
// Format: serial_write oid=%c data=%*s
func handleSerialWrite(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	payload, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, err := lookupSerialDevice(uint8(oid))
	if err != nil {
		return err
	}
	if _, err := dev.Port.Write(payload); err != nil {
		logger.V(LogDebug).Info("serial write failed", "oid", dev.OID, "err", err)
		return err
	}
	return nil
}

// handleSerialRead blocks until count frames have arrived
// Format: serial_read oid=%c count=%u
// Response: serial_read_response oid=%c data=%*s
func handleSerialRead(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if count > SerialReadMax {
		return ErrInvalidData
	}

	dev, err := lookupSerialDevice(uint8(oid))
	if err != nil {
		return err
	}

	buf := make([]byte, count)
	for i := range buf {
		b, err := dev.Port.ReadByte()
		if err != nil {
			logger.V(LogDebug).Info("serial read failed", "oid", dev.OID, "frame", i, "err", err)
			return err
		}
		buf[i] = b
	}

	SendResponse("serial_read_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQBytes(output, buf)
	})
	return nil
}

func lookupSerialDevice(oid uint8) (*SerialDevice, error) {
	if IsShutdown() {
		return nil, ErrShutdown
	}
	dev, exists := serialDevices[oid]
	if !exists {
		return nil, ErrUnknownOID
	}
	return dev, nil
}

func resetSerialDevices() {
	for oid, dev := range serialDevices {
		dev.Port.Release()
		delete(serialDevices, oid)
	}
}
