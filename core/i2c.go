// I2C command support
// Klipper-style I2C device commands on top of software (bit-banged) buses
package core

import (
	"bitbang/protocol"
)

// I2CReadMax keeps an i2c_read_response within one transport frame, the
// same way SerialReadMax does for serial_read.
const I2CReadMax = protocol.MessageLengthMax - protocol.MessageLengthMin - 6

// I2CDevice represents a configured I2C device
type I2CDevice struct {
	OID     uint8      // Object ID
	Bus     I2CBusID   // Bus number, equal to the OID for software buses
	Address I2CAddress // 7-bit I2C address
	Ready   bool       // Whether the bus has been configured
}

// Global registry of I2C devices
var i2cDevices = make(map[uint8]*I2CDevice)

// InitI2CCommands registers I2C-related commands with the command registry
func InitI2CCommands() {
	// Command to allocate an I2C device object
	RegisterCommand("config_i2c", "oid=%c", handleConfigI2C)

	// Command to bind the device to two open-drain GPIO lines
	RegisterCommand("i2c_set_software_bus",
		"oid=%c scl_pin=%u sda_pin=%u rate=%u address=%u", handleI2CSetSoftwareBus)

	// Command to write data to the I2C device
	RegisterCommand("i2c_write", "oid=%c data=%*s", handleI2CWrite)

	// Command to read data from the I2C device (with optional register address)
	RegisterCommand("i2c_read", "oid=%c reg=%*s read_len=%u", handleI2CRead)

	// Response message: I2C read result (device -> host)
	RegisterResponse("i2c_read_response", "oid=%c response=%*s")
}

// handleConfigI2C allocates an I2C device object
// Format: config_i2c oid=%c
func handleConfigI2C(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	if old, exists := i2cDevices[uint8(oid)]; exists {
		releaseI2CBus(old)
	}
	i2cDevices[uint8(oid)] = &I2CDevice{OID: uint8(oid)}
	return nil
}

// handleI2CSetSoftwareBus configures the bus lines, rate and device address
// Format: i2c_set_software_bus oid=%c scl_pin=%u sda_pin=%u rate=%u address=%u
func handleI2CSetSoftwareBus(data *[]byte) error {
	var args [5]uint32
	for i := range args {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		args[i] = v
	}
	oid, scl, sda, rate, address := args[0], args[1], args[2], args[3], args[4]

	device, exists := i2cDevices[uint8(oid)]
	if !exists {
		return ErrUnknownOID
	}
	drv, ok := MustI2C().(SoftwareI2CBusDriver)
	if !ok {
		return ErrNotConfigured
	}

	// Mask address to 7 bits (Klipper behavior)
	device.Address = I2CAddress(address & 0x7F)
	device.Bus = I2CBusID(oid)

	drv.AssignPins(device.Bus, GPIOPin(scl), GPIOPin(sda))
	if err := drv.ConfigureBus(device.Bus, rate); err != nil {
		device.Ready = false
		return err
	}
	device.Ready = true
	return nil
}

// handleI2CWrite writes data to an I2C device
// Format: i2c_write oid=%c data=%*s
func handleI2CWrite(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	writeData, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	device, err := readyI2CDevice(uint8(oid))
	if err != nil {
		return err
	}

	if err := MustI2C().Write(device.Bus, device.Address, writeData); err != nil {
		logger.V(LogDebug).Info("i2c write failed", "oid", device.OID, "err", err)
		return err
	}
	return nil
}

// handleI2CRead reads data from an I2C device (with optional register addressing)
// Format: i2c_read oid=%c reg=%*s read_len=%u
func handleI2CRead(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	regData, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	readLen, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if readLen > I2CReadMax {
		return ErrInvalidData
	}

	device, err := readyI2CDevice(uint8(oid))
	if err != nil {
		return err
	}

	readData, err := MustI2C().Read(device.Bus, device.Address, regData, uint8(readLen))
	if err != nil {
		logger.V(LogDebug).Info("i2c read failed", "oid", device.OID, "err", err)
		return err
	}

	SendResponse("i2c_read_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQBytes(output, readData)
	})
	return nil
}

func readyI2CDevice(oid uint8) (*I2CDevice, error) {
	if IsShutdown() {
		return nil, ErrShutdown
	}
	device, exists := i2cDevices[oid]
	if !exists {
		return nil, ErrUnknownOID
	}
	if !device.Ready {
		return nil, ErrNotConfigured
	}
	return device, nil
}

func releaseI2CBus(device *I2CDevice) {
	if !device.Ready {
		return
	}
	if r, ok := MustI2C().(interface{ ReleaseBus(bus I2CBusID) }); ok {
		r.ReleaseBus(device.Bus)
	}
	device.Ready = false
}

func resetI2CDevices() {
	for oid, device := range i2cDevices {
		releaseI2CBus(device)
		delete(i2cDevices, oid)
	}
}
