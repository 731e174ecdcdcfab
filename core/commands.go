package core

import (
	"sync/atomic"

	"bitbang/protocol"
)

// FirmwareState holds the global command-layer state
type FirmwareState struct {
	configCRC  uint32 // atomic
	isShutdown uint32 // atomic bool
}

var globalState = &FirmwareState{}

// InitBusCommands registers the configuration commands and every software
// bus command family with the global registry.
func InitBusCommands() {
	InitIdentifyCommands()

	RegisterCommand("get_config", "", handleGetConfig)
	RegisterCommand("config_reset", "", handleConfigReset)
	RegisterCommand("finalize_config", "crc=%u", handleFinalizeConfig)
	RegisterCommand("emergency_stop", "", handleEmergencyStop)
	RegisterCommand("clear_shutdown", "", handleClearShutdown)

	// Response messages (device -> host)
	RegisterResponse("config", "is_config=%c crc=%u is_shutdown=%c")
	RegisterResponse("shutdown", "reason=%*s")

	InitGPIOCommands()
	InitSPICommands()
	InitI2CCommands()
	InitSerialCommands()

	RegisterConstant("MCU", "bitbang")
	RegisterConstant("SERIAL_READ_MAX", SerialReadMax)
	RegisterConstant("I2C_READ_MAX", I2CReadMax)
}

// handleGetConfig returns the configuration state
func handleGetConfig(data *[]byte) error {
	crc := atomic.LoadUint32(&globalState.configCRC)

	SendResponse("config", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, boolArg(crc != 0))
		protocol.EncodeVLQUint(output, crc)
		protocol.EncodeVLQUint(output, boolArg(IsShutdown()))
	})
	return nil
}

// handleConfigReset drops every configured device and releases its pins
func handleConfigReset(data *[]byte) error {
	atomic.StoreUint32(&globalState.configCRC, 0)
	ResetBusDevices()
	return nil
}

// handleFinalizeConfig finalizes the configuration with a CRC
func handleFinalizeConfig(data *[]byte) error {
	crc, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	atomic.StoreUint32(&globalState.configCRC, crc)
	return nil
}

// handleEmergencyStop enters shutdown
func handleEmergencyStop(data *[]byte) error {
	TryShutdown("emergency stop")
	return nil
}

// handleClearShutdown leaves shutdown; devices stay configured
func handleClearShutdown(data *[]byte) error {
	atomic.StoreUint32(&globalState.isShutdown, 0)
	return nil
}

// TryShutdown stops all bus traffic. SPI devices get their shutdown
// messages and digital outputs go to their defaults; bus commands are then
// refused until clear_shutdown.
func TryShutdown(reason string) {
	if !atomic.CompareAndSwapUint32(&globalState.isShutdown, 0, 1) {
		return
	}
	logger.Info("shutdown", "reason", reason)
	ShutdownSPI()
	ShutdownDigitalOut()
	SendResponse("shutdown", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQString(output, reason)
	})
}

// IsShutdown returns true if the command layer is in shutdown state
func IsShutdown() bool {
	return atomic.LoadUint32(&globalState.isShutdown) != 0
}

// ResetBusDevices releases every configured SPI, I2C and serial device and
// returns digital outputs to their defaults
func ResetBusDevices() {
	resetDigitalLines()
	resetSPIDevices()
	resetI2CDevices()
	resetSerialDevices()
}

func boolArg(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
