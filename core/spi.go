// SPI command support
// Klipper-style SPI device commands on top of software (bit-banged) buses
package core

import (
	"bitbang/protocol"
)

// SPI device flags
const (
	SF_SOFTWARE       = 0x01 // Bus configured (bit-banged)
	SF_CS_ACTIVE_HIGH = 0x02 // Chip select active high (default is active low)
	SF_HAVE_PIN       = 0x04 // Has chip select pin
)

// SPIDevice represents a configured SPI device
type SPIDevice struct {
	OID   uint8  // Object ID
	Flags uint8  // Device flags (CS presence and polarity)
	Pin   uint32 // Chip select pin (if SF_HAVE_PIN is set)

	// Bus configuration (set by spi_set_software_bus)
	BusHandle interface{} // Opaque handle from ConfigureSoftwareSPI
	Mode      SPIMode     // SPI mode (0-3)
	Rate      uint32      // Clock rate in Hz

	// Shutdown safety
	ShutdownMsg []byte // Message to send on shutdown
}

// Global registry of SPI devices
var spiDevices = make(map[uint8]*SPIDevice)

// InitSPICommands registers SPI-related commands with the command registry
func InitSPICommands() {
	// Command to configure an SPI device with chip select pin
	RegisterCommand("config_spi", "oid=%c pin=%u cs_active_high=%c", handleConfigSPI)

	// Command to configure an SPI device without chip select
	RegisterCommand("config_spi_without_cs", "oid=%c", handleConfigSPIWithoutCS)

	// Command to bind the device to a bit-banged bus
	RegisterCommand("spi_set_software_bus",
		"oid=%c sclk_pin=%u mosi_pin=%u miso_pin=%u mode=%u rate=%u", handleSPISetSoftwareBus)

	// Command to configure shutdown message for safety
	RegisterCommand("config_spi_shutdown", "oid=%c spi_oid=%c shutdown_msg=%*s", handleConfigSPIShutdown)

	// Command to send and receive SPI data
	RegisterCommand("spi_transfer", "oid=%c data=%*s", handleSPITransfer)

	// Command to send SPI data without receiving
	RegisterCommand("spi_send", "oid=%c data=%*s", handleSPISend)

	// Response message: SPI transfer response (device -> host)
	RegisterResponse("spi_transfer_response", "oid=%c response=%*s")
}

// handleConfigSPI configures an SPI device with a chip select pin
// Format: config_spi oid=%c pin=%u cs_active_high=%c
func handleConfigSPI(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	pin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	csActiveHigh, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev := &SPIDevice{
		OID:   uint8(oid),
		Flags: SF_HAVE_PIN,
		Pin:   pin,
	}
	if csActiveHigh != 0 {
		dev.Flags |= SF_CS_ACTIVE_HIGH
	}

	// Configure CS pin as output, deasserted
	if err := MustGPIO().ConfigureOutput(GPIOPin(pin)); err != nil {
		return err
	}
	if err := MustGPIO().SetPin(GPIOPin(pin), !dev.csActive()); err != nil {
		return err
	}

	replaceSPIDevice(dev)
	return nil
}

// handleConfigSPIWithoutCS configures an SPI device without a chip select pin
// Format: config_spi_without_cs oid=%c
func handleConfigSPIWithoutCS(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	replaceSPIDevice(&SPIDevice{OID: uint8(oid)})
	return nil
}

// handleSPISetSoftwareBus binds a device to three GPIO lines
// Format: spi_set_software_bus oid=%c sclk_pin=%u mosi_pin=%u miso_pin=%u mode=%u rate=%u
func handleSPISetSoftwareBus(data *[]byte) error {
	var args [6]uint32
	for i := range args {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		args[i] = v
	}
	oid, sclk, mosi, miso, mode, rate := args[0], args[1], args[2], args[3], args[4], args[5]

	dev, exists := spiDevices[uint8(oid)]
	if !exists {
		return ErrUnknownOID
	}
	soft := GetSoftwareSPI()
	if soft == nil {
		return ErrNotConfigured
	}

	releaseSPIBus(dev)
	handle, err := soft.ConfigureSoftwareSPI(sclk, mosi, miso, SPIMode(mode), rate)
	if err != nil {
		return err
	}

	dev.BusHandle = handle
	dev.Mode = SPIMode(mode)
	dev.Rate = rate
	dev.Flags |= SF_SOFTWARE
	return nil
}

// handleConfigSPIShutdown configures a message to send on shutdown
// Format: config_spi_shutdown oid=%c spi_oid=%c shutdown_msg=%*s
func handleConfigSPIShutdown(data *[]byte) error {
	// oid names a shutdown object; the message is kept on the SPI device itself
	if _, err := protocol.DecodeVLQUint(data); err != nil {
		return err
	}
	spiOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	msg, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(spiOID)]
	if !exists {
		return ErrUnknownOID
	}
	dev.ShutdownMsg = append([]byte(nil), msg...)
	return nil
}

// handleSPITransfer sends and receives SPI data
// Format: spi_transfer oid=%c data=%*s
// Response: spi_transfer_response oid=%c response=%*s
func handleSPITransfer(data *[]byte) error {
	dev, txData, err := decodeSPIPayload(data)
	if err != nil {
		return err
	}

	rxData := make([]byte, len(txData))
	if err := spiDeviceTransfer(dev, txData, rxData); err != nil {
		return err
	}

	SendResponse("spi_transfer_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(dev.OID))
		protocol.EncodeVLQBytes(output, rxData)
	})
	return nil
}

// handleSPISend sends SPI data without receiving
// Format: spi_send oid=%c data=%*s
func handleSPISend(data *[]byte) error {
	dev, txData, err := decodeSPIPayload(data)
	if err != nil {
		return err
	}
	// Received bits are clocked in and dropped
	return spiDeviceTransfer(dev, txData, nil)
}

func decodeSPIPayload(data *[]byte) (*SPIDevice, []byte, error) {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return nil, nil, err
	}
	payload, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return nil, nil, err
	}
	if IsShutdown() {
		return nil, nil, ErrShutdown
	}
	dev, exists := spiDevices[uint8(oid)]
	if !exists {
		return nil, nil, ErrUnknownOID
	}
	// The payload aliases the command frame
	return dev, append([]byte(nil), payload...), nil
}

// spiDeviceTransfer performs an SPI transfer with CS management.
// CS is deasserted again even when the transfer fails.
func spiDeviceTransfer(dev *SPIDevice, txData []byte, rxData []byte) error {
	if dev.Flags&SF_SOFTWARE == 0 {
		return ErrNotConfigured
	}
	soft := GetSoftwareSPI()
	if soft == nil {
		return ErrNotConfigured
	}

	if dev.Flags&SF_HAVE_PIN != 0 {
		if err := MustGPIO().SetPin(GPIOPin(dev.Pin), dev.csActive()); err != nil {
			return err
		}
	}

	err := soft.Transfer(dev.BusHandle, txData, rxData)

	if dev.Flags&SF_HAVE_PIN != 0 {
		if gpioErr := MustGPIO().SetPin(GPIOPin(dev.Pin), !dev.csActive()); gpioErr != nil && err == nil {
			err = gpioErr
		}
	}
	if err != nil {
		logger.V(LogDebug).Info("spi device transfer failed", "oid", dev.OID, "err", err)
	}
	return err
}

// csActive returns the level that selects the device
func (dev *SPIDevice) csActive() bool {
	return dev.Flags&SF_CS_ACTIVE_HIGH != 0
}

// ShutdownSPI sends shutdown messages to all SPI devices
func ShutdownSPI() {
	for _, dev := range spiDevices {
		if dev != nil && len(dev.ShutdownMsg) > 0 {
			if err := spiDeviceTransfer(dev, dev.ShutdownMsg, nil); err != nil {
				logger.V(LogDebug).Info("spi shutdown message failed", "oid", dev.OID, "err", err)
			}
		}
	}
}

func replaceSPIDevice(dev *SPIDevice) {
	if old, exists := spiDevices[dev.OID]; exists {
		releaseSPIBus(old)
	}
	spiDevices[dev.OID] = dev
}

func releaseSPIBus(dev *SPIDevice) {
	if dev.BusHandle == nil {
		return
	}
	if r, ok := GetSoftwareSPI().(interface{ Release(handle interface{}) }); ok {
		r.Release(dev.BusHandle)
	}
	dev.BusHandle = nil
	dev.Flags &^= SF_SOFTWARE
}

func resetSPIDevices() {
	for oid, dev := range spiDevices {
		releaseSPIBus(dev)
		delete(spiDevices, oid)
	}
}
