package serial

import (
	"io"

	"bitbang/core"
)

// Port represents a serial port interface
// This abstraction allows for different implementations:
// - Native serial (using github.com/tarm/serial)
// - Mock serial (for testing)
type Port interface {
	io.ReadWriteCloser

	// Flush discards data received but not read and data written but not sent
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyUSB0", "COM3")
	Device string

	// Baud rate
	Baud int

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int

	// Frame format; zero values mean 8 data bits, no parity, 1 stop bit
	DataBits uint8
	Parity   core.Parity
	StopBits uint8
}

// DefaultConfig returns the configuration used when serving the command
// layer to a host
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        250000, // Standard Klipper baud rate
		ReadTimeout: 100,    // 100ms read timeout
	}
}

// ConfigFor returns a configuration whose frame format matches a software
// serial port, so a hardware UART can talk to it
func ConfigFor(device string, sc core.SerialConfig) *Config {
	return &Config{
		Device:      device,
		Baud:        int(sc.Baud),
		ReadTimeout: 100,
		DataBits:    sc.DataBits,
		Parity:      sc.Parity,
		StopBits:    sc.StopBits,
	}
}
