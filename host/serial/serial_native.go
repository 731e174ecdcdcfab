package serial

import (
	"fmt"
	"time"

	"github.com/tarm/serial"

	"bitbang/core"
)

// NativePort wraps the tarm/serial implementation
type NativePort struct {
	port *serial.Port
	cfg  *Config
}

// Open opens a native serial port
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	serialConfig, err := nativeConfig(cfg)
	if err != nil {
		return nil, err
	}

	port, err := serial.OpenPort(serialConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}

	return &NativePort{
		port: port,
		cfg:  cfg,
	}, nil
}

// nativeConfig translates cfg into the tarm/serial form
func nativeConfig(cfg *Config) (*serial.Config, error) {
	c := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Millisecond,
		Size:        cfg.DataBits,
		StopBits:    serial.StopBits(cfg.StopBits),
	}
	switch cfg.Parity {
	case core.ParityNone:
		c.Parity = serial.ParityNone
	case core.ParityEven:
		c.Parity = serial.ParityEven
	case core.ParityOdd:
		c.Parity = serial.ParityOdd
	default:
		return nil, fmt.Errorf("serial port %s: %w", cfg.Device, serial.ErrBadParity)
	}
	if cfg.StopBits > 2 {
		return nil, fmt.Errorf("serial port %s: %w", cfg.Device, serial.ErrBadStopBits)
	}
	return c, nil
}

// Read reads data from the serial port
func (p *NativePort) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

// Write writes data to the serial port
func (p *NativePort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close closes the serial port
func (p *NativePort) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Flush discards pending data in both directions
func (p *NativePort) Flush() error {
	return p.port.Flush()
}

// Device returns the path the port was opened on
func (p *NativePort) Device() string {
	return p.cfg.Device
}
