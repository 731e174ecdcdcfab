// Package config describes the software buses of a machine as JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbang/core"
)

// BusConfig is the top-level bus description. Pins are periph pin names
// ("GPIO17", "P1_11", "17").
type BusConfig struct {
	SPI    map[string]SPIConfig    `json:"spi,omitempty"`
	I2C    map[string]I2CConfig    `json:"i2c,omitempty"`
	Serial map[string]SerialConfig `json:"serial,omitempty"`

	// Delay picks the delay source: "busy" (default) or "sleep"
	Delay string `json:"delay,omitempty"`
}

// SPIConfig describes one software SPI port
type SPIConfig struct {
	SCK      string `json:"sck"`
	MOSI     string `json:"mosi,omitempty"`
	MISO     string `json:"miso,omitempty"`
	CS       string `json:"cs,omitempty"`
	Mode     uint8  `json:"mode"`
	LSBFirst bool   `json:"lsb_first,omitempty"`
	RateHz   uint32 `json:"rate_hz,omitempty"`
}

// I2CConfig describes one software I2C bus
type I2CConfig struct {
	SCL    string `json:"scl"`
	SDA    string `json:"sda"`
	RateHz uint32 `json:"rate_hz,omitempty"`

	// StretchTimeoutMs bounds clock stretching; zero waits forever
	StretchTimeoutMs uint32 `json:"stretch_timeout_ms,omitempty"`
}

// SerialConfig describes one software UART
type SerialConfig struct {
	TX       string `json:"tx,omitempty"`
	RX       string `json:"rx,omitempty"`
	Baud     uint32 `json:"baud,omitempty"`
	DataBits uint8  `json:"data_bits,omitempty"`
	Parity   string `json:"parity,omitempty"` // "none", "even" or "odd"
	StopBits uint8  `json:"stop_bits,omitempty"`
	MSBFirst bool   `json:"msb_first,omitempty"`

	// Device is a hardware UART wired to TX/RX, used for cross-checks
	Device string `json:"device,omitempty"`
}

// LoadConfig parses a JSON bus description and applies defaults
func LoadConfig(jsonData []byte) (*BusConfig, error) {
	var config BusConfig

	err := json.Unmarshal(jsonData, &config)
	if err != nil {
		return nil, err
	}

	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadFile reads and parses the bus description at path
func LoadFile(path string) (*BusConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills in missing values
func applyDefaults(config *BusConfig) {
	if config.Delay == "" {
		config.Delay = "busy"
	}

	for name, bus := range config.SPI {
		if bus.RateHz == 0 {
			bus.RateHz = 1000000
		}
		config.SPI[name] = bus
	}

	for name, bus := range config.I2C {
		if bus.RateHz == 0 {
			bus.RateHz = 100000
		}
		config.I2C[name] = bus
	}

	for name, port := range config.Serial {
		if port.Baud == 0 {
			port.Baud = 9600
		}
		if port.DataBits == 0 {
			port.DataBits = 8
		}
		if port.Parity == "" {
			port.Parity = "none"
		}
		if port.StopBits == 0 {
			port.StopBits = 1
		}
		config.Serial[name] = port
	}
}

// Validate checks what the engines would otherwise reject later
func (c *BusConfig) Validate() error {
	switch c.Delay {
	case "busy", "sleep":
	default:
		return fmt.Errorf("delay: unknown source %q", c.Delay)
	}
	for name, bus := range c.SPI {
		if bus.SCK == "" {
			return fmt.Errorf("spi %s: %w", name, core.ErrMissingPin)
		}
		if bus.Mode > 3 {
			return fmt.Errorf("spi %s: %w", name, core.ErrInvalidMode)
		}
	}
	for name, bus := range c.I2C {
		if bus.SCL == "" || bus.SDA == "" {
			return fmt.Errorf("i2c %s: %w", name, core.ErrMissingPin)
		}
	}
	for name, port := range c.Serial {
		if port.TX == "" && port.RX == "" {
			return fmt.Errorf("serial %s: %w", name, core.ErrMissingPin)
		}
		if _, err := ParseParity(port.Parity); err != nil {
			return fmt.Errorf("serial %s: %w", name, err)
		}
	}
	return nil
}

// Delayer returns the configured delay source
func (c *BusConfig) Delayer() core.Delayer {
	if c.Delay == "sleep" {
		return core.SleepDelay{}
	}
	return core.BusyDelay{}
}

// Engine returns the engine configuration of an SPI port
func (s SPIConfig) Engine() core.SPIConfig {
	cfg := core.SPIConfig{
		Mode:      core.SPIMode(s.Mode),
		BitOrder:  core.MSBFirst,
		Frequency: core.Hz(s.RateHz),
	}
	if s.LSBFirst {
		cfg.BitOrder = core.LSBFirst
	}
	return cfg
}

// Engine returns the engine configuration of an I2C bus
func (b I2CConfig) Engine() core.I2CConfig {
	return core.I2CConfig{
		Frequency:      core.Hz(b.RateHz),
		StretchTimeout: time.Duration(b.StretchTimeoutMs) * time.Millisecond,
	}
}

// Engine returns the engine configuration of a UART. The parity name must
// have passed Validate.
func (p SerialConfig) Engine() core.SerialConfig {
	parity, _ := ParseParity(p.Parity)
	return core.SerialConfig{
		Baud:     p.Baud,
		DataBits: p.DataBits,
		Parity:   parity,
		StopBits: p.StopBits,
		MSBFirst: p.MSBFirst,
	}
}

// ParseParity maps "none", "even" or "odd" (or N, E, O) to a parity mode
func ParseParity(s string) (core.Parity, error) {
	switch strings.ToLower(s) {
	case "", "none", "n":
		return core.ParityNone, nil
	case "even", "e":
		return core.ParityEven, nil
	case "odd", "o":
		return core.ParityOdd, nil
	}
	return core.ParityNone, fmt.Errorf("parity %q: %w", s, core.ErrInvalidParity)
}

// DefaultConfig returns a single bus of each kind on Raspberry Pi header pins
func DefaultConfig() *BusConfig {
	return &BusConfig{
		SPI: map[string]SPIConfig{
			"spi0": {
				SCK:    "GPIO11",
				MOSI:   "GPIO10",
				MISO:   "GPIO9",
				CS:     "GPIO8",
				Mode:   0,
				RateHz: 1000000,
			},
		},
		I2C: map[string]I2CConfig{
			"i2c0": {
				SCL:    "GPIO3",
				SDA:    "GPIO2",
				RateHz: 100000,
			},
		},
		Serial: map[string]SerialConfig{
			"uart0": {
				TX:       "GPIO14",
				RX:       "GPIO15",
				Baud:     9600,
				DataBits: 8,
				Parity:   "none",
				StopBits: 1,
			},
		},
		Delay: "busy",
	}
}
