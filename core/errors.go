package core

import (
	"errors"
	"fmt"
)

// Configuration errors, reported by constructors before any pin is touched.
var (
	ErrInvalidRate     = errors.New("invalid rate")
	ErrInvalidMode     = errors.New("invalid SPI mode")
	ErrInvalidBitOrder = errors.New("invalid bit order")
	ErrInvalidDataBits = errors.New("invalid data bit count")
	ErrInvalidParity   = errors.New("invalid parity mode")
	ErrInvalidStopBits = errors.New("invalid stop bit count")
	ErrMissingPin      = errors.New("required pin not provided")
	ErrMissingDelay    = errors.New("delay source not provided")
)

// Transfer errors.
var (
	ErrNack                = errors.New("not acknowledged")
	ErrParity              = errors.New("parity error")
	ErrFraming             = errors.New("framing error")
	ErrInvalidAddress      = errors.New("invalid 7-bit I2C address")
	ErrInvalidData         = errors.New("invalid transfer buffers")
	ErrBufferMismatch      = errors.New("tx and rx buffer lengths must match")
	ErrClockStretchTimeout = errors.New("clock held low past stretch timeout")
	ErrNoPin               = errors.New("no pin bound for this direction")
	ErrReleased            = errors.New("engine pins have been released")
)

// ConfigError reports an invalid construction parameter
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// PinError reports a failure of the underlying digital I/O on one pin role
// (e.g. "sck", "sda", "tx"). The pin's own error is kept as the cause.
type PinError struct {
	Role string
	Op   string // "set" or "get"
	Err  error
}

func (e *PinError) Error() string {
	return fmt.Sprintf("pin %s %s: %v", e.Role, e.Op, e.Err)
}

func (e *PinError) Unwrap() error {
	return e.Err
}

// NackError reports that the addressed I2C target did not acknowledge.
// Index is -1 for the address byte, otherwise the data byte position.
type NackError struct {
	Addr  uint8
	Index int
}

func (e *NackError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("i2c 0x%02x: address %v", e.Addr, ErrNack)
	}
	return fmt.Sprintf("i2c 0x%02x: byte %d %v", e.Addr, e.Index, ErrNack)
}

// Is makes errors.Is(err, ErrNack) hold for every NackError.
func (e *NackError) Is(target error) bool {
	return target == ErrNack
}

func configErr(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// Command layer errors.
var (
	ErrUnknownOID    = errors.New("unknown object id")
	ErrNotConfigured = errors.New("bus not configured for object")
	ErrShutdown      = errors.New("commands refused while shut down")
)
