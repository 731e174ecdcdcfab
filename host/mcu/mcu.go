package mcu

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-logr/logr"

	"bitbang/core"
	"bitbang/host/serial"
	"bitbang/protocol"
)

// MCU serves the command layer over a serial port, so a host speaking the
// framed protocol can drive the software buses of this machine as if they
// were on a microcontroller.
type MCU struct {
	mu sync.Mutex

	// Transport layer
	transport *protocol.Transport
	input     *protocol.FifoBuffer
	output    *protocol.ScratchOutput

	// Serial port
	port serial.Port

	log logr.Logger

	// Connection state
	connected bool
	closed    bool
}

// Dictionary is the part of the data dictionary a host needs to talk to
// the command layer
type Dictionary struct {
	Version   string            `json:"version"`
	Config    map[string]string `json:"config"`
	Commands  map[string]int    `json:"commands"`
	Responses map[string]int    `json:"responses"`
}

// readChunk bounds a single port read
const readChunk = protocol.MessageLengthMax

// NewMCU creates a new MCU instance (not yet connected)
func NewMCU(log logr.Logger) *MCU {
	return &MCU{
		log: log.WithName("mcu"),
	}
}

// Connect opens device with the default link settings
func (m *MCU) Connect(device string) error {
	return m.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig opens a port with a custom serial config
func (m *MCU) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}
	m.Attach(port)
	return nil
}

// Attach serves the command layer on an already open port. Responses from
// command handlers are framed onto it until Close.
func (m *MCU) Attach(port serial.Port) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.port = port
	m.input = protocol.NewFifoBuffer(4 * protocol.MessageLengthMax)
	m.output = protocol.NewScratchOutput()
	m.transport = protocol.NewTransport(m.output, core.DispatchCommand)
	m.transport.OnError = m.handleError
	m.connected = true
	m.closed = false

	core.SetTransport(m.transport)
}

// Serve reads frames from the port and answers them until the port is
// closed. Read timeouts are not errors.
func (m *MCU) Serve() error {
	m.mu.Lock()
	port := m.port
	m.mu.Unlock()
	if port == nil {
		return errors.New("not connected")
	}

	buf := make([]byte, readChunk)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			if err := m.receive(buf[:n]); err != nil {
				return err
			}
		}
		if err == nil || (errors.Is(err, io.EOF) && !m.isClosed()) {
			continue
		}
		if m.isClosed() {
			return nil
		}
		return fmt.Errorf("serial read: %w", err)
	}
}

// receive feeds data through the transport and writes out everything the
// commands produced
func (m *MCU) receive(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(data) > 0 {
		n := m.input.Write(data)
		data = data[n:]
		m.transport.Receive(m.input)
		if n == 0 && m.input.Free() == 0 {
			// Garbage that never forms a frame
			m.input.Reset()
		}
	}

	out := m.output.Result()
	if len(out) == 0 {
		return nil
	}
	_, err := m.port.Write(out)
	m.output.Reset()
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (m *MCU) handleError(cmdID uint16, err error) {
	name := "unknown"
	if cmd, ok := core.GetGlobalRegistry().GetCommand(cmdID); ok {
		name = cmd.Name
	}
	m.log.Error(err, "command failed", "command", name)
}

// Close stops serving and closes the port
func (m *MCU) Close() error {
	m.mu.Lock()
	port := m.port
	m.closed = true
	m.connected = false
	m.mu.Unlock()

	core.SetTransport(nil)
	if port != nil {
		return port.Close()
	}
	return nil
}

func (m *MCU) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// IsConnected returns whether a port is attached
func (m *MCU) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// MarshalDictionary returns the data dictionary as indented JSON, the same
// content identify serves compressed
func MarshalDictionary(version string) ([]byte, error) {
	dict := core.GetGlobalDictionary()
	dict.SetVersion(version)
	data, err := dict.JSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dictionary: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
