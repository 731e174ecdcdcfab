//go:build tinygo

// Firmware serving the bus command layer over the board's default serial
// port (USB CDC on RP2040/RP2350).
package main

import (
	"machine"
	"time"

	"bitbang/core"
	"bitbang/protocol"
)

var (
	// Buffers for communication
	inputBuffer  *protocol.FifoBuffer
	outputBuffer *protocol.ScratchOutput
	transport    *protocol.Transport
)

func main() {
	if err := machine.Serial.Configure(machine.UARTConfig{}); err != nil {
		return
	}

	gpio := NewGPIODriver()
	delay := core.BusyDelay{}
	core.SetDelayer(delay)
	core.SetGPIODriver(gpio)
	core.SetSoftwareSPIDriver(core.NewGPIOSoftwareSPIDriver(gpio, delay))
	core.SetI2CDriver(core.NewSoftwareI2CDriver(gpio, delay))
	core.InitBusCommands()

	inputBuffer = protocol.NewFifoBuffer(256)
	outputBuffer = protocol.NewScratchOutput()
	transport = protocol.NewTransport(outputBuffer, core.DispatchCommand)
	core.SetTransport(transport)

	for {
		// Recover from panics in the main loop to prevent a firmware crash
		func() {
			defer func() {
				if r := recover(); r != nil {
					inputBuffer.Reset()
					outputBuffer.Reset()
				}
			}()

			for machine.Serial.Buffered() > 0 {
				b, err := machine.Serial.ReadByte()
				if err != nil {
					break
				}
				if inputBuffer.Write([]byte{b}) == 0 {
					// Full of bytes that never formed a frame
					inputBuffer.Reset()
				}
			}

			if inputBuffer.Available() > 0 {
				transport.Receive(inputBuffer)
			}

			if result := outputBuffer.Result(); len(result) > 0 {
				machine.Serial.Write(result)
				outputBuffer.Reset()
			}
		}()

		// Yield to other goroutines
		time.Sleep(10 * time.Microsecond)
	}
}
