package periphbus

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"bitbang/core"
)

var noDelay = core.DelayFunc(func(time.Duration) {})

func newPin(name string) *gpiotest.Pin {
	return &gpiotest.Pin{N: name, Num: -1}
}

// recordPin remembers every level driven onto it
type recordPin struct {
	*gpiotest.Pin
	outs []gpio.Level
}

func newRecordPin(name string) *recordPin {
	return &recordPin{Pin: newPin(name)}
}

func (p *recordPin) Out(l gpio.Level) error {
	p.outs = append(p.outs, l)
	return p.Pin.Out(l)
}

// echoPin reads back whatever src is driving
type echoPin struct {
	*gpiotest.Pin
	src gpio.PinIn
}

func (p *echoPin) Read() gpio.Level { return p.src.Read() }

// lowPin reads low no matter what, like SDA with a target acknowledging everything
type lowPin struct {
	*gpiotest.Pin
}

func (p *lowPin) Read() gpio.Level { return gpio.Low }

func levels(bits ...int) []gpio.Level {
	out := make([]gpio.Level, len(bits))
	for i, b := range bits {
		out[i] = b != 0
	}
	return out
}

func TestSPILoopback(t *testing.T) {
	for _, mode := range []spi.Mode{spi.Mode0, spi.Mode1, spi.Mode2, spi.Mode3} {
		mosi := newPin("MOSI")
		miso := &echoPin{Pin: newPin("MISO"), src: mosi}
		port := NewSPIPort("spi0", newPin("SCK"), mosi, miso, nil, noDelay)

		c, err := port.Connect(physic.MegaHertz, mode, 8)
		if err != nil {
			t.Fatalf("mode %d: %v", mode, err)
		}
		w := []byte{0xA5, 0x3C, 0x00, 0xFF}
		r := make([]byte, len(w))
		if err := c.Tx(w, r); err != nil {
			t.Fatalf("mode %d: %v", mode, err)
		}
		if diff := cmp.Diff(w, r); diff != "" {
			t.Errorf("mode %d loopback (-want +got):\n%s", mode, diff)
		}
	}
}

func TestSPIBitOrder(t *testing.T) {
	tests := []struct {
		name string
		mode spi.Mode
		want []gpio.Level
	}{
		{"msb", spi.Mode0, levels(0, 0, 0, 0, 0, 0, 0, 1)},
		{"lsb", spi.Mode0 | spi.LSBFirst, levels(1, 0, 0, 0, 0, 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mosi := newRecordPin("MOSI")
			port := NewSPIPort("spi0", newPin("SCK"), mosi, nil, nil, noDelay)
			c, err := port.Connect(0, tt.mode, 8)
			if err != nil {
				t.Fatal(err)
			}
			if err := c.Tx([]byte{0x01}, nil); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, mosi.outs); diff != "" {
				t.Errorf("MOSI (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSPIChipSelect(t *testing.T) {
	cs := newRecordPin("CS")
	port := NewSPIPort("spi0", newPin("SCK"), newPin("MOSI"), nil, cs, noDelay)
	c, err := port.Connect(0, spi.Mode0, 8)
	if err != nil {
		t.Fatal(err)
	}
	// Deasserted by Connect
	if diff := cmp.Diff(levels(1), cs.outs); diff != "" {
		t.Fatalf("after Connect (-want +got):\n%s", diff)
	}

	if err := c.Tx([]byte{1}, nil); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(levels(1, 0, 1), cs.outs); diff != "" {
		t.Errorf("after Tx (-want +got):\n%s", diff)
	}

	// KeepCS holds the select across packets
	cs.outs = nil
	err = c.TxPackets([]spi.Packet{
		{W: []byte{1}, KeepCS: true},
		{W: []byte{2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(levels(0, 1), cs.outs); diff != "" {
		t.Errorf("TxPackets (-want +got):\n%s", diff)
	}

	cs.outs = nil
	if err := c.TxPackets([]spi.Packet{{W: []byte{1}, BitsPerWord: 16}}); err == nil {
		t.Error("16-bit packet accepted")
	}
	if len(cs.outs) != 0 {
		t.Errorf("CS touched by a rejected packet: %v", cs.outs)
	}
}

func TestSPINoCS(t *testing.T) {
	cs := newRecordPin("CS")
	port := NewSPIPort("spi0", newPin("SCK"), newPin("MOSI"), nil, cs, noDelay)
	c, err := port.Connect(0, spi.Mode0|spi.NoCS, 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Tx([]byte{1}, nil); err != nil {
		t.Fatal(err)
	}
	if len(cs.outs) != 0 {
		t.Errorf("CS driven with NoCS: %v", cs.outs)
	}
}

func TestSPISpeed(t *testing.T) {
	port := NewSPIPort("spi0", newPin("SCK"), nil, nil, nil, noDelay)
	c, err := port.Connect(0, spi.Mode0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.String(); got != "spi0@1MHz" {
		t.Errorf("default speed: %s", got)
	}

	port = NewSPIPort("spi1", newPin("SCK"), nil, nil, nil, noDelay)
	if err := port.LimitSpeed(0); err == nil {
		t.Error("LimitSpeed(0) accepted")
	}
	if err := port.LimitSpeed(100 * physic.KiloHertz); err != nil {
		t.Fatal(err)
	}
	c, err = port.Connect(physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.String(); got != "spi1@100kHz" {
		t.Errorf("limited speed: %s", got)
	}
}

func TestSPIConnectErrors(t *testing.T) {
	tests := []struct {
		name string
		sck  gpio.PinIO
		mode spi.Mode
		bits int
	}{
		{"bits", newPin("SCK"), spi.Mode0, 16},
		{"half duplex", newPin("SCK"), spi.Mode0 | spi.HalfDuplex, 8},
		{"no clock", nil, spi.Mode0, 8},
		{"invalid clock", gpio.INVALID, spi.Mode0, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := NewSPIPort("spi0", tt.sck, nil, nil, nil, noDelay)
			if _, err := port.Connect(0, tt.mode, tt.bits); err == nil {
				t.Error("Connect succeeded")
			}
		})
	}

	port := NewSPIPort("spi0", newPin("SCK"), nil, nil, nil, noDelay)
	if _, err := port.Connect(0, spi.Mode0, 8); err != nil {
		t.Fatal(err)
	}
	if _, err := port.Connect(0, spi.Mode0, 8); err == nil {
		t.Error("second Connect succeeded")
	}
}

func TestSPIClose(t *testing.T) {
	port := NewSPIPort("spi0", newPin("SCK"), newPin("MOSI"), nil, nil, noDelay)
	c, err := port.Connect(0, spi.Mode0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := port.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Tx([]byte{1}, nil); !errors.Is(err, core.ErrReleased) {
		t.Errorf("Tx after Close: %v", err)
	}
	if _, err := port.Connect(0, spi.Mode0, 8); !errors.Is(err, core.ErrReleased) {
		t.Errorf("Connect after Close: %v", err)
	}
}

func TestSPIPins(t *testing.T) {
	sck := newPin("SCK")
	port := NewSPIPort("spi0", sck, nil, nil, nil, noDelay)
	if port.CLK() != sck {
		t.Error("CLK is not the clock pin")
	}
	if port.MOSI() != gpio.INVALID || port.MISO() != gpio.INVALID || port.CS() != gpio.INVALID {
		t.Error("unbound pins should be gpio.INVALID")
	}
}

func TestI2CAckAll(t *testing.T) {
	sda := &lowPin{Pin: newPin("SDA")}
	bus, err := NewI2CBus("i2c0", newPin("SCL"), sda, noDelay, core.I2CConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	if err := bus.Tx(0x50, []byte{0x00, 0x10}, nil); err != nil {
		t.Errorf("write: %v", err)
	}
	r := []byte{0xFF, 0xFF}
	if err := bus.Tx(0x50, []byte{0x00}, r); err != nil {
		t.Errorf("write then read: %v", err)
	}
	if diff := cmp.Diff([]byte{0, 0}, r); diff != "" {
		t.Errorf("read (-want +got):\n%s", diff)
	}
	if err := bus.Tx(0x50, nil, nil); err != nil {
		t.Errorf("address only: %v", err)
	}

	found, err := bus.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0x78-0x08 || found[0] != 0x08 {
		t.Errorf("scan found %d addresses starting %v", len(found), found)
	}
}

func TestI2CEmptyBus(t *testing.T) {
	bus, err := NewI2CBus("i2c0", newPin("SCL"), newPin("SDA"), noDelay, core.I2CConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	err = bus.Tx(0x50, []byte{1}, nil)
	var nack *core.NackError
	if !errors.As(err, &nack) || nack.Index != -1 || nack.Addr != 0x50 {
		t.Errorf("write to empty bus: %v", err)
	}
	if ack, err := bus.Probe(0x50); err != nil || ack {
		t.Errorf("Probe = %v, %v", ack, err)
	}
	if _, err := bus.Probe(0x80); !errors.Is(err, core.ErrInvalidAddress) {
		t.Errorf("Probe(0x80): %v", err)
	}
	found, err := bus.Scan()
	if err != nil || len(found) != 0 {
		t.Errorf("Scan = %v, %v", found, err)
	}
}

func TestI2COpenDrain(t *testing.T) {
	scl := newRecordPin("SCL")
	sda := newRecordPin("SDA")
	bus, err := NewI2CBus("i2c0", scl, sda, noDelay, core.I2CConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	bus.Tx(0x50, []byte{0xFF}, nil)
	for _, p := range []*recordPin{scl, sda} {
		if len(p.outs) == 0 {
			t.Errorf("%s never driven", p.N)
		}
		for _, l := range p.outs {
			if l != gpio.Low {
				t.Errorf("%s driven high", p.N)
				break
			}
		}
		if p.Read() != gpio.High {
			t.Errorf("%s not released after the transaction", p.N)
		}
	}
}

func TestI2CSpeedAndClose(t *testing.T) {
	if _, err := NewI2CBus("i2c0", nil, newPin("SDA"), noDelay, core.I2CConfig{}); !errors.Is(err, core.ErrMissingPin) {
		t.Errorf("missing SCL: %v", err)
	}

	sda := &lowPin{Pin: newPin("SDA")}
	bus, err := NewI2CBus("i2c0", newPin("SCL"), sda, noDelay, core.I2CConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.SetSpeed(0); err == nil {
		t.Error("SetSpeed(0) accepted")
	}
	if err := bus.SetSpeed(400 * physic.KiloHertz); err != nil {
		t.Fatal(err)
	}
	if err := bus.Tx(0x50, []byte{1}, nil); err != nil {
		t.Errorf("Tx after SetSpeed: %v", err)
	}
	if bus.SDA() != sda {
		t.Error("SDA is not the data pin")
	}

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Tx(0x50, []byte{1}, nil); !errors.Is(err, core.ErrReleased) {
		t.Errorf("Tx after Close: %v", err)
	}
	if err := bus.SetSpeed(physic.KiloHertz); !errors.Is(err, core.ErrReleased) {
		t.Errorf("SetSpeed after Close: %v", err)
	}
}

func TestSerialWaveform(t *testing.T) {
	tx := newRecordPin("TX")
	port, err := NewSerial(tx, nil, noDelay, core.DefaultSerialConfig(9600))
	if err != nil {
		t.Fatal(err)
	}
	if err := port.WriteByte(0x55); err != nil {
		t.Fatal(err)
	}
	// idle, start, 8 data bits LSB first, stop
	want := levels(1, 0, 1, 0, 1, 0, 1, 0, 1, 0, 1)
	if diff := cmp.Diff(want, tx.outs); diff != "" {
		t.Errorf("TX (-want +got):\n%s", diff)
	}
	if _, err := port.ReadByte(); !errors.Is(err, core.ErrNoPin) {
		t.Errorf("ReadByte on transmit-only port: %v", err)
	}

	if _, err := NewSerial(nil, gpio.INVALID, noDelay, core.DefaultSerialConfig(9600)); !errors.Is(err, core.ErrMissingPin) {
		t.Errorf("no pins: %v", err)
	}
}

func TestGPIODriver(t *testing.T) {
	pins := map[string]*gpiotest.Pin{
		"5": newPin("GPIO5"),
		"6": newPin("GPIO6"),
	}
	g := NewGPIOWithLookup(func(name string) gpio.PinIO {
		if p, ok := pins[name]; ok {
			return p
		}
		return nil
	})

	if err := g.ConfigureOutput(5); err != nil {
		t.Fatal(err)
	}
	if err := g.SetPin(5, true); err != nil {
		t.Fatal(err)
	}
	if v, err := g.GetPin(5); err != nil || !v {
		t.Errorf("GetPin(5) = %v, %v", v, err)
	}

	if err := g.ConfigureInputPullUp(6); err != nil {
		t.Fatal(err)
	}
	if pins["6"].P != gpio.PullUp {
		t.Errorf("pull = %v", pins["6"].P)
	}
	if v, _ := g.GetPin(6); !v {
		t.Error("pulled-up input reads low")
	}

	if err := g.ConfigureOutput(7); err == nil {
		t.Error("unknown pin accepted")
	}

	// A bus on driver pins works like one on periph pins
	out, err := core.DriverPin(g, 5)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.Set(false); err != nil {
		t.Fatal(err)
	}
	if pins["5"].Read() != gpio.Low {
		t.Error("DriverPin did not reach the periph pin")
	}
}
