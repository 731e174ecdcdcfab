package core

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"tinygo.org/x/drivers"
)

type edge struct {
	At    time.Duration
	Level bool
}

// wire records what a transmitter drives, stamped with its virtual clock
type wire struct {
	clock *virtualClock
	edges []edge
}

func (w *wire) Set(high bool) error {
	w.edges = append(w.edges, edge{w.clock.now, high})
	return nil
}

// replay plays back a recorded line for a receiver on its own clock.
// The line idles high before the first edge.
type replay struct {
	clock *virtualClock
	edges []edge
}

func (r *replay) Get() (bool, error) {
	level := true
	for _, e := range r.edges {
		if e.At > r.clock.now {
			break
		}
		level = e.Level
	}
	return level, nil
}

// frameEdges lays out levels one bit period apart starting at t0, then idles
func frameEdges(t0, bit time.Duration, levels []bool) []edge {
	edges := make([]edge, 0, len(levels)+1)
	for i, l := range levels {
		edges = append(edges, edge{t0 + time.Duration(i)*bit, l})
	}
	return append(edges, edge{t0 + time.Duration(len(levels))*bit, true})
}

// frame8N1 builds start, LSB-first data and one stop bit
func frame8N1(b byte) []bool {
	levels := []bool{false}
	for i := 0; i < 8; i++ {
		levels = append(levels, b&(1<<uint(i)) != 0)
	}
	return append(levels, true)
}

func newTestSerial(t *testing.T, tx OutputPin, rx InputPin, clock *virtualClock, cfg SerialConfig) *SoftwareSerial {
	t.Helper()
	s, err := NewSoftwareSerial(tx, rx, clock, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSoftwareSerialWriteWaveform(t *testing.T) {
	clock := &virtualClock{}
	tx := &wire{clock: clock}
	s := newTestSerial(t, tx, nil, clock, DefaultSerialConfig(9600))

	if len(tx.edges) != 1 || !tx.edges[0].Level {
		t.Fatalf("TX not idled high at construction: %+v", tx.edges)
	}
	tx.edges = nil

	if err := s.WriteByte(0x55); err != nil {
		t.Fatal(err)
	}
	bit := s.BitPeriod()
	if diff := cmp.Diff(frameEdges(0, bit, frame8N1(0x55))[:10], tx.edges); diff != "" {
		t.Errorf("8N1 waveform (-want +got):\n%s", diff)
	}
	if clock.now != 10*bit {
		t.Errorf("frame took %v, want %v", clock.now, 10*bit)
	}
}

func TestSoftwareSerialParityBit(t *testing.T) {
	tests := []struct {
		parity Parity
		b      byte
		want   bool
	}{
		{ParityEven, 0x55, false},
		{ParityOdd, 0x55, true},
		{ParityEven, 0x07, true},
		{ParityOdd, 0x07, false},
		{ParityEven, 0x00, false},
	}
	for _, tt := range tests {
		clock := &virtualClock{}
		tx := &wire{clock: clock}
		s := newTestSerial(t, tx, nil, clock, SerialConfig{Baud: 9600, Parity: tt.parity})
		tx.edges = nil
		if err := s.WriteByte(tt.b); err != nil {
			t.Fatal(err)
		}
		// start, 8 data, parity, stop
		if len(tx.edges) != 11 {
			t.Fatalf("%s parity: %d bits on the wire", tt.parity, len(tx.edges))
		}
		if got := tx.edges[9].Level; got != tt.want {
			t.Errorf("%s parity of %#x = %v, want %v", tt.parity, tt.b, got, tt.want)
		}
	}
}

func TestSoftwareSerialLoopback(t *testing.T) {
	useTestLogger(t)
	var configs []SerialConfig
	for _, dataBits := range []uint8{5, 6, 7, 8} {
		for _, parity := range []Parity{ParityNone, ParityEven, ParityOdd} {
			for _, stopBits := range []uint8{1, 2} {
				configs = append(configs, SerialConfig{
					Baud:     115200,
					DataBits: dataBits,
					Parity:   parity,
					StopBits: stopBits,
				})
			}
		}
	}
	configs = append(configs, SerialConfig{Baud: 9600, MSBFirst: true})

	for _, cfg := range configs {
		name := fmt.Sprintf("%d%s%d msb=%v", cfg.DataBits, cfg.Parity, cfg.StopBits, cfg.MSBFirst)
		t.Run(name, func(t *testing.T) {
			for _, b := range []byte{0x00, 0x01, 0x5A, 0xA5, 0xFF, 0x80} {
				txClock := &virtualClock{}
				line := &wire{clock: txClock}
				tx := newTestSerial(t, line, nil, txClock, cfg)
				if err := tx.WriteByte(b); err != nil {
					t.Fatal(err)
				}

				rxClock := &virtualClock{}
				rx := newTestSerial(t, nil, &replay{clock: rxClock, edges: line.edges}, rxClock, cfg)
				got, err := rx.ReadByte()
				if err != nil {
					t.Fatalf("ReadByte after sending %#x: %v", b, err)
				}
				mask := byte(1<<rx.Config().DataBits - 1)
				if got != b&mask {
					t.Errorf("sent %#x, received %#x", b&mask, got)
				}
			}
		})
	}
}

func TestSoftwareSerialReadAfterIdle(t *testing.T) {
	clock := &virtualClock{}
	rx := &replay{clock: clock}
	s := newTestSerial(t, nil, rx, clock, DefaultSerialConfig(9600))
	bit := s.BitPeriod()
	// Start bit begins part-way between two polls
	rx.edges = frameEdges(3*bit+bit/7, bit, frame8N1(0xC3))

	got, err := s.ReadByte()
	if err != nil || got != 0xC3 {
		t.Errorf("ReadByte = %#x, %v", got, err)
	}
}

func TestSoftwareSerialRejectsFalseStart(t *testing.T) {
	clock := &virtualClock{}
	rx := &replay{clock: clock}
	s := newTestSerial(t, nil, rx, clock, DefaultSerialConfig(9600))
	bit := s.BitPeriod()

	glitch := []edge{{bit, false}, {bit + bit/4, true}}
	rx.edges = append(glitch, frameEdges(5*bit, bit, frame8N1(0x3E))...)

	got, err := s.ReadByte()
	if err != nil || got != 0x3E {
		t.Errorf("ReadByte = %#x, %v; a glitch was taken for a start bit", got, err)
	}
}

func TestSoftwareSerialParityError(t *testing.T) {
	useTestLogger(t)
	clock := &virtualClock{}
	rx := &replay{clock: clock}
	s := newTestSerial(t, nil, rx, clock, SerialConfig{Baud: 9600, Parity: ParityEven})
	bit := s.BitPeriod()

	// 0x01 has one set bit, so even parity is 1; send 0 instead
	levels := append(frame8N1(0x01)[:9], false, true)
	rx.edges = frameEdges(0, bit, levels)

	got, err := s.ReadByte()
	if !errors.Is(err, ErrParity) {
		t.Fatalf("error = %v, want ErrParity", err)
	}
	if got != 0x01 {
		t.Errorf("data with parity error = %#x", got)
	}
}

func TestSoftwareSerialFramingError(t *testing.T) {
	clock := &virtualClock{}
	rx := &replay{clock: clock}
	s := newTestSerial(t, nil, rx, clock, SerialConfig{Baud: 9600, StopBits: 2})
	bit := s.BitPeriod()

	// Second stop bit is low
	levels := append(frame8N1(0x42), false)
	rx.edges = frameEdges(0, bit, levels)

	if _, err := s.ReadByte(); !errors.Is(err, ErrFraming) {
		t.Errorf("error = %v, want ErrFraming", err)
	}
}

func TestSoftwareSerialMissingDirection(t *testing.T) {
	clock := &virtualClock{}
	txOnly := newTestSerial(t, &wire{clock: clock}, nil, clock, DefaultSerialConfig(9600))
	if _, err := txOnly.ReadByte(); !errors.Is(err, ErrNoPin) {
		t.Errorf("ReadByte on transmit-only port: %v", err)
	}
	rxOnly := newTestSerial(t, nil, &replay{clock: clock}, clock, DefaultSerialConfig(9600))
	if err := rxOnly.WriteByte(1); !errors.Is(err, ErrNoPin) {
		t.Errorf("WriteByte on receive-only port: %v", err)
	}
}

func TestSoftwareSerialConfigErrors(t *testing.T) {
	clock := &virtualClock{}
	tx := &wire{clock: clock}
	tests := []struct {
		name string
		cfg  SerialConfig
		want error
	}{
		{"zero baud", SerialConfig{}, ErrInvalidRate},
		{"4 data bits", SerialConfig{Baud: 9600, DataBits: 4}, ErrInvalidDataBits},
		{"9 data bits", SerialConfig{Baud: 9600, DataBits: 9}, ErrInvalidDataBits},
		{"parity", SerialConfig{Baud: 9600, Parity: 3}, ErrInvalidParity},
		{"stop bits", SerialConfig{Baud: 9600, StopBits: 3}, ErrInvalidStopBits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSoftwareSerial(tx, nil, clock, tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("error %T is not a *ConfigError", err)
			}
		})
	}

	if _, err := NewSoftwareSerial(nil, nil, clock, DefaultSerialConfig(9600)); !errors.Is(err, ErrMissingPin) {
		t.Errorf("no pins: %v", err)
	}
	if _, err := NewSoftwareSerial(tx, nil, nil, DefaultSerialConfig(9600)); !errors.Is(err, ErrMissingDelay) {
		t.Errorf("no delay: %v", err)
	}
}

func TestSoftwareSerialDefaults(t *testing.T) {
	clock := &virtualClock{}
	s := newTestSerial(t, &wire{clock: clock}, nil, clock, SerialConfig{Baud: 9600})
	if diff := cmp.Diff(DefaultSerialConfig(9600), s.Config()); diff != "" {
		t.Errorf("defaults (-want +got):\n%s", diff)
	}
}

func TestSoftwareSerialPinFault(t *testing.T) {
	_, err := NewSoftwareSerial(faultPin{}, nil, &virtualClock{}, DefaultSerialConfig(9600))
	var pinErr *PinError
	if !errors.As(err, &pinErr) || pinErr.Role != "tx" {
		t.Errorf("error = %v, want tx PinError", err)
	}

	s := newTestSerial(t, nil, faultPin{}, &virtualClock{}, DefaultSerialConfig(9600))
	if _, err := s.ReadByte(); !errors.Is(err, errPinFault) {
		t.Errorf("ReadByte on failing RX: %v", err)
	}
}

func TestSoftwareSerialAsUART(t *testing.T) {
	txClock := &virtualClock{}
	line := &wire{clock: txClock}
	var tx drivers.UART = newTestSerial(t, line, nil, txClock, DefaultSerialConfig(57600))

	n, err := io.WriteString(tx, "ok")
	if err != nil || n != 2 {
		t.Fatalf("WriteString = %d, %v", n, err)
	}
	if tx.Buffered() != 0 {
		t.Errorf("Buffered() = %d", tx.Buffered())
	}

	rxClock := &virtualClock{}
	var rx drivers.UART = newTestSerial(t, nil, &replay{clock: rxClock, edges: line.edges}, rxClock, DefaultSerialConfig(57600))
	buf := make([]byte, 2)
	if _, err := io.ReadFull(rx, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ok" {
		t.Errorf("received %q", buf)
	}
}

func TestSoftwareSerialRelease(t *testing.T) {
	clock := &virtualClock{}
	line := &wire{clock: clock}
	s := newTestSerial(t, line, nil, clock, DefaultSerialConfig(9600))
	tx, rx := s.Release()
	if tx != line || rx != nil {
		t.Errorf("Release returned %v, %v", tx, rx)
	}
	if err := s.WriteByte(1); !errors.Is(err, ErrReleased) {
		t.Errorf("WriteByte after Release: %v", err)
	}
}
