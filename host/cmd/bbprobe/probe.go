package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"

	"bitbang/config"
	"bitbang/core"
	"bitbang/host/serial"
	"bitbang/periphbus"
)

// checkPattern is sent by uart-check; it toggles every data bit
var checkPattern = []byte{0x55, 0xAA, 0x00, 0xFF, 'b', 'b'}

// probe holds the buses built from a bus description
type probe struct {
	out io.Writer

	spiPorts map[string]*periphbus.SPIPort
	spi      map[string]spi.Conn
	i2c      map[string]*periphbus.I2CBus
	uart     map[string]*core.SoftwareSerial
	uartCfg  map[string]config.SerialConfig

	openUART func(cfg *serial.Config) (serial.Port, error)
}

// newProbe builds every configured bus, resolving pin names through lookup
func newProbe(cfg *config.BusConfig, lookup func(string) gpio.PinIO, delay core.Delayer, out io.Writer) (*probe, error) {
	p := &probe{
		out:      out,
		spiPorts: make(map[string]*periphbus.SPIPort),
		spi:      make(map[string]spi.Conn),
		i2c:      make(map[string]*periphbus.I2CBus),
		uart:     make(map[string]*core.SoftwareSerial),
		uartCfg:  make(map[string]config.SerialConfig),
		openUART: serial.Open,
	}
	if err := p.build(cfg, lookup, delay); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *probe) build(cfg *config.BusConfig, lookup func(string) gpio.PinIO, delay core.Delayer) error {
	pin := func(bus, role, name string) (gpio.PinIO, error) {
		if name == "" {
			return nil, nil
		}
		pp := lookup(name)
		if pp == nil {
			return nil, fmt.Errorf("%s %s: no pin named %q", bus, role, name)
		}
		return pp, nil
	}

	for name, bus := range cfg.SPI {
		var pins [4]gpio.PinIO
		for i, n := range []string{bus.SCK, bus.MOSI, bus.MISO, bus.CS} {
			pp, err := pin(name, []string{"sck", "mosi", "miso", "cs"}[i], n)
			if err != nil {
				return err
			}
			pins[i] = pp
		}
		port := periphbus.NewSPIPort(name, pins[0], pins[1], pins[2], pins[3], delay)
		mode := spi.Mode(bus.Mode)
		if bus.LSBFirst {
			mode |= spi.LSBFirst
		}
		c, err := port.Connect(core.Hz(bus.RateHz), mode, 8)
		if err != nil {
			return err
		}
		p.spiPorts[name] = port
		p.spi[name] = c
	}

	for name, bus := range cfg.I2C {
		scl, err := pin(name, "scl", bus.SCL)
		if err != nil {
			return err
		}
		sda, err := pin(name, "sda", bus.SDA)
		if err != nil {
			return err
		}
		b, err := periphbus.NewI2CBus(name, scl, sda, delay, bus.Engine())
		if err != nil {
			return err
		}
		p.i2c[name] = b
	}

	for name, port := range cfg.Serial {
		tx, err := pin(name, "tx", port.TX)
		if err != nil {
			return err
		}
		rx, err := pin(name, "rx", port.RX)
		if err != nil {
			return err
		}
		u, err := periphbus.NewSerial(tx, rx, delay, port.Engine())
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		p.uart[name] = u
		p.uartCfg[name] = port
	}
	return nil
}

// Close releases every bus
func (p *probe) Close() {
	for _, port := range p.spiPorts {
		port.Close()
	}
	for _, b := range p.i2c {
		b.Close()
	}
	for _, u := range p.uart {
		u.Release()
	}
}

// exec runs one command line and reports whether the user asked to quit
func (p *probe) exec(line string) (bool, error) {
	args, err := shlex.Split(line)
	if err != nil {
		return false, err
	}
	if len(args) == 0 {
		return false, nil
	}

	cmd, args := args[0], args[1:]
	switch cmd {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		p.printHelp()
	case "buses":
		p.printBuses()
	case "spi":
		err = p.cmdSPI(args)
	case "i2c-scan":
		err = p.cmdI2CScan(args)
	case "i2c-write":
		err = p.cmdI2CWrite(args)
	case "i2c-read":
		err = p.cmdI2CRead(args)
	case "i2c-wr":
		err = p.cmdI2CWriteRead(args)
	case "uart-write":
		err = p.cmdUARTWrite(args)
	case "uart-read":
		err = p.cmdUARTRead(args)
	case "uart-check":
		err = p.cmdUARTCheck(args)
	default:
		err = fmt.Errorf("unknown command %q (type 'help' for available commands)", cmd)
	}
	return false, err
}

func (p *probe) printHelp() {
	fmt.Fprintln(p.out, "\nAvailable commands:")
	fmt.Fprintln(p.out, "  buses                          - List configured buses")
	fmt.Fprintln(p.out, "  spi <bus> <hex...>             - Full-duplex transfer, prints received bytes")
	fmt.Fprintln(p.out, "  i2c-scan <bus>                 - Probe every 7-bit address")
	fmt.Fprintln(p.out, "  i2c-write <bus> <addr> <hex...> - Write bytes to a target")
	fmt.Fprintln(p.out, "  i2c-read <bus> <addr> <n>      - Read n bytes from a target")
	fmt.Fprintln(p.out, "  i2c-wr <bus> <addr> <n> <hex...> - Write, repeated start, read n bytes")
	fmt.Fprintln(p.out, "  uart-write <bus> <text>        - Send text")
	fmt.Fprintln(p.out, "  uart-read <bus> <n>            - Wait for n frames")
	fmt.Fprintln(p.out, "  uart-check <bus> [device]      - Send a pattern into a hardware UART and compare")
	fmt.Fprintln(p.out, "  quit/exit/q                    - Exit the program")
	fmt.Fprintln(p.out)
}

func (p *probe) printBuses() {
	list := func(kind string, names []string) {
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(p.out, "  %-6s %s\n", kind, n)
		}
	}
	var names []string
	for n := range p.spi {
		names = append(names, n)
	}
	list("spi", names)
	names = names[:0]
	for n := range p.i2c {
		names = append(names, n)
	}
	list("i2c", names)
	names = names[:0]
	for n := range p.uart {
		names = append(names, n)
	}
	list("serial", names)
}

func (p *probe) cmdSPI(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: spi <bus> <hex...>")
	}
	c, ok := p.spi[args[0]]
	if !ok {
		return fmt.Errorf("no spi bus %q", args[0])
	}
	w, err := parseHex(args[1:])
	if err != nil {
		return err
	}
	r := make([]byte, len(w))
	if err := c.Tx(w, r); err != nil {
		return err
	}
	fmt.Fprintf(p.out, "rx: % x\n", r)
	return nil
}

func (p *probe) i2cBus(name string) (*periphbus.I2CBus, error) {
	b, ok := p.i2c[name]
	if !ok {
		return nil, fmt.Errorf("no i2c bus %q", name)
	}
	return b, nil
}

func (p *probe) cmdI2CScan(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: i2c-scan <bus>")
	}
	b, err := p.i2cBus(args[0])
	if err != nil {
		return err
	}
	found, err := b.Scan()
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Fprintln(p.out, "no devices")
		return nil
	}
	for _, addr := range found {
		fmt.Fprintf(p.out, "0x%02x\n", addr)
	}
	return nil
}

func (p *probe) cmdI2CWrite(args []string) error {
	if len(args) < 3 {
		return errors.New("usage: i2c-write <bus> <addr> <hex...>")
	}
	b, err := p.i2cBus(args[0])
	if err != nil {
		return err
	}
	addr, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	w, err := parseHex(args[2:])
	if err != nil {
		return err
	}
	return b.Tx(addr, w, nil)
}

func (p *probe) cmdI2CRead(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: i2c-read <bus> <addr> <n>")
	}
	b, err := p.i2cBus(args[0])
	if err != nil {
		return err
	}
	addr, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	r, err := readBuf(args[2])
	if err != nil {
		return err
	}
	if err := b.Tx(addr, nil, r); err != nil {
		return err
	}
	fmt.Fprintf(p.out, "rx: % x\n", r)
	return nil
}

func (p *probe) cmdI2CWriteRead(args []string) error {
	if len(args) < 4 {
		return errors.New("usage: i2c-wr <bus> <addr> <n> <hex...>")
	}
	b, err := p.i2cBus(args[0])
	if err != nil {
		return err
	}
	addr, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	r, err := readBuf(args[2])
	if err != nil {
		return err
	}
	w, err := parseHex(args[3:])
	if err != nil {
		return err
	}
	if err := b.Tx(addr, w, r); err != nil {
		return err
	}
	fmt.Fprintf(p.out, "rx: % x\n", r)
	return nil
}

func (p *probe) uartPort(name string) (*core.SoftwareSerial, error) {
	u, ok := p.uart[name]
	if !ok {
		return nil, fmt.Errorf("no serial port %q", name)
	}
	return u, nil
}

func (p *probe) cmdUARTWrite(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: uart-write <bus> <text>")
	}
	u, err := p.uartPort(args[0])
	if err != nil {
		return err
	}
	_, err = io.WriteString(u, strings.Join(args[1:], " "))
	return err
}

func (p *probe) cmdUARTRead(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: uart-read <bus> <n>")
	}
	u, err := p.uartPort(args[0])
	if err != nil {
		return err
	}
	buf, err := readBuf(args[1])
	if err != nil {
		return err
	}
	n, err := io.ReadFull(u, buf)
	fmt.Fprintf(p.out, "rx: %q\n", buf[:n])
	return err
}

// cmdUARTCheck sends checkPattern through the software TX into a hardware
// UART using the same frame format and compares what it received
func (p *probe) cmdUARTCheck(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: uart-check <bus> [device]")
	}
	u, err := p.uartPort(args[0])
	if err != nil {
		return err
	}
	device := p.uartCfg[args[0]].Device
	if len(args) == 2 {
		device = args[1]
	}
	if device == "" {
		return fmt.Errorf("%s: no hardware UART configured", args[0])
	}

	hw, err := p.openUART(serial.ConfigFor(device, u.Config()))
	if err != nil {
		return err
	}
	defer hw.Close()
	if err := hw.Flush(); err != nil {
		return err
	}

	mask := byte(0xFF >> (8 - u.Config().DataBits))
	want := make([]byte, len(checkPattern))
	for i, b := range checkPattern {
		want[i] = b & mask
	}
	if _, err := u.Write(want); err != nil {
		return err
	}

	got := make([]byte, 0, len(want))
	buf := make([]byte, len(want))
	for len(got) < len(want) {
		n, err := hw.Read(buf[:len(want)-len(got)])
		got = append(got, buf[:n]...)
		if n == 0 && err != nil {
			// read timeout
			break
		}
	}

	if string(got) != string(want) {
		return fmt.Errorf("%s: mismatch: sent % x, %s received % x", args[0], want, device, got)
	}
	fmt.Fprintf(p.out, "%s: %d bytes match on %s\n", args[0], len(want), device)
	return nil
}

// parseHex joins its arguments and decodes them, so "a5 3c", "a53c" and
// "0xa5 0x3c" are the same bytes
func parseHex(args []string) ([]byte, error) {
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(strings.TrimPrefix(strings.ToLower(a), "0x"))
	}
	data, err := hex.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("bad hex data: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("no data")
	}
	return data, nil
}

func parseAddr(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil || v > 0x7F {
		return 0, fmt.Errorf("bad 7-bit address %q", s)
	}
	return uint16(v), nil
}

func readBuf(s string) ([]byte, error) {
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil || n == 0 {
		return nil, fmt.Errorf("bad length %q", s)
	}
	return make([]byte, n), nil
}
