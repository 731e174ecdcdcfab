package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"bitbang/config"
	"bitbang/core"
	"bitbang/host/mcu"
	"bitbang/host/serial"
	"bitbang/periphbus"
)

const version = "bbprobe-0.1"

var (
	configPath = flag.String("config", "", "JSON bus description (default: one bus of each kind on Raspberry Pi pins)")
	serve      = flag.String("serve", "", "Serve the command protocol on this serial device instead of the prompt")
	baud       = flag.Int("baud", 250000, "Baud rate for -serve")
	dict       = flag.Bool("dict", false, "Print the command dictionary as JSON and exit")
	verbose    = flag.Int("v", 0, "Log verbosity (1: bus events, 2: transfers)")
)

func main() {
	flag.Parse()

	stdr.SetVerbosity(*verbose)
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags))
	core.SetLogger(logger)

	if *dict {
		core.InitBusCommands()
		data, err := mcu.MarshalDictionary(version)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if _, err := host.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialise periph host drivers: %v\n", err)
		os.Exit(1)
	}

	if *serve != "" {
		if err := runServer(logger, cfg, *serve); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runPrompt(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runServer exposes the machine's GPIO lines through the command layer
func runServer(logger logr.Logger, cfg *config.BusConfig, device string) error {
	gpio := periphbus.NewGPIO()
	delay := cfg.Delayer()
	core.SetDelayer(delay)
	core.SetGPIODriver(gpio)
	core.SetSoftwareSPIDriver(core.NewGPIOSoftwareSPIDriver(gpio, delay))
	core.SetI2CDriver(core.NewSoftwareI2CDriver(gpio, delay))
	core.InitBusCommands()

	m := mcu.NewMCU(logger)
	sc := serial.DefaultConfig(device)
	sc.Baud = *baud
	if err := m.ConnectWithConfig(sc); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		m.Close()
	}()

	logger.Info("serving command layer", "device", device, "baud", *baud, "commands", core.GetCommandCount())
	return m.Serve()
}

func runPrompt(cfg *config.BusConfig) error {
	p, err := newProbe(cfg, gpioreg.ByName, cfg.Delayer(), os.Stdout)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Println("bbprobe - software SPI, I2C and serial on GPIO lines")
	p.printBuses()
	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		quit, err := p.exec(scanner.Text())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}
