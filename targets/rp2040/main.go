//go:build rp2040 || rp2350

package main

import (
	"context"
	"machine"
	"time"

	"github.com/rs/zerolog"

	"ocprelay/config"
	"ocprelay/host/optical"
	"ocprelay/host/relay"
	"ocprelay/storage"
)

const (
	irBaud       = 115200
	spiFrequency = 4_000_000

	// blocks of the SD card used by the relay, split evenly by direction
	sdBlocks = 2048
)

var (
	spiSCK   = machine.GPIO2
	spiSDO   = machine.GPIO3
	spiSDI   = machine.GPIO4
	sdCSPin  = machine.GPIO5
	potCSPin = machine.GPIO6
)

func main() {
	// Disable any watchdog left running by a previous image
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0}); err != nil {
		return
	}

	// Platform link is USB CDC
	InitUSB()

	// IR transceiver on UART0
	ir := machine.UART0
	if err := ir.Configure(machine.UARTConfig{
		BaudRate: irBaud,
		TX:       machine.UART0_TX_PIN,
		RX:       machine.UART0_RX_PIN,
	}); err != nil {
		halt()
	}

	// SD card and gain potentiometer share SPI0
	spi := machine.SPI0
	if err := spi.Configure(machine.SPIConfig{
		Frequency: spiFrequency,
		SCK:       spiSCK,
		SDO:       spiSDO,
		SDI:       spiSDI,
		Mode:      0,
	}); err != nil {
		halt()
	}
	bus := storage.NewBus(spi)
	pot := storage.NewGainPot(bus, chipSelect(potCSPin))

	card, err := storage.OpenSDCard(bus, spi, spiSCK, spiSDO, spiSDI, sdCSPin, sdBlocks)
	if err != nil {
		halt()
	}

	logger := zerolog.Nop()

	x, err := optical.NewSerial(&uartPort{uart: ir}, irBaud, logger)
	if err != nil {
		halt()
	}

	cfg := config.Default()
	cfg.Storage.Blocks = sdBlocks
	cfg.Storage.Outgoing = config.Range{Start: 0, Limit: sdBlocks / 2}
	cfg.Storage.Incoming = config.Range{Start: sdBlocks / 2, Limit: sdBlocks}
	cfg.Link.AutoStart = true

	r, err := relay.New(cfg, relay.Parts{
		Store:       card,
		Transceiver: x,
		Platform:    &usbPort{},
		Gain:        pot,
	}, logger)
	if err != nil {
		halt()
	}

	// Runs forever; the relay logs and retries every link failure itself
	_ = r.Run(context.Background())
	halt()
}

// chipSelect drives an active-low chip select line
func chipSelect(pin machine.Pin) storage.ChipSelect {
	pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pin.High()
	return func(active bool) {
		pin.Set(!active)
	}
}

func halt() {
	for {
		time.Sleep(time.Second)
	}
}
