//go:build tinygo

package storage

import (
	"errors"
	"fmt"
	"machine"

	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/sdcard"
)

var ErrCardTooSmall = errors.New("sd card smaller than configured store")

// OpenSDCard initialises the card on spi and returns a store over its first
// blocks. Initialisation reconfigures spi, so it runs under the bus lock.
func OpenSDCard(bus *Bus, spi *machine.SPI, sck, sdo, sdi, cs machine.Pin, blocks uint32) (*SDCard, error) {
	dev := sdcard.New(spi, sck, sdo, sdi, cs)

	err := bus.Transaction(nil, func(drivers.SPI) error {
		return dev.Configure()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise sd card: %w", err)
	}

	sectors, err := dev.CSD.Sectors()
	if err != nil {
		return nil, fmt.Errorf("failed to read sd card size: %w", err)
	}
	if sectors < int64(blocks) {
		return nil, fmt.Errorf("%w: %d blocks, need %d", ErrCardTooSmall, sectors, blocks)
	}
	return NewSDCard(bus, &dev, blocks), nil
}
