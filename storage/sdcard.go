package storage

import (
	"fmt"

	"tinygo.org/x/drivers"
)

// CardDevice reads and writes single 512 byte blocks of an initialised
// card. tinygo.org/x/drivers/sdcard.Device implements it.
type CardDevice interface {
	ReadData(block uint32, dst []byte) error
	WriteData(block uint32, src []byte) error
}

// SDCard is a BlockStore on an SD card. The driver drives the card's chip
// select itself; the store only holds the shared bus for each access.
type SDCard struct {
	bus    *Bus
	dev    CardDevice
	blocks uint32
}

// NewSDCard creates a store for the first blocks of an initialised card
func NewSDCard(bus *Bus, dev CardDevice, blocks uint32) *SDCard {
	return &SDCard{bus: bus, dev: dev, blocks: blocks}
}

func (c *SDCard) ReadBlock(addr uint32) ([]byte, error) {
	if addr >= c.blocks {
		return nil, fmt.Errorf("%w: %d", ErrAddress, addr)
	}

	out := make([]byte, BlockSize)
	err := c.bus.Transaction(nil, func(drivers.SPI) error {
		return c.dev.ReadData(addr, out)
	})
	if err != nil {
		return nil, fmt.Errorf("read block %d: %w", addr, err)
	}
	return out, nil
}

func (c *SDCard) WriteBlock(addr uint32, data []byte) error {
	if len(data) != BlockSize {
		return ErrBlockSize
	}
	if addr >= c.blocks {
		return fmt.Errorf("%w: %d", ErrAddress, addr)
	}

	err := c.bus.Transaction(nil, func(drivers.SPI) error {
		return c.dev.WriteData(addr, data)
	})
	if err != nil {
		return fmt.Errorf("write block %d: %w", addr, err)
	}
	return nil
}

// Blocks returns the number of addressable blocks
func (c *SDCard) Blocks() uint32 {
	return c.blocks
}
