package storage

import (
	"sync"

	"tinygo.org/x/drivers"
)

// ChipSelect drives a device's chip select line; active means selected
type ChipSelect func(active bool)

// Bus guards an SPI bus shared by the SD card and the transceiver gain
// potentiometer. At most one transaction runs at a time, whichever activity
// issues it.
type Bus struct {
	mu  sync.Mutex
	spi drivers.SPI
}

// NewBus wraps an SPI controller
func NewBus(spi drivers.SPI) *Bus {
	return &Bus{spi: spi}
}

// Transaction selects the device, runs fn with exclusive access to the bus
// and deselects the device afterwards
func (b *Bus) Transaction(cs ChipSelect, fn func(spi drivers.SPI) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cs != nil {
		cs(true)
		defer cs(false)
	}
	return fn(b.spi)
}
