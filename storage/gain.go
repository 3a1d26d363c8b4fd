package storage

import (
	"sync/atomic"

	"tinygo.org/x/drivers"
)

// MCP41xxx write-data command for potentiometer 0
const potWriteCommand = 0x11

// GainPot is the digital potentiometer setting the receiver gain. It shares
// the SPI bus with the SD card, so every write goes through Bus.
type GainPot struct {
	bus   *Bus
	cs    ChipSelect
	level atomic.Uint32
}

// NewGainPot creates a potentiometer selected by cs
func NewGainPot(bus *Bus, cs ChipSelect) *GainPot {
	return &GainPot{bus: bus, cs: cs}
}

// SetGain writes a new wiper position
func (g *GainPot) SetGain(level uint8) error {
	err := g.bus.Transaction(g.cs, func(spi drivers.SPI) error {
		return spi.Tx([]byte{potWriteCommand, level}, nil)
	})
	if err == nil {
		g.level.Store(uint32(level))
	}
	return err
}

// Gain returns the last wiper position written
func (g *GainPot) Gain() uint8 {
	return uint8(g.level.Load())
}
