package protocol

import "time"

// Transceiver is the physical layer under the engine. Implementations handle
// carrier detection, gain and raw byte I/O over the optical beam.
type Transceiver interface {
	// EmitTone sends the carrier beacon for roughly d
	EmitTone(d time.Duration) error

	// SearchCarrier waits up to timeout for the peer's carrier
	SearchCarrier(timeout time.Duration) (bool, error)

	SendByte(b byte) error
	ByteAvailable() bool
	ReadByte() (byte, error)

	// FlushReceiveBuffer discards everything received so far
	FlushReceiveBuffer() error
}

// PayloadHandler receives every validated inbound payload, in flag order
type PayloadHandler func(payload []byte)
