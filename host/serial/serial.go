package serial

import (
	"io"
)

// Port represents a serial port interface
// The relay uses two of them:
// - the IR UART driving the optical transceiver
// - the platform link carrying data and AT commands
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyUSB0", "COM3")
	Device string `yaml:"device"`

	// Baud rate; for the IR UART it also sets the beacon tone length
	Baud int `yaml:"baud"`

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int `yaml:"read_timeout_ms"`
}

// DefaultConfig returns a default configuration for an IrDA-style UART
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200, // highest rate common IR transceivers sustain
		ReadTimeout: 10,     // short, so read loops notice Close quickly
	}
}
