//go:build rp2040 || rp2350

package main

import (
	"machine"
	"time"
)

// idle time of a read finding nothing; the relay's readers expect reads
// to return periodically
const readIdle = time.Millisecond

// InitUSB initializes USB serial communication
// TinyGo automatically sets up USB CDC-ACM on RP2040
func InitUSB() {
	err := machine.Serial.Configure(machine.UARTConfig{})
	if err != nil {
		return
	}
}

// uartPort adapts a hardware UART to serial.Port
type uartPort struct {
	uart *machine.UART
}

func (p *uartPort) Read(b []byte) (int, error) {
	return readBuffered(b, p.uart.Buffered, p.uart.ReadByte)
}

func (p *uartPort) Write(b []byte) (int, error) {
	return p.uart.Write(b)
}

// Close is a no-op; the UART stays configured
func (p *uartPort) Close() error {
	return nil
}

// Flush discards received bytes
func (p *uartPort) Flush() error {
	for p.uart.Buffered() > 0 {
		if _, err := p.uart.ReadByte(); err != nil {
			return err
		}
	}
	return nil
}

// usbPort is the platform link over USB CDC
type usbPort struct{}

func (usbPort) Read(b []byte) (int, error) {
	return readBuffered(b, machine.Serial.Buffered, machine.Serial.ReadByte)
}

func (usbPort) Write(b []byte) (int, error) {
	return machine.Serial.Write(b)
}

func readBuffered(b []byte, buffered func() int, readByte func() (byte, error)) (int, error) {
	n := buffered()
	if n == 0 {
		time.Sleep(readIdle)
		return 0, nil
	}
	if n > len(b) {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		c, err := readByte()
		if err != nil {
			return i, err
		}
		b[i] = c
	}
	return n, nil
}
