package optical

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ocprelay/host/serial"
	"ocprelay/protocol"
)

// bits per UART character: start, 8 data, stop
const bitsPerByte = 10

// Serial is a transceiver behind a UART, such as an IrDA module. A read
// loop moves received bytes into a queue so the engine can poll it.
type Serial struct {
	port     serial.Port
	rx       *rxQueue
	byteTime time.Duration
	logger   zerolog.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSerial starts a transceiver on port running at baud
func NewSerial(port serial.Port, baud int, logger zerolog.Logger) (*Serial, error) {
	if port == nil {
		return nil, fmt.Errorf("port cannot be nil")
	}
	if baud <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", baud)
	}

	s := &Serial{
		port:     port,
		rx:       newRxQueue(),
		byteTime: time.Second * bitsPerByte / time.Duration(baud),
		logger:   logger.With().Str("component", "optical").Logger(),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func (s *Serial) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, 256)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			s.rx.push(buf[:n])
		}
		if err == nil {
			continue
		}

		select {
		case <-s.done:
			return
		default:
		}
		if errors.Is(err, io.EOF) {
			s.logger.Warn().Msg("transceiver port closed")
			return
		}
		s.logger.Error().Err(err).Msg("transceiver read failed")
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Serial) write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(p); err != nil {
		return fmt.Errorf("transceiver write failed: %w", err)
	}
	return nil
}

// EmitTone writes enough beacon bytes to keep the carrier up for d
func (s *Serial) EmitTone(d time.Duration) error {
	return s.write(bytes.Repeat([]byte{protocol.BeaconByte}, toneBytes(d, s.byteTime)))
}

func (s *Serial) SearchCarrier(timeout time.Duration) (bool, error) {
	return s.rx.searchCarrier(timeout), nil
}

func (s *Serial) SendByte(b byte) error {
	return s.write([]byte{b})
}

func (s *Serial) ByteAvailable() bool {
	return s.rx.available()
}

func (s *Serial) ReadByte() (byte, error) {
	return s.rx.readByte()
}

// FlushReceiveBuffer drops queued bytes and anything pending in the driver
func (s *Serial) FlushReceiveBuffer() error {
	err := s.port.Flush()
	s.rx.reset()
	return err
}

// Dropped returns the number of received bytes lost to a full queue
func (s *Serial) Dropped() uint64 {
	return s.rx.dropped()
}

// Close closes the port and waits for the read loop to exit
func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.port.Close()
		s.wg.Wait()
	})
	return err
}
