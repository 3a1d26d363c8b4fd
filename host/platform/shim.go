// Package platform connects the relay to the attached platform. Bytes
// arriving in data mode are queued for the optical link; "+++" followed by
// a guard time of silence switches to an AT-style command mode.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ocprelay/blockring"
	"ocprelay/protocol"
)

const (
	escapeChar   = '+'
	escapeLen    = 3
	maxLineLen   = 128
	readBufSize  = 256
	replyOK      = "OK"
	replyError   = "ERROR"
	lineEnding   = "\r\n"
	defaultGuard = time.Second
)

// Mode is the shim's input mode
type Mode uint8

const (
	ModeData Mode = iota
	ModeCommand
)

func (m Mode) String() string {
	if m == ModeCommand {
		return "Command"
	}
	return "Data"
}

// Link is the part of the protocol engine the command set controls
type Link interface {
	StartTransmission() bool
	StopTransmission() bool
	Reset()
	Status() protocol.Status
}

// GainControl adjusts the optical receiver gain
type GainControl interface {
	SetGain(level uint8) error
	Gain() uint8
}

// Config holds shim options
type Config struct {
	EscapeGuard time.Duration

	// Forward writes received payloads to the platform port in data mode
	Forward bool

	// Gain is optional; AT+GAIN fails without it
	Gain GainControl

	Logger zerolog.Logger

	// Now defaults to time.Now
	Now func() time.Time
}

// Shim sits between the platform port and the two block ring managers
type Shim struct {
	cfg    Config
	port   io.ReadWriter
	out    *blockring.Manager
	in     *blockring.Manager
	link   Link
	logger zerolog.Logger

	mu       sync.Mutex
	mode     Mode
	escape   int // escape characters held back
	lastByte time.Time
	line     []byte
	overlong bool

	writeMu sync.Mutex
}

// NewShim creates a shim in data mode
func NewShim(cfg Config, port io.ReadWriter, out, in *blockring.Manager, link Link) (*Shim, error) {
	if port == nil {
		return nil, fmt.Errorf("platform port cannot be nil")
	}
	if out == nil || in == nil {
		return nil, fmt.Errorf("both buffers are required")
	}
	if link == nil {
		return nil, fmt.Errorf("link cannot be nil")
	}
	if cfg.EscapeGuard <= 0 {
		cfg.EscapeGuard = defaultGuard
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Shim{
		cfg:    cfg,
		port:   port,
		out:    out,
		in:     in,
		link:   link,
		logger: cfg.Logger.With().Str("component", "shim").Logger(),
	}, nil
}

// Mode returns the current input mode
func (s *Shim) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Run reads the platform port until ctx is done or the port is closed.
// The port should return periodically with no data so the escape guard is
// noticed without further input.
func (s *Shim) Run(ctx context.Context) error {
	buf := make([]byte, readBufSize)
	for ctx.Err() == nil {
		n, err := s.port.Read(buf)
		if n > 0 {
			if ferr := s.Feed(buf[:n]); ferr != nil {
				s.logger.Error().Err(ferr).Msg("failed to queue platform data")
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("platform read failed: %w", err)
		}
		s.Tick()
	}
	return nil
}

// Tick enters command mode once the guard time has passed after an escape
// sequence
func (s *Shim) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkEscapeLocked(s.cfg.Now())
}

func (s *Shim) checkEscapeLocked(now time.Time) {
	if s.mode != ModeData || s.escape != escapeLen {
		return
	}
	if now.Sub(s.lastByte) < s.cfg.EscapeGuard {
		return
	}
	s.escape = 0
	s.mode = ModeCommand
	s.line = s.line[:0]
	s.logger.Debug().Msg("command mode")
	s.reply(replyOK)
}

// Feed processes bytes received from the platform
func (s *Shim) Feed(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	s.checkEscapeLocked(now)

	var data []byte
	for _, b := range p {
		if s.mode == ModeCommand {
			s.commandByte(b)
			continue
		}

		if b == escapeChar && s.escape < escapeLen {
			s.escape++
			s.lastByte = now
			continue
		}
		// held escape characters turned out to be data
		for ; s.escape > 0; s.escape-- {
			data = append(data, escapeChar)
		}
		data = append(data, b)
		s.lastByte = now
	}

	if len(data) == 0 {
		return nil
	}
	_, err := s.out.Write(data)
	return err
}

func (s *Shim) commandByte(b byte) {
	if b != '\r' && b != '\n' {
		if len(s.line) >= maxLineLen {
			s.overlong = true
			return
		}
		s.line = append(s.line, b)
		return
	}

	line := string(s.line)
	s.line = s.line[:0]
	if s.overlong {
		s.overlong = false
		s.reply(replyError)
		return
	}
	if line == "" {
		return
	}

	lines, err := s.execute(line)
	if err != nil {
		s.logger.Debug().Err(err).Str("command", line).Msg("command failed")
		s.reply(replyError)
		return
	}
	s.reply(append(lines, replyOK)...)
}

// Deliver is the engine's payload handler: payloads are kept in the
// incoming buffer and forwarded to the platform while in data mode
func (s *Shim) Deliver(payload []byte) {
	if _, err := s.in.Write(payload); err != nil {
		s.logger.Error().Err(err).Int("len", len(payload)).Msg("failed to store inbound payload")
	}

	s.mu.Lock()
	forward := s.cfg.Forward && s.mode == ModeData
	s.mu.Unlock()
	if !forward {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to forward payload")
	}
}

func (s *Shim) reply(lines ...string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, l := range lines {
		if _, err := io.WriteString(s.port, l+lineEnding); err != nil {
			s.logger.Error().Err(err).Msg("failed to write reply")
			return
		}
	}
}
