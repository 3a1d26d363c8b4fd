package platform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadArgument    = errors.New("bad argument")
	ErrNoGainControl  = errors.New("no gain control")
	ErrAlreadyStarted = errors.New("transmission already started")
	ErrNotStarted     = errors.New("transmission not started")
)

// commandFunc runs one command and returns its value lines
type commandFunc func(s *Shim, value string, args []string) ([]string, error)

// commands maps the upper-cased command name (without any "=value") to its
// handler
var commands = map[string]commandFunc{
	"AT":         func(*Shim, string, []string) ([]string, error) { return nil, nil },
	"ATO":        cmdOnline,
	"AT+LEN?":    cmdLength,
	"AT+REM?":    cmdRemaining,
	"AT+SIZE?":   cmdSize,
	"AT+RXLEN?":  cmdRxLength,
	"AT+FLUSH":   cmdFlush,
	"AT+TXSTART": cmdTxStart,
	"AT+TXSTOP":  cmdTxStop,
	"AT+STAT?":   cmdStatus,
	"AT+RESET":   cmdReset,
	"AT+GAIN":    cmdGain,
	"AT+GAIN?":   cmdGainQuery,
}

// execute parses and runs one command line. Called with s.mu held.
func (s *Shim) execute(line string) ([]string, error) {
	words, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArgument, err)
	}
	if len(words) == 0 {
		return nil, ErrUnknownCommand
	}

	name, value, _ := strings.Cut(words[0], "=")
	name = strings.ToUpper(name)

	fn, ok := commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return fn(s, value, words[1:])
}

func cmdOnline(s *Shim, _ string, _ []string) ([]string, error) {
	s.mode = ModeData
	s.logger.Debug().Msg("data mode")
	return nil, nil
}

func cmdLength(s *Shim, _ string, _ []string) ([]string, error) {
	return []string{fmt.Sprintf("+LEN: %d", s.out.Length())}, nil
}

func cmdRemaining(s *Shim, _ string, _ []string) ([]string, error) {
	return []string{fmt.Sprintf("+REM: %d", s.out.Remaining())}, nil
}

func cmdSize(s *Shim, _ string, _ []string) ([]string, error) {
	return []string{fmt.Sprintf("+SIZE: %d", s.out.Size())}, nil
}

func cmdRxLength(s *Shim, _ string, _ []string) ([]string, error) {
	return []string{fmt.Sprintf("+RXLEN: %d", s.in.Length())}, nil
}

// AT+FLUSH [out|in]; both buffers without an argument
func cmdFlush(s *Shim, _ string, args []string) ([]string, error) {
	if len(args) > 1 {
		return nil, ErrBadArgument
	}
	which := "all"
	if len(args) == 1 {
		which = strings.ToLower(args[0])
	}

	switch which {
	case "all":
		s.out.Flush()
		s.in.Flush()
	case "out":
		s.out.Flush()
	case "in":
		s.in.Flush()
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadArgument, args[0])
	}
	return nil, nil
}

func cmdTxStart(s *Shim, _ string, _ []string) ([]string, error) {
	if !s.link.StartTransmission() {
		return nil, ErrAlreadyStarted
	}
	return nil, nil
}

func cmdTxStop(s *Shim, _ string, _ []string) ([]string, error) {
	if !s.link.StopTransmission() {
		return nil, ErrNotStarted
	}
	return nil, nil
}

func cmdReset(s *Shim, _ string, _ []string) ([]string, error) {
	s.link.Reset()
	return nil, nil
}

func cmdStatus(s *Shim, _ string, _ []string) ([]string, error) {
	st := s.link.Status()
	enabled := 0
	if st.Enabled {
		enabled = 1
	}
	return []string{
		fmt.Sprintf("+STAT: mode=%s tx=%s enabled=%d out=%d in=%d",
			st.Mode, st.TxMode, enabled, st.OutgoingFlag, st.ExpectedFlag),
		fmt.Sprintf("+STAT: sent=%d retx=%d acked=%d recv=%d dropped=%d dup=%d",
			st.FramesSent, st.Retransmits, st.FramesAcked, st.FramesReceived, st.FramesDropped, st.Duplicates),
	}, nil
}

// AT+GAIN=<0..255>
func cmdGain(s *Shim, value string, _ []string) ([]string, error) {
	if s.cfg.Gain == nil {
		return nil, ErrNoGainControl
	}
	level, err := strconv.ParseUint(value, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: gain %q", ErrBadArgument, value)
	}
	return nil, s.cfg.Gain.SetGain(uint8(level))
}

func cmdGainQuery(s *Shim, _ string, _ []string) ([]string, error) {
	if s.cfg.Gain == nil {
		return nil, ErrNoGainControl
	}
	return []string{fmt.Sprintf("+GAIN: %d", s.cfg.Gain.Gain())}, nil
}
