package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/armon/circbuf"
)

// RunInbound listens for the peer's beacon and receives frames until ctx is
// done. It yields the air between listen windows so the transmit path can
// take it.
func (e *Engine) RunInbound(ctx context.Context) error {
	for ctx.Err() == nil {
		e.air.Lock()
		err := e.listen(ctx)
		e.air.Unlock()

		if err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("receive failed")
		}
		e.sleep(ctx, e.cfg.IdlePoll)
	}
	return nil
}

// listen runs one carrier search and, if the peer is beaconing, the
// reception that follows
func (e *Engine) listen(ctx context.Context) error {
	found, err := e.xcvr.SearchCarrier(e.cfg.ListenWindow)
	if err != nil || !found {
		return err
	}

	e.setReceiving(true)
	defer e.setReceiving(false)

	e.logger.Debug().Msg("carrier found, answering")
	if err := e.xcvr.EmitTone(e.cfg.BeaconTone); err != nil {
		return fmt.Errorf("failed to answer beacon: %w", err)
	}
	return e.receive(ctx)
}

// receive reads frames until one carries the reset flag or none starts
// within FrameWindow
func (e *Engine) receive(ctx context.Context) error {
	// the tone that opened the reception is still arriving
	inBeacon := true
	for {
		deadline := time.Now().Add(e.cfg.FrameWindow)
		found, err := e.awaitPreamble(ctx, deadline, inBeacon)
		if err != nil || !found {
			return err
		}
		inBeacon = false

		data, err := e.readFrame(ctx, deadline.Add(e.cfg.FrameWindow))
		if err != nil {
			e.drop(err)
			if errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrPayloadTooLarge) {
				continue
			}
			return err
		}

		if reset, err := e.handleFrame(data); err != nil {
			return err
		} else if reset {
			return nil
		}
	}
}

// awaitPreamble skips bytes until PreambleLen start bytes arrive in a row.
// A fresh run of beacon bytes means the peer redid its handshake and gets
// answered with a tone; inBeacon marks a run already answered.
func (e *Engine) awaitPreamble(ctx context.Context, deadline time.Time, inBeacon bool) (bool, error) {
	window, err := circbuf.NewBuffer(PreambleLen)
	if err != nil {
		return false, err
	}

	for {
		b, ok, err := e.nextByte(ctx, deadline)
		if !ok {
			return false, err
		}

		if b == BeaconByte {
			if !inBeacon {
				inBeacon = true
				e.logger.Debug().Msg("peer beaconing again, answering")
				if err := e.xcvr.EmitTone(e.cfg.BeaconTone); err != nil {
					return false, err
				}
			}
			window.Reset()
			continue
		}
		inBeacon = false

		_, _ = window.Write([]byte{b})
		if window.TotalWritten() >= PreambleLen && bytes.Equal(window.Bytes(), preamble) {
			return true, nil
		}
	}
}

// readFrame reads one frame after the preamble. The header is read up to
// the payload token, then exactly the declared payload length and the fixed
// tail, so payload bytes never end the frame early.
func (e *Engine) readFrame(ctx context.Context, deadline time.Time) ([]byte, error) {
	buf := make([]byte, 0, maxHeaderLen+BlockSize+tailLen)

	for !bytes.HasSuffix(buf, []byte(TokenPayload)) {
		if len(buf) >= maxHeaderLen {
			return nil, fmt.Errorf("%w: header too long", ErrMalformedFrame)
		}
		b, ok, err := e.nextByte(ctx, deadline)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: header timed out", ErrMalformedFrame)
		}
		if len(buf) == 0 && b == FrameStartByte {
			continue
		}
		buf = append(buf, b)
	}

	h, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.length > BlockSize {
		return nil, fmt.Errorf("%w: declared length %d", ErrPayloadTooLarge, h.length)
	}

	for n := h.length + tailLen; n > 0; n-- {
		b, ok, err := e.nextByte(ctx, deadline)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: frame truncated", ErrMalformedFrame)
		}
		buf = append(buf, b)
	}
	return buf, nil
}

// handleFrame validates a received frame and delivers it. A repeat of the
// last accepted frame is echoed again without delivery, since its echo was
// evidently lost. It reports whether the frame ended the stream.
func (e *Engine) handleFrame(data []byte) (reset bool, err error) {
	f, err := ParseFrame(data)
	if err != nil {
		e.drop(err)
		return false, nil
	}

	e.mu.Lock()
	expected, last := e.expectedFlag, e.lastAccepted
	e.mu.Unlock()

	if err := ValidateFrame(f, expected); err != nil {
		if errors.Is(err, ErrFlagMismatch) && last != 0 && ValidateFrame(f, last) == nil {
			e.mu.Lock()
			e.counters.Duplicates++
			e.mu.Unlock()
			e.logger.Debug().Uint8("flag", f.Flag).Msg("duplicate frame, echoing again")
			return f.Reset, e.echo(f.Flag)
		}
		e.drop(err)
		return false, nil
	}

	e.sink(f.Payload)

	// the frame is accepted whether or not the echo gets out; a lost echo
	// brings a retransmission that is answered as a duplicate
	e.mu.Lock()
	e.expectedFlag = NextFlag(f.Flag)
	e.lastAccepted = f.Flag
	e.counters.FramesReceived++
	if f.Reset {
		e.resetSequenceLocked()
	}
	e.mu.Unlock()

	e.logger.Debug().
		Uint8("flag", f.Flag).
		Int("length", f.Length).
		Bool("reset", f.Reset).
		Msg("frame accepted")

	return f.Reset, e.echo(f.Flag)
}

// echo sends the verification pair EchoRepeat times
func (e *Engine) echo(flag uint8) error {
	pair := []byte{VerifyByte, flag}
	for i := 0; i < e.cfg.EchoRepeat; i++ {
		if err := e.send(pair); err != nil {
			return fmt.Errorf("failed to echo flag %d: %w", flag, err)
		}
	}
	return nil
}

func (e *Engine) drop(err error) {
	e.mu.Lock()
	e.counters.FramesDropped++
	e.mu.Unlock()
	e.logger.Debug().Err(err).Msg("frame dropped")
}

// setReceiving enters or leaves ModeReceiving
func (e *Engine) setReceiving(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case on:
		e.opMode, e.txMode = ModeReceiving, TxIdle
	case e.opMode == ModeReceiving:
		e.opMode = ModeIdle
	}
}
