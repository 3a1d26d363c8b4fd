package protocol

import (
	"bytes"
	"context"
	"errors"
	"time"

	"ocprelay/blockring"
)

var (
	preamble  = bytes.Repeat([]byte{FrameStartByte}, PreambleLen)
	postamble = bytes.Repeat([]byte{FrameEndByte}, PostambleLen)
)

// RunOutbound drains the outgoing buffer over the link until ctx is done.
// Transceiver errors are logged and the step is retried; the activity only
// returns when ctx ends.
func (e *Engine) RunOutbound(ctx context.Context) error {
	steps := map[txState]func(context.Context) txState{
		txIdle:    e.stepIdle,
		txBeacon:  e.stepBeacon,
		txStream:  e.stepStream,
		txPending: e.stepPending,
	}

	state := txIdle
	defer e.releaseAir()

	for ctx.Err() == nil {
		if e.takeReset() {
			e.releaseAir()
			state = txIdle
		}
		if state != txIdle && !e.isEnabled() {
			e.logger.Debug().Stringer("state", state).Msg("transmission disabled, going idle")
			e.releaseAir()
			state = txIdle
		}

		next := steps[state](ctx)
		if next != state {
			e.logger.Debug().Stringer("from", state).Stringer("to", next).Msg("transmit state change")
		}
		state = next
	}
	e.setTxState(txIdle)
	return nil
}

// takeReset drops transmit bookkeeping after Reset
func (e *Engine) takeReset() bool {
	e.mu.Lock()
	pending := e.resetPending
	e.resetPending = false
	e.reflag = false
	if pending {
		e.inflight = nil
		e.inFlightFlag = 0
	}
	e.mu.Unlock()

	if pending {
		e.failures = 0
	}
	return pending
}

func (e *Engine) acquireAir() {
	if !e.holdingAir {
		e.air.Lock()
		e.holdingAir = true
	}
}

func (e *Engine) releaseAir() {
	if e.holdingAir {
		e.holdingAir = false
		e.air.Unlock()
	}
}

// setTxState publishes the modes of a transmit step. Returning to idle does
// not override a reception in progress.
func (e *Engine) setTxState(s txState) {
	op, tx := s.modes()

	e.mu.Lock()
	defer e.mu.Unlock()
	if s == txIdle && e.opMode == ModeReceiving {
		e.txMode = TxIdle
		return
	}
	e.opMode, e.txMode = op, tx
}

// stepIdle waits for unsent data followed by a quiet period on the input
func (e *Engine) stepIdle(ctx context.Context) txState {
	e.setTxState(txIdle)

	if e.isEnabled() && e.hasUnsent() {
		if time.Since(e.out.LastPush()) >= e.cfg.QuietPeriod {
			return txBeacon
		}
	}
	e.sleep(ctx, e.cfg.IdlePoll)
	return txIdle
}

// stepBeacon emits the carrier tone and waits for the peer's answer. The
// air is kept on success and released with a random pause otherwise, so two
// units beaconing at once fall out of step.
func (e *Engine) stepBeacon(ctx context.Context) txState {
	e.acquireAir()
	e.setTxState(txBeacon)

	// the peer is already talking; let the receiver have it
	if e.xcvr.ByteAvailable() {
		e.releaseAir()
		e.sleep(ctx, e.cfg.IdlePoll+jitter(e.cfg.BeaconBackoff))
		return txBeacon
	}

	err := e.xcvr.EmitTone(e.cfg.BeaconTone)
	var found bool
	if err == nil {
		found, err = e.xcvr.SearchCarrier(e.cfg.BeaconTimeout)
	}
	if err != nil {
		e.logger.Error().Err(err).Msg("beacon failed")
	}
	if found {
		return txStream
	}

	e.mu.Lock()
	e.counters.BeaconTimeouts++
	e.mu.Unlock()
	e.logger.Debug().Err(ErrBeaconTimeout).Msg("no answer to beacon")

	e.releaseAir()
	e.sleep(ctx, jitter(e.cfg.BeaconBackoff))
	return txBeacon
}

// stepStream sends the in-flight frame and waits for its echo. A verified
// frame moves to Pending; an unverified one is sent again unchanged.
func (e *Engine) stepStream(ctx context.Context) txState {
	e.acquireAir()
	e.setTxState(txStream)

	ob, err := e.currentFrame()
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to build frame")
		e.releaseAir()
		e.sleep(ctx, e.cfg.IdlePoll)
		return txIdle
	}
	if ob == nil {
		// nothing left, the buffer was flushed after the handshake
		e.releaseAir()
		return txIdle
	}

	e.mu.Lock()
	e.counters.FramesSent++
	if e.failures > 0 {
		e.counters.Retransmits++
	}
	e.mu.Unlock()

	if err := e.xcvr.FlushReceiveBuffer(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to flush receive buffer")
	}
	if err := e.send(ob.wire); err != nil {
		e.logger.Error().Err(err).Uint8("flag", ob.frame.Flag).Msg("frame send failed")
	}

	acked, err := e.awaitEcho(ctx, ob.frame.Flag)
	if err != nil {
		e.logger.Error().Err(err).Msg("read failed while waiting for echo")
	}
	if acked {
		e.complete(ob)
		e.failures = 0
		// the remaining echo repeats are stale now
		if err := e.xcvr.FlushReceiveBuffer(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to flush receive buffer")
		}
		e.setTxState(txPending)
		e.releaseAir()
		return txPending
	}
	if ctx.Err() != nil {
		return txStream
	}

	e.failures++
	e.mu.Lock()
	e.counters.VerifyTimeouts++
	e.mu.Unlock()
	e.logger.Debug().
		Err(ErrVerifyTimeout).
		Uint8("flag", ob.frame.Flag).
		Int("failures", e.failures).
		Msg("frame not verified")

	if e.cfg.StreamRetryLimit > 0 && e.failures%e.cfg.StreamRetryLimit == 0 {
		e.logger.Info().Uint8("flag", ob.frame.Flag).Msg("peer silent, redoing handshake")
		e.releaseAir()
		return txBeacon
	}
	return txStream
}

// stepPending restarts the cycle at once if more data is waiting
func (e *Engine) stepPending(ctx context.Context) txState {
	e.setTxState(txPending)
	if e.isEnabled() && e.hasUnsent() {
		return txBeacon
	}
	return txIdle
}

// awaitEcho scans received bytes for the pair VerifyByte, flag
func (e *Engine) awaitEcho(ctx context.Context, flag uint8) (bool, error) {
	deadline := time.Now().Add(e.cfg.VerifyWindow)
	armed := false
	for {
		b, ok, err := e.nextByte(ctx, deadline)
		if !ok {
			return false, err
		}
		if armed && b == flag {
			return true, nil
		}
		armed = b == VerifyByte
	}
}

// syncEpoch forgets delivery progress made before a flush
func (e *Engine) syncEpoch(snap blockring.Snapshot) {
	if snap.Epoch != e.sentEpoch {
		e.sentEpoch = snap.Epoch
		e.sentBlocks = 0
		e.skip = 0
	}
	if blocks := e.out.Blocks(); snap.Committed-e.sentBlocks > blocks {
		lost := snap.Committed - blocks - e.sentBlocks
		e.logger.Warn().Uint64("blocks", lost).Msg("outgoing ring overran unsent data")
		e.mu.Lock()
		e.counters.Overruns += lost
		e.mu.Unlock()
		e.sentBlocks = snap.Committed - blocks
		e.skip = 0
	}
}

// hasUnsent reports whether a frame is in flight or data is waiting
func (e *Engine) hasUnsent() bool {
	if e.inflight != nil {
		return true
	}
	snap := e.out.Snapshot()
	e.syncEpoch(snap)
	return snap.Committed > e.sentBlocks || len(snap.Excess) > 0
}

// currentFrame returns the in-flight frame, building it from the next unsent
// data when there is none. It returns nil if nothing is waiting.
func (e *Engine) currentFrame() (*outbound, error) {
	e.mu.Lock()
	reflag := e.reflag
	e.reflag = false
	flag := NextFlag(e.outgoingFlag)
	e.mu.Unlock()

	if ob := e.inflight; ob != nil {
		if reflag && ob.frame.Flag != flag {
			e.logger.Info().Uint8("old", ob.frame.Flag).Uint8("new", flag).Msg("sequence reset, re-flagging frame")
			ob.frame.Flag = flag
			wire, err := encodeWire(ob.frame)
			if err != nil {
				return nil, err
			}
			ob.wire = wire
			e.setInFlight(flag)
		}
		return ob, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		snap := e.out.Snapshot()
		e.syncEpoch(snap)

		ob := &outbound{committed: snap.Committed, epoch: snap.Epoch}
		var more bool
		switch {
		case snap.Committed > e.sentBlocks:
			block, err := e.out.ReadCommitted(e.sentBlocks, snap.Epoch)
			if errors.Is(err, blockring.ErrOverrun) || errors.Is(err, blockring.ErrBlockNotCommitted) {
				// the ring moved under us, take a fresh snapshot
				continue
			}
			if err != nil {
				return nil, err
			}
			ob.frame = &Frame{Payload: block[e.skip:]}
			more = snap.Committed > e.sentBlocks+1 || len(snap.Excess) > 0
		case len(snap.Excess) > 0:
			ob.fromExcess = true
			ob.frame = &Frame{Payload: snap.Excess}
		default:
			return nil, nil
		}

		ob.frame.Flag = flag
		ob.frame.Reset = !more
		wire, err := encodeWire(ob.frame)
		if err != nil {
			return nil, err
		}
		ob.wire = wire

		e.inflight = ob
		e.setInFlight(flag)
		e.logger.Debug().
			Uint8("flag", flag).
			Int("length", len(ob.frame.Payload)).
			Bool("excess", ob.fromExcess).
			Bool("reset", ob.frame.Reset).
			Msg("frame built")
		return ob, nil
	}
	return nil, nil
}

func (e *Engine) setInFlight(flag uint8) {
	e.mu.Lock()
	e.inFlightFlag = flag
	e.mu.Unlock()
}

// complete records a verified frame and advances the send position
func (e *Engine) complete(ob *outbound) {
	e.inflight = nil

	e.mu.Lock()
	e.inFlightFlag = 0
	e.outgoingFlag = ob.frame.Flag
	e.counters.FramesAcked++
	if ob.frame.Reset {
		e.resetSequenceLocked()
	}
	e.mu.Unlock()

	e.logger.Debug().Uint8("flag", ob.frame.Flag).Bool("reset", ob.frame.Reset).Msg("frame verified")

	if ob.epoch != e.sentEpoch {
		return
	}
	if !ob.fromExcess {
		e.sentBlocks++
		e.skip = 0
		return
	}
	if e.out.ConsumeExcess(len(ob.frame.Payload), ob.committed, ob.epoch) {
		return
	}
	// the bytes were committed into block sentBlocks meanwhile
	if snap := e.out.Snapshot(); snap.Epoch == ob.epoch {
		e.skip = len(ob.frame.Payload)
	}
}

// encodeWire wraps an encoded frame in preamble and postamble
func encodeWire(f *Frame) ([]byte, error) {
	body, err := EncodeFrame(f)
	if err != nil {
		return nil, err
	}
	wire := make([]byte, 0, len(preamble)+len(body)+len(postamble))
	wire = append(wire, preamble...)
	wire = append(wire, body...)
	wire = append(wire, postamble...)
	return wire, nil
}
