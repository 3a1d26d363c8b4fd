package protocol

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ocprelay/blockring"
)

// EngineConfig holds the link timing parameters. All timeouts are fixed
// wall-clock windows; there is no exponential backoff.
type EngineConfig struct {
	BeaconTone    time.Duration // length of an emitted carrier tone
	BeaconTimeout time.Duration // wait for the peer's answering tone
	BeaconBackoff time.Duration // upper bound of the random pause after an unanswered beacon
	VerifyWindow  time.Duration // wait for the verification echo of a frame
	ListenWindow  time.Duration // carrier search window of the idle receiver
	FrameWindow   time.Duration // wait for an announced frame after a handshake
	QuietPeriod   time.Duration // input silence required before a new transmit cycle
	IdlePoll      time.Duration // pause between idle loop iterations
	BytePoll      time.Duration // pause while waiting for a received byte

	// EchoRepeat is how many times an accepted flag is echoed
	EchoRepeat int

	// StreamRetryLimit is the number of unverified retransmissions after
	// which the handshake is redone; 0 keeps retransmitting without one
	StreamRetryLimit int

	// AutoStart enables transmission without an explicit start command
	AutoStart bool

	Logger zerolog.Logger
}

// DefaultEngineConfig returns timings suited to a 115200 baud IR UART
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BeaconTone:       50 * time.Millisecond,
		BeaconTimeout:    250 * time.Millisecond,
		BeaconBackoff:    100 * time.Millisecond,
		VerifyWindow:     300 * time.Millisecond,
		ListenWindow:     100 * time.Millisecond,
		FrameWindow:      time.Second,
		QuietPeriod:      500 * time.Millisecond,
		IdlePoll:         10 * time.Millisecond,
		BytePoll:         time.Millisecond,
		EchoRepeat:       8,
		StreamRetryLimit: 8,
		Logger:           zerolog.Nop(),
	}
}

// Counters are running link statistics
type Counters struct {
	FramesSent     uint64
	Retransmits    uint64
	FramesAcked    uint64
	FramesReceived uint64
	FramesDropped  uint64
	Duplicates     uint64
	BeaconTimeouts uint64
	VerifyTimeouts uint64
	Overruns       uint64
}

// Status is a snapshot of the link state
type Status struct {
	Mode         OperationalMode
	TxMode       TransmissionMode
	Enabled      bool
	OutgoingFlag uint8
	ExpectedFlag uint8
	InFlightFlag uint8 // 0 when nothing awaits verification
	Counters
}

// Engine runs the link protocol over a Transceiver. RunOutbound and
// RunInbound are the two activities and must run concurrently.
type Engine struct {
	cfg    EngineConfig
	out    *blockring.Manager
	xcvr   Transceiver
	sink   PayloadHandler
	logger zerolog.Logger

	// air is held by whichever activity drives the transceiver
	air sync.Mutex

	mu           sync.Mutex
	opMode       OperationalMode
	txMode       TransmissionMode
	enabled      bool
	outgoingFlag uint8 // last flag sent and verified, 0 initially
	expectedFlag uint8 // next flag the receiver accepts
	lastAccepted uint8 // last flag accepted, 0 if none
	reflag       bool  // sequence was reset under an unverified frame
	resetPending bool  // Reset was called; the outbound activity drops its state
	inFlightFlag uint8
	counters     Counters

	// transmit bookkeeping, owned by the outbound activity
	inflight   *outbound
	sentBlocks uint64 // committed blocks fully delivered in sentEpoch
	sentEpoch  uint64
	skip       int // leading bytes of block sentBlocks already delivered
	failures   int // consecutive unverified transmissions
	holdingAir bool
}

// outbound is a frame awaiting verification and where its payload came from
type outbound struct {
	frame      *Frame
	wire       []byte
	fromExcess bool
	committed  uint64 // buffer snapshot the payload was taken from
	epoch      uint64
}

// NewEngine creates an engine draining out over x. Validated inbound
// payloads are passed to sink.
func NewEngine(cfg EngineConfig, out *blockring.Manager, x Transceiver, sink PayloadHandler) (*Engine, error) {
	if out == nil {
		return nil, fmt.Errorf("outgoing buffer cannot be nil")
	}
	if x == nil {
		return nil, fmt.Errorf("transceiver cannot be nil")
	}
	if sink == nil {
		sink = func([]byte) {}
	}
	if cfg.EchoRepeat <= 0 {
		cfg.EchoRepeat = 1
	}

	e := &Engine{
		cfg:          cfg,
		out:          out,
		xcvr:         x,
		sink:         sink,
		logger:       cfg.Logger.With().Str("component", "link").Logger(),
		enabled:      cfg.AutoStart,
		expectedFlag: FlagMin,
		sentEpoch:    out.Epoch(),
	}
	return e, nil
}

// StartTransmission enables the transmit path. It reports false if
// transmission was already enabled.
func (e *Engine) StartTransmission() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled {
		return false
	}
	e.enabled = true
	e.logger.Info().Msg("transmission started")
	return true
}

// StopTransmission disables the transmit path after the current step. An
// unverified frame is kept and resent unchanged on restart. It reports false
// if transmission was not enabled.
func (e *Engine) StopTransmission() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return false
	}
	e.enabled = false
	e.logger.Info().Msg("transmission stopped")
	return true
}

// Reset returns both sequence counters to their initial values and discards
// any unverified frame. Its data is sent again under a fresh flag.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetSequenceLocked()
	e.lastAccepted = 0
	e.resetPending = true
	e.logger.Info().Msg("link reset")
}

// resetSequenceLocked returns the counters to outgoing 0, expected 1
func (e *Engine) resetSequenceLocked() {
	e.outgoingFlag = 0
	e.expectedFlag = FlagMin
	if e.inFlightFlag != 0 {
		e.reflag = true
	}
}

// Status returns a snapshot of modes, flags and counters
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Mode:         e.opMode,
		TxMode:       e.txMode,
		Enabled:      e.enabled,
		OutgoingFlag: e.outgoingFlag,
		ExpectedFlag: e.expectedFlag,
		InFlightFlag: e.inFlightFlag,
		Counters:     e.counters,
	}
}

// Mode returns the operational mode
func (e *Engine) Mode() OperationalMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opMode
}

// OutgoingFlag returns the flag of the last verified frame, 0 before the
// first one or after a reset. After frame 5 is verified it is 5;
// NextOutgoingFlag gives the 6 the following frame carries.
func (e *Engine) OutgoingFlag() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outgoingFlag
}

// NextOutgoingFlag returns the flag the next new frame will carry
func (e *Engine) NextOutgoingFlag() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return NextFlag(e.outgoingFlag)
}

// ExpectedIncomingFlag returns the only flag the receiver currently accepts
func (e *Engine) ExpectedIncomingFlag() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expectedFlag
}

func (e *Engine) isEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// sleep pauses for d unless ctx ends first
func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// nextByte waits for one received byte until deadline. ok is false on
// timeout or cancellation.
func (e *Engine) nextByte(ctx context.Context, deadline time.Time) (b byte, ok bool, err error) {
	for {
		if e.xcvr.ByteAvailable() {
			b, err = e.xcvr.ReadByte()
			if err != nil {
				return 0, false, err
			}
			return b, true, nil
		}
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return 0, false, nil
		}
		time.Sleep(e.cfg.BytePoll)
	}
}

func (e *Engine) send(data []byte) error {
	for _, b := range data {
		if err := e.xcvr.SendByte(b); err != nil {
			return err
		}
	}
	return nil
}
