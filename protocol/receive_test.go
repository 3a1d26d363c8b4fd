package protocol

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wireFrame(t *testing.T, flag uint8, payload []byte, reset bool) []byte {
	t.Helper()
	wire, err := encodeWire(&Frame{Flag: flag, Payload: payload, Reset: reset})
	require.NoError(t, err)
	return wire
}

func rawFrame(t *testing.T, flag uint8, payload []byte, reset bool) []byte {
	t.Helper()
	data, err := EncodeFrame(&Frame{Flag: flag, Payload: payload, Reset: reset})
	require.NoError(t, err)
	return data
}

func TestReceiveAcceptsExpectedFlag(t *testing.T) {
	h := newHarness(t, testConfig())

	reset, err := h.engine.handleFrame(rawFrame(t, 1, []byte("first"), false))
	require.NoError(t, err)
	assert.False(t, reset)

	assert.Equal(t, [][]byte{[]byte("first")}, h.payloads())
	assert.Equal(t, uint8(2), h.engine.ExpectedIncomingFlag())
	assert.Equal(t, bytes.Repeat([]byte{VerifyByte, 1}, 3), h.xcvr.sentBytes())
	assert.Equal(t, uint64(1), h.engine.Status().FramesReceived)
}

func TestReceiveDropsUnexpectedFlag(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.expectedFlag = 3

	_, err := h.engine.handleFrame(rawFrame(t, 2, []byte("old"), false))
	require.NoError(t, err)

	assert.Empty(t, h.payloads())
	assert.Equal(t, uint8(3), h.engine.ExpectedIncomingFlag())
	assert.Empty(t, h.xcvr.sentBytes())
	assert.Equal(t, uint64(1), h.engine.Status().FramesDropped)
}

func TestReceiveEchoesDuplicateAgain(t *testing.T) {
	h := newHarness(t, testConfig())
	frame := rawFrame(t, 1, []byte("once"), false)

	_, err := h.engine.handleFrame(frame)
	require.NoError(t, err)
	_, err = h.engine.handleFrame(frame)
	require.NoError(t, err)

	assert.Len(t, h.payloads(), 1)
	assert.Equal(t, uint8(2), h.engine.ExpectedIncomingFlag())
	assert.Equal(t, bytes.Repeat([]byte{VerifyByte, 1}, 6), h.xcvr.sentBytes())
	assert.Equal(t, uint64(1), h.engine.Status().Duplicates)
}

func TestReceiveDropsCorruptFrames(t *testing.T) {
	h := newHarness(t, testConfig())
	payload := []byte("payload")

	testCases := map[string][]byte{
		"checksum": appendFrame(nil, "1", Checksum([]byte("other!!")), "7", payload, false),
		"length":   appendFrame(nil, "1", Checksum(payload), "6", payload, false),
		"garbage":  []byte("[data-header][flag]1[footer]"),
	}
	for name, frame := range testCases {
		_, err := h.engine.handleFrame(frame)
		require.NoError(t, err, name)
	}

	assert.Empty(t, h.payloads())
	assert.Empty(t, h.xcvr.sentBytes())
	assert.Equal(t, uint8(1), h.engine.ExpectedIncomingFlag())
	assert.Equal(t, uint64(len(testCases)), h.engine.Status().FramesDropped)

	// a corrupted repeat of an accepted frame is not echoed either
	_, err := h.engine.handleFrame(rawFrame(t, 1, payload, false))
	require.NoError(t, err)
	echoes := len(h.xcvr.sentBytes())
	_, err = h.engine.handleFrame(appendFrame(nil, "1", Checksum(payload), "7", []byte("PAYLOAD"), false))
	require.NoError(t, err)
	assert.Len(t, h.xcvr.sentBytes(), echoes)
}

func TestReceiveFlagWraps(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.expectedFlag = FlagMax

	_, err := h.engine.handleFrame(rawFrame(t, FlagMax, []byte("last"), false))
	require.NoError(t, err)
	assert.Equal(t, uint8(1), h.engine.ExpectedIncomingFlag())
}

func TestReceiveResetFrame(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.outgoingFlag = 7
	h.engine.expectedFlag = 10

	reset, err := h.engine.handleFrame(rawFrame(t, 10, []byte("end"), true))
	require.NoError(t, err)
	assert.True(t, reset)

	assert.Equal(t, uint8(0), h.engine.OutgoingFlag())
	assert.Equal(t, uint8(1), h.engine.ExpectedIncomingFlag())
	assert.Equal(t, [][]byte{[]byte("end")}, h.payloads())

	// the last frame can still be re-echoed after the reset
	_, err = h.engine.handleFrame(rawFrame(t, 10, []byte("end"), true))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.engine.Status().Duplicates)
	assert.Len(t, h.payloads(), 1)
}

func TestReceiveResetFrameSurvivesFailedEcho(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.expectedFlag = 3
	end := rawFrame(t, 3, []byte("end"), true)

	h.xcvr.failSends = 1
	reset, err := h.engine.handleFrame(end)
	assert.ErrorIs(t, err, errSendFailed)
	assert.True(t, reset)
	assert.Equal(t, uint8(1), h.engine.ExpectedIncomingFlag())

	// the retransmission is echoed without a second delivery
	reset, err = h.engine.handleFrame(end)
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, bytes.Repeat([]byte{VerifyByte, 3}, 3), h.xcvr.sentBytes())
	assert.Equal(t, uint64(1), h.engine.Status().Duplicates)

	// and the sender's new stream is accepted
	_, err = h.engine.handleFrame(rawFrame(t, 1, []byte("next"), false))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("end"), []byte("next")}, h.payloads())
	assert.Equal(t, uint8(2), h.engine.ExpectedIncomingFlag())
}

func TestReceiveStreamFromWire(t *testing.T) {
	h := newHarness(t, testConfig())

	tricky := []byte{FrameStartByte, FrameStartByte, FrameStartByte, FrameStartByte, FrameEndByte, VerifyByte, BeaconByte}
	tricky = append(tricky, []byte(TokenPayload+TokenReset+"1"+TokenClose)...)

	var stream []byte
	stream = append(stream, BeaconByte, BeaconByte, 0x00, 0x17)
	stream = append(stream, wireFrame(t, 1, tricky, false)...)
	stream = append(stream, 0xEE)
	stream = append(stream, wireFrame(t, 2, []byte("tail"), true)...)
	h.xcvr.feed(stream)

	require.NoError(t, h.engine.receive(context.Background()))
	assert.Equal(t, [][]byte{tricky, []byte("tail")}, h.payloads())
	assert.Equal(t, uint8(1), h.engine.ExpectedIncomingFlag())
}

func TestReceiveSkipsOversizedFrame(t *testing.T) {
	h := newHarness(t, testConfig())

	var stream []byte
	stream = append(stream, preamble...)
	stream = append(stream, appendFrame(nil, "1", Checksum(nil), "999", nil, false)...)
	stream = append(stream, wireFrame(t, 1, []byte("ok"), true)...)
	h.xcvr.feed(stream)

	require.NoError(t, h.engine.receive(context.Background()))
	assert.Equal(t, [][]byte{[]byte("ok")}, h.payloads())
	assert.Equal(t, uint64(1), h.engine.Status().FramesDropped)
}

func TestReceiveLingersThenTimesOut(t *testing.T) {
	h := newHarness(t, testConfig())
	h.xcvr.feed(wireFrame(t, 1, []byte("more coming"), false))

	start := time.Now()
	require.NoError(t, h.engine.receive(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), h.engine.cfg.FrameWindow)
	assert.Len(t, h.payloads(), 1)
}

func TestReceiveAnswersNewBeaconRun(t *testing.T) {
	h := newHarness(t, testConfig())
	h.xcvr.feed([]byte{BeaconByte, BeaconByte, 0x00, BeaconByte, BeaconByte, 0x01})

	found, err := h.engine.awaitPreamble(context.Background(), time.Now().Add(20*time.Millisecond), true)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, h.xcvr.tones)
}

func TestReceiveAnswersHandshakeWhileLingering(t *testing.T) {
	h := newHarness(t, testConfig())

	var stream []byte
	stream = append(stream, wireFrame(t, 1, []byte("one"), false)...)
	stream = append(stream, BeaconByte, BeaconByte, BeaconByte)
	stream = append(stream, wireFrame(t, 2, []byte("two"), true)...)
	h.xcvr.feed(stream)

	require.NoError(t, h.engine.receive(context.Background()))
	assert.Equal(t, 1, h.xcvr.tones)
	assert.Len(t, h.payloads(), 2)
}

func TestListenAnswersCarrier(t *testing.T) {
	h := newHarness(t, testConfig())
	h.xcvr.carrier = true
	h.xcvr.feed(wireFrame(t, 1, []byte("hi"), true))

	require.NoError(t, h.engine.listen(context.Background()))
	assert.Equal(t, 1, h.xcvr.tones)
	assert.Equal(t, [][]byte{[]byte("hi")}, h.payloads())
	assert.Equal(t, ModeIdle, h.engine.Mode())
}

func TestRunInboundStopsOnCancel(t *testing.T) {
	h := newHarness(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.RunInbound(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunInbound did not return")
	}
}
