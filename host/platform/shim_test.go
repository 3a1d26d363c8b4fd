package platform_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ocprelay/blockring"
	"ocprelay/host/platform"
	"ocprelay/protocol"
	"ocprelay/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePort collects replies; reads come from a queue and return 0 bytes
// when it is empty
type fakePort struct {
	mu      sync.Mutex
	input   []byte
	written bytes.Buffer
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	if len(p.input) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		p.mu.Lock()
		return 0, nil
	}
	n := copy(b, p.input)
	p.input = p.input[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) push(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.input = append(p.input, s...)
}

func (p *fakePort) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// take returns and clears everything written so far
func (p *fakePort) take() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.written.String()
	p.written.Reset()
	return s
}

type fakeLink struct {
	enabled bool
	resets  int
	status  protocol.Status
}

func (l *fakeLink) StartTransmission() bool {
	was := l.enabled
	l.enabled = true
	return !was
}

func (l *fakeLink) StopTransmission() bool {
	was := l.enabled
	l.enabled = false
	return was
}

func (l *fakeLink) Reset() { l.resets++ }

func (l *fakeLink) Status() protocol.Status {
	st := l.status
	st.Enabled = l.enabled
	return st
}

type fakeGain struct{ level uint8 }

func (g *fakeGain) SetGain(level uint8) error { g.level = level; return nil }
func (g *fakeGain) Gain() uint8               { return g.level }

type harness struct {
	shim  *platform.Shim
	port  *fakePort
	link  *fakeLink
	gain  *fakeGain
	out   *blockring.Manager
	in    *blockring.Manager
	clock time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemory(8)
	out, err := blockring.New(store, blockring.Config{BlockStart: 0, BlockLimit: 4})
	require.NoError(t, err)
	in, err := blockring.New(store, blockring.Config{BlockStart: 4, BlockLimit: 8})
	require.NoError(t, err)

	h := &harness{
		port:  &fakePort{},
		link:  &fakeLink{},
		gain:  &fakeGain{},
		out:   out,
		in:    in,
		clock: time.Unix(1000, 0),
	}
	h.shim, err = platform.NewShim(platform.Config{
		EscapeGuard: time.Second,
		Forward:     true,
		Gain:        h.gain,
		Now:         func() time.Time { return h.clock },
	}, h.port, out, in, h.link)
	require.NoError(t, err)
	return h
}

// enterCommandMode sends the escape and lets the guard time pass
func (h *harness) enterCommandMode(t *testing.T) {
	t.Helper()
	require.NoError(t, h.shim.Feed([]byte("+++")))
	h.clock = h.clock.Add(time.Second)
	h.shim.Tick()
	require.Equal(t, platform.ModeCommand, h.shim.Mode())
	require.Equal(t, "OK\r\n", h.port.take())
}

func (h *harness) command(t *testing.T, line string) string {
	t.Helper()
	require.NoError(t, h.shim.Feed([]byte(line+"\r")))
	return h.port.take()
}

func TestDataModeFillsOutgoingBuffer(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.shim.Feed([]byte("hello")))
	assert.Equal(t, uint64(5), h.out.Length())
	assert.Equal(t, []byte("hello"), h.out.Excess())
	assert.Equal(t, platform.ModeData, h.shim.Mode())
}

func TestEscapeNeedsGuardTime(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.shim.Feed([]byte("+++")))
	h.clock = h.clock.Add(500 * time.Millisecond)
	h.shim.Tick()
	assert.Equal(t, platform.ModeData, h.shim.Mode())

	// data within the guard time releases the held characters
	require.NoError(t, h.shim.Feed([]byte("x")))
	assert.Equal(t, []byte("+++x"), h.out.Excess())

	h.clock = h.clock.Add(2 * time.Second)
	h.shim.Tick()
	assert.Equal(t, platform.ModeData, h.shim.Mode())
}

func TestFourPlusesAreData(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.shim.Feed([]byte("a++++")))
	h.clock = h.clock.Add(2 * time.Second)
	h.shim.Tick()
	assert.Equal(t, platform.ModeData, h.shim.Mode())
	assert.Equal(t, []byte("a++++"), h.out.Excess())
}

func TestEscapeDetectedOnNextInput(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.shim.Feed([]byte("+++")))
	h.clock = h.clock.Add(time.Second)
	require.NoError(t, h.shim.Feed([]byte("AT\r")))

	assert.Equal(t, platform.ModeCommand, h.shim.Mode())
	assert.Equal(t, "OK\r\nOK\r\n", h.port.take())
	assert.Equal(t, uint64(0), h.out.Length())
}

func TestBufferQueries(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.shim.Feed(bytes.Repeat([]byte{'d'}, 600)))
	_, err := h.in.Write([]byte("abc"))
	require.NoError(t, err)
	h.enterCommandMode(t)

	assert.Equal(t, "+LEN: 600\r\nOK\r\n", h.command(t, "AT+LEN?"))
	assert.Equal(t, "+REM: 1448\r\nOK\r\n", h.command(t, "at+rem?"))
	assert.Equal(t, "+SIZE: 2560\r\nOK\r\n", h.command(t, "AT+SIZE?"))
	assert.Equal(t, "+RXLEN: 3\r\nOK\r\n", h.command(t, "AT+RXLEN?"))
}

func TestFlushCommand(t *testing.T) {
	tests := []struct {
		cmd           string
		outLen, inLen uint64
		reply         string
	}{
		{"AT+FLUSH", 0, 0, "OK\r\n"},
		{"AT+FLUSH out", 0, 4, "OK\r\n"},
		{"AT+FLUSH IN", 5, 0, "OK\r\n"},
		{"AT+FLUSH sideways", 5, 4, "ERROR\r\n"},
		{"AT+FLUSH in out", 5, 4, "ERROR\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.shim.Feed([]byte("hello")))
			_, err := h.in.Write([]byte("data"))
			require.NoError(t, err)
			h.enterCommandMode(t)

			assert.Equal(t, tt.reply, h.command(t, tt.cmd))
			assert.Equal(t, tt.outLen, h.out.Length())
			assert.Equal(t, tt.inLen, h.in.Length())
		})
	}
}

func TestLinkCommands(t *testing.T) {
	h := newHarness(t)
	h.link.status = protocol.Status{
		Mode:         protocol.ModePending,
		TxMode:       protocol.TxStream,
		OutgoingFlag: 5,
		ExpectedFlag: 3,
		Counters:     protocol.Counters{FramesSent: 7, FramesAcked: 5, Retransmits: 2},
	}
	h.enterCommandMode(t)

	assert.Equal(t, "OK\r\n", h.command(t, "AT+TXSTART"))
	assert.True(t, h.link.enabled)
	assert.Equal(t, "ERROR\r\n", h.command(t, "AT+TXSTART"))

	stat := h.command(t, "AT+STAT?")
	assert.Contains(t, stat, "+STAT: mode=pending tx=stream enabled=1 out=5 in=3\r\n")
	assert.Contains(t, stat, "sent=7 retx=2 acked=5")
	assert.True(t, strings.HasSuffix(stat, "OK\r\n"))

	assert.Equal(t, "OK\r\n", h.command(t, "AT+TXSTOP"))
	assert.False(t, h.link.enabled)
	assert.Equal(t, "ERROR\r\n", h.command(t, "AT+TXSTOP"))

	assert.Equal(t, "OK\r\n", h.command(t, "AT+RESET"))
	assert.Equal(t, 1, h.link.resets)
}

func TestGainCommands(t *testing.T) {
	h := newHarness(t)
	h.enterCommandMode(t)

	assert.Equal(t, "OK\r\n", h.command(t, "AT+GAIN=200"))
	assert.Equal(t, uint8(200), h.gain.level)
	assert.Equal(t, "+GAIN: 200\r\nOK\r\n", h.command(t, "AT+GAIN?"))
	assert.Equal(t, "ERROR\r\n", h.command(t, "AT+GAIN=256"))
	assert.Equal(t, "ERROR\r\n", h.command(t, "AT+GAIN=loud"))
}

func TestGainWithoutControl(t *testing.T) {
	store := storage.NewMemory(2)
	out, _ := blockring.New(store, blockring.Config{BlockStart: 0, BlockLimit: 1})
	in, _ := blockring.New(store, blockring.Config{BlockStart: 1, BlockLimit: 2})
	port := &fakePort{}
	shim, err := platform.NewShim(platform.Config{EscapeGuard: time.Nanosecond}, port, out, in, &fakeLink{})
	require.NoError(t, err)

	require.NoError(t, shim.Feed([]byte("+++")))
	time.Sleep(time.Millisecond)
	require.NoError(t, shim.Feed([]byte("AT+GAIN=1\r")))
	assert.Equal(t, "OK\r\nERROR\r\n", port.take())
}

func TestUnknownAndOverlongCommands(t *testing.T) {
	h := newHarness(t)
	h.enterCommandMode(t)

	assert.Equal(t, "ERROR\r\n", h.command(t, "AT+WARP"))
	assert.Equal(t, "ERROR\r\n", h.command(t, `AT+FLUSH "unterminated`))
	assert.Equal(t, "ERROR\r\n", h.command(t, strings.Repeat("A", 200)))
	assert.Equal(t, "OK\r\n", h.command(t, "AT"))

	// blank lines are ignored
	require.NoError(t, h.shim.Feed([]byte("\r\n")))
	assert.Empty(t, h.port.take())
}

func TestOnlineReturnsToDataMode(t *testing.T) {
	h := newHarness(t)
	h.enterCommandMode(t)

	assert.Equal(t, "OK\r\n", h.command(t, "ATO"))
	assert.Equal(t, platform.ModeData, h.shim.Mode())

	require.NoError(t, h.shim.Feed([]byte("more")))
	assert.Equal(t, []byte("more"), h.out.Excess())
}

func TestDeliverForwardsInDataMode(t *testing.T) {
	h := newHarness(t)

	h.shim.Deliver([]byte("payload"))
	assert.Equal(t, "payload", h.port.take())
	assert.Equal(t, uint64(7), h.in.Length())

	// command mode keeps the payload buffered only
	h.enterCommandMode(t)
	h.shim.Deliver([]byte("later"))
	assert.Empty(t, h.port.take())
	assert.Equal(t, uint64(12), h.in.Length())
}

func TestRunReadsPort(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.shim.Run(ctx) }()

	h.port.push("stream")
	require.Eventually(t, func() bool { return h.out.Length() == 6 }, time.Second, time.Millisecond)

	h.port.close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the port closed")
	}
}

func TestNewShimRejectsMissingParts(t *testing.T) {
	h := newHarness(t)
	_, err := platform.NewShim(platform.Config{}, nil, h.out, h.in, h.link)
	assert.Error(t, err)
	_, err = platform.NewShim(platform.Config{}, h.port, nil, h.in, h.link)
	assert.Error(t, err)
	_, err = platform.NewShim(platform.Config{}, h.port, h.out, h.in, nil)
	assert.Error(t, err)
}
