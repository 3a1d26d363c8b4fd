package optical

import (
	"bytes"
	"sync"
	"time"

	"ocprelay/protocol"
)

// Filter rewrites or drops a byte on its way to the peer
type Filter func(b byte) (out byte, keep bool)

// Loopback is one end of an in-memory optical link. Bytes sent on one end
// arrive in the receive queue of the other.
type Loopback struct {
	rx       *rxQueue
	peer     *Loopback
	byteTime time.Duration

	mu     sync.Mutex
	filter Filter
	sent   uint64
}

// NewLoopback returns two connected ends. byteTime is the simulated time
// on air per byte and sets the length of beacon tones.
func NewLoopback(byteTime time.Duration) (*Loopback, *Loopback) {
	a := &Loopback{rx: newRxQueue(), byteTime: byteTime}
	b := &Loopback{rx: newRxQueue(), byteTime: byteTime}
	a.peer, b.peer = b, a
	return a, b
}

// SetTxFilter installs a filter on bytes sent from this end; nil removes it
func (l *Loopback) SetTxFilter(f Filter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = f
}

func (l *Loopback) transmit(p []byte) {
	l.mu.Lock()
	f := l.filter
	l.sent += uint64(len(p))
	l.mu.Unlock()

	if f == nil {
		l.peer.rx.push(p)
		return
	}
	out := make([]byte, 0, len(p))
	for _, b := range p {
		if nb, keep := f(b); keep {
			out = append(out, nb)
		}
	}
	l.peer.rx.push(out)
}

// EmitTone sends beacon bytes to the peer and blocks for d
func (l *Loopback) EmitTone(d time.Duration) error {
	l.transmit(bytes.Repeat([]byte{protocol.BeaconByte}, toneBytes(d, l.byteTime)))
	time.Sleep(d)
	return nil
}

func (l *Loopback) SearchCarrier(timeout time.Duration) (bool, error) {
	return l.rx.searchCarrier(timeout), nil
}

func (l *Loopback) SendByte(b byte) error {
	l.transmit([]byte{b})
	return nil
}

func (l *Loopback) ByteAvailable() bool {
	return l.rx.available()
}

func (l *Loopback) ReadByte() (byte, error) {
	return l.rx.readByte()
}

func (l *Loopback) FlushReceiveBuffer() error {
	l.rx.reset()
	return nil
}

// Sent returns the number of bytes sent from this end, before filtering
func (l *Loopback) Sent() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent
}
