// Package optical provides protocol.Transceiver implementations: a UART
// driving an IR transceiver and an in-memory loopback pair for simulation
// and tests.
package optical

import (
	"errors"
	"sync"
	"time"

	"ocprelay/protocol"
)

// ErrNoData is returned by ReadByte when nothing has been received
var ErrNoData = errors.New("no received data")

const (
	// receive queue size; a frame plus a burst of echoes fits comfortably
	queueSize = 4096

	pollInterval = 200 * time.Microsecond

	// beacon bytes in a row taken as a carrier; a lone one is the echo of
	// flag 0x55
	carrierRun = 3
)

// rxQueue is the receive side shared by every transceiver
type rxQueue struct {
	mu   sync.Mutex
	fifo *protocol.FifoBuffer
}

func newRxQueue() *rxQueue {
	return &rxQueue{fifo: protocol.NewFifoBuffer(queueSize)}
}

func (q *rxQueue) push(p []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fifo.Write(p)
}

func (q *rxQueue) pop() (byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fifo.Take()
}

func (q *rxQueue) available() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.fifo.IsEmpty()
}

func (q *rxQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fifo.Reset()
}

func (q *rxQueue) dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fifo.Dropped()
}

// searchCarrier consumes received bytes until carrierRun beacon bytes arrive
// in a row or timeout passes. The rest of the tone stays queued.
func (q *rxQueue) searchCarrier(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	run := 0
	for {
		for {
			b, ok := q.pop()
			if !ok {
				break
			}
			if b != protocol.BeaconByte {
				run = 0
				continue
			}
			if run++; run >= carrierRun {
				return true
			}
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

func (q *rxQueue) readByte() (byte, error) {
	b, ok := q.pop()
	if !ok {
		return 0, ErrNoData
	}
	return b, nil
}

// toneBytes is the number of beacon bytes filling d at byteTime per byte
func toneBytes(d, byteTime time.Duration) int {
	if byteTime <= 0 {
		return carrierRun
	}
	n := int(d / byteTime)
	if n < carrierRun {
		n = carrierRun
	}
	return n
}
