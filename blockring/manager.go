// Package blockring stores an unbounded byte stream as fixed-size blocks in
// a ring of block addresses, staging the partial tail block in memory.
package blockring

import (
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BlockSize is the size of one persisted block
const BlockSize = 512

var (
	ErrPersistenceIntegrity = errors.New("block write could not be verified")
	ErrClosed               = errors.New("buffer manager closed")
	ErrBlockNotCommitted    = errors.New("block not committed")
	ErrOverrun              = errors.New("block overwritten before it was read")
	ErrInvalidRange         = errors.New("invalid block range")
)

// BlockStore is an addressable device of BlockSize blocks. Addressing is
// assumed reliable, content is not.
type BlockStore interface {
	ReadBlock(addr uint32) ([]byte, error)
	WriteBlock(addr uint32, data []byte) error
}

// Cursor tracks the write position of one direction.
// BlockPointer stays in [BlockStart, BlockLimit); reaching BlockLimit wraps
// it to BlockStart. BytePointer indexes the excess buffer.
type Cursor struct {
	BlockStart   uint32
	BlockLimit   uint32
	BlockPointer uint32
	BytePointer  int
}

// Config holds the manager configuration
type Config struct {
	Name       string // direction, used in logs
	BlockStart uint32
	BlockLimit uint32

	// RetryDelay is the pause between write-verify attempts
	RetryDelay time.Duration

	// MaxWriteAttempts caps write-verify attempts per block; 0 retries forever
	MaxWriteAttempts int

	Logger zerolog.Logger
}

// Snapshot is a consistent view of the manager taken under its lock
type Snapshot struct {
	Cursor    Cursor
	Committed uint64
	Epoch     uint64
	Excess    []byte
	LastPush  time.Time
}

// Stats reports buffer usage
type Stats struct {
	Length        uint64
	Remaining     uint64
	Capacity      uint64
	Size          uint64
	Cursor        Cursor
	Committed     uint64
	Epoch         uint64
	VerifyRetries uint64
	LastPush      time.Time
}

// Manager presents an append-only byte stream backed by a BlockStore.
// Every method is serialised by one mutex; Push may hold it for the whole
// write-verify loop of a block.
type Manager struct {
	mu     sync.Mutex
	store  BlockStore
	cfg    Config
	logger zerolog.Logger

	cursor    Cursor
	excess    [BlockSize]byte
	committed uint64 // blocks committed since the last flush
	epoch     uint64 // incremented by Flush
	retries   uint64
	lastPush  time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a manager over the half-open address range
// [cfg.BlockStart, cfg.BlockLimit)
func New(store BlockStore, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("block store cannot be nil")
	}
	if cfg.BlockLimit <= cfg.BlockStart {
		return nil, fmt.Errorf("%w: start %d, limit %d", ErrInvalidRange, cfg.BlockStart, cfg.BlockLimit)
	}
	if cfg.Name == "" {
		cfg.Name = "outgoing"
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "blockring").Str("direction", cfg.Name).Logger(),
		cursor: Cursor{
			BlockStart:   cfg.BlockStart,
			BlockLimit:   cfg.BlockLimit,
			BlockPointer: cfg.BlockStart,
		},
		closed: make(chan struct{}),
	}, nil
}

// Push appends one byte. When the excess buffer fills it is persisted with
// write-verify before Push returns.
func (m *Manager) Push(b byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushLocked(b)
}

// Write pushes every byte of p, stopping at the first failure
func (m *Manager) Write(p []byte) (int, error) {
	for i, b := range p {
		if err := m.Push(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

func (m *Manager) pushLocked(b byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	// A previous commit gave up; the full block must land before new data
	if m.cursor.BytePointer == BlockSize {
		if err := m.commitLocked(); err != nil {
			return err
		}
	}

	m.excess[m.cursor.BytePointer] = b
	m.cursor.BytePointer++
	m.lastPush = time.Now()

	if m.cursor.BytePointer == BlockSize {
		return m.commitLocked()
	}
	return nil
}

// commitLocked persists the full excess buffer at BlockPointer
func (m *Manager) commitLocked() error {
	addr := m.cursor.BlockPointer
	if err := m.writeVerified(addr, m.excess[:]); err != nil {
		return err
	}

	m.cursor.BlockPointer = m.next(addr)
	m.committed++
	clear(m.excess[:])
	m.cursor.BytePointer = 0

	m.logger.Debug().
		Uint32("block", addr).
		Uint64("committed", m.committed).
		Msg("block committed")
	return nil
}

// writeVerified writes data, reads it back and compares checksums until
// they match or the attempt cap is reached
func (m *Manager) writeVerified(addr uint32, data []byte) error {
	want := md5.Sum(data)

	for attempt := 1; ; attempt++ {
		err := m.store.WriteBlock(addr, data)
		if err == nil {
			var got []byte
			got, err = m.store.ReadBlock(addr)
			if err == nil {
				if sum := md5.Sum(got); bytes.Equal(sum[:], want[:]) {
					return nil
				}
				err = errors.New("read-back checksum mismatch")
			}
		}

		m.retries++
		m.logger.Warn().
			Err(err).
			Uint32("block", addr).
			Int("attempt", attempt).
			Msg("block write not verified, retrying")

		if m.cfg.MaxWriteAttempts > 0 && attempt >= m.cfg.MaxWriteAttempts {
			return fmt.Errorf("%w: block %d after %d attempts: %v", ErrPersistenceIntegrity, addr, attempt, err)
		}

		select {
		case <-m.closed:
			return ErrClosed
		case <-time.After(m.cfg.RetryDelay):
		}
	}
}

// next returns the address after addr, wrapping to BlockStart
func (m *Manager) next(addr uint32) uint32 {
	addr++
	if addr >= m.cursor.BlockLimit {
		return m.cursor.BlockStart
	}
	return addr
}

// Blocks returns the number of block addresses in the ring
func (m *Manager) Blocks() uint64 {
	return uint64(m.cfg.BlockLimit - m.cfg.BlockStart)
}

// AddressOf returns the store address of the index-th block committed since
// the last flush
func (m *Manager) AddressOf(index uint64) uint32 {
	return m.cfg.BlockStart + uint32(index%m.Blocks())
}

func (m *Manager) lengthLocked() uint64 {
	return uint64(m.cursor.BlockPointer-m.cursor.BlockStart)*BlockSize + uint64(m.cursor.BytePointer)
}

// Length returns the bytes held in the ring relative to BlockStart
func (m *Manager) Length() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lengthLocked()
}

// Capacity returns the number of bytes the block range can hold
func (m *Manager) Capacity() uint64 {
	return m.Blocks() * BlockSize
}

// Remaining returns Capacity minus Length
func (m *Manager) Remaining() uint64 {
	return m.Capacity() - m.Length()
}

// Size returns the total storage footprint: the block range plus the
// in-memory excess block
func (m *Manager) Size() uint64 {
	return m.Capacity() + BlockSize
}

// Flush rewinds the cursor and clears the excess buffer. Blocks already in
// the store are left in place and become overwritable.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cursor.BlockPointer = m.cursor.BlockStart
	m.cursor.BytePointer = 0
	clear(m.excess[:])
	m.committed = 0
	m.epoch++

	m.logger.Info().Uint64("epoch", m.epoch).Msg("buffer flushed")
}

// ReadBlock returns a committed block from the store. For the address one
// past the last committed block it returns the excess buffer contents
// (BytePointer bytes) without forcing a flush.
func (m *Manager) ReadBlock(addr uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr < m.cursor.BlockStart || addr >= m.cursor.BlockLimit {
		return nil, fmt.Errorf("%w: address %d outside [%d, %d)",
			ErrBlockNotCommitted, addr, m.cursor.BlockStart, m.cursor.BlockLimit)
	}
	if addr == m.cursor.BlockPointer {
		return m.excessLocked(), nil
	}
	if m.committed < m.Blocks() && addr > m.cursor.BlockPointer {
		return nil, fmt.Errorf("%w: address %d", ErrBlockNotCommitted, addr)
	}
	return m.store.ReadBlock(addr)
}

// ReadCommitted returns the index-th block committed during epoch. It fails
// with ErrOverrun once the ring has wrapped over that block.
func (m *Manager) ReadCommitted(index, epoch uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || index >= m.committed {
		return nil, fmt.Errorf("%w: index %d epoch %d", ErrBlockNotCommitted, index, epoch)
	}
	if m.committed-index > m.Blocks() {
		return nil, fmt.Errorf("%w: index %d, committed %d", ErrOverrun, index, m.committed)
	}
	return m.store.ReadBlock(m.AddressOf(index))
}

func (m *Manager) excessLocked() []byte {
	out := make([]byte, m.cursor.BytePointer)
	copy(out, m.excess[:m.cursor.BytePointer])
	return out
}

// Excess returns a copy of the unflushed bytes
func (m *Manager) Excess() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.excessLocked()
}

// Cursor returns the current cursor
func (m *Manager) Cursor() Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// Committed returns the number of blocks committed since the last flush
func (m *Manager) Committed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// Epoch returns the flush generation
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// LastPush returns the time of the most recent Push
func (m *Manager) LastPush() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPush
}

// Snapshot returns cursor, counters and excess copy atomically
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Cursor:    m.cursor,
		Committed: m.committed,
		Epoch:     m.epoch,
		Excess:    m.excessLocked(),
		LastPush:  m.lastPush,
	}
}

// ConsumeExcess drops the first n excess bytes once they have been
// delivered. It only applies if no block was committed and no flush
// happened since the snapshot the bytes were taken from.
func (m *Manager) ConsumeExcess(n int, committed, epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || committed != m.committed || n > m.cursor.BytePointer {
		return false
	}

	left := m.cursor.BytePointer - n
	copy(m.excess[:left], m.excess[n:m.cursor.BytePointer])
	clear(m.excess[left:])
	m.cursor.BytePointer = left
	return true
}

// Stats returns a usage report
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	length := m.lengthLocked()
	capacity := m.Capacity()
	return Stats{
		Length:        length,
		Remaining:     capacity - length,
		Capacity:      capacity,
		Size:          capacity + BlockSize,
		Cursor:        m.cursor,
		Committed:     m.committed,
		Epoch:         m.epoch,
		VerifyRetries: m.retries,
		LastPush:      m.lastPush,
	}
}

// Close aborts any write-verify loop in progress and rejects further pushes
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
