// Package storage provides BlockStore implementations for the block ring:
// an in-memory store, a file-backed store and an SD card on an SPI bus.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"ocprelay/blockring"
)

// BlockSize is the size of every block handled by the stores
const BlockSize = blockring.BlockSize

var (
	ErrAddress   = errors.New("block address out of range")
	ErrBlockSize = errors.New("block must be exactly 512 bytes")
)

// Memory is a volatile store, mainly for tests and simulation
type Memory struct {
	mu     sync.Mutex
	blocks [][BlockSize]byte
}

// NewMemory creates a memory store with the given number of blocks
func NewMemory(blocks int) *Memory {
	return &Memory{blocks: make([][BlockSize]byte, blocks)}
}

func (m *Memory) ReadBlock(addr uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(addr) >= len(m.blocks) {
		return nil, fmt.Errorf("%w: %d", ErrAddress, addr)
	}
	out := make([]byte, BlockSize)
	copy(out, m.blocks[addr][:])
	return out, nil
}

func (m *Memory) WriteBlock(addr uint32, data []byte) error {
	if len(data) != BlockSize {
		return ErrBlockSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if int(addr) >= len(m.blocks) {
		return fmt.Errorf("%w: %d", ErrAddress, addr)
	}
	copy(m.blocks[addr][:], data)
	return nil
}

// Blocks returns the number of blocks in the store
func (m *Memory) Blocks() int {
	return len(m.blocks)
}

// File stores blocks in a regular file (or a raw block device) at offset
// addr*BlockSize
type File struct {
	f      *os.File
	blocks uint32
	sync   bool
}

// OpenFile opens or creates path and sizes it to hold blocks blocks. With
// syncWrites every write is followed by fsync.
func OpenFile(path string, blocks uint32, syncWrites bool) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open block file %s: %w", path, err)
	}

	size := int64(blocks) * BlockSize
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Mode().IsRegular() && info.Size() < size {
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to size block file %s: %w", path, err)
		}
	}

	return &File{f: f, blocks: blocks, sync: syncWrites}, nil
}

func (s *File) ReadBlock(addr uint32) ([]byte, error) {
	if addr >= s.blocks {
		return nil, fmt.Errorf("%w: %d", ErrAddress, addr)
	}
	out := make([]byte, BlockSize)
	n, err := s.f.ReadAt(out, int64(addr)*BlockSize)
	if err != nil && !(errors.Is(err, io.EOF) && n == BlockSize) {
		return nil, fmt.Errorf("read block %d: %w", addr, err)
	}
	return out, nil
}

func (s *File) WriteBlock(addr uint32, data []byte) error {
	if len(data) != BlockSize {
		return ErrBlockSize
	}
	if addr >= s.blocks {
		return fmt.Errorf("%w: %d", ErrAddress, addr)
	}
	if _, err := s.f.WriteAt(data, int64(addr)*BlockSize); err != nil {
		return fmt.Errorf("write block %d: %w", addr, err)
	}
	if s.sync {
		return s.f.Sync()
	}
	return nil
}

// Blocks returns the number of blocks in the file
func (s *File) Blocks() uint32 {
	return s.blocks
}

// Close closes the underlying file
func (s *File) Close() error {
	return s.f.Close()
}
