package protocol

// FifoBuffer is a circular byte queue used by transceivers to hold received
// bytes until the engine reads them. It is not safe for concurrent use; the
// owner serialises access.
type FifoBuffer struct {
	buf     []byte
	read    int
	write   int
	size    int
	dropped uint64
}

// NewFifoBuffer creates a new FifoBuffer holding up to capacity-1 bytes
func NewFifoBuffer(capacity int) *FifoBuffer {
	if capacity < 2 {
		capacity = 2
	}
	return &FifoBuffer{
		buf:  make([]byte, capacity),
		size: capacity,
	}
}

// Write appends data, dropping whatever does not fit
func (f *FifoBuffer) Write(data []byte) int {
	written := 0
	for _, b := range data {
		if !f.Put(b) {
			f.dropped += uint64(len(data) - written)
			break
		}
		written++
	}
	return written
}

// Put appends one byte; it reports false when the queue is full
func (f *FifoBuffer) Put(b byte) bool {
	next := (f.write + 1) % f.size
	if next == f.read {
		return false
	}
	f.buf[f.write] = b
	f.write = next
	return true
}

// Take removes and returns the oldest byte
func (f *FifoBuffer) Take() (byte, bool) {
	if f.read == f.write {
		return 0, false
	}
	b := f.buf[f.read]
	f.read = (f.read + 1) % f.size
	return b, true
}

// Read reads up to len(data) bytes
func (f *FifoBuffer) Read(data []byte) int {
	n := 0
	for n < len(data) {
		b, ok := f.Take()
		if !ok {
			break
		}
		data[n] = b
		n++
	}
	return n
}

// Available returns the number of bytes queued
func (f *FifoBuffer) Available() int {
	if f.write >= f.read {
		return f.write - f.read
	}
	return f.size - f.read + f.write
}

// Free returns the number of bytes that can still be queued
func (f *FifoBuffer) Free() int {
	return f.size - f.Available() - 1
}

// Dropped returns how many bytes were discarded because the queue was full
func (f *FifoBuffer) Dropped() uint64 {
	return f.dropped
}

// IsEmpty returns true if nothing is queued
func (f *FifoBuffer) IsEmpty() bool {
	return f.read == f.write
}

// Reset discards all queued bytes
func (f *FifoBuffer) Reset() {
	f.read = 0
	f.write = 0
}
