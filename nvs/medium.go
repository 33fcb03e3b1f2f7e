package nvs

import (
	"errors"
	"io"
	"sync"
)

// Medium is the raw storage beneath a partition. Erased bytes read as 0xFF.
type Medium interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	Sync() error
	Close() error
}

var ErrMediumClosed = errors.New("medium_closed")

// MemMedium is a RAM-backed medium.
type MemMedium struct {
	mu     sync.Mutex
	buf    []byte
	closed bool

	// FailWrites makes WriteAt fail after writing FailAfter bytes of the
	// request (0 writes nothing). Used to exercise torn writes.
	FailWrites bool
	FailAfter  int
}

// NewMemMedium returns an erased medium of size bytes.
func NewMemMedium(size int) *MemMedium {
	m := &MemMedium{buf: make([]byte, size)}
	erase(m.buf)
	return m
}

func erase(b []byte) {
	for i := range b {
		b[i] = 0xFF
	}
}

func (m *MemMedium) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return readAt(m.buf, m.closed, p, off)
}

func (m *MemMedium) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		n := min(m.FailAfter, len(p))
		if n > 0 {
			_, _ = writeAt(m.buf, m.closed, p[:n], off)
		}
		return n, errors.New("injected write failure")
	}
	return writeAt(m.buf, m.closed, p, off)
}

func (m *MemMedium) Size() int64 { return int64(len(m.buf)) }
func (m *MemMedium) Sync() error { return nil }

func (m *MemMedium) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Bytes exposes the image for tests that corrupt it on purpose.
func (m *MemMedium) Bytes() []byte { return m.buf }

// Reopen clears the closed flag so a new partition can be taken on the same image.
func (m *MemMedium) Reopen() {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
}

func readAt(buf []byte, closed bool, p []byte, off int64) (int, error) {
	if closed {
		return 0, ErrMediumClosed
	}
	if off < 0 || off >= int64(len(buf)) {
		return 0, io.EOF
	}
	n := copy(p, buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func writeAt(buf []byte, closed bool, p []byte, off int64) (int, error) {
	if closed {
		return 0, ErrMediumClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(buf)) {
		return 0, io.ErrShortWrite
	}
	return copy(buf[off:], p), nil
}
