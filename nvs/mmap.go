package nvs

import (
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// FileMedium is a partition image kept in a memory-mapped file.
type FileMedium struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	data   mmap.MMap
	closed bool
}

// OpenFileMedium maps the image at path, creating it erased with size bytes if
// missing. An existing image keeps its own size.
func OpenFileMedium(path string, size int64) (*FileMedium, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open partition image: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		if size <= 0 {
			f.Close()
			return nil, fmt.Errorf("partition image %s: size required", path)
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("resize partition image: %w", err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	if fi.Size() == 0 {
		erase(data)
		if err := data.Flush(); err != nil {
			data.Unmap()
			f.Close()
			return nil, fmt.Errorf("flush erased image: %w", err)
		}
	}
	return &FileMedium{path: path, file: f, data: data}, nil
}

func (m *FileMedium) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return readAt(m.data, m.closed, p, off)
}

func (m *FileMedium) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return writeAt(m.data, m.closed, p, off)
}

func (m *FileMedium) Size() int64 { return int64(len(m.data)) }

// Sync flushes the mapping to the file.
func (m *FileMedium) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMediumClosed
	}
	return m.data.Flush()
}

// Close unmaps and closes the file.
func (m *FileMedium) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var err error
	if m.data != nil {
		if e := m.data.Flush(); e != nil {
			err = e
		}
		if e := m.data.Unmap(); e != nil && err == nil {
			err = e
		}
		m.data = nil
	}
	if m.file != nil {
		if e := m.file.Close(); e != nil && err == nil {
			err = e
		}
		m.file = nil
	}
	return err
}
