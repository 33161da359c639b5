package apply

import (
	"io"
	"os"
	"sync"
)

// Store defines the interface for firmware image backends. Offsets are
// byte offsets in the image.
//
// Writing past the end of a store's capacity fails with io.EOF; writing to
// a read-only store fails with os.ErrPermission.
type Store interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the current image size in bytes.
	Size() int64

	// Truncate sets the image size, discarding data past size.
	Truncate(size int64) error

	// Sync flushes any cached writes to storage.
	Sync() error
}

// MemoryStore implements Store using an in-memory buffer of fixed capacity.
type MemoryStore struct {
	data     []byte
	size     int64
	readOnly bool
	mutex    sync.RWMutex
}

// NewMemoryStore creates an in-memory store holding up to capacity bytes.
func NewMemoryStore(capacity int64) *MemoryStore {
	return &MemoryStore{
		data: make([]byte, capacity),
	}
}

// Capacity returns the largest image the store can hold.
func (m *MemoryStore) Capacity() int64 {
	return int64(len(m.data))
}

// Size returns the image size.
func (m *MemoryStore) Size() int64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.size
}

// ReadAt reads image bytes at off.
func (m *MemoryStore) ReadAt(p []byte, off int64) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if off < 0 || off >= m.size {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:m.size])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes image bytes at off, growing the image as needed.
func (m *MemoryStore) WriteAt(p []byte, off int64) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.readOnly {
		return 0, os.ErrPermission
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.EOF
	}

	n := copy(m.data[off:], p)
	if end := off + int64(n); end > m.size {
		m.size = end
	}
	return n, nil
}

// Truncate sets the image size.
func (m *MemoryStore) Truncate(size int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.readOnly {
		return os.ErrPermission
	}
	if size < 0 || size > int64(len(m.data)) {
		return io.EOF
	}
	if size > m.size {
		clear(m.data[m.size:size])
	}
	m.size = size
	return nil
}

// Sync is a no-op for memory storage.
func (m *MemoryStore) Sync() error {
	return nil
}

// Bytes returns a copy of the image.
func (m *MemoryStore) Bytes() []byte {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]byte, m.size)
	copy(out, m.data[:m.size])
	return out
}

// IsReadOnly returns whether the store is read-only.
func (m *MemoryStore) IsReadOnly() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.readOnly
}

// SetReadOnly sets the read-only flag.
func (m *MemoryStore) SetReadOnly(readOnly bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.readOnly = readOnly
}

// FileStore implements Store using a file.
type FileStore struct {
	file     *os.File
	capacity int64
	size     int64
	mutex    sync.RWMutex
}

// NewFileStore creates or truncates the image file at path. A positive
// capacity limits the image size.
func NewFileStore(path string, capacity int64) (*FileStore, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	return &FileStore{
		file:     file,
		capacity: capacity,
	}, nil
}

// Name returns the path of the image file.
func (f *FileStore) Name() string {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	if f.file == nil {
		return ""
	}
	return f.file.Name()
}

// Size returns the image size.
func (f *FileStore) Size() int64 {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.size
}

// ReadAt reads image bytes from the file.
func (f *FileStore) ReadAt(p []byte, off int64) (int, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	if f.file == nil {
		return 0, os.ErrClosed
	}
	if off < 0 || off >= f.size {
		return 0, io.EOF
	}
	if rest := f.size - off; int64(len(p)) > rest {
		n, err := f.file.ReadAt(p[:rest], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return f.file.ReadAt(p, off)
}

// WriteAt writes image bytes to the file.
func (f *FileStore) WriteAt(p []byte, off int64) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return 0, os.ErrClosed
	}
	end := off + int64(len(p))
	if off < 0 || (f.capacity > 0 && end > f.capacity) {
		return 0, io.EOF
	}

	n, err := f.file.WriteAt(p, off)
	if e := off + int64(n); e > f.size {
		f.size = e
	}
	return n, err
}

// Truncate sets the image size.
func (f *FileStore) Truncate(size int64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return os.ErrClosed
	}
	if size < 0 || (f.capacity > 0 && size > f.capacity) {
		return io.EOF
	}
	if err := f.file.Truncate(size); err != nil {
		return err
	}
	f.size = size
	return nil
}

// Sync flushes file writes to disk.
func (f *FileStore) Sync() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return os.ErrClosed
	}
	return f.file.Sync()
}

// Close closes the underlying file.
func (f *FileStore) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file != nil {
		err := f.file.Close()
		f.file = nil
		return err
	}
	return nil
}
