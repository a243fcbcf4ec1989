package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Slot is a single named storage location holding the serialized log.
// Reads and writes replace the whole value.
type Slot interface {
	// Read returns the stored value, or nil when nothing is stored.
	Read() ([]byte, error)
	Write(data []byte) error
}

// FileSlot stores the log as a JSON file. The parent directory is created
// lazily on the first Write.
type FileSlot struct {
	mu   sync.Mutex
	path string
}

// NewFileSlot returns a slot backed by the file at path.
func NewFileSlot(path string) *FileSlot {
	return &FileSlot{path: path}
}

// Path returns the backing file path.
func (s *FileSlot) Path() string {
	return s.path
}

// Read returns the file contents, or nil if the file does not exist.
func (s *FileSlot) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	return data, nil
}

// Write replaces the file atomically via a temp file and rename.
func (s *FileSlot) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".history-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

// MemorySlot keeps the value in memory.
type MemorySlot struct {
	mu   sync.Mutex
	data []byte
}

// NewMemorySlot returns a slot pre-filled with data (which may be nil).
func NewMemorySlot(data []byte) *MemorySlot {
	return &MemorySlot{data: data}
}

func (s *MemorySlot) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	return append([]byte(nil), s.data...), nil
}

func (s *MemorySlot) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}
