package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore implements EntryStore on the local filesystem. Entries are
// packed back to back in one data file; a JSON index next to it records the
// entry size.
//
// Directory structure:
//
//	basePath/
//	├── index.json   # {"entry_size": N}
//	└── entries.bin  # entry i at offset i*N
type FileStore struct {
	basePath  string
	entrySize int
	count     int64
	f         *os.File

	mu sync.RWMutex
}

type fileIndex struct {
	EntrySize int `json:"entry_size"`
}

// OpenFileStore opens or creates a store under basePath. An existing store
// must have been created with the same entry size.
func OpenFileStore(basePath string, entrySize int) (*FileStore, error) {
	if entrySize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrEntrySize, entrySize)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &FileStore{basePath: basePath, entrySize: entrySize}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.dataPath(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open entries: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat entries: %w", err)
	}
	if st.Size()%int64(entrySize) != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: data file of %d bytes is not a multiple of %d", ErrEntrySize, st.Size(), entrySize)
	}
	s.f = f
	s.count = st.Size() / int64(entrySize)
	return s, nil
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.basePath, "index.json")
}

func (s *FileStore) dataPath() string {
	return filepath.Join(s.basePath, "entries.bin")
}

// loadIndex checks the entry size of an existing store, or writes the index
// of a new one.
func (s *FileStore) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		data, err := json.MarshalIndent(fileIndex{EntrySize: s.entrySize}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal index: %w", err)
		}
		if err := os.WriteFile(s.indexPath(), data, 0o644); err != nil {
			return fmt.Errorf("failed to write index: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	var idx fileIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("failed to parse index: %w", err)
	}
	if idx.EntrySize != s.entrySize {
		return fmt.Errorf("%w: store holds %d-byte entries, want %d", ErrEntrySize, idx.EntrySize, s.entrySize)
	}
	return nil
}

// EntrySize returns the size every entry must have.
func (s *FileStore) EntrySize() int {
	return s.entrySize
}

// Get reads entries by index.
func (s *FileStore) Get(ctx context.Context, indices []uint64) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]byte, len(indices))
	for i, idx := range indices {
		if idx >= uint64(s.count) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, idx)
		}
		out[i] = make([]byte, s.entrySize)
		if _, err := s.f.ReadAt(out[i], int64(idx)*int64(s.entrySize)); err != nil {
			return nil, fmt.Errorf("failed to read entry %d: %w", idx, err)
		}
	}
	return out, nil
}

// Append writes entries at the end of the data file.
func (s *FileStore) Append(ctx context.Context, entries [][]byte) (uint64, error) {
	buf := make([]byte, 0, len(entries)*s.entrySize)
	for i, e := range entries {
		if len(e) != s.entrySize {
			return 0, fmt.Errorf("%w: entry %d is %d bytes, want %d", ErrEntrySize, i, len(e), s.entrySize)
		}
		buf = append(buf, e...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := uint64(s.count)
	if _, err := s.f.WriteAt(buf, s.count*int64(s.entrySize)); err != nil {
		return 0, fmt.Errorf("failed to write entries: %w", err)
	}
	s.count += int64(len(entries))
	return first, nil
}

// Put overwrites an existing entry.
func (s *FileStore) Put(ctx context.Context, index uint64, entry []byte) error {
	if len(entry) != s.entrySize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrEntrySize, len(entry), s.entrySize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if index >= uint64(s.count) {
		return fmt.Errorf("%w: %d", ErrNotFound, index)
	}
	if _, err := s.f.WriteAt(entry, int64(index)*int64(s.entrySize)); err != nil {
		return fmt.Errorf("failed to write entry %d: %w", index, err)
	}
	return nil
}

// Snapshot reads every entry into memory.
func (s *FileStore) Snapshot(ctx context.Context) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := make([]byte, s.count*int64(s.entrySize))
	if _, err := s.f.ReadAt(buf, 0); err != nil && len(buf) > 0 {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}
	out := make([][]byte, s.count)
	for i := range out {
		out[i] = buf[i*s.entrySize : (i+1)*s.entrySize : (i+1)*s.entrySize]
	}
	return out, nil
}

// Count returns total entry count.
func (s *FileStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count, nil
}

// Close syncs and closes the data file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Sync()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f = nil
	return err
}
