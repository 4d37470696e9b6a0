// Package store provides entry storage backends for the PIR database.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

var (
	ErrNotFound  = errors.New("entry not found")
	ErrEntrySize = errors.New("entry has wrong size")
)

// EntryStore holds fixed-size entries addressed by dense indices.
type EntryStore interface {
	// EntrySize returns the size every entry must have.
	EntrySize() int

	// Get retrieves entries by index.
	Get(ctx context.Context, indices []uint64) ([][]byte, error)

	// Append adds entries and returns the index of the first one.
	Append(ctx context.Context, entries [][]byte) (uint64, error)

	// Put overwrites an existing entry.
	Put(ctx context.Context, index uint64, entry []byte) error

	// Snapshot returns all entries in index order.
	Snapshot(ctx context.Context) ([][]byte, error)

	// Count returns total entry count.
	Count(ctx context.Context) (int64, error)

	// Close closes the store.
	Close() error
}

// MemoryStore is an in-memory entry store.
type MemoryStore struct {
	entrySize int
	entries   [][]byte
	mu        sync.RWMutex
}

// NewMemoryStore creates an empty store of entrySize-byte entries.
func NewMemoryStore(entrySize int) *MemoryStore {
	return &MemoryStore{entrySize: entrySize}
}

// EntrySize returns the size every entry must have.
func (s *MemoryStore) EntrySize() int {
	return s.entrySize
}

// Get retrieves entries by index.
func (s *MemoryStore) Get(ctx context.Context, indices []uint64) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]byte, len(indices))
	for i, idx := range indices {
		if idx >= uint64(len(s.entries)) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, idx)
		}
		out[i] = s.entries[idx]
	}
	return out, nil
}

// Append adds entries and returns the index of the first one. Entries are
// copied.
func (s *MemoryStore) Append(ctx context.Context, entries [][]byte) (uint64, error) {
	for i, e := range entries {
		if len(e) != s.entrySize {
			return 0, fmt.Errorf("%w: entry %d is %d bytes, want %d", ErrEntrySize, i, len(e), s.entrySize)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := uint64(len(s.entries))
	for _, e := range entries {
		s.entries = append(s.entries, append([]byte(nil), e...))
	}
	return first, nil
}

// Put overwrites an existing entry.
func (s *MemoryStore) Put(ctx context.Context, index uint64, entry []byte) error {
	if len(entry) != s.entrySize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrEntrySize, len(entry), s.entrySize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if index >= uint64(len(s.entries)) {
		return fmt.Errorf("%w: %d", ErrNotFound, index)
	}
	s.entries[index] = append([]byte(nil), entry...)
	return nil
}

// Snapshot returns all entries in index order. The slice is a copy; the
// entries themselves are shared and must not be modified.
func (s *MemoryStore) Snapshot(ctx context.Context) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([][]byte(nil), s.entries...), nil
}

// Count returns total entry count.
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	return nil
}

// FillRandom appends n pseudo-random entries drawn from seed.
func FillRandom(ctx context.Context, s EntryStore, n int, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	const chunk = 1 << 14
	for done := 0; done < n; {
		m := min(chunk, n-done)
		batch := make([][]byte, m)
		for i := range batch {
			batch[i] = make([]byte, s.EntrySize())
			rng.Read(batch[i])
		}
		if _, err := s.Append(ctx, batch); err != nil {
			return err
		}
		done += m
	}
	return nil
}
