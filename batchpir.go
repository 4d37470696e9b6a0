// Package batchpir retrieves many database entries in one private batch.
//
// Entries are replicated into cuckoo buckets, each bucket is served as a
// homomorphically encrypted hypercube, and a batch of indices becomes one
// encrypted query per bucket. The server answers every bucket and learns
// nothing about which entries were asked for.
//
// # Quick Start
//
//	db, err := batchpir.NewDB(batchpir.Config{
//	    EntrySize: 32,
//	    BatchSize: 32,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	db.AddBatch(ctx, entries)
//
//	// Build the bucket databases and client keys
//	if err := db.Build(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	got, err := db.Retrieve(ctx, []uint64{7, 1 << 19, 42})
//
// # Lifecycle
//
// The DB follows a three-phase lifecycle:
//  1. Add entries with [DB.Add] or [DB.AddBatch]
//  2. Build with [DB.Build] (expensive: bucket encoding and key generation)
//  3. Retrieve with [DB.Retrieve] (safe for concurrent use)
package batchpir

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/opaque/batchpir/internal/store"
	"github.com/opaque/batchpir/pkg/batch"
	"github.com/opaque/batchpir/pkg/crypto"
)

// Config controls the behavior of a [DB] instance.
//
// Only [Config.EntrySize] is required. All other fields have sensible defaults.
type Config struct {
	// EntrySize is the length in bytes of every entry. Required.
	EntrySize int

	// BatchSize is the largest number of distinct indices per Retrieve.
	// Default: 32.
	BatchSize int

	// Preset selects the BGV parameter set.
	// Default: crypto.DefaultPreset.
	Preset crypto.Preset

	// FirstDim caps the first hypercube dimension of every bucket.
	// Default: 64.
	FirstDim int

	// WorkerPoolSize bounds parallel bucket work. Each worker holds one
	// evaluator.
	// Default: 0 (automatic, NumCPU).
	WorkerPoolSize int
}

// dbState tracks the lifecycle phase of a [DB].
type dbState int

const (
	stateEmpty    dbState = iota // No entries added yet.
	stateBuffered                // Entries added, buckets not built.
	stateReady                   // Buckets built, ready for retrieval.
)

// DB is a batch PIR database with an in-process client.
type DB struct {
	cfg Config

	mu    sync.RWMutex
	state dbState
	store *store.MemoryStore

	server  *batch.Server
	client  *batch.Client
	session *batch.Session

	// One batch at a time per client.
	retrieveMu sync.Mutex
}

// NewDB creates a new database with the given configuration. No expensive
// initialization happens here; the heavy work is deferred to [DB.Build].
func NewDB(cfg Config) (*DB, error) {
	if cfg.EntrySize <= 0 {
		return nil, fmt.Errorf("batchpir: EntrySize is required and must be positive, got %d", cfg.EntrySize)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &DB{
		cfg:   cfg,
		state: stateEmpty,
		store: store.NewMemoryStore(cfg.EntrySize),
	}, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 32
	}
	if cfg.Preset == "" {
		cfg.Preset = crypto.DefaultPreset
	}
	if cfg.FirstDim == 0 {
		cfg.FirstDim = 64
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = runtime.NumCPU()
	}
}

func validateConfig(cfg *Config) error {
	if cfg.BatchSize < 1 {
		return fmt.Errorf("batchpir: BatchSize must be positive, got %d", cfg.BatchSize)
	}
	if cfg.FirstDim < 1 {
		return fmt.Errorf("batchpir: FirstDim must be positive, got %d", cfg.FirstDim)
	}
	if cfg.WorkerPoolSize < 0 {
		return fmt.Errorf("batchpir: WorkerPoolSize must not be negative, got %d", cfg.WorkerPoolSize)
	}
	if _, err := crypto.NewParameters(cfg.Preset); err != nil {
		return fmt.Errorf("batchpir: %w", err)
	}
	return nil
}

// Add buffers a single entry and returns its index. The entry is copied.
func (db *DB) Add(ctx context.Context, entry []byte) (uint64, error) {
	return db.AddBatch(ctx, [][]byte{entry})
}

// AddBatch buffers entries and returns the index of the first one.
func (db *DB) AddBatch(ctx context.Context, entries [][]byte) (uint64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.state == stateReady {
		return 0, fmt.Errorf("batchpir: cannot add after Build; use Rebuild to add entries to a built DB")
	}

	first, err := db.store.Append(ctx, entries)
	if err != nil {
		return 0, fmt.Errorf("batchpir: %w", err)
	}
	if len(entries) > 0 {
		db.state = stateBuffered
	}
	return first, nil
}

// Build encodes all buffered entries into bucket databases and registers a
// fresh client with them.
func (db *DB) Build(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.buildLocked(ctx)
}

// Rebuild discards the built state and builds again over all entries,
// including those added since the last Build.
func (db *DB) Rebuild(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.server, db.client, db.session = nil, nil, nil
	if db.state == stateReady {
		db.state = stateBuffered
	}
	return db.buildLocked(ctx)
}

// Retrieve returns the entries at indices in request order. Repeated indices
// are allowed; at most BatchSize distinct indices fit in one call.
func (db *DB) Retrieve(ctx context.Context, indices []uint64) ([][]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	switch db.state {
	case stateEmpty:
		return nil, fmt.Errorf("batchpir: no entries; call Add and Build first")
	case stateBuffered:
		return nil, fmt.Errorf("batchpir: not built; call Build before Retrieve")
	}

	db.retrieveMu.Lock()
	defer db.retrieveMu.Unlock()

	req, err := db.client.CreateQueries(indices)
	if err != nil {
		return nil, fmt.Errorf("batchpir: %w", err)
	}
	reply, err := db.server.GenerateResponse(ctx, db.session, req)
	if err != nil {
		return nil, fmt.Errorf("batchpir: %w", err)
	}
	out, err := db.client.DecodeResponses(reply)
	if err != nil {
		return nil, fmt.Errorf("batchpir: %w", err)
	}
	return out, nil
}

// Params returns the batch parameters of the built DB.
func (db *DB) Params() (batch.Params, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.server == nil {
		return batch.Params{}, fmt.Errorf("batchpir: not built")
	}
	return db.server.Params(), nil
}

// Size returns the number of entries, built or pending.
func (db *DB) Size() int {
	n, _ := db.store.Count(context.Background())
	return int(n)
}

// IsReady reports whether the DB is ready for retrieval.
func (db *DB) IsReady() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.state == stateReady
}

// Close releases the built state and entries. The DB must not be used after
// Close is called.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.server, db.client, db.session = nil, nil, nil
	db.state = stateEmpty
	return db.store.Close()
}

// buildLocked performs the actual build. Caller must hold db.mu write lock.
func (db *DB) buildLocked(ctx context.Context) error {
	if db.state == stateEmpty {
		return fmt.Errorf("batchpir: no entries added; call Add or AddBatch before Build")
	}

	entries, err := db.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("batchpir: %w", err)
	}

	server, err := batch.NewServer(batch.Params{
		BatchSize:  db.cfg.BatchSize,
		NumEntries: len(entries),
		EntrySize:  db.cfg.EntrySize,
		FirstDim:   db.cfg.FirstDim,
		Preset:     db.cfg.Preset,
		Workers:    db.cfg.WorkerPoolSize,
	}, entries)
	if err != nil {
		return fmt.Errorf("batchpir: build failed: %w", err)
	}

	client, err := batch.NewClient(server.Params())
	if err != nil {
		return fmt.Errorf("batchpir: %w", err)
	}
	if err := client.SetHashMap(server.HashMap()); err != nil {
		return fmt.Errorf("batchpir: %w", err)
	}
	keys, err := client.EvaluationKeys()
	if err != nil {
		return fmt.Errorf("batchpir: key generation failed: %w", err)
	}
	session, err := server.SetClientKeys("local", keys)
	if err != nil {
		return fmt.Errorf("batchpir: %w", err)
	}

	db.server, db.client, db.session = server, client, session
	db.state = stateReady
	return nil
}
