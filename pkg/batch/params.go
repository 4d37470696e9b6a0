// Package batch retrieves many entries at once. The server replicates the
// database into K cuckoo buckets, each answered by an independent single-PIR
// instance; the client maps its B indices onto distinct buckets and sends one
// query to every bucket, real or dummy, so the server learns nothing about the
// batch.
package batch

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/tuneinsight/lattigo/v5/he/heint"

	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/cuckoo"
	"github.com/opaque/batchpir/pkg/hypercube"
	"github.com/opaque/batchpir/pkg/wire"
)

// DefaultMaxRetries bounds whole-batch assignment retries on the client.
const DefaultMaxRetries = 8

var (
	// ErrBatchAssignment reports a batch the cuckoo assigner could not place.
	ErrBatchAssignment = cuckoo.ErrAssignment

	// ErrBucketMismatch reports client and server disagreeing on the hash map.
	ErrBucketMismatch = cuckoo.ErrHashMapMismatch

	// ErrDecodeIntegrity reports a decoded entry that fails a sanity check.
	ErrDecodeIntegrity = errors.New("batch: decoded entry failed integrity check")

	// ErrInvalidParams reports unusable parameters.
	ErrInvalidParams = errors.New("batch: invalid parameters")
)

// Params configures both sides of the protocol. A client must use the
// server's published Params.
type Params struct {
	// BatchSize is the nominal number of indices per batch; it sizes K.
	BatchSize  int
	NumEntries int
	EntrySize  int

	// NumHashes is d, the number of candidate buckets per index.
	NumHashes       int
	ExpansionFactor float64
	// NumBuckets is K. Zero derives it from BatchSize and ExpansionFactor.
	NumBuckets int

	// MaxEvictions is L, the eviction bound of one insertion.
	MaxEvictions int
	MaxRetries   int

	FirstDim int
	Preset   crypto.Preset

	// HashSeed keys the candidate hash functions. The zero seed makes the
	// server draw a random one.
	HashSeed cuckoo.Seed

	// Workers bounds local parallelism. It is not published.
	Workers int
}

// Normalize fills defaults and validates p.
func (p Params) Normalize() (Params, error) {
	if p.BatchSize <= 0 {
		return p, fmt.Errorf("%w: batch size %d", ErrInvalidParams, p.BatchSize)
	}
	if p.NumEntries <= 0 {
		return p, fmt.Errorf("%w: %d entries", ErrInvalidParams, p.NumEntries)
	}
	if p.EntrySize <= 0 {
		return p, fmt.Errorf("%w: entry size %d", ErrInvalidParams, p.EntrySize)
	}

	if p.NumHashes == 0 {
		p.NumHashes = cuckoo.DefaultNumHashes
	}
	if p.ExpansionFactor == 0 {
		p.ExpansionFactor = cuckoo.DefaultExpansionFactor
	}
	if p.NumBuckets == 0 {
		p.NumBuckets = cuckoo.DefaultNumBuckets(p.BatchSize, p.ExpansionFactor)
	}
	if p.MaxEvictions == 0 {
		p.MaxEvictions = cuckoo.DefaultMaxEvictions
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.FirstDim == 0 {
		p.FirstDim = hypercube.DefaultFirstDim
	}
	if p.Preset == "" {
		p.Preset = crypto.DefaultPreset
	}
	if p.Workers <= 0 {
		p.Workers = runtime.NumCPU()
	}

	if p.NumHashes < 1 || p.NumHashes > cuckoo.MaxNumHashes || p.NumBuckets < p.NumHashes {
		return p, fmt.Errorf("%w: %d buckets with %d hash functions", ErrInvalidParams, p.NumBuckets, p.NumHashes)
	}
	if p.MaxEvictions < 0 || p.MaxRetries < 0 || p.FirstDim < 0 {
		return p, fmt.Errorf("%w: negative limit", ErrInvalidParams)
	}
	return p, nil
}

// HEParameters instantiates the BGV parameters of p.Preset.
func (p Params) HEParameters() (heint.Parameters, error) {
	return crypto.NewParameters(p.Preset)
}

type paramsWire struct {
	BatchSize       int
	NumEntries      int
	EntrySize       int
	NumHashes       int
	ExpansionFactor float64
	NumBuckets      int
	MaxEvictions    int
	MaxRetries      int
	FirstDim        int
	Preset          string
	HashSeed        []byte
}

// MarshalBinary encodes the published parameters. Workers is omitted.
func (p Params) MarshalBinary() ([]byte, error) {
	return wire.Marshal(&paramsWire{
		BatchSize:       p.BatchSize,
		NumEntries:      p.NumEntries,
		EntrySize:       p.EntrySize,
		NumHashes:       p.NumHashes,
		ExpansionFactor: p.ExpansionFactor,
		NumBuckets:      p.NumBuckets,
		MaxEvictions:    p.MaxEvictions,
		MaxRetries:      p.MaxRetries,
		FirstDim:        p.FirstDim,
		Preset:          string(p.Preset),
		HashSeed:        p.HashSeed[:],
	})
}

// UnmarshalParams decodes parameters produced by Params.MarshalBinary.
func UnmarshalParams(data []byte) (Params, error) {
	var w paramsWire
	if err := wire.Unmarshal(data, &w); err != nil {
		return Params{}, err
	}
	if len(w.HashSeed) != cuckoo.SeedSize {
		return Params{}, fmt.Errorf("%w: hash seed is %d bytes", ErrInvalidParams, len(w.HashSeed))
	}
	p := Params{
		BatchSize:       w.BatchSize,
		NumEntries:      w.NumEntries,
		EntrySize:       w.EntrySize,
		NumHashes:       w.NumHashes,
		ExpansionFactor: w.ExpansionFactor,
		NumBuckets:      w.NumBuckets,
		MaxEvictions:    w.MaxEvictions,
		MaxRetries:      w.MaxRetries,
		FirstDim:        w.FirstDim,
		Preset:          crypto.Preset(w.Preset),
	}
	copy(p.HashSeed[:], w.HashSeed)
	return p, nil
}
