// Package cuckoo maps a batch of database indices onto K buckets so that every
// bucket is queried exactly once. The server replicates each entry into the d
// candidate buckets of its index; the client places its requested indices with
// bounded cuckoo insertion over the same candidates.
package cuckoo

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"slices"
)

// Defaults follow the Angel et al. parameter table for d = 3.
const (
	DefaultNumHashes       = 3
	DefaultExpansionFactor = 1.5
	DefaultMaxEvictions    = 500
)

// SeedSize is the length of the hash-function seed in bytes.
const SeedSize = 16

// Seed keys the candidate hash functions. It is chosen by the server and
// published inside the HashMap.
type Seed [SeedSize]byte

// DefaultNumBuckets returns ceil(factor * batchSize).
func DefaultNumBuckets(batchSize int, factor float64) int {
	if factor <= 0 {
		factor = DefaultExpansionFactor
	}
	return int(math.Ceil(float64(batchSize) * factor))
}

// MaxNumHashes bounds d. Every index is replicated into d buckets, so larger
// values only inflate the bucket databases.
const MaxNumHashes = 64

// maxCandidateTries bounds the nonces spent looking for d distinct buckets.
const maxCandidateTries = 1 << 16

func checkGeometry(numBuckets, numHashes int) error {
	if numHashes < 1 || numHashes > MaxNumHashes || numBuckets < numHashes {
		return fmt.Errorf("%w: %d buckets with %d hash functions", ErrInvalidParameters, numBuckets, numHashes)
	}
	return nil
}

type candidateHasher struct {
	buf    []byte
	bigNum *big.Int
	bigMod *big.Int
}

func newCandidateHasher(seed Seed, numBuckets int) *candidateHasher {
	buf := make([]byte, SeedSize+12)
	copy(buf, seed[:])
	return &candidateHasher{
		buf:    buf,
		bigNum: big.NewInt(0),
		bigMod: big.NewInt(int64(numBuckets)),
	}
}

func (h *candidateHasher) candidate(nonce uint32) uint32 {
	binary.LittleEndian.PutUint32(h.buf[SeedSize+8:], nonce)
	digest := sha256.Sum256(h.buf)
	h.bigNum.SetBytes(digest[:])
	h.bigNum.Mod(h.bigNum, h.bigMod)
	return uint32(h.bigNum.Uint64())
}

// buckets returns numHashes distinct candidate buckets for index, in
// hash-function order.
func (h *candidateHasher) buckets(index uint64, numHashes int) ([]uint32, error) {
	binary.LittleEndian.PutUint64(h.buf[SeedSize:], index)

	out := make([]uint32, 0, numHashes)
	for nonce := uint32(0); len(out) < numHashes; nonce++ {
		if nonce == maxCandidateTries {
			return nil, fmt.Errorf("%w: index %d has only %d distinct candidates", ErrInvalidParameters, index, len(out))
		}
		if c := h.candidate(nonce); !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Candidates returns the d distinct candidate buckets of index.
func Candidates(seed Seed, index uint64, numBuckets, numHashes int) ([]uint32, error) {
	if err := checkGeometry(numBuckets, numHashes); err != nil {
		return nil, err
	}
	return newCandidateHasher(seed, numBuckets).buckets(index, numHashes)
}
