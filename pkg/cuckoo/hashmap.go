package cuckoo

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opaque/batchpir/pkg/wire"
)

// HashMapVersion is the format version carried by every exported HashMap.
const HashMapVersion uint32 = 2

var (
	// ErrHashMapMismatch reports a HashMap that does not agree with the
	// parameters or digest it is checked against.
	ErrHashMapMismatch = errors.New("cuckoo: hash map mismatch")

	// ErrInvalidParameters reports bucket/hash counts that cannot form a map.
	ErrInvalidParameters = errors.New("cuckoo: invalid parameters")
)

// Digest identifies one HashMap build.
type Digest [sha256.Size]byte

// Placement is one (bucket, offset) location of a logical index.
type Placement struct {
	Bucket uint32
	Offset uint32
}

// HashMap records, for every logical index, its d candidate buckets and the
// offset of its replica inside each of them. It is immutable once built.
type HashMap struct {
	version    uint32
	seed       Seed
	numEntries int
	numBuckets int
	numHashes  int
	bucketSize int

	// buckets and offsets are flat [numEntries][numHashes] tables.
	buckets []uint32
	offsets []uint32

	digest Digest
}

// BuildHashMap assigns every index in [0, numEntries) to its candidate
// buckets. It also returns, per bucket, the member indices in offset order.
func BuildHashMap(numEntries, numBuckets, numHashes int, seed Seed) (*HashMap, [][]uint64, error) {
	if numEntries <= 0 {
		return nil, nil, fmt.Errorf("%w: %d entries", ErrInvalidParameters, numEntries)
	}
	if err := checkGeometry(numBuckets, numHashes); err != nil {
		return nil, nil, err
	}

	hm := &HashMap{
		version:    HashMapVersion,
		seed:       seed,
		numEntries: numEntries,
		numBuckets: numBuckets,
		numHashes:  numHashes,
		buckets:    make([]uint32, numEntries*numHashes),
		offsets:    make([]uint32, numEntries*numHashes),
	}

	members := make([][]uint64, numBuckets)
	hasher := newCandidateHasher(seed, numBuckets)
	for i := range numEntries {
		cands, err := hasher.buckets(uint64(i), numHashes)
		if err != nil {
			return nil, nil, err
		}
		for j, b := range cands {
			hm.buckets[i*numHashes+j] = b
			hm.offsets[i*numHashes+j] = uint32(len(members[b]))
			members[b] = append(members[b], uint64(i))
		}
	}

	for _, m := range members {
		hm.bucketSize = max(hm.bucketSize, len(m))
	}
	hm.digest = hm.computeDigest()
	return hm, members, nil
}

// Version is the HashMap format version the map was built with.
func (hm *HashMap) Version() uint32 { return hm.version }

// Seed keys the candidate hash functions.
func (hm *HashMap) Seed() Seed { return hm.seed }

// NumEntries is the size of the logical database.
func (hm *HashMap) NumEntries() int { return hm.numEntries }

// NumBuckets is K.
func (hm *HashMap) NumBuckets() int { return hm.numBuckets }

// NumHashes is d, the number of candidate buckets per index.
func (hm *HashMap) NumHashes() int { return hm.numHashes }

// Digest is the SHA-256 commitment to the map, carried by every request.
func (hm *HashMap) Digest() Digest { return hm.digest }

// BucketSize is the largest bucket load. Every bucket database is laid out
// for this many entries.
func (hm *HashMap) BucketSize() int { return hm.bucketSize }

// Placements returns the candidate placements of index in hash-function order.
func (hm *HashMap) Placements(index uint64) ([]Placement, error) {
	if index >= uint64(hm.numEntries) {
		return nil, fmt.Errorf("cuckoo: index %d out of range [0, %d)", index, hm.numEntries)
	}
	base := int(index) * hm.numHashes
	out := make([]Placement, hm.numHashes)
	for j := range out {
		out[j] = Placement{Bucket: hm.buckets[base+j], Offset: hm.offsets[base+j]}
	}
	return out, nil
}

// Offset returns the position of index inside bucket.
func (hm *HashMap) Offset(index uint64, bucket uint32) (int, bool) {
	if index >= uint64(hm.numEntries) {
		return 0, false
	}
	base := int(index) * hm.numHashes
	for j := range hm.numHashes {
		if hm.buckets[base+j] == bucket {
			return int(hm.offsets[base+j]), true
		}
	}
	return 0, false
}

func (hm *HashMap) candidates(index uint64) []uint32 {
	base := int(index) * hm.numHashes
	return hm.buckets[base : base+hm.numHashes]
}

// CheckShape verifies that hm was built for the given geometry.
func (hm *HashMap) CheckShape(numEntries, numBuckets, numHashes int) error {
	if hm.version != HashMapVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrHashMapMismatch, hm.version, HashMapVersion)
	}
	if hm.numEntries != numEntries || hm.numBuckets != numBuckets || hm.numHashes != numHashes {
		return fmt.Errorf("%w: map is N=%d K=%d d=%d, want N=%d K=%d d=%d", ErrHashMapMismatch,
			hm.numEntries, hm.numBuckets, hm.numHashes, numEntries, numBuckets, numHashes)
	}
	return nil
}

func (hm *HashMap) computeDigest() Digest {
	h := sha256.New()
	var hdr [4 + SeedSize + 4*4]byte
	binary.LittleEndian.PutUint32(hdr[0:], hm.version)
	copy(hdr[4:], hm.seed[:])
	binary.LittleEndian.PutUint32(hdr[4+SeedSize:], uint32(hm.numEntries))
	binary.LittleEndian.PutUint32(hdr[8+SeedSize:], uint32(hm.numBuckets))
	binary.LittleEndian.PutUint32(hdr[12+SeedSize:], uint32(hm.numHashes))
	binary.LittleEndian.PutUint32(hdr[16+SeedSize:], uint32(hm.bucketSize))
	h.Write(hdr[:])

	buf := make([]byte, 4*hm.numHashes)
	for i := range hm.numEntries {
		for j := range hm.numHashes {
			binary.LittleEndian.PutUint32(buf[4*j:], hm.buckets[i*hm.numHashes+j])
		}
		h.Write(buf)
		for j := range hm.numHashes {
			binary.LittleEndian.PutUint32(buf[4*j:], hm.offsets[i*hm.numHashes+j])
		}
		h.Write(buf)
	}

	var d Digest
	h.Sum(d[:0])
	return d
}

type hashMapWire struct {
	Version    uint32
	Seed       []byte
	NumEntries uint32
	NumBuckets uint32
	NumHashes  uint32
	BucketSize uint32
	Buckets    []uint32
	Offsets    []uint32
	Digest     []byte
}

// MarshalBinary exports the map for transmission to clients.
func (hm *HashMap) MarshalBinary() ([]byte, error) {
	return wire.Marshal(&hashMapWire{
		Version:    hm.version,
		Seed:       hm.seed[:],
		NumEntries: uint32(hm.numEntries),
		NumBuckets: uint32(hm.numBuckets),
		NumHashes:  uint32(hm.numHashes),
		BucketSize: uint32(hm.bucketSize),
		Buckets:    hm.buckets,
		Offsets:    hm.offsets,
		Digest:     hm.digest[:],
	})
}

// UnmarshalHashMap decodes an exported map and verifies its version and
// digest. Any disagreement is reported as ErrHashMapMismatch.
func UnmarshalHashMap(data []byte) (*HashMap, error) {
	var w hashMapWire
	if err := wire.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHashMapMismatch, err)
	}
	if w.Version != HashMapVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrHashMapMismatch, w.Version, HashMapVersion)
	}
	n := int(w.NumEntries) * int(w.NumHashes)
	if len(w.Seed) != SeedSize || len(w.Buckets) != n || len(w.Offsets) != n || len(w.Digest) != sha256.Size {
		return nil, fmt.Errorf("%w: malformed encoding", ErrHashMapMismatch)
	}
	if err := checkGeometry(int(w.NumBuckets), int(w.NumHashes)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHashMapMismatch, err)
	}

	hm := &HashMap{
		version:    w.Version,
		numEntries: int(w.NumEntries),
		numBuckets: int(w.NumBuckets),
		numHashes:  int(w.NumHashes),
		bucketSize: int(w.BucketSize),
		buckets:    w.Buckets,
		offsets:    w.Offsets,
	}
	copy(hm.seed[:], w.Seed)
	for _, b := range hm.buckets {
		if int(b) >= hm.numBuckets {
			return nil, fmt.Errorf("%w: bucket %d out of range", ErrHashMapMismatch, b)
		}
	}

	hm.digest = hm.computeDigest()
	if !bytes.Equal(hm.digest[:], w.Digest) {
		return nil, fmt.Errorf("%w: digest does not match contents", ErrHashMapMismatch)
	}
	return hm, nil
}
