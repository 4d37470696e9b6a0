package cuckoo

import (
	"errors"
	"fmt"
	"math/rand"
)

// ErrAssignment reports a batch that could not be placed into the buckets.
var ErrAssignment = errors.New("cuckoo: batch assignment failed")

// Options controls one assignment attempt.
type Options struct {
	// MaxEvictions bounds the eviction chain of a single insertion.
	MaxEvictions int

	// Seed selects the eviction policy. Zero is the deterministic policy;
	// any other value drives a pseudo-random victim choice so that a failed
	// batch can be retried with a fresh seed.
	Seed int64
}

// Slot is one bucket of a Table.
type Slot struct {
	Index    uint64
	Occupied bool
}

// Table is the client's assignment of requested indices to buckets. Buckets
// without an index are dummies.
type Table struct {
	slots []Slot
	where map[uint64]uint32
}

// Assign places the distinct values of indices into the buckets of hm.
//
// Each index first takes its first empty candidate in hash-function order.
// Otherwise it evicts the occupant of its lowest-indexed candidate other than
// the bucket it was itself just evicted from, and the victim is reinserted the
// same way. A chain longer than MaxEvictions fails the whole batch.
func Assign(hm *HashMap, indices []uint64, opts Options) (*Table, error) {
	if opts.MaxEvictions <= 0 {
		opts.MaxEvictions = DefaultMaxEvictions
	}

	unique := make([]uint64, 0, len(indices))
	seen := make(map[uint64]struct{}, len(indices))
	for _, idx := range indices {
		if idx >= uint64(hm.numEntries) {
			return nil, fmt.Errorf("cuckoo: index %d out of range [0, %d)", idx, hm.numEntries)
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		unique = append(unique, idx)
	}
	if len(unique) > hm.numBuckets {
		return nil, fmt.Errorf("%w: %d distinct indices for %d buckets", ErrAssignment, len(unique), hm.numBuckets)
	}

	var rng *rand.Rand
	if opts.Seed != 0 {
		rng = rand.New(rand.NewSource(opts.Seed))
	}

	t := &Table{
		slots: make([]Slot, hm.numBuckets),
		where: make(map[uint64]uint32, len(unique)),
	}
	for _, idx := range unique {
		if err := t.insert(hm, idx, opts.MaxEvictions, rng); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) insert(hm *HashMap, idx uint64, maxEvictions int, rng *rand.Rand) error {
	cur := idx
	prev := -1
	for evictions := 0; ; evictions++ {
		cands := hm.candidates(cur)
		for _, b := range cands {
			if !t.slots[b].Occupied {
				t.place(b, cur)
				return nil
			}
		}
		if evictions >= maxEvictions {
			return fmt.Errorf("%w: index %d not placed after %d evictions", ErrAssignment, idx, evictions)
		}

		victim := chooseVictim(cands, prev, rng)
		evicted := t.slots[victim].Index
		delete(t.where, evicted)
		t.place(victim, cur)

		cur = evicted
		prev = int(victim)
	}
}

func chooseVictim(cands []uint32, prev int, rng *rand.Rand) uint32 {
	eligible := make([]uint32, 0, len(cands))
	for _, b := range cands {
		if int(b) != prev {
			eligible = append(eligible, b)
		}
	}
	if len(eligible) == 0 {
		eligible = cands
	}
	if rng == nil {
		return eligible[0]
	}
	return eligible[rng.Intn(len(eligible))]
}

func (t *Table) place(bucket uint32, idx uint64) {
	t.slots[bucket] = Slot{Index: idx, Occupied: true}
	t.where[idx] = bucket
}

// Len returns the number of buckets K.
func (t *Table) Len() int { return len(t.slots) }

// Occupied returns the number of real (non-dummy) buckets.
func (t *Table) Occupied() int { return len(t.where) }

// Slots returns a copy of the bucket assignment.
func (t *Table) Slots() []Slot {
	out := make([]Slot, len(t.slots))
	copy(out, t.slots)
	return out
}

// BucketOf returns the bucket holding index.
func (t *Table) BucketOf(index uint64) (uint32, bool) {
	b, ok := t.where[index]
	return b, ok
}

// IndexAt returns the index placed in bucket, or false for a dummy bucket.
func (t *Table) IndexAt(bucket uint32) (uint64, bool) {
	if int(bucket) >= len(t.slots) {
		return 0, false
	}
	s := t.slots[bucket]
	return s.Index, s.Occupied
}
