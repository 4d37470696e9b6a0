// Package okvs is an oblivious key-value store: it encodes a key-value map
// into a table of random-looking rows such that the value of a key is the XOR
// of the rows at the key's Weight positions, while the table reveals nothing
// about which keys were encoded.
//
// Rows are split into Weight equal segments and each key hashes to one
// position per segment. Encoding solves the resulting sparse XOR system by
// peeling the 3-uniform hypergraph, retrying with the next seed if a 2-core
// remains.
package okvs

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/lukechampine/fastxor"
)

// Weight is the number of table positions per key.
const Weight = 3

// DefaultMaxAttempts bounds the number of seeds tried by Encode.
const DefaultMaxAttempts = 16

var (
	// ErrPeelingFailed reports that no tried seed gave a solvable system.
	ErrPeelingFailed = errors.New("okvs: encoding failed")

	// ErrDuplicateKey reports the same key twice in one encoding.
	ErrDuplicateKey = errors.New("okvs: duplicate key")

	// ErrValueSize reports values of unequal length.
	ErrValueSize = errors.New("okvs: inconsistent value size")
)

// TableSize returns the number of rows used for numItems keys.
func TableSize(numItems int) int {
	m := int(math.Ceil(1.23*float64(numItems))) + 32
	return (m + Weight - 1) / Weight * Weight
}

// Hasher maps keys to their table positions.
type Hasher struct {
	seed    uint64
	segment uint64
}

// NewHasher returns the hasher for a table of size rows under seed.
func NewHasher(seed uint64, size int) Hasher {
	return Hasher{seed: seed, segment: uint64(size / Weight)}
}

// Size is the table size.
func (h Hasher) Size() int {
	return int(h.segment) * Weight
}

// Positions returns the Weight distinct rows whose XOR is the value of key,
// one per segment in segment order.
func (h Hasher) Positions(key []byte) []uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h.seed)
	d := sha256.New()
	d.Write(buf[:])
	d.Write(key)
	sum := d.Sum(nil)

	out := make([]uint64, Weight)
	for j := range out {
		out[j] = uint64(j)*h.segment + binary.LittleEndian.Uint64(sum[8*j:])%h.segment
	}
	return out
}

// Options configures Encode.
type Options struct {
	Width       IndexWidth
	Seed        uint64
	MaxAttempts int
}

// Encoding is an encoded table.
type Encoding struct {
	Seed uint64
	Rows [][]byte
}

// Hasher returns the hasher the table was built with.
func (e *Encoding) Hasher() Hasher {
	return NewHasher(e.Seed, len(e.Rows))
}

// Decode returns the value of every key. Keys that were not encoded decode to
// pseudo-random bytes.
func Decode(keys [][]byte, e *Encoding) ([][]byte, error) {
	if len(e.Rows) == 0 || len(e.Rows)%Weight != 0 {
		return nil, fmt.Errorf("okvs: malformed table of %d rows", len(e.Rows))
	}
	h := e.Hasher()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		pos := h.Positions(k)
		parts := make([][]byte, Weight)
		for j, p := range pos {
			parts[j] = e.Rows[p]
		}
		out[i] = Combine(parts...)
	}
	return out, nil
}

// Combine XORs equally sized rows.
func Combine(rows ...[]byte) []byte {
	if len(rows) == 0 {
		return nil
	}
	out := make([]byte, len(rows[0]))
	for _, r := range rows {
		fastxor.Bytes(out, out, r)
	}
	return out
}

// Encode builds a table mapping keys[i] to values[i].
func Encode(keys, values [][]byte, opts Options) (*Encoding, error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("okvs: %d keys, %d values", len(keys), len(values))
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	size := TableSize(len(keys))
	if opts.Width == 0 {
		opts.Width = MinIndexWidth(size)
	}
	if err := opts.Width.Validate(max(size, len(keys))); err != nil {
		return nil, err
	}

	valueSize := 0
	if len(values) > 0 {
		valueSize = len(values[0])
	}
	seen := make(map[string]struct{}, len(keys))
	for i, k := range keys {
		if len(values[i]) != valueSize {
			return nil, fmt.Errorf("%w: value %d is %d bytes, want %d", ErrValueSize, i, len(values[i]), valueSize)
		}
		if _, dup := seen[string(k)]; dup {
			return nil, fmt.Errorf("%w: %x", ErrDuplicateKey, k)
		}
		seen[string(k)] = struct{}{}
	}

	for attempt := range opts.MaxAttempts {
		seed := opts.Seed + uint64(attempt)
		s := newSolver(NewHasher(seed, size), opts.Width, keys)
		order, ok := s.peel()
		if !ok {
			continue
		}
		return &Encoding{Seed: seed, Rows: s.assign(order, values, valueSize)}, nil
	}
	return nil, fmt.Errorf("%w after %d seeds", ErrPeelingFailed, opts.MaxAttempts)
}

type solver struct {
	size int
	n    int

	// rows[k*Weight+j] is position j of key k.
	rows *indexTable
}

func newSolver(h Hasher, w IndexWidth, keys [][]byte) *solver {
	s := &solver{size: h.Size(), n: len(keys), rows: newIndexTable(w, len(keys)*Weight)}
	for k, key := range keys {
		for j, p := range h.Positions(key) {
			s.rows.set(k*Weight+j, p)
		}
	}
	return s
}

type peeled struct {
	key int
	pos uint64
}

// peel repeatedly removes a key that is alone at some position. It reports
// false if a non-empty 2-core is left.
func (s *solver) peel() ([]peeled, bool) {
	count := make([]uint32, s.size)
	xorKeys := make([]uint64, s.size)
	for k := range s.n {
		for j := range Weight {
			p := s.rows.get(k*Weight + j)
			count[p]++
			xorKeys[p] ^= uint64(k)
		}
	}

	queue := make([]uint64, 0, s.size)
	for p, c := range count {
		if c == 1 {
			queue = append(queue, uint64(p))
		}
	}

	order := make([]peeled, 0, s.n)
	for len(queue) > 0 {
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if count[p] != 1 {
			continue
		}
		k := xorKeys[p]
		order = append(order, peeled{key: int(k), pos: p})
		for j := range Weight {
			q := s.rows.get(int(k)*Weight + j)
			count[q]--
			xorKeys[q] ^= k
			if count[q] == 1 {
				queue = append(queue, q)
			}
		}
	}
	return order, len(order) == s.n
}

// assign fills rows in reverse peeling order so that every key's free
// position is set last.
func (s *solver) assign(order []peeled, values [][]byte, valueSize int) [][]byte {
	table := make([][]byte, s.size)
	for i := range table {
		table[i] = make([]byte, valueSize)
	}
	for i := len(order) - 1; i >= 0; i-- {
		k, free := order[i].key, order[i].pos
		row := table[free]
		copy(row, values[k])
		for j := range Weight {
			if p := s.rows.get(k*Weight + j); p != free {
				fastxor.Bytes(row, row, table[p])
			}
		}
	}
	return table
}
