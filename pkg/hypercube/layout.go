// Package hypercube arranges a list of fixed-size entries into BGV plaintexts
// ("cells") and the cells into a d-dimensional hypercube, so that a query only
// needs one encrypted selection vector per dimension.
package hypercube

import (
	"errors"
	"fmt"

	"github.com/tuneinsight/lattigo/v5/he/heint"

	"github.com/opaque/batchpir/pkg/crypto"
)

// DefaultFirstDim is the default size of dimension 0, the one folded against
// plaintexts.
const DefaultFirstDim = 64

var (
	// ErrEmpty reports a database without entries.
	ErrEmpty = errors.New("hypercube: database has no entries")

	// ErrOutOfRange reports an index outside the layout.
	ErrOutOfRange = errors.New("hypercube: index out of range")

	// ErrIntegrity reports slot values that cannot come from a packed entry.
	ErrIntegrity = errors.New("hypercube: entry integrity check failed")
)

// Layout describes how entries map onto cells and cells onto the hypercube.
//
// An entry occupies SlotsPerEntry consecutive slots. When that fits into one
// plaintext, EntriesPerCell entries share a cell and NumChunks is 1;
// otherwise every cell holds one entry split over NumChunks plaintext columns.
type Layout struct {
	EntryCount   int
	EntrySize    int
	Slots        int
	BytesPerSlot int

	SlotsPerEntry  int
	EntriesPerCell int
	NumChunks      int
	NumCells       int

	// Dims lists the dimension sizes, dimension 0 first. Their product is at
	// least NumCells; missing cells are zero.
	Dims []int
}

// Coordinate locates an entry inside the hypercube.
type Coordinate struct {
	Cell   int
	Coords []int
	Offset int
}

// NewLayout computes the layout of entryCount entries of entrySize bytes for
// plaintexts of the given number of slots.
func NewLayout(entryCount, entrySize, slots, bytesPerSlot, firstDim int) (*Layout, error) {
	if entryCount <= 0 {
		return nil, ErrEmpty
	}
	if entrySize <= 0 {
		return nil, fmt.Errorf("hypercube: invalid entry size %d", entrySize)
	}
	if slots < 2 || slots&(slots-1) != 0 {
		return nil, fmt.Errorf("hypercube: slot count %d is not a power of two", slots)
	}
	if bytesPerSlot <= 0 || bytesPerSlot > 7 {
		return nil, fmt.Errorf("hypercube: invalid bytes per slot %d", bytesPerSlot)
	}
	if firstDim <= 0 {
		firstDim = DefaultFirstDim
	}

	l := &Layout{
		EntryCount:    entryCount,
		EntrySize:     entrySize,
		Slots:         slots,
		BytesPerSlot:  bytesPerSlot,
		SlotsPerEntry: ceilDiv(entrySize, bytesPerSlot),
	}
	if l.SlotsPerEntry <= slots {
		l.EntriesPerCell = slots / l.SlotsPerEntry
		l.NumChunks = 1
	} else {
		l.EntriesPerCell = 1
		l.NumChunks = ceilDiv(l.SlotsPerEntry, slots)
	}
	l.NumCells = ceilDiv(entryCount, l.EntriesPerCell)
	l.Dims = chooseDims(l.NumCells, firstDim, l.MaxDim())
	return l, nil
}

// NewLayoutForParams is NewLayout with the slot geometry of params. It also
// checks that the resulting hypercube can be folded under params.
func NewLayoutForParams(params heint.Parameters, entryCount, entrySize, firstDim int) (*Layout, error) {
	l, err := NewLayout(entryCount, entrySize, crypto.Slots(params), crypto.BytesPerSlot(params), firstDim)
	if err != nil {
		return nil, err
	}
	if err := crypto.CheckDepth(params, len(l.Dims)); err != nil {
		return nil, err
	}
	return l, nil
}

// MaxDim is the largest dimension size. A selection vector repeats with a
// power-of-two period that must fit inside one slot row.
func (l *Layout) MaxDim() int {
	return l.Slots / 2
}

// Period returns the replication period of the selection vector of dimension i.
func (l *Layout) Period(i int) int {
	return nextPow2(l.Dims[i])
}

// Capacity is the number of cells in the full hypercube.
func (l *Layout) Capacity() int {
	c := 1
	for _, d := range l.Dims {
		c *= d
	}
	return c
}

// Coordinate returns where index lives. Dimension 0 varies fastest.
func (l *Layout) Coordinate(index int) (Coordinate, error) {
	if index < 0 || index >= l.EntryCount {
		return Coordinate{}, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, index, l.EntryCount)
	}
	cell := index / l.EntriesPerCell
	c := Coordinate{
		Cell:   cell,
		Coords: make([]int, len(l.Dims)),
		Offset: index % l.EntriesPerCell,
	}
	for i, d := range l.Dims {
		c.Coords[i] = cell % d
		cell /= d
	}
	return c, nil
}

// PackEntry writes the slot values of entry into dst, which must hold
// SlotsPerEntry values. Bytes are little-endian within a slot.
func (l *Layout) PackEntry(dst []uint64, entry []byte) error {
	if len(entry) != l.EntrySize {
		return fmt.Errorf("hypercube: entry is %d bytes, want %d", len(entry), l.EntrySize)
	}
	if len(dst) < l.SlotsPerEntry {
		return fmt.Errorf("hypercube: %d slots, want %d", len(dst), l.SlotsPerEntry)
	}
	for s := range l.SlotsPerEntry {
		var v uint64
		for b := range l.BytesPerSlot {
			if i := s*l.BytesPerSlot + b; i < len(entry) {
				v |= uint64(entry[i]) << (8 * b)
			}
		}
		dst[s] = v
	}
	return nil
}

// UnpackEntry is the inverse of PackEntry. Slot values wider than
// BytesPerSlot bytes, or non-zero padding past EntrySize, cannot come from a
// packed entry and are reported as ErrIntegrity.
func (l *Layout) UnpackEntry(slots []uint64) ([]byte, error) {
	if len(slots) < l.SlotsPerEntry {
		return nil, fmt.Errorf("%w: %d slots, want %d", ErrIntegrity, len(slots), l.SlotsPerEntry)
	}
	limit := uint64(1) << (8 * l.BytesPerSlot)
	entry := make([]byte, l.EntrySize)
	for s := range l.SlotsPerEntry {
		v := slots[s]
		if v >= limit {
			return nil, fmt.Errorf("%w: slot %d holds %d", ErrIntegrity, s, v)
		}
		for b := range l.BytesPerSlot {
			byteVal := byte(v >> (8 * b))
			if i := s*l.BytesPerSlot + b; i < len(entry) {
				entry[i] = byteVal
			} else if byteVal != 0 {
				return nil, fmt.Errorf("%w: non-zero padding in slot %d", ErrIntegrity, s)
			}
		}
	}
	return entry, nil
}

// chooseDims picks dimension 0 and factors the remaining cell count into as
// few balanced dimensions as MaxDim allows.
func chooseDims(numCells, firstDim, maxDim int) []int {
	d0 := min(firstDim, numCells, maxDim)
	dims := []int{d0}
	rest := ceilDiv(numCells, d0)
	if rest == 1 {
		return dims
	}

	k := 1
	for capacity := maxDim; capacity < rest; capacity *= maxDim {
		k++
	}
	for i := range k {
		d := ceilRoot(rest, k-i)
		dims = append(dims, d)
		rest = ceilDiv(rest, d)
	}
	return dims
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// ceilRoot returns the smallest r with r^k >= x.
func ceilRoot(x, k int) int {
	if k == 1 {
		return x
	}
	r := 1
	for pow(r, k) < x {
		r++
	}
	return r
}

func pow(b, k int) int {
	p := 1
	for range k {
		p *= b
	}
	return p
}

func nextPow2(x int) int {
	p := 1
	for p < x {
		p <<= 1
	}
	return p
}
