package okvs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrIndexWidth reports a table too large for the configured index width.
var ErrIndexWidth = errors.New("okvs: index width too small")

// IndexWidth is the number of bits used to store table positions and key
// indices while solving. Narrower widths cut solver memory.
type IndexWidth uint8

const (
	Width8  IndexWidth = 8
	Width16 IndexWidth = 16
	Width32 IndexWidth = 32
	Width64 IndexWidth = 64
)

// Max is the largest value representable at width w.
func (w IndexWidth) Max() uint64 {
	if w >= 64 {
		return math.MaxUint64
	}
	return 1<<w - 1
}

// Validate fails unless every index below size fits in w with one value to
// spare.
func (w IndexWidth) Validate(size int) error {
	switch w {
	case Width8, Width16, Width32, Width64:
	default:
		return fmt.Errorf("%w: unsupported width %d", ErrIndexWidth, w)
	}
	if uint64(size) > w.Max()-1 {
		return fmt.Errorf("%w: %d-bit indices cannot address %d positions", ErrIndexWidth, w, size)
	}
	return nil
}

// MinIndexWidth returns the narrowest width that can address size positions.
func MinIndexWidth(size int) IndexWidth {
	for _, w := range []IndexWidth{Width8, Width16, Width32} {
		if w.Validate(size) == nil {
			return w
		}
	}
	return Width64
}

// indexTable is a flat array of indices stored at a fixed width.
type indexTable struct {
	width int
	data  []byte
}

func newIndexTable(w IndexWidth, n int) *indexTable {
	bw := int(w) / 8
	return &indexTable{width: bw, data: make([]byte, n*bw)}
}

func (t *indexTable) get(i int) uint64 {
	b := t.data[i*t.width : (i+1)*t.width]
	switch t.width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func (t *indexTable) set(i int, v uint64) {
	b := t.data[i*t.width : (i+1)*t.width]
	switch t.width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}
