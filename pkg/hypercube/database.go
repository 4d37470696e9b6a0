package hypercube

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/heint"
)

// Database is a layout whose cells have been encoded into BGV plaintexts in
// the NTT domain. Encoding is done once and the result is read-only, so a
// Database may be shared by any number of concurrent responders.
type Database struct {
	layout *Layout
	level  int

	// cells[chunk][cell]; nil marks an all-zero cell.
	cells [][]*rlwe.Plaintext
}

// FoldLevel is the level plaintexts are encoded at: the query arrives at the
// top level and selection expansion consumes one.
func FoldLevel(params heint.Parameters) int {
	return params.MaxLevel() - 1
}

// Build encodes entries under layout. It may be given fewer entries than the
// layout was sized for; the remaining cells stay zero. The encoder is used
// exclusively by this call.
func Build(params heint.Parameters, encoder *heint.Encoder, layout *Layout, entries [][]byte) (*Database, error) {
	if len(entries) > layout.EntryCount {
		return nil, fmt.Errorf("hypercube: %d entries exceed layout of %d", len(entries), layout.EntryCount)
	}
	if params.N() != layout.Slots {
		return nil, fmt.Errorf("hypercube: layout has %d slots, parameters %d", layout.Slots, params.N())
	}

	db := &Database{
		layout: layout,
		level:  FoldLevel(params),
		cells:  make([][]*rlwe.Plaintext, layout.NumChunks),
	}
	numCells := ceilDiv(len(entries), layout.EntriesPerCell)
	for ch := range db.cells {
		db.cells[ch] = make([]*rlwe.Plaintext, numCells)
	}

	packed := make([]uint64, layout.SlotsPerEntry)
	slots := make([][]uint64, layout.NumChunks)
	for ch := range slots {
		slots[ch] = make([]uint64, layout.Slots)
	}

	for cell := range numCells {
		for ch := range slots {
			clear(slots[ch])
		}

		first := cell * layout.EntriesPerCell
		last := min(first+layout.EntriesPerCell, len(entries))
		for i := first; i < last; i++ {
			if err := layout.PackEntry(packed, entries[i]); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			if layout.NumChunks == 1 {
				copy(slots[0][(i-first)*layout.SlotsPerEntry:], packed)
				continue
			}
			for ch := range slots {
				lo := ch * layout.Slots
				hi := min(lo+layout.Slots, len(packed))
				copy(slots[ch], packed[lo:hi])
			}
		}

		for ch := range slots {
			pt := heint.NewPlaintext(params, db.level)
			if err := encoder.Encode(slots[ch], pt); err != nil {
				return nil, fmt.Errorf("failed to encode cell %d chunk %d: %w", cell, ch, err)
			}
			db.cells[ch][cell] = pt
		}
	}
	return db, nil
}

// Layout returns the layout the database was built for.
func (db *Database) Layout() *Layout {
	return db.layout
}

// Level returns the level of every cell plaintext.
func (db *Database) Level() int {
	return db.level
}

// Cells returns the plaintexts of one chunk column. Positions past the end,
// and nil entries, are zero cells.
func (db *Database) Cells(chunk int) []*rlwe.Plaintext {
	return db.cells[chunk]
}
