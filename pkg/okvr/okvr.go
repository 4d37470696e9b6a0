// Package okvr retrieves values by key without revealing the keys. The
// sender encodes its map as an OKVS table and serves the table rows as a
// batch-PIR database; the receiver fetches the rows at every position of its
// keys in one batch and XORs them back together.
package okvr

import (
	"errors"
	"fmt"

	"github.com/opaque/batchpir/pkg/batch"
	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/okvs"
	"github.com/opaque/batchpir/pkg/wire"
)

// ErrTooManyKeys reports a receiver batch over Params.MaxKeys.
var ErrTooManyKeys = errors.New("okvr: too many keys in one batch")

// Params configures a sender.
type Params struct {
	// MaxKeys is the number of keys a receiver may look up per batch.
	MaxKeys int

	IndexWidth okvs.IndexWidth
	Preset     crypto.Preset
	FirstDim   int
	Workers    int
}

// Info is what a receiver needs to talk to a sender.
type Info struct {
	MaxKeys   int
	ValueSize int
	OKVSSeed  uint64
	TableSize int
	PIR       batch.Params
}

type infoWire struct {
	MaxKeys   int
	ValueSize int
	OKVSSeed  uint64
	TableSize int
	PIR       []byte
}

// MarshalBinary encodes the info for transmission.
func (i Info) MarshalBinary() ([]byte, error) {
	p, err := i.PIR.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return wire.Marshal(&infoWire{
		MaxKeys:   i.MaxKeys,
		ValueSize: i.ValueSize,
		OKVSSeed:  i.OKVSSeed,
		TableSize: i.TableSize,
		PIR:       p,
	})
}

// UnmarshalInfo decodes an Info written by MarshalBinary.
func UnmarshalInfo(data []byte) (Info, error) {
	var w infoWire
	if err := wire.Unmarshal(data, &w); err != nil {
		return Info{}, fmt.Errorf("okvr: decode info: %w", err)
	}
	p, err := batch.UnmarshalParams(w.PIR)
	if err != nil {
		return Info{}, err
	}
	return Info{
		MaxKeys:   w.MaxKeys,
		ValueSize: w.ValueSize,
		OKVSSeed:  w.OKVSSeed,
		TableSize: w.TableSize,
		PIR:       p,
	}, nil
}
