// Package pir implements single-index PIR over one hypercube database.
//
// The client encrypts, per dimension, a selection vector that is one-hot with
// period P (the next power of two of the dimension size) replicated across all
// slots. The server expands each such ciphertext into one ciphertext per
// coordinate value whose slots are all 0 or all 1, then folds the hypercube
// one dimension at a time: dimension 0 against the plaintext cells, every
// further dimension against the previous layer. The client decrypts the one
// ciphertext left per chunk column.
package pir

import (
	"errors"
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"

	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/hypercube"
	"github.com/opaque/batchpir/pkg/wire"
)

var (
	// ErrMalformedQuery reports a query that does not fit the database.
	ErrMalformedQuery = errors.New("pir: malformed query")

	// ErrMalformedResponse reports a response that does not fit the layout.
	ErrMalformedResponse = errors.New("pir: malformed response")
)

// Query selects one entry: one ciphertext per hypercube dimension.
type Query struct {
	Dims []*rlwe.Ciphertext
}

// Response carries the selected cell: one ciphertext per chunk column.
type Response struct {
	Chunks []*rlwe.Ciphertext
}

// RotationSteps returns the column rotations the server needs Galois keys for
// to expand queries against layout.
func RotationSteps(layout *hypercube.Layout) []int {
	maxPeriod := 1
	for i := range layout.Dims {
		maxPeriod = max(maxPeriod, layout.Period(i))
	}
	var steps []int
	for s := 1; s < maxPeriod; s <<= 1 {
		steps = append(steps, s)
	}
	return steps
}

// BinarySize is the serialized size of the ciphertexts in bytes.
func (q *Query) BinarySize() int {
	return ciphertextsSize(q.Dims)
}

// MarshalBinary serializes the query.
func (q *Query) MarshalBinary() ([]byte, error) {
	return marshalCiphertexts(q.Dims)
}

// UnmarshalBinary decodes a query produced by MarshalBinary.
func (q *Query) UnmarshalBinary(data []byte) (err error) {
	q.Dims, err = unmarshalCiphertexts(data)
	return err
}

// BinarySize is the serialized size of the ciphertexts in bytes.
func (r *Response) BinarySize() int {
	return ciphertextsSize(r.Chunks)
}

// MarshalBinary serializes the response.
func (r *Response) MarshalBinary() ([]byte, error) {
	return marshalCiphertexts(r.Chunks)
}

// UnmarshalBinary decodes a response produced by MarshalBinary.
func (r *Response) UnmarshalBinary(data []byte) (err error) {
	r.Chunks, err = unmarshalCiphertexts(data)
	return err
}

func ciphertextsSize(cts []*rlwe.Ciphertext) int {
	n := 0
	for _, ct := range cts {
		if ct != nil {
			n += ct.BinarySize()
		}
	}
	return n
}

func marshalCiphertexts(cts []*rlwe.Ciphertext) ([]byte, error) {
	blobs, err := crypto.MarshalCiphertexts(cts)
	if err != nil {
		return nil, err
	}
	return wire.Marshal(blobs)
}

func unmarshalCiphertexts(data []byte) ([]*rlwe.Ciphertext, error) {
	var blobs [][]byte
	if err := wire.Unmarshal(data, &blobs); err != nil {
		return nil, err
	}
	cts, err := crypto.UnmarshalCiphertexts(blobs)
	if err != nil {
		return nil, fmt.Errorf("pir: %w", err)
	}
	return cts, nil
}
