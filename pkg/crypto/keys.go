package crypto

import (
	"errors"
	"fmt"
	"slices"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/heint"

	"github.com/opaque/batchpir/pkg/wire"
)

// ErrMissingKey reports evaluation keys that lack a key the server needs.
var ErrMissingKey = errors.New("evaluation keys incomplete")

// EvaluationKeys is the public key material a client uploads once: the
// relinearization key and Galois keys for a set of column rotations.
type EvaluationKeys struct {
	set       *rlwe.MemEvaluationKeySet
	rotations []int
}

// Set returns the Lattigo evaluation key set.
func (k *EvaluationKeys) Set() *rlwe.MemEvaluationKeySet {
	return k.set
}

// Rotations returns the rotation steps covered by the Galois keys.
func (k *EvaluationKeys) Rotations() []int {
	return slices.Clone(k.rotations)
}

// Validate checks that the relinearization key and a Galois key for every
// rotation in need are present.
func (k *EvaluationKeys) Validate(params heint.Parameters, need []int) error {
	if k == nil || k.set == nil {
		return fmt.Errorf("%w: no keys", ErrMissingKey)
	}
	if _, err := k.set.GetRelinearizationKey(); err != nil {
		return fmt.Errorf("%w: relinearization key: %v", ErrMissingKey, err)
	}
	for _, r := range need {
		if _, err := k.set.GetGaloisKey(params.GaloisElement(r)); err != nil {
			return fmt.Errorf("%w: rotation %d: %v", ErrMissingKey, r, err)
		}
	}
	return nil
}

type evaluationKeysWire struct {
	Rotations []int
	KeySet    []byte
}

// MarshalBinary serializes the keys for upload.
func (k *EvaluationKeys) MarshalBinary() ([]byte, error) {
	set, err := k.set.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize evaluation keys: %w", err)
	}
	return wire.Marshal(&evaluationKeysWire{Rotations: k.rotations, KeySet: set})
}

// UnmarshalEvaluationKeys decodes keys produced by MarshalBinary.
func UnmarshalEvaluationKeys(data []byte) (*EvaluationKeys, error) {
	var w evaluationKeysWire
	if err := wire.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	set := new(rlwe.MemEvaluationKeySet)
	if err := set.UnmarshalBinary(w.KeySet); err != nil {
		return nil, fmt.Errorf("failed to deserialize evaluation keys: %w", err)
	}
	return &EvaluationKeys{set: set, rotations: w.Rotations}, nil
}

// MarshalCiphertexts serializes a list of ciphertexts.
func MarshalCiphertexts(cts []*rlwe.Ciphertext) ([][]byte, error) {
	out := make([][]byte, len(cts))
	for i, ct := range cts {
		if ct == nil {
			return nil, fmt.Errorf("ciphertext %d is nil", i)
		}
		b, err := ct.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize ciphertext %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// UnmarshalCiphertexts is the inverse of MarshalCiphertexts.
func UnmarshalCiphertexts(blobs [][]byte) ([]*rlwe.Ciphertext, error) {
	out := make([]*rlwe.Ciphertext, len(blobs))
	for i, b := range blobs {
		ct := new(rlwe.Ciphertext)
		if err := ct.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("failed to deserialize ciphertext %d: %w", i, err)
		}
		out[i] = ct
	}
	return out, nil
}
