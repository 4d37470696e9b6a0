// Package crypto wraps the BGV scheme of Lattigo for the PIR engine: parameter
// presets and depth accounting, the client's key material, evaluation key
// transport and per-worker evaluators.
package crypto

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/heint"
)

// Engine holds the client side of the scheme: the secret key and everything
// derived from it. The server never sees an Engine.
type Engine struct {
	params  heint.Parameters
	encoder *heint.Encoder

	secretKey *rlwe.SecretKey
	keygen    *rlwe.KeyGenerator
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor

	mu sync.Mutex
}

// NewClientEngine generates a fresh secret key under params.
func NewClientEngine(params heint.Parameters) (*Engine, error) {
	if params.N() == 0 {
		return nil, errors.New("parameters are not initialised")
	}

	kgen := rlwe.NewKeyGenerator(params)
	sk := kgen.GenSecretKeyNew()

	return &Engine{
		params:    params,
		encoder:   heint.NewEncoder(params),
		secretKey: sk,
		keygen:    kgen,
		// Symmetric encryption keeps fresh noise lower than public-key mode.
		encryptor: rlwe.NewEncryptor(params, sk),
		decryptor: rlwe.NewDecryptor(params, sk),
	}, nil
}

// Params returns the BGV parameters.
func (e *Engine) Params() heint.Parameters {
	return e.params
}

// GenEvaluationKeys produces the relinearization key and one Galois key per
// column rotation step.
func (e *Engine) GenEvaluationKeys(rotations []int) (*EvaluationKeys, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rlk := e.keygen.GenRelinearizationKeyNew(e.secretKey)

	galEls := make([]uint64, len(rotations))
	for i, k := range rotations {
		galEls[i] = e.params.GaloisElement(k)
	}
	gks := e.keygen.GenGaloisKeysNew(galEls, e.secretKey)

	return &EvaluationKeys{
		set:       rlwe.NewMemEvaluationKeySet(rlk, gks...),
		rotations: append([]int(nil), rotations...),
	}, nil
}

// EncryptSlots encodes values (each < t) into the plaintext slots and encrypts
// at the top level. Missing slots are zero.
func (e *Engine) EncryptSlots(values []uint64) (*rlwe.Ciphertext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(values) > e.params.N() {
		return nil, fmt.Errorf("%d values exceed %d slots", len(values), e.params.N())
	}
	padded := make([]uint64, e.params.N())
	copy(padded, values)

	pt := heint.NewPlaintext(e.params, e.params.MaxLevel())
	if err := e.encoder.Encode(padded, pt); err != nil {
		return nil, fmt.Errorf("failed to encode slots: %w", err)
	}

	ct, err := e.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ct, nil
}

// DecryptSlots decrypts ct and returns all N slot values.
func (e *Engine) DecryptSlots(ct *rlwe.Ciphertext) ([]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ct == nil {
		return nil, errors.New("nil ciphertext")
	}
	pt := e.decryptor.DecryptNew(ct)

	values := make([]uint64, e.params.N())
	if err := e.encoder.Decode(pt, values); err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	return values, nil
}
