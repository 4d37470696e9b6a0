package crypto

import (
	"errors"
	"testing"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/heint"
)

func testParams(t *testing.T) heint.Parameters {
	t.Helper()
	params, err := NewParameters(PresetTest)
	if err != nil {
		t.Fatalf("failed to create parameters: %v", err)
	}
	return params
}

func TestPresets(t *testing.T) {
	want := map[Preset]int{PresetTest: 3, PresetLogN13: 2, PresetLogN14: 3}
	for _, p := range Presets() {
		params, err := NewParameters(p)
		if err != nil {
			t.Fatalf("failed to create preset %s: %v", p, err)
		}
		if got := MaxDimensions(params); got != want[p] {
			t.Errorf("%s: max dimensions %d, want %d", p, got, want[p])
		}
		if got := BytesPerSlot(params); got != 2 {
			t.Errorf("%s: bytes per slot %d, want 2", p, got)
		}
	}

	if _, err := NewParameters("nope"); err == nil {
		t.Error("expected error for unknown preset")
	}
	if params, err := NewParameters(""); err != nil || params.LogN() != 13 {
		t.Errorf("empty preset should select logn13, got %v", err)
	}
}

func TestCheckDepth(t *testing.T) {
	params, err := NewParameters(PresetLogN13)
	if err != nil {
		t.Fatalf("failed to create parameters: %v", err)
	}
	if err := CheckDepth(params, 2); err != nil {
		t.Errorf("two dimensions should fit: %v", err)
	}

	err = CheckDepth(params, 3)
	var perr *ParameterError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParameterError, got %v", err)
	}
	if perr.Dims != 3 || perr.MaxDims != 2 {
		t.Errorf("unexpected error contents: %+v", perr)
	}
}

func TestEncryptDecryptSlots(t *testing.T) {
	params := testParams(t)
	engine, err := NewClientEngine(params)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	values := []uint64{0, 1, 0xffff, 42, 65536}
	ct, err := engine.EncryptSlots(values)
	if err != nil {
		t.Fatalf("failed to encrypt: %v", err)
	}
	got, err := engine.DecryptSlots(ct)
	if err != nil {
		t.Fatalf("failed to decrypt: %v", err)
	}
	if len(got) != params.N() {
		t.Fatalf("got %d slots, want %d", len(got), params.N())
	}
	for i, v := range values {
		if got[i] != v {
			t.Errorf("slot %d: got %d, want %d", i, got[i], v)
		}
	}
	for i := len(values); i < len(got); i++ {
		if got[i] != 0 {
			t.Fatalf("padding slot %d is %d", i, got[i])
		}
	}

	if _, err := engine.EncryptSlots(make([]uint64, params.N()+1)); err == nil {
		t.Error("expected error for too many values")
	}
}

func TestEvaluationKeysRoundTrip(t *testing.T) {
	params := testParams(t)
	engine, err := NewClientEngine(params)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	keys, err := engine.GenEvaluationKeys([]int{1, 2, 4})
	if err != nil {
		t.Fatalf("failed to generate keys: %v", err)
	}
	if err := keys.Validate(params, []int{1, 2, 4}); err != nil {
		t.Fatalf("fresh keys invalid: %v", err)
	}
	if err := keys.Validate(params, []int{8}); !errors.Is(err, ErrMissingKey) {
		t.Errorf("expected ErrMissingKey for rotation 8, got %v", err)
	}

	data, err := keys.MarshalBinary()
	if err != nil {
		t.Fatalf("failed to marshal keys: %v", err)
	}
	decoded, err := UnmarshalEvaluationKeys(data)
	if err != nil {
		t.Fatalf("failed to unmarshal keys: %v", err)
	}
	if err := decoded.Validate(params, []int{1, 2, 4}); err != nil {
		t.Errorf("decoded keys invalid: %v", err)
	}
	t.Logf("Evaluation keys: %d bytes", len(data))
}

func TestRotationWithPool(t *testing.T) {
	params := testParams(t)
	engine, err := NewClientEngine(params)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	keys, err := engine.GenEvaluationKeys([]int{1})
	if err != nil {
		t.Fatalf("failed to generate keys: %v", err)
	}

	pool := NewEvaluatorPool(params, keys, 2)
	if pool.Size() != 2 {
		t.Fatalf("pool size %d, want 2", pool.Size())
	}

	ct, err := engine.EncryptSlots([]uint64{5, 7, 9})
	if err != nil {
		t.Fatalf("failed to encrypt: %v", err)
	}

	eval := pool.Acquire()
	rotated, err := eval.RotateColumnsNew(ct, 1)
	pool.Release(eval)
	if err != nil {
		t.Fatalf("failed to rotate: %v", err)
	}

	got, err := engine.DecryptSlots(rotated)
	if err != nil {
		t.Fatalf("failed to decrypt: %v", err)
	}
	if got[0] != 7 || got[1] != 9 {
		t.Errorf("rotation by 1 gave %v, want [7 9 ...]", got[:3])
	}
}

func TestCiphertextSerialization(t *testing.T) {
	params := testParams(t)
	engine, err := NewClientEngine(params)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	ct, err := engine.EncryptSlots([]uint64{1, 2, 3})
	if err != nil {
		t.Fatalf("failed to encrypt: %v", err)
	}

	blobs, err := MarshalCiphertexts([]*rlwe.Ciphertext{ct})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	cts, err := UnmarshalCiphertexts(blobs)
	if err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	got, err := engine.DecryptSlots(cts[0])
	if err != nil {
		t.Fatalf("failed to decrypt: %v", err)
	}
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("round trip gave %v", got[:3])
	}
}
