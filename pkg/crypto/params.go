package crypto

import (
	"fmt"
	"math/bits"

	"github.com/tuneinsight/lattigo/v5/he/heint"
)

// PlaintextModulus is the BGV plaintext modulus t. It is an NTT-friendly prime
// so every slot holds a value in [0, t) and 16 bits of payload.
const PlaintextModulus = 0x10001

// Preset names a BGV parameter set.
type Preset string

const (
	// PresetTest is small and fast, for tests only. It gives no security.
	PresetTest Preset = "insecure-logn12"

	// PresetLogN13 supports hypercubes of up to two dimensions.
	PresetLogN13 Preset = "logn13"

	// PresetLogN14 supports hypercubes of up to three dimensions.
	PresetLogN14 Preset = "logn14"
)

// DefaultPreset is used when no preset is configured.
const DefaultPreset = PresetLogN13

var presets = map[Preset]heint.ParametersLiteral{
	PresetTest: {
		LogN:             12,
		LogQ:             []int{54, 40, 40, 40, 40},
		LogP:             []int{55},
		PlaintextModulus: PlaintextModulus,
	},
	PresetLogN13: {
		LogN:             13,
		LogQ:             []int{50, 38, 38, 38},
		LogP:             []int{50},
		PlaintextModulus: PlaintextModulus,
	},
	PresetLogN14: {
		LogN:             14,
		LogQ:             []int{55, 45, 45, 45, 45},
		LogP:             []int{55, 55},
		PlaintextModulus: PlaintextModulus,
	},
}

// Presets lists the known presets.
func Presets() []Preset {
	return []Preset{PresetTest, PresetLogN13, PresetLogN14}
}

// NewParameters instantiates the BGV parameters of preset.
func NewParameters(preset Preset) (heint.Parameters, error) {
	if preset == "" {
		preset = DefaultPreset
	}
	lit, ok := presets[preset]
	if !ok {
		return heint.Parameters{}, fmt.Errorf("unknown parameter preset %q", preset)
	}
	params, err := heint.NewParametersFromLiteral(lit)
	if err != nil {
		return heint.Parameters{}, fmt.Errorf("failed to create BGV parameters: %w", err)
	}
	return params, nil
}

// ParameterError reports a hypercube that needs more multiplicative depth
// than the parameter set provides.
type ParameterError struct {
	Dims    int
	MaxDims int
	LogN    int
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("parameter set (logN=%d) supports at most %d hypercube dimensions, layout needs %d",
		e.LogN, e.MaxDims, e.Dims)
}

// MaxDimensions returns how many dimensions a query can fold. Expansion costs
// one level and every dimension one more.
func MaxDimensions(params heint.Parameters) int {
	return params.MaxLevel() - 1
}

// CheckDepth returns a *ParameterError if dims cannot be folded under params.
func CheckDepth(params heint.Parameters, dims int) error {
	if maxDims := MaxDimensions(params); dims > maxDims {
		return &ParameterError{Dims: dims, MaxDims: maxDims, LogN: params.LogN()}
	}
	return nil
}

// BytesPerSlot is the number of whole bytes a plaintext slot can carry.
func BytesPerSlot(params heint.Parameters) int {
	return (bits.Len64(params.PlaintextModulus()) - 1) / 8
}

// Slots returns the number of plaintext slots.
func Slots(params heint.Parameters) int {
	return params.N()
}
