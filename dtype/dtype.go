// Package dtype maps the model weight/activation dtype string accepted
// in engine configuration to a concrete element type and its on-wire
// byte size, the way the teacher's types/bfloat16 and x448/float16
// packages provide the byte-level conversions for the two non-float32
// formats this engine supports.
package dtype

import (
	"fmt"
	"strings"

	"github.com/x448/float16"

	"github.com/pagedmind/core/dtype/bfloat16"
	"github.com/pagedmind/core/errs"
)

// DType is a model weight/activation element type.
type DType int

const (
	Float16 DType = iota
	BFloat16
	Float32
)

func (d DType) String() string {
	switch d {
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	case Float32:
		return "float32"
	default:
		return "unknown"
	}
}

// Size returns the on-wire byte size of one element of d.
func (d DType) Size() int {
	switch d {
	case Float16, BFloat16:
		return 2
	case Float32:
		return 4
	default:
		return 0
	}
}

// Parse resolves a user-supplied dtype string to a DType, following the
// same precedence the engine's configuration loader uses: a CPU device
// always forces float32 regardless of what was asked for; an empty or
// "auto" string defaults to float16 on an accelerator.
func Parse(s string, isCPU bool) (DType, error) {
	if isCPU {
		return Float32, nil
	}

	switch {
	case eq(s, "half"), eq(s, "float16"):
		return Float16, nil
	case eq(s, "bfloat16"):
		return BFloat16, nil
	case eq(s, "float"), eq(s, "float32"):
		return Float32, nil
	case s == "" || eq(s, "auto"):
		return Float16, nil
	}

	return 0, &errs.ConfigError{
		Field:  "dtype",
		Reason: fmt.Sprintf("unsupported dtype %q", s),
	}
}

func eq(s, want string) bool {
	return strings.EqualFold(s, want)
}

// Float16ToFloat32 widens one IEEE 754 half-precision value, stored as
// its raw bit pattern, to float32. Used wherever a Float16 tensor's
// bytes need to be inspected or combined in float32 arithmetic, via
// x448/float16 since Go has no native half-precision type.
func Float16ToFloat32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// Float32ToFloat16 narrows f to its nearest half-precision bit pattern.
func Float32ToFloat16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// BFloat16ToFloat32 widens one bfloat16 value, stored as its raw bit
// pattern, to float32, via the vendored d4l3k/go-bfloat16 package.
func BFloat16ToFloat32(bits uint16) float32 {
	return bfloat16.ToFloat32(bfloat16.BF16(bits))
}

// Float32ToBFloat16 narrows f to bfloat16 by dropping the low 16 bits of
// its float32 pattern (truncation toward zero, not round-to-nearest).
func Float32ToBFloat16(f float32) uint16 {
	return uint16(bfloat16.FromFloat32(f))
}
