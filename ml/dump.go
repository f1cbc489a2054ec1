// Package ml provides a debug-dump helper for inspecting loaded
// checkpoint tensors. Adapted from ollama/ollama/ml/backend.go's
// Dump/dump generics: the raw tensor-op surface that file also defined
// (Backend/Context/Tensor.{Add,Mulmat,RoPE,...}) belongs to the
// external model-graph builder the core only consumes through
// model.Capabilities, so only the formatting half survives here,
// rewired onto model.Tensor and dtype.DType.
package ml

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pagedmind/core/dtype"
	"github.com/pagedmind/core/model"
)

// DumpOptions controls how much of a tensor Dump prints.
type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is carried in the options but not applied: every element
	// prints in Go's default %v form.
	Precision int
}

// Dump renders t's shape and a truncated view of its elements as a
// string, decoding its raw bytes according to dt. Useful for spot
// checking a worker's loaded weights or KV cache contents.
func Dump(t model.Tensor, dt dtype.DType, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{Items: 3, Precision: 4})
	}

	switch dt {
	case dtype.Float32:
		return dump[[]float32](t, opts[0])
	case dtype.Float16:
		return dumpFloat16(t, opts[0])
	case dtype.BFloat16:
		return dumpBFloat16(t, opts[0])
	default:
		return "<unsupported dtype for dump>"
	}
}

// dumpFloat16 widens each raw half-precision element to float32 via
// dtype.Float16ToFloat32 before formatting, since Go has no native
// half-precision type to read bytes.Reader into directly.
func dumpFloat16(t model.Tensor, opts DumpOptions) string {
	raw := t.Bytes()
	if raw == nil {
		return "<nil>"
	}

	shape := t.Shape()
	bits := make([]uint16, mul(shape...))
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &bits); err != nil {
		return fmt.Sprintf("<dump error: %v>", err)
	}

	widened := make([]float32, len(bits))
	for i, b := range bits {
		widened[i] = dtype.Float16ToFloat32(b)
	}
	return format(shape, widened, opts)
}

// dumpBFloat16 widens each raw bfloat16 element to float32 via
// dtype.BFloat16ToFloat32 before formatting.
func dumpBFloat16(t model.Tensor, opts DumpOptions) string {
	raw := t.Bytes()
	if raw == nil {
		return "<nil>"
	}

	shape := t.Shape()
	bits := make([]uint16, mul(shape...))
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &bits); err != nil {
		return fmt.Sprintf("<dump error: %v>", err)
	}

	widened := make([]float32, len(bits))
	for i, b := range bits {
		widened[i] = dtype.BFloat16ToFloat32(b)
	}
	return format(shape, widened, opts)
}

type number interface {
	~float32 | ~float64 | ~int32 | ~int64
}

func mul(s ...int) int {
	p := 1
	for _, v := range s {
		p *= v
	}
	return p
}

func dump[S ~[]E, E number](t model.Tensor, opts DumpOptions) string {
	raw := t.Bytes()
	if raw == nil {
		return "<nil>"
	}

	shape := t.Shape()
	s := make(S, mul(shape...))
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &s); err != nil {
		return fmt.Sprintf("<dump error: %v>", err)
	}

	return format(shape, s, opts)
}

func format[S ~[]E, E number](shape []int, s S, opts DumpOptions) string {
	var sb strings.Builder
	var f func(dims []int, stride int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(append([]int{}, dims[1:]...), skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, s[stride+i])
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}
