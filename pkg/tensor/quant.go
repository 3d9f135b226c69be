package tensor

import (
	"fmt"
	"math"

	"github.com/ZentaChain/dataonline/pkg/protocol"
)

// Range returns the representable raw range of an integer or fixed-point
// type.
func Range(typ protocol.TensorType) (lo, hi float64) {
	bits := uint(typ.Size() * 8)
	if typ.IsSigned() {
		return -math.Ldexp(1, int(bits-1)), math.Ldexp(1, int(bits-1)) - 1
	}
	return 0, math.Ldexp(1, int(bits)) - 1
}

// Quantize maps a real value to its raw fixed-point representation:
// round(v/scale) - offset, clipped to the range of typ. Ties round to even.
func Quantize(v float64, scale float32, offset int32, typ protocol.TensorType) float64 {
	raw := math.RoundToEven(v/float64(scale)) - float64(offset)
	lo, hi := Range(typ)
	return math.Min(math.Max(raw, lo), hi)
}

// Dequantize maps a raw fixed-point value back to a real value:
// scale * (raw + offset).
func Dequantize(raw float64, scale float32, offset int32) float64 {
	return float64(scale) * (raw + float64(offset))
}

// QuantizeTensor quantizes a floating point tensor into typ.
func QuantizeTensor(t *Tensor, scale float32, offset int32, typ protocol.TensorType) (*Tensor, error) {
	if !t.Type.IsFloat() {
		return nil, fmt.Errorf("%w: quantizing %s, want a float type", ErrUnsupportedDtype, t.Type)
	}
	if !typ.IsFixedPoint() {
		return nil, fmt.Errorf("%w: quantizing into %s", ErrUnsupportedDtype, typ)
	}
	if scale == 0 {
		return nil, fmt.Errorf("%w: zero quantization scale", ErrConversion)
	}

	out := New(typ, t.Shape...)
	for i := 0; i < t.Len(); i++ {
		out.SetFloat64At(i, Quantize(t.Float64At(i), scale, offset, typ))
	}
	return out, nil
}

// DequantizeTensor converts a fixed-point tensor to FLOAT_32.
func DequantizeTensor(t *Tensor, scale float32, offset int32) (*Tensor, error) {
	if !t.Type.IsFixedPoint() {
		return nil, fmt.Errorf("%w: dequantizing %s, want a fixed-point type", ErrUnsupportedDtype, t.Type)
	}

	out := New(protocol.TensorFloat32, t.Shape...)
	for i := 0; i < t.Len(); i++ {
		out.SetFloat64At(i, Dequantize(t.Float64At(i), scale, offset))
	}
	return out, nil
}
