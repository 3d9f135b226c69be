// Package tensor holds the application-side tensor representation and the
// conversion engine that adapts tensors to and from their wire form.
package tensor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/ZentaChain/dataonline/pkg/protocol"
)

var (
	ErrConversion       = errors.New("conversion error")
	ErrShapeMismatch    = fmt.Errorf("%w: shape mismatch", ErrConversion)
	ErrUnsupportedDtype = fmt.Errorf("%w: unsupported dtype conversion", ErrConversion)
)

// Tensor is a dense row-major array stored little-endian.
type Tensor struct {
	Type  protocol.TensorType
	Shape []int
	Data  []byte
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New creates a zero-filled tensor.
func New(typ protocol.TensorType, shape ...int) *Tensor {
	return &Tensor{
		Type:  typ,
		Shape: append([]int(nil), shape...),
		Data:  make([]byte, numElements(shape)*typ.Size()),
	}
}

// FromBytes wraps data as a tensor of the given type and shape. data is
// not copied.
func FromBytes(typ protocol.TensorType, shape []int, data []byte) (*Tensor, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDtype, typ)
	}
	if want := numElements(shape) * typ.Size(); len(data) != want {
		return nil, fmt.Errorf("%w: %d bytes for %s%v, want %d", ErrShapeMismatch, len(data), typ, shape, want)
	}
	return &Tensor{Type: typ, Shape: append([]int(nil), shape...), Data: data}, nil
}

// FromFloat32s creates a FLOAT_32 tensor.
func FromFloat32s(shape []int, values []float32) (*Tensor, error) {
	if len(values) != numElements(shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(values), shape)
	}
	t := New(protocol.TensorFloat32, shape...)
	for i, v := range values {
		binary.LittleEndian.PutUint32(t.Data[4*i:], math.Float32bits(v))
	}
	return t, nil
}

// FromFloat64s creates a tensor of typ, casting each value.
func FromFloat64s(typ protocol.TensorType, shape []int, values []float64) (*Tensor, error) {
	if len(values) != numElements(shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(values), shape)
	}
	t := New(typ, shape...)
	for i, v := range values {
		t.SetFloat64At(i, v)
	}
	return t, nil
}

// Full creates a tensor with every element set to v.
func Full(typ protocol.TensorType, v float64, shape ...int) *Tensor {
	t := New(typ, shape...)
	for i := 0; i < t.Len(); i++ {
		t.SetFloat64At(i, v)
	}
	return t
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return numElements(t.Shape)
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Float64At returns element i (flat index) as a float64. Fixed-point types
// return their raw integer value.
func (t *Tensor) Float64At(i int) float64 {
	sz := t.Type.Size()
	b := t.Data[i*sz : (i+1)*sz]

	switch t.Type.Storage() {
	case protocol.TensorInt8:
		return float64(int8(b[0]))
	case protocol.TensorInt16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case protocol.TensorInt32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case protocol.TensorInt64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case protocol.TensorUint8:
		return float64(b[0])
	case protocol.TensorUint16:
		return float64(binary.LittleEndian.Uint16(b))
	case protocol.TensorUint32:
		return float64(binary.LittleEndian.Uint32(b))
	case protocol.TensorUint64:
		return float64(binary.LittleEndian.Uint64(b))
	case protocol.TensorFloat16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
	case protocol.TensorFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case protocol.TensorFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// SetFloat64At stores v at flat index i, converting to the element type.
// Integer types truncate toward zero.
func (t *Tensor) SetFloat64At(i int, v float64) {
	sz := t.Type.Size()
	b := t.Data[i*sz : (i+1)*sz]

	switch t.Type.Storage() {
	case protocol.TensorInt8:
		b[0] = byte(int8(v))
	case protocol.TensorInt16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case protocol.TensorInt32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case protocol.TensorInt64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case protocol.TensorUint8:
		b[0] = uint8(v)
	case protocol.TensorUint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case protocol.TensorUint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case protocol.TensorUint64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	case protocol.TensorFloat16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case protocol.TensorFloat32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case protocol.TensorFloat64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

// Float32s returns all elements converted to float32.
func (t *Tensor) Float32s() []float32 {
	out := make([]float32, t.Len())
	for i := range out {
		out[i] = float32(t.Float64At(i))
	}
	return out
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if numElements(shape) != t.Len() {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.Shape, shape)
	}
	return &Tensor{Type: t.Type, Shape: append([]int(nil), shape...), Data: t.Data}, nil
}

// Transpose returns a copy with axes permuted: output axis i is input
// axis perm[i].
func (t *Tensor) Transpose(perm ...int) (*Tensor, error) {
	rank := t.Rank()
	if len(perm) != rank {
		return nil, fmt.Errorf("%w: permutation %v for rank %d", ErrShapeMismatch, perm, rank)
	}
	seen := make([]bool, rank)
	for _, p := range perm {
		if p < 0 || p >= rank || seen[p] {
			return nil, fmt.Errorf("%w: invalid permutation %v", ErrShapeMismatch, perm)
		}
		seen[p] = true
	}

	inStrides := make([]int, rank)
	acc := 1
	for i := rank - 1; i >= 0; i-- {
		inStrides[i] = acc
		acc *= t.Shape[i]
	}

	outShape := make([]int, rank)
	strides := make([]int, rank)
	for i, p := range perm {
		outShape[i] = t.Shape[p]
		strides[i] = inStrides[p]
	}

	sz := t.Type.Size()
	out := New(t.Type, outShape...)
	idx := make([]int, rank)
	for o := 0; o < out.Len(); o++ {
		src := 0
		for i, v := range idx {
			src += v * strides[i]
		}
		copy(out.Data[o*sz:(o+1)*sz], t.Data[src*sz:(src+1)*sz])

		for i := rank - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < outShape[i] {
				break
			}
			idx[i] = 0
		}
	}

	return out, nil
}

// Batch returns the extent of axis 0, or 0 for a scalar.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Slice returns sample i along axis 0 with a singleton batch axis kept.
func (t *Tensor) Slice(i int) (*Tensor, error) {
	if t.Rank() == 0 || i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("%w: sample %d out of range for shape %v", ErrShapeMismatch, i, t.Shape)
	}
	shape := append([]int{1}, t.Shape[1:]...)
	n := numElements(shape) * t.Type.Size()
	data := make([]byte, n)
	copy(data, t.Data[i*n:(i+1)*n])
	return &Tensor{Type: t.Type, Shape: shape, Data: data}, nil
}

// Concat joins tensors along axis 0. All tensors must share type and
// trailing shape.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShapeMismatch)
	}

	first := ts[0]
	if first.Rank() == 0 {
		return nil, fmt.Errorf("%w: cannot concatenate scalars", ErrShapeMismatch)
	}

	batch := 0
	size := 0
	for _, t := range ts {
		if t.Type != first.Type {
			return nil, fmt.Errorf("%w: concatenating %s with %s", ErrUnsupportedDtype, first.Type, t.Type)
		}
		if t.Rank() != first.Rank() || !equalInts(t.Shape[1:], first.Shape[1:]) {
			return nil, fmt.Errorf("%w: concatenating %v with %v", ErrShapeMismatch, first.Shape, t.Shape)
		}
		batch += t.Shape[0]
		size += len(t.Data)
	}

	shape := append([]int{batch}, first.Shape[1:]...)
	data := make([]byte, 0, size)
	for _, t := range ts {
		data = append(data, t.Data...)
	}

	return &Tensor{Type: first.Type, Shape: shape, Data: data}, nil
}

// Equal reports whether a and b have the same type, shape and bytes.
func Equal(a, b *Tensor) bool {
	return a.Type == b.Type && equalInts(a.Shape, b.Shape) && bytes.Equal(a.Data, b.Data)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s%v)", t.Type, t.Shape)
}
