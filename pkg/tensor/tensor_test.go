package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/dataonline/pkg/protocol"
)

func arange(typ protocol.TensorType, shape ...int) *Tensor {
	t := New(typ, shape...)
	for i := 0; i < t.Len(); i++ {
		t.SetFloat64At(i, float64(i))
	}
	return t
}

func TestElementAccess(t *testing.T) {
	tests := []struct {
		typ   protocol.TensorType
		value float64
	}{
		{protocol.TensorInt8, -100},
		{protocol.TensorInt16, -30000},
		{protocol.TensorInt32, -2_000_000_000},
		{protocol.TensorInt64, -1 << 40},
		{protocol.TensorUint8, 250},
		{protocol.TensorUint16, 65000},
		{protocol.TensorUint32, 4_000_000_000},
		{protocol.TensorUint64, 1 << 50},
		{protocol.TensorFloat16, 1.5},
		{protocol.TensorFloat32, -3.25},
		{protocol.TensorFloat64, math.Pi},
		{protocol.TensorUFixed8, 200},
		{protocol.TensorSFixed16, -12345},
	}

	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			x := New(tt.typ, 2)
			assert.Len(t, x.Data, 2*tt.typ.Size())
			x.SetFloat64At(1, tt.value)
			assert.Equal(t, 0.0, x.Float64At(0))
			assert.Equal(t, tt.value, x.Float64At(1))
		})
	}
}

func TestFromBytesSizeCheck(t *testing.T) {
	_, err := FromBytes(protocol.TensorFloat32, []int{2, 2}, make([]byte, 15))
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.ErrorIs(t, err, ErrConversion)

	x, err := FromBytes(protocol.TensorFloat32, []int{2, 2}, make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, 4, x.Len())
}

func TestTranspose(t *testing.T) {
	// NCHW [1,2,2,3] -> NHWC [1,2,3,2]
	x := arange(protocol.TensorInt32, 1, 2, 2, 3)
	y, err := x.Transpose(0, 2, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 2}, y.Shape)

	// y[0,h,w,c] == x[0,c,h,w] == c*6 + h*3 + w
	for h := 0; h < 2; h++ {
		for w := 0; w < 3; w++ {
			for c := 0; c < 2; c++ {
				got := y.Float64At(h*6 + w*2 + c)
				assert.Equal(t, float64(c*6+h*3+w), got, "h=%d w=%d c=%d", h, w, c)
			}
		}
	}

	_, err = x.Transpose(0, 1, 1, 2)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSliceAndConcat(t *testing.T) {
	x := arange(protocol.TensorFloat32, 4, 3)

	var parts []*Tensor
	for i := 0; i < x.Batch(); i++ {
		s, err := x.Slice(i)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 3}, s.Shape)
		assert.Equal(t, float64(i*3), s.Float64At(0))
		parts = append(parts, s)
	}

	joined, err := Concat(parts...)
	require.NoError(t, err)
	assert.True(t, Equal(x, joined))

	_, err = x.Slice(4)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Concat(x, New(protocol.TensorFloat32, 1, 2))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Concat(x, New(protocol.TensorInt32, 1, 3))
	assert.ErrorIs(t, err, ErrUnsupportedDtype)
}

func TestQuantizationInvertibility(t *testing.T) {
	tests := []struct {
		name   string
		typ    protocol.TensorType
		scale  float32
		offset int32
	}{
		{"ufixed8 symmetric", protocol.TensorUFixed8, 0.0078, -128},
		{"ufixed8 unit", protocol.TensorUFixed8, 1, 0},
		{"ufixed16", protocol.TensorUFixed16, 0.001, -1000},
		{"sfixed8", protocol.TensorSFixed8, 0.05, 3},
		{"sfixed32", protocol.TensorSFixed32, 1e-4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := Range(tt.typ)
			realLo := Dequantize(lo, tt.scale, tt.offset)
			realHi := Dequantize(hi, tt.scale, tt.offset)
			resolution := float64(tt.scale)

			const steps = 997
			for i := 0; i <= steps; i++ {
				v := realLo + (realHi-realLo)*float64(i)/steps
				raw := Quantize(v, tt.scale, tt.offset, tt.typ)
				assert.GreaterOrEqual(t, raw, lo)
				assert.LessOrEqual(t, raw, hi)
				back := Dequantize(raw, tt.scale, tt.offset)
				assert.InDelta(t, v, back, resolution, "v=%v raw=%v", v, raw)
			}
		})
	}
}

func TestQuantizeClips(t *testing.T) {
	assert.Equal(t, 255.0, Quantize(1000, 1, 0, protocol.TensorUFixed8))
	assert.Equal(t, 0.0, Quantize(-1000, 1, 0, protocol.TensorUFixed8))
	assert.Equal(t, -128.0, Quantize(-1000, 1, 0, protocol.TensorSFixed8))
	assert.Equal(t, 65535.0, Quantize(1e9, 1, 0, protocol.TensorUFixed16))
}

func TestToWire(t *testing.T) {
	desc := &protocol.TensorDescriptor{
		Name:        "in0",
		Type:        protocol.TensorUFixed8,
		Dims:        []uint32{1, 2, 2, 3},
		QuantScale:  0.5,
		QuantOffset: -10,
	}

	t.Run("quantize and permute NCHW to NHWC", func(t *testing.T) {
		x := arange(protocol.TensorFloat32, 1, 3, 2, 2)
		out, err := ToWire(x, desc)
		require.NoError(t, err)
		assert.Equal(t, protocol.TensorUFixed8, out.Type)
		assert.Equal(t, []int{1, 2, 2, 3}, out.Shape)
		assert.Len(t, out.Data, 12)

		// out[0,0,0,c] comes from x[0,c,0,0] == 4c, quantized as 4c/0.5 + 10
		for c := 0; c < 3; c++ {
			assert.Equal(t, float64(8*c+10), out.Float64At(c))
		}
	})

	t.Run("matching storage is relabelled", func(t *testing.T) {
		x := New(protocol.TensorUint8, 1, 2, 2, 3)
		out, err := ToWire(x, desc)
		require.NoError(t, err)
		assert.Equal(t, protocol.TensorUFixed8, out.Type)
		assert.Equal(t, x.Data, out.Data)
	})

	t.Run("unsupported dtype", func(t *testing.T) {
		_, err := ToWire(New(protocol.TensorInt32, 1, 2, 2, 3), desc)
		assert.ErrorIs(t, err, ErrUnsupportedDtype)
		assert.ErrorIs(t, err, ErrConversion)
	})

	t.Run("float into signed fixed is unsupported", func(t *testing.T) {
		sdesc := *desc
		sdesc.Type = protocol.TensorSFixed8
		_, err := ToWire(New(protocol.TensorFloat32, 1, 2, 2, 3), &sdesc)
		assert.ErrorIs(t, err, ErrUnsupportedDtype)
	})

	t.Run("shape mismatch after permutation", func(t *testing.T) {
		_, err := ToWire(New(protocol.TensorUint8, 1, 3, 3, 3), desc)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("rank without permutation", func(t *testing.T) {
		d := &protocol.TensorDescriptor{Name: "v", Type: protocol.TensorFloat32, Dims: []uint32{1, 10}}
		_, err := ToWire(New(protocol.TensorFloat32, 10, 1), d)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("rank 3 swaps last axes", func(t *testing.T) {
		d := &protocol.TensorDescriptor{Name: "seq", Type: protocol.TensorFloat32, Dims: []uint32{1, 4, 2}}
		x := arange(protocol.TensorFloat32, 1, 2, 4)
		out, err := ToWire(x, d)
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 4, 1, 5, 2, 6, 3, 7}, out.Float32s())
	})

	t.Run("rank 5 moves axis 2 last", func(t *testing.T) {
		d := &protocol.TensorDescriptor{Name: "vol", Type: protocol.TensorFloat32, Dims: []uint32{1, 2, 3, 4, 5}}
		out, err := ToWire(New(protocol.TensorFloat32, 1, 2, 5, 3, 4), d)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3, 4, 5}, out.Shape)
	})
}

func TestFromWire(t *testing.T) {
	desc := &protocol.TensorDescriptor{
		Name:        "out0",
		Type:        protocol.TensorUFixed8,
		Dims:        []uint32{1, 4},
		QuantScale:  0.25,
		QuantOffset: -2,
	}

	out, err := FromWire([]byte{0, 2, 4, 255}, desc)
	require.NoError(t, err)
	assert.Equal(t, protocol.TensorFloat32, out.Type)
	assert.Equal(t, []int{1, 4}, out.Shape)
	assert.Equal(t, []float32{-0.5, 0, 0.5, 63.25}, out.Float32s())

	_, err = FromWire([]byte{0, 1, 2}, desc)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	plain := &protocol.TensorDescriptor{Name: "p", Type: protocol.TensorInt16, Dims: []uint32{2}}
	out, err = FromWire([]byte{0xff, 0xff, 2, 0}, plain)
	require.NoError(t, err)
	assert.Equal(t, protocol.TensorInt16, out.Type)
	assert.Equal(t, []float32{-1, 2}, out.Float32s())
}
