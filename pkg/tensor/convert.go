package tensor

import (
	"fmt"

	"github.com/ZentaChain/dataonline/pkg/protocol"
)

// Fixed axis permutations applied when a tensor's shape differs from its
// descriptor, keyed by rank. Each moves the channel axis last.
var layoutPermutations = map[int][]int{
	5: {0, 1, 3, 4, 2},
	4: {0, 2, 3, 1},
	3: {0, 2, 1},
}

// ToWire adapts t to the element type and layout declared by desc.
//
// A float tensor bound for UFIXED_8/16/32 is quantized with the
// descriptor's scale and offset. A tensor whose storage already matches is
// relabelled. If the shape differs, the rank's fixed permutation is tried
// once before failing with ErrShapeMismatch.
func ToWire(t *Tensor, desc *protocol.TensorDescriptor) (*Tensor, error) {
	out := t
	if t.Type != desc.Type {
		switch {
		case desc.Type.IsUnsignedFixed() && t.Type.IsFloat():
			q, err := QuantizeTensor(t, desc.QuantScale, desc.QuantOffset, desc.Type)
			if err != nil {
				return nil, err
			}
			out = q
		case t.Type.Storage() == desc.Type.Storage():
			out = &Tensor{Type: desc.Type, Shape: t.Shape, Data: t.Data}
		default:
			return nil, fmt.Errorf("%w: %q is %s, model expects %s", ErrUnsupportedDtype, desc.Name, t.Type, desc.Type)
		}
	}

	want := desc.Shape()
	if equalInts(out.Shape, want) {
		return out, nil
	}

	perm, ok := layoutPermutations[out.Rank()]
	if !ok {
		return nil, fmt.Errorf("%w: %q has shape %v, model expects %v", ErrShapeMismatch, desc.Name, t.Shape, want)
	}
	permuted, err := out.Transpose(perm...)
	if err != nil {
		return nil, err
	}
	if !equalInts(permuted.Shape, want) {
		return nil, fmt.Errorf("%w: %q has shape %v (permuted %v), model expects %v",
			ErrShapeMismatch, desc.Name, t.Shape, permuted.Shape, want)
	}

	return permuted, nil
}

// FromWire interprets raw item bytes as a tensor shaped by desc. Fixed-point
// types are dequantized to FLOAT_32.
func FromWire(raw []byte, desc *protocol.TensorDescriptor) (*Tensor, error) {
	t, err := FromBytes(desc.Type, desc.Shape(), raw)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", desc.Name, err)
	}
	if desc.Type.IsFixedPoint() {
		return DequantizeTensor(t, desc.QuantScale, desc.QuantOffset)
	}
	return t, nil
}
