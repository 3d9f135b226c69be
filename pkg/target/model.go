package target

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ZentaChain/dataonline/pkg/protocol"
)

// ParseTensor parses a tensor declaration of the form
// name:TYPE:d0xd1x...[:scale:offset], e.g. "in0:UFIXED_8:1x3x224x224:0.0078:-128".
func ParseTensor(s string) (protocol.TensorDescriptor, error) {
	var d protocol.TensorDescriptor

	parts := strings.Split(s, ":")
	if len(parts) != 3 && len(parts) != 5 {
		return d, fmt.Errorf("invalid tensor %q: want name:TYPE:dims[:scale:offset]", s)
	}

	typ, err := protocol.TensorTypeByName(strings.ToUpper(parts[1]))
	if err != nil {
		return d, err
	}

	dims := strings.Split(parts[2], "x")
	if len(dims) > protocol.MaxDims {
		return d, fmt.Errorf("invalid tensor %q: more than %d dims", s, protocol.MaxDims)
	}
	elements := 1
	for _, dim := range dims {
		v, err := strconv.ParseUint(dim, 10, 32)
		if err != nil {
			return d, fmt.Errorf("invalid dim %q in %q: %w", dim, s, err)
		}
		d.Dims = append(d.Dims, uint32(v))
		elements *= int(v)
	}

	d.Name = parts[0]
	d.Type = typ
	d.Size = uint32(elements * typ.Size())
	d.QuantScale = 1

	if len(parts) == 5 {
		scale, err := strconv.ParseFloat(parts[3], 32)
		if err != nil {
			return d, fmt.Errorf("invalid scale in %q: %w", s, err)
		}
		offset, err := strconv.ParseInt(parts[4], 10, 32)
		if err != nil {
			return d, fmt.Errorf("invalid offset in %q: %w", s, err)
		}
		d.QuantScale = float32(scale)
		d.QuantOffset = int32(offset)
	}

	return d, nil
}

// ParseModel builds model info from input and output declarations.
func ParseModel(inputs, outputs []string) (*protocol.ModelInfo, error) {
	info := &protocol.ModelInfo{}
	for _, s := range inputs {
		d, err := ParseTensor(s)
		if err != nil {
			return nil, err
		}
		info.Inputs = append(info.Inputs, d)
	}
	for _, s := range outputs {
		d, err := ParseTensor(s)
		if err != nil {
			return nil, err
		}
		info.Outputs = append(info.Outputs, d)
	}
	if info.NumTensors() == 0 {
		return nil, fmt.Errorf("model declares no tensors")
	}
	return info, nil
}
