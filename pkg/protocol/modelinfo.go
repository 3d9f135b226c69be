package protocol

import (
	"fmt"
)

// ModelInfo is the metadata a target reports for its model: the inputs a
// caller must supply and the outputs it returns, in declaration order.
type ModelInfo struct {
	Inputs  []TensorDescriptor `json:"inputs"`
	Outputs []TensorDescriptor `json:"outputs"`
}

// NumTensors returns the number of inputs plus outputs.
func (m *ModelInfo) NumTensors() int {
	return len(m.Inputs) + len(m.Outputs)
}

// Input returns the input descriptor with the given name.
func (m *ModelInfo) Input(name string) (*TensorDescriptor, bool) {
	for i := range m.Inputs {
		if m.Inputs[i].Name == name {
			return &m.Inputs[i], true
		}
	}
	return nil, false
}

// Output returns the output descriptor with the given name.
func (m *ModelInfo) Output(name string) (*TensorDescriptor, bool) {
	for i := range m.Outputs {
		if m.Outputs[i].Name == name {
			return &m.Outputs[i], true
		}
	}
	return nil, false
}

// Encode serializes the model-info reply: a header carrying NumInputs and
// NumOutputs followed by one tensor descriptor per entry and no item bytes.
func (m *ModelInfo) Encode(id, timestamp uint64) ([]byte, error) {
	n := m.NumTensors()
	h := Header{
		PayloadSize: uint64(DescriptorSize * n),
		ID:          id,
		Timestamp:   timestamp,
		NumItems:    uint32(n),
		Command:     CommandModelInfo,
		NumInputs:   uint32(len(m.Inputs)),
		NumOutputs:  uint32(len(m.Outputs)),
	}

	buf := make([]byte, 0, HeaderSize+DescriptorSize*n)
	buf = append(buf, h.Encode()...)
	for _, group := range [][]TensorDescriptor{m.Inputs, m.Outputs} {
		for i := range group {
			desc, err := group[i].Encode()
			if err != nil {
				return nil, err
			}
			buf = append(buf, desc...)
		}
	}

	return buf, nil
}

// DecodeModelInfo parses the descriptor block of a model-info reply. body
// must be exactly DescriptorSize*h.NumItems bytes; the reply's PayloadSize
// is not consulted since some targets leave it at zero.
func DecodeModelInfo(h *Header, body []byte) (*ModelInfo, error) {
	if h.Command != CommandModelInfo {
		return nil, fmt.Errorf("%w: expected MODEL_INFO reply, got %s", ErrProtocol, h.Command)
	}
	if uint64(h.NumInputs)+uint64(h.NumOutputs) != uint64(h.NumItems) {
		return nil, fmt.Errorf("%w: %d inputs + %d outputs != %d items",
			ErrProtocol, h.NumInputs, h.NumOutputs, h.NumItems)
	}

	items, err := DecodeDescriptors(body, int(h.NumItems))
	if err != nil {
		return nil, err
	}

	info := &ModelInfo{
		Inputs:  make([]TensorDescriptor, 0, h.NumInputs),
		Outputs: make([]TensorDescriptor, 0, h.NumOutputs),
	}
	for i, item := range items {
		td, ok := item.(*TensorDescriptor)
		if !ok {
			return nil, fmt.Errorf("%w: model-info item %d is %s, want TENSOR", ErrProtocol, i, item.DataType())
		}
		if i < int(h.NumInputs) {
			info.Inputs = append(info.Inputs, *td)
		} else {
			info.Outputs = append(info.Outputs, *td)
		}
	}

	return info, nil
}
