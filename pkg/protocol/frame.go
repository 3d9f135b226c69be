package protocol

import (
	"fmt"
)

// Frame is one complete protocol message.
type Frame struct {
	Header   Header
	Items    []Descriptor
	Payloads [][]byte
}

// NewDataFrame creates a DATA frame with the given session id and timestamp.
func NewDataFrame(id, timestamp uint64, items []Descriptor, payloads [][]byte) *Frame {
	return &Frame{
		Header: Header{
			ID:        id,
			Timestamp: timestamp,
			Command:   CommandData,
		},
		Items:    items,
		Payloads: payloads,
	}
}

// NewModelInfoQuery creates the header-only metadata query frame.
func NewModelInfoQuery(id, timestamp uint64) *Frame {
	return &Frame{
		Header: Header{
			ID:        id,
			Timestamp: timestamp,
			Command:   CommandModelInfo,
		},
	}
}

// Encode serializes the frame. NumItems and PayloadSize are derived from
// the items; every payload must be exactly its descriptor's ItemSize.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Items) != len(f.Payloads) {
		return nil, fmt.Errorf("%w: %d descriptors but %d payloads", ErrProtocol, len(f.Items), len(f.Payloads))
	}

	payloadSize := uint64(DescriptorSize * len(f.Items))
	for i, item := range f.Items {
		if uint64(len(f.Payloads[i])) != uint64(item.ItemSize()) {
			return nil, fmt.Errorf("%w: item %d declares %d bytes, payload has %d",
				ErrProtocol, i, item.ItemSize(), len(f.Payloads[i]))
		}
		payloadSize += uint64(item.ItemSize())
	}

	f.Header.NumItems = uint32(len(f.Items))
	f.Header.PayloadSize = payloadSize

	buf := make([]byte, 0, HeaderSize+int(payloadSize))
	buf = append(buf, f.Header.Encode()...)
	for _, item := range f.Items {
		desc, err := item.Encode()
		if err != nil {
			return nil, err
		}
		buf = append(buf, desc...)
	}
	for _, p := range f.Payloads {
		buf = append(buf, p...)
	}

	return buf, nil
}

// DecodeFrame decodes the bytes that follow h. The payload must be exactly
// h.PayloadSize bytes and must satisfy
// PayloadSize == DescriptorSize*NumItems + sum(ItemSize).
func DecodeFrame(h *Header, payload []byte) (*Frame, error) {
	if uint64(len(payload)) != h.PayloadSize {
		return nil, fmt.Errorf("%w: payload is %d bytes, header declares %d", ErrProtocol, len(payload), h.PayloadSize)
	}

	descLen := uint64(h.NumItems) * DescriptorSize
	if descLen > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: %d descriptors overrun %d payload bytes", ErrProtocol, h.NumItems, len(payload))
	}

	items, err := DecodeDescriptors(payload[:descLen], int(h.NumItems))
	if err != nil {
		return nil, err
	}

	f := &Frame{
		Header:   *h,
		Items:    items,
		Payloads: make([][]byte, len(items)),
	}

	off := descLen
	for i, item := range items {
		end := off + uint64(item.ItemSize())
		if end > uint64(len(payload)) {
			return nil, fmt.Errorf("%w: item %d (%d bytes) overruns payload", ErrProtocol, i, item.ItemSize())
		}
		f.Payloads[i] = payload[off:end]
		off = end
	}
	if off != uint64(len(payload)) {
		return nil, fmt.Errorf("%w: %d trailing bytes after last item", ErrProtocol, uint64(len(payload))-off)
	}

	return f, nil
}
