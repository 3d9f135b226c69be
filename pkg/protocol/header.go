package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Header represents the fixed 128-byte frame header
type Header struct {
	PayloadSize uint64  // Bytes following the header
	ID          uint64  // Session identifier
	Timestamp   uint64  // Sender-chosen nanoseconds
	NumItems    uint32  // Number of item descriptors
	Command     Command // DATA or MODEL_INFO
	NumInputs   uint32  // Model-info replies only
	NumOutputs  uint32  // Model-info replies only
}

// IsModelInfoQuery reports whether h is a header-only metadata query.
func (h *Header) IsModelInfoQuery() bool {
	return h.Command == CommandModelInfo && h.NumItems == 0
}

// Encode encodes the header to bytes
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)

	binary.LittleEndian.PutUint64(buf[0:8], h.PayloadSize)
	binary.LittleEndian.PutUint64(buf[8:16], h.ID)
	binary.LittleEndian.PutUint64(buf[16:24], h.Timestamp)
	binary.LittleEndian.PutUint32(buf[24:28], h.NumItems)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(h.Command))
	binary.LittleEndian.PutUint32(buf[32:36], h.NumInputs)
	binary.LittleEndian.PutUint32(buf[36:40], h.NumOutputs)

	return buf
}

// DecodeHeader decodes a header from exactly HeaderSize bytes
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) != HeaderSize {
		return nil, fmt.Errorf("%w: header is %d bytes, want %d", ErrProtocol, len(buf), HeaderSize)
	}

	h := &Header{
		PayloadSize: binary.LittleEndian.Uint64(buf[0:8]),
		ID:          binary.LittleEndian.Uint64(buf[8:16]),
		Timestamp:   binary.LittleEndian.Uint64(buf[16:24]),
		NumItems:    binary.LittleEndian.Uint32(buf[24:28]),
		Command:     Command(binary.LittleEndian.Uint32(buf[28:32])),
		NumInputs:   binary.LittleEndian.Uint32(buf[32:36]),
		NumOutputs:  binary.LittleEndian.Uint32(buf[36:40]),
	}

	if !h.Command.Valid() {
		return nil, fmt.Errorf("%w: unknown command %d", ErrProtocol, uint32(h.Command))
	}

	return h, nil
}

// ReadHeader reads a header from an io.Reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	return DecodeHeader(buf)
}

// WriteHeader writes a header to an io.Writer
func WriteHeader(w io.Writer, h *Header) error {
	_, err := w.Write(h.Encode())
	return err
}
