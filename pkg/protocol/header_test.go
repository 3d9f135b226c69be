package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		header *Header
	}{
		{
			name: "data header",
			header: &Header{
				PayloadSize: 128 + 4096,
				ID:          42,
				Timestamp:   1_700_000_000_000_000_000,
				NumItems:    1,
				Command:     CommandData,
			},
		},
		{
			name: "model info query",
			header: &Header{
				ID:      7,
				Command: CommandModelInfo,
			},
		},
		{
			name: "model info reply",
			header: &Header{
				PayloadSize: 3 * DescriptorSize,
				ID:          1,
				NumItems:    3,
				Command:     CommandModelInfo,
				NumInputs:   2,
				NumOutputs:  1,
			},
		},
		{
			name: "max values",
			header: &Header{
				PayloadSize: ^uint64(0),
				ID:          ^uint64(0),
				Timestamp:   ^uint64(0),
				NumItems:    ^uint32(0),
				Command:     CommandData,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.header.Encode()

			if len(encoded) != HeaderSize {
				t.Errorf("Encode() length = %d, want %d", len(encoded), HeaderSize)
			}

			decoded, err := DecodeHeader(encoded)
			if err != nil {
				t.Fatalf("DecodeHeader() error = %v", err)
			}

			if *decoded != *tt.header {
				t.Errorf("DecodeHeader() = %+v, want %+v", *decoded, *tt.header)
			}
		})
	}
}

func TestHeaderLittleEndianLayout(t *testing.T) {
	h := &Header{
		PayloadSize: 0x0102030405060708,
		ID:          0x11,
		Timestamp:   0x22,
		NumItems:    0x33,
		Command:     CommandModelInfo,
	}
	buf := h.Encode()

	if !bytes.Equal(buf[0:8], []byte{8, 7, 6, 5, 4, 3, 2, 1}) {
		t.Errorf("payloadSize bytes = %v", buf[0:8])
	}
	if buf[8] != 0x11 || buf[16] != 0x22 || buf[24] != 0x33 || buf[28] != 1 {
		t.Errorf("unexpected field placement: %v", buf[:32])
	}
	for i := 40; i < HeaderSize; i++ {
		if buf[i] != 0 {
			t.Fatalf("reserved byte %d = %d, want 0", i, buf[i])
		}
	}
}

func TestDecodeHeaderErrors(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"short", make([]byte, HeaderSize-1)},
		{"long", make([]byte, HeaderSize+1)},
		{"unknown command", (&Header{Command: 9}).Encode()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeader(tt.buf)
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("DecodeHeader() error = %v, want ErrProtocol", err)
			}
		})
	}
}

func TestReadWriteHeader(t *testing.T) {
	var buf bytes.Buffer
	h := &Header{ID: 9, Command: CommandData, NumItems: 2, PayloadSize: 256}

	if err := WriteHeader(&buf, h); err != nil {
		t.Fatalf("WriteHeader() error = %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("written %d bytes, want %d", buf.Len(), HeaderSize)
	}

	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if *got != *h {
		t.Errorf("ReadHeader() = %+v, want %+v", *got, *h)
	}
}

func TestIsModelInfoQuery(t *testing.T) {
	if !(&Header{Command: CommandModelInfo}).IsModelInfoQuery() {
		t.Error("header-only MODEL_INFO should be a query")
	}
	if (&Header{Command: CommandModelInfo, NumItems: 1}).IsModelInfoQuery() {
		t.Error("MODEL_INFO reply should not be a query")
	}
	if (&Header{Command: CommandData}).IsModelInfoQuery() {
		t.Error("DATA should not be a query")
	}
}
