// Package protocol implements the Data-Online wire format.
//
// Data-Online streams model inputs (tensors and images) to a remote
// inference target over TCP and receives results back. Every message is a
// single frame.
//
// # Frame Layout
//
// A frame is a fixed 128-byte header, followed by NumItems item
// descriptors of 128 bytes each, followed by the raw item bytes
// concatenated in descriptor order:
//
//	+----------------+----------------+-----+----------------+---------+-----+
//	| Header (128)   | Descriptor 0   | ... | Descriptor n-1 | Item 0  | ... |
//	+----------------+----------------+-----+----------------+---------+-----+
//
// All integer and float fields are little-endian and tightly packed.
//
// # Header Format
//
//   - PayloadSize (8 bytes): bytes following the header
//   - ID (8 bytes): session identifier
//   - Timestamp (8 bytes): sender-chosen nanoseconds
//   - NumItems (4 bytes): number of descriptors
//   - Command (4 bytes): DATA (0) or MODEL_INFO (1)
//   - NumInputs/NumOutputs (4 bytes each): model-info replies only
//   - Reserved: zero padding to 128 bytes
//
// A DATA frame always satisfies PayloadSize == 128*NumItems + sum(item sizes).
//
// # Descriptors
//
// A descriptor is a tagged union. The leading 4-byte DataType selects the
// variant: TENSOR (3) or IMAGE (2). Decoding always reads the tag first and
// rejects unknown tags with ErrProtocol.
//
// # Model Info
//
// A header-only frame with Command MODEL_INFO and NumItems 0 queries the
// target's model metadata. The reply carries one tensor descriptor per
// input followed by one per output, with no item bytes.
package protocol
