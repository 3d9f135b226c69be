package protocol

import (
	"errors"
	"fmt"
)

// Protocol constants
const (
	// Header size
	HeaderSize = 128

	// Item descriptor size
	DescriptorSize = 128

	// Limits of the tensor descriptor
	MaxDims    = 8
	MaxNameLen = 64

	// Limits of the image descriptor
	MaxPlanes = 4
)

// ErrProtocol reports a malformed frame: sizes inconsistent with the bytes
// supplied, or an unknown enumeration code.
var ErrProtocol = errors.New("protocol error")

// Command is the frame command code.
type Command uint32

// Commands
const (
	CommandData      Command = 0
	CommandModelInfo Command = 1
)

var commandNames = map[Command]string{
	CommandData:      "DATA",
	CommandModelInfo: "MODEL_INFO",
}

// Valid reports whether c is a known command code.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", uint32(c))
}

// DataType is the descriptor discriminant.
type DataType uint32

// Data types
const (
	DataTypeRaw    DataType = 1 // Recognised, never produced
	DataTypeImage  DataType = 2
	DataTypeTensor DataType = 3
)

var dataTypeNames = map[DataType]string{
	DataTypeRaw:    "RAW",
	DataTypeImage:  "IMAGE",
	DataTypeTensor: "TENSOR",
}

func (d DataType) String() string {
	if name, ok := dataTypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", uint32(d))
}

// TensorType is the element encoding of a tensor.
type TensorType uint32

// Tensor types
const (
	TensorInt8     TensorType = 0
	TensorInt16    TensorType = 1
	TensorInt32    TensorType = 2
	TensorInt64    TensorType = 3
	TensorUint8    TensorType = 4
	TensorUint16   TensorType = 5
	TensorUint32   TensorType = 6
	TensorUint64   TensorType = 7
	TensorFloat16  TensorType = 8
	TensorFloat32  TensorType = 9
	TensorFloat64  TensorType = 10
	TensorSFixed8  TensorType = 11
	TensorSFixed16 TensorType = 12
	TensorSFixed32 TensorType = 13
	TensorUFixed8  TensorType = 14
	TensorUFixed16 TensorType = 15
	TensorUFixed32 TensorType = 16
)

type tensorTypeInfo struct {
	name    string
	size    int
	float   bool
	signed  bool
	fixed   bool
	storage TensorType // plain numeric type sharing the same bytes
}

var tensorTypes = map[TensorType]tensorTypeInfo{
	TensorInt8:     {"INT_8", 1, false, true, false, TensorInt8},
	TensorInt16:    {"INT_16", 2, false, true, false, TensorInt16},
	TensorInt32:    {"INT_32", 4, false, true, false, TensorInt32},
	TensorInt64:    {"INT_64", 8, false, true, false, TensorInt64},
	TensorUint8:    {"UINT_8", 1, false, false, false, TensorUint8},
	TensorUint16:   {"UINT_16", 2, false, false, false, TensorUint16},
	TensorUint32:   {"UINT_32", 4, false, false, false, TensorUint32},
	TensorUint64:   {"UINT_64", 8, false, false, false, TensorUint64},
	TensorFloat16:  {"FLOAT_16", 2, true, true, false, TensorFloat16},
	TensorFloat32:  {"FLOAT_32", 4, true, true, false, TensorFloat32},
	TensorFloat64:  {"FLOAT_64", 8, true, true, false, TensorFloat64},
	TensorSFixed8:  {"SFIXED_8", 1, false, true, true, TensorInt8},
	TensorSFixed16: {"SFIXED_16", 2, false, true, true, TensorInt16},
	TensorSFixed32: {"SFIXED_32", 4, false, true, true, TensorInt32},
	TensorUFixed8:  {"UFIXED_8", 1, false, false, true, TensorUint8},
	TensorUFixed16: {"UFIXED_16", 2, false, false, true, TensorUint16},
	TensorUFixed32: {"UFIXED_32", 4, false, false, true, TensorUint32},
}

// ParseTensorType converts a wire code into a TensorType.
func ParseTensorType(code uint32) (TensorType, error) {
	t := TensorType(code)
	if _, ok := tensorTypes[t]; !ok {
		return 0, fmt.Errorf("%w: unknown tensor type %d", ErrProtocol, code)
	}
	return t, nil
}

// TensorTypeByName looks up a tensor type by its wire name (e.g. "UFIXED_8").
func TensorTypeByName(name string) (TensorType, error) {
	for t, info := range tensorTypes {
		if info.name == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown tensor type %q", ErrProtocol, name)
}

// Valid reports whether t is a known tensor type.
func (t TensorType) Valid() bool {
	_, ok := tensorTypes[t]
	return ok
}

// Size returns the element width in bytes.
func (t TensorType) Size() int {
	return tensorTypes[t].size
}

// IsFloat reports whether t is a floating point type.
func (t TensorType) IsFloat() bool {
	return tensorTypes[t].float
}

// IsSigned reports whether t has a signed representation.
func (t TensorType) IsSigned() bool {
	return tensorTypes[t].signed
}

// IsFixedPoint reports whether t is a quantized SFIXED/UFIXED type.
func (t TensorType) IsFixedPoint() bool {
	return tensorTypes[t].fixed
}

// IsUnsignedFixed reports whether t is one of UFIXED_8/16/32.
func (t TensorType) IsUnsignedFixed() bool {
	info := tensorTypes[t]
	return info.fixed && !info.signed
}

// Storage returns the plain numeric type with the same byte layout.
func (t TensorType) Storage() TensorType {
	return tensorTypes[t].storage
}

func (t TensorType) String() string {
	if info, ok := tensorTypes[t]; ok {
		return info.name
	}
	return fmt.Sprintf("TensorType(%d)", uint32(t))
}

// ImageFormat is the pixel format of an image item.
type ImageFormat uint32

// Image formats
const (
	ImageRGB888 ImageFormat = 0
	ImageBGR888 ImageFormat = 1
	ImageUYVY   ImageFormat = 2
	ImageNV12   ImageFormat = 3
	ImageP010   ImageFormat = 4
	ImageH264   ImageFormat = 100
	ImageH265   ImageFormat = 101
)

type imageFormatInfo struct {
	name          string
	planes        int
	bytesPerPixel int
}

var imageFormats = map[ImageFormat]imageFormatInfo{
	ImageRGB888: {"rgb", 1, 3},
	ImageBGR888: {"bgr", 1, 3},
	ImageUYVY:   {"uyvy", 1, 2},
	ImageNV12:   {"nv12", 2, 1},
	ImageP010:   {"p010", 2, 2},
	ImageH264:   {"h264", 1, 1},
	ImageH265:   {"h265", 1, 1},
}

// ParseImageFormat converts a wire code into an ImageFormat.
func ParseImageFormat(code uint32) (ImageFormat, error) {
	f := ImageFormat(code)
	if _, ok := imageFormats[f]; !ok {
		return 0, fmt.Errorf("%w: unknown image format %d", ErrProtocol, code)
	}
	return f, nil
}

// ImageFormatByName looks up a format by its short name ("rgb", "nv12", ...).
func ImageFormatByName(name string) (ImageFormat, error) {
	for f, info := range imageFormats {
		if info.name == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown image format %q", ErrProtocol, name)
}

// Planes returns the number of planes for the format.
func (f ImageFormat) Planes() int {
	return imageFormats[f].planes
}

// BytesPerPixel returns the per-plane pixel width used to derive strides.
func (f ImageFormat) BytesPerPixel() int {
	return imageFormats[f].bytesPerPixel
}

func (f ImageFormat) String() string {
	if info, ok := imageFormats[f]; ok {
		return info.name
	}
	return fmt.Sprintf("ImageFormat(%d)", uint32(f))
}
