package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Descriptor is one 128-byte item descriptor. The concrete type is either
// *TensorDescriptor or *ImageDescriptor.
type Descriptor interface {
	DataType() DataType
	// ItemSize returns the number of raw bytes the item carries.
	ItemSize() uint32
	Encode() ([]byte, error)
}

// TensorDescriptor describes one tensor item.
type TensorDescriptor struct {
	Size        uint32     `json:"size"`
	Type        TensorType `json:"type"`
	Dims        []uint32   `json:"dims"`
	QuantScale  float32    `json:"quant_scale"`
	QuantOffset int32      `json:"quant_offset"`
	Name        string     `json:"name"`
}

// DataType implements Descriptor.
func (d *TensorDescriptor) DataType() DataType { return DataTypeTensor }

// ItemSize implements Descriptor.
func (d *TensorDescriptor) ItemSize() uint32 { return d.Size }

// NumElements returns the product of Dims.
func (d *TensorDescriptor) NumElements() int {
	n := 1
	for _, dim := range d.Dims {
		n *= int(dim)
	}
	return n
}

// Shape returns Dims as ints.
func (d *TensorDescriptor) Shape() []int {
	shape := make([]int, len(d.Dims))
	for i, dim := range d.Dims {
		shape[i] = int(dim)
	}
	return shape
}

// Encode encodes the descriptor to DescriptorSize bytes.
//
// Layout: dataType@0 size@4 type@8 dims[8]@12 numDims@44 quantScale@48
// quantOffset@52 name[64]@56 reserved@120.
func (d *TensorDescriptor) Encode() ([]byte, error) {
	if len(d.Dims) > MaxDims {
		return nil, fmt.Errorf("%w: tensor %q has %d dims, max %d", ErrProtocol, d.Name, len(d.Dims), MaxDims)
	}
	if len(d.Name) > MaxNameLen {
		return nil, fmt.Errorf("%w: tensor name %q longer than %d bytes", ErrProtocol, d.Name, MaxNameLen)
	}
	if !utf8.ValidString(d.Name) {
		return nil, fmt.Errorf("%w: tensor name %q is not valid UTF-8", ErrProtocol, d.Name)
	}
	if !d.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown tensor type %d", ErrProtocol, uint32(d.Type))
	}

	buf := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(DataTypeTensor))
	binary.LittleEndian.PutUint32(buf[4:8], d.Size)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(d.Type))
	for i, dim := range d.Dims {
		binary.LittleEndian.PutUint32(buf[12+4*i:16+4*i], dim)
	}
	binary.LittleEndian.PutUint32(buf[44:48], uint32(len(d.Dims)))
	binary.LittleEndian.PutUint32(buf[48:52], math.Float32bits(d.QuantScale))
	binary.LittleEndian.PutUint32(buf[52:56], uint32(d.QuantOffset))
	copy(buf[56:120], d.Name)

	return buf, nil
}

func decodeTensorDescriptor(buf []byte) (*TensorDescriptor, error) {
	typ, err := ParseTensorType(binary.LittleEndian.Uint32(buf[8:12]))
	if err != nil {
		return nil, err
	}

	numDims := binary.LittleEndian.Uint32(buf[44:48])
	if numDims > MaxDims {
		return nil, fmt.Errorf("%w: numDims %d exceeds %d", ErrProtocol, numDims, MaxDims)
	}

	d := &TensorDescriptor{
		Size:        binary.LittleEndian.Uint32(buf[4:8]),
		Type:        typ,
		Dims:        make([]uint32, numDims),
		QuantScale:  math.Float32frombits(binary.LittleEndian.Uint32(buf[48:52])),
		QuantOffset: int32(binary.LittleEndian.Uint32(buf[52:56])),
	}
	for i := range d.Dims {
		d.Dims[i] = binary.LittleEndian.Uint32(buf[12+4*i : 16+4*i])
	}

	name := buf[56:120]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	d.Name = string(name)

	return d, nil
}

// ImageDescriptor describes one image item.
type ImageDescriptor struct {
	Size         uint32            `json:"size"`
	Format       ImageFormat       `json:"format"`
	BatchSize    uint32            `json:"batch_size"`
	Width        uint32            `json:"width"`
	Height       uint32            `json:"height"`
	Stride       [MaxPlanes]uint32 `json:"stride"`
	ActualHeight [MaxPlanes]uint32 `json:"actual_height"`
	PlaneBufSize [MaxPlanes]uint32 `json:"plane_buf_size"`
	NumPlanes    uint32            `json:"num_planes"`
}

// NewImageDescriptor builds a descriptor for a single packed image, deriving
// the per-plane geometry from the format.
func NewImageDescriptor(format ImageFormat, width, height, size uint32) (*ImageDescriptor, error) {
	if _, ok := imageFormats[format]; !ok {
		return nil, fmt.Errorf("%w: unknown image format %d", ErrProtocol, uint32(format))
	}

	planes := format.Planes()
	stride := width * uint32(format.BytesPerPixel())

	d := &ImageDescriptor{
		Size:      size,
		Format:    format,
		BatchSize: 1,
		Width:     width,
		Height:    height,
		NumPlanes: uint32(planes),
	}
	for i := 0; i < planes; i++ {
		d.Stride[i] = stride
	}
	d.ActualHeight[0] = height
	d.PlaneBufSize[0] = height * stride
	if planes == 2 {
		// Interleaved chroma plane of NV12/P010 is half height
		d.ActualHeight[1] = height / 2
		d.PlaneBufSize[1] = height * stride / 2
	}

	return d, nil
}

// DataType implements Descriptor.
func (d *ImageDescriptor) DataType() DataType { return DataTypeImage }

// ItemSize implements Descriptor.
func (d *ImageDescriptor) ItemSize() uint32 { return d.Size }

// Encode encodes the descriptor to DescriptorSize bytes.
//
// Layout: dataType@0 size@4 format@8 batchSize@12 width@16 height@20
// stride[4]@24 actualHeight[4]@40 planeBufSize[4]@56 numPlanes@72.
func (d *ImageDescriptor) Encode() ([]byte, error) {
	if _, ok := imageFormats[d.Format]; !ok {
		return nil, fmt.Errorf("%w: unknown image format %d", ErrProtocol, uint32(d.Format))
	}
	if d.NumPlanes > MaxPlanes {
		return nil, fmt.Errorf("%w: %d planes, max %d", ErrProtocol, d.NumPlanes, MaxPlanes)
	}

	buf := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(DataTypeImage))
	binary.LittleEndian.PutUint32(buf[4:8], d.Size)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(d.Format))
	binary.LittleEndian.PutUint32(buf[12:16], d.BatchSize)
	binary.LittleEndian.PutUint32(buf[16:20], d.Width)
	binary.LittleEndian.PutUint32(buf[20:24], d.Height)
	for i := 0; i < MaxPlanes; i++ {
		binary.LittleEndian.PutUint32(buf[24+4*i:28+4*i], d.Stride[i])
		binary.LittleEndian.PutUint32(buf[40+4*i:44+4*i], d.ActualHeight[i])
		binary.LittleEndian.PutUint32(buf[56+4*i:60+4*i], d.PlaneBufSize[i])
	}
	binary.LittleEndian.PutUint32(buf[72:76], d.NumPlanes)

	return buf, nil
}

func decodeImageDescriptor(buf []byte) (*ImageDescriptor, error) {
	format, err := ParseImageFormat(binary.LittleEndian.Uint32(buf[8:12]))
	if err != nil {
		return nil, err
	}

	d := &ImageDescriptor{
		Size:      binary.LittleEndian.Uint32(buf[4:8]),
		Format:    format,
		BatchSize: binary.LittleEndian.Uint32(buf[12:16]),
		Width:     binary.LittleEndian.Uint32(buf[16:20]),
		Height:    binary.LittleEndian.Uint32(buf[20:24]),
		NumPlanes: binary.LittleEndian.Uint32(buf[72:76]),
	}
	if d.NumPlanes > MaxPlanes {
		return nil, fmt.Errorf("%w: %d planes, max %d", ErrProtocol, d.NumPlanes, MaxPlanes)
	}
	for i := 0; i < MaxPlanes; i++ {
		d.Stride[i] = binary.LittleEndian.Uint32(buf[24+4*i : 28+4*i])
		d.ActualHeight[i] = binary.LittleEndian.Uint32(buf[40+4*i : 44+4*i])
		d.PlaneBufSize[i] = binary.LittleEndian.Uint32(buf[56+4*i : 60+4*i])
	}

	return d, nil
}

// DecodeDescriptor decodes one descriptor. The discriminant is read first
// and selects the variant parser.
func DecodeDescriptor(buf []byte) (Descriptor, error) {
	if len(buf) != DescriptorSize {
		return nil, fmt.Errorf("%w: descriptor is %d bytes, want %d", ErrProtocol, len(buf), DescriptorSize)
	}

	switch dt := DataType(binary.LittleEndian.Uint32(buf[0:4])); dt {
	case DataTypeTensor:
		return decodeTensorDescriptor(buf)
	case DataTypeImage:
		return decodeImageDescriptor(buf)
	default:
		return nil, fmt.Errorf("%w: unsupported data type %s", ErrProtocol, dt)
	}
}

// DecodeDescriptors decodes count descriptors from exactly
// DescriptorSize*count bytes.
func DecodeDescriptors(buf []byte, count int) ([]Descriptor, error) {
	if len(buf) != DescriptorSize*count {
		return nil, fmt.Errorf("%w: %d descriptors need %d bytes, got %d",
			ErrProtocol, count, DescriptorSize*count, len(buf))
	}

	items := make([]Descriptor, count)
	for i := range items {
		d, err := DecodeDescriptor(buf[i*DescriptorSize : (i+1)*DescriptorSize])
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
		items[i] = d
	}

	return items, nil
}
