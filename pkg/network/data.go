package network

import (
	"fmt"

	"github.com/ZentaChain/dataonline/pkg/protocol"
	"github.com/ZentaChain/dataonline/pkg/tensor"
)

// Item is one entry of a DATA frame: a *TensorItem or an *ImageItem.
type Item interface {
	wire(index int) (protocol.Descriptor, []byte, error)
}

// TensorItem carries a tensor plus the wire metadata declared for it.
type TensorItem struct {
	Name        string // Defaults to "input:<index>"
	Tensor      *tensor.Tensor
	Type        protocol.TensorType
	QuantScale  float32
	QuantOffset int32
}

// NewTensorItem labels t with its own element type and identity
// quantization.
func NewTensorItem(name string, t *tensor.Tensor) *TensorItem {
	return &TensorItem{
		Name:       name,
		Tensor:     t,
		Type:       t.Type,
		QuantScale: 1.0,
	}
}

func (ti *TensorItem) wire(index int) (protocol.Descriptor, []byte, error) {
	if ti.Tensor == nil {
		return nil, nil, fmt.Errorf("item %d: nil tensor", index)
	}
	if ti.Type.Storage() != ti.Tensor.Type.Storage() {
		return nil, nil, fmt.Errorf("%w: item %d holds %s but is declared %s",
			tensor.ErrUnsupportedDtype, index, ti.Tensor.Type, ti.Type)
	}

	name := ti.Name
	if name == "" {
		name = fmt.Sprintf("input:%d", index)
	}

	dims := make([]uint32, len(ti.Tensor.Shape))
	for i, d := range ti.Tensor.Shape {
		dims[i] = uint32(d)
	}

	desc := &protocol.TensorDescriptor{
		Size:        uint32(len(ti.Tensor.Data)),
		Type:        ti.Type,
		Dims:        dims,
		QuantScale:  ti.QuantScale,
		QuantOffset: ti.QuantOffset,
		Name:        name,
	}
	return desc, ti.Tensor.Data, nil
}

// ImageItem carries one packed image.
type ImageItem struct {
	Format protocol.ImageFormat
	Width  uint32
	Height uint32
	Data   []byte
}

func (ii *ImageItem) wire(index int) (protocol.Descriptor, []byte, error) {
	desc, err := protocol.NewImageDescriptor(ii.Format, ii.Width, ii.Height, uint32(len(ii.Data)))
	if err != nil {
		return nil, nil, fmt.Errorf("item %d: %w", index, err)
	}
	return desc, ii.Data, nil
}

type writeOptions struct {
	id        *uint64
	timestamp *uint64
}

// WriteOption customizes WriteData.
type WriteOption func(*writeOptions)

// WithID sets the frame's session id instead of the connection counter.
func WithID(id uint64) WriteOption {
	return func(o *writeOptions) { o.id = &id }
}

// WithTimestamp sets the frame's timestamp instead of nanoseconds since the
// connection was created.
func WithTimestamp(ts uint64) WriteOption {
	return func(o *writeOptions) { o.timestamp = &ts }
}

// WriteData builds and sends one DATA frame and returns the session id it
// carried.
func (c *Conn) WriteData(items []Item, opts ...WriteOption) (uint64, error) {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	descs := make([]protocol.Descriptor, len(items))
	payloads := make([][]byte, len(items))
	for i, item := range items {
		d, p, err := item.wire(i)
		if err != nil {
			return 0, err
		}
		descs[i] = d
		payloads[i] = p
	}

	id := c.nextSession()
	if o.id != nil {
		id = *o.id
	}
	ts := c.now()
	if o.timestamp != nil {
		ts = *o.timestamp
	}

	if err := c.WriteFrame(protocol.NewDataFrame(id, ts, descs, payloads)); err != nil {
		return 0, err
	}
	return id, nil
}

// Data is a decoded DATA frame.
type Data struct {
	ID        uint64
	Timestamp uint64
	Names     []string // Tensor names in frame order
	Tensors   map[string]*tensor.Tensor
	Images    map[int]*ImageItem // Keyed by item position
}

// ReadData reads one DATA frame. Fixed-point tensors are dequantized.
func (c *Conn) ReadData() (*Data, error) {
	h, raw, err := c.ReadRaw()
	if err != nil {
		return nil, err
	}
	return DecodeData(h, raw[protocol.HeaderSize:])
}

// DecodeData decodes the payload that follows h into tensors and images.
func DecodeData(h *protocol.Header, payload []byte) (*Data, error) {
	if h.NumItems == 0 || h.Command != protocol.CommandData {
		return nil, fmt.Errorf("%w: %s frame with %d items", ErrEmptyFrame, h.Command, h.NumItems)
	}

	f, err := protocol.DecodeFrame(h, payload)
	if err != nil {
		return nil, err
	}

	data := &Data{
		ID:        h.ID,
		Timestamp: h.Timestamp,
		Tensors:   make(map[string]*tensor.Tensor),
		Images:    make(map[int]*ImageItem),
	}
	for i, item := range f.Items {
		switch d := item.(type) {
		case *protocol.TensorDescriptor:
			t, err := tensor.FromWire(f.Payloads[i], d)
			if err != nil {
				return nil, err
			}
			if _, dup := data.Tensors[d.Name]; !dup {
				data.Names = append(data.Names, d.Name)
			}
			data.Tensors[d.Name] = t
		case *protocol.ImageDescriptor:
			data.Images[i] = &ImageItem{
				Format: d.Format,
				Width:  d.Width,
				Height: d.Height,
				Data:   f.Payloads[i],
			}
		}
	}

	return data, nil
}
