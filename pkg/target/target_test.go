package target

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZentaChain/dataonline/pkg/network"
	"github.com/ZentaChain/dataonline/pkg/protocol"
	"github.com/ZentaChain/dataonline/pkg/tensor"
)

func TestParseTensor(t *testing.T) {
	tests := []struct {
		in      string
		want    protocol.TensorDescriptor
		wantErr bool
	}{
		{
			in:   "in0:UFIXED_8:1x3x224x224:0.0078:-128",
			want: protocol.TensorDescriptor{Name: "in0", Type: protocol.TensorUFixed8, Dims: []uint32{1, 3, 224, 224}, Size: 150528, QuantScale: 0.0078, QuantOffset: -128},
		},
		{
			in:   "out0:float_32:1x1000",
			want: protocol.TensorDescriptor{Name: "out0", Type: protocol.TensorFloat32, Dims: []uint32{1, 1000}, Size: 4000, QuantScale: 1},
		},
		{in: "x:FLOAT_32", wantErr: true},
		{in: "x:FLOAT_99:1x2", wantErr: true},
		{in: "x:FLOAT_32:1xa", wantErr: true},
		{in: "x:FLOAT_32:1x1x1x1x1x1x1x1x1", wantErr: true},
		{in: "x:UFIXED_8:1x2:abc:0", wantErr: true},
		{in: "x:UFIXED_8:1x2:0.5:zero", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTensor(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseModel(t *testing.T) {
	info, err := ParseModel([]string{"a:FLOAT_32:1x4", "b:INT_8:2"}, []string{"y:FLOAT_16:1x2"})
	require.NoError(t, err)
	require.Len(t, info.Inputs, 2)
	require.Len(t, info.Outputs, 1)
	assert.Equal(t, uint32(2), info.Inputs[1].Size)
	assert.Equal(t, uint32(4), info.Outputs[0].Size)

	_, err = ParseModel(nil, nil)
	assert.Error(t, err)
	_, err = ParseModel([]string{"bad"}, nil)
	assert.Error(t, err)
}

var testModel = &protocol.ModelInfo{
	Inputs:  []protocol.TensorDescriptor{{Name: "x", Type: protocol.TensorFloat32, Dims: []uint32{1, 2}, Size: 8, QuantScale: 1}},
	Outputs: []protocol.TensorDescriptor{{Name: "y", Type: protocol.TensorUFixed8, Dims: []uint32{1, 2}, Size: 2, QuantScale: 0.5, QuantOffset: 0}},
}

func startServer(t *testing.T, handler Handler) (*Server, *network.Conn) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	srv := New(&Config{ListenAddr: "127.0.0.1:0", Timeout: 2 * time.Second, Model: testModel}, handler, logger)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	conn, err := network.Dial(context.Background(), &network.Config{Target: srv.Addr(), Timeout: 2 * time.Second}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func sendX(t *testing.T, conn *network.Conn, values ...float32) uint64 {
	t.Helper()
	x, err := tensor.FromFloat32s([]int{1, 2}, values)
	require.NoError(t, err)
	id, err := conn.WriteData([]network.Item{network.NewTensorItem("x", x)}, network.WithTimestamp(4242))
	require.NoError(t, err)
	return id
}

func TestServerZeroHandler(t *testing.T) {
	srv, conn := startServer(t, nil)

	info, err := conn.QueryModelInfo()
	require.NoError(t, err)
	assert.Equal(t, testModel, info)

	id := sendX(t, conn, 1, 2)
	data, err := conn.ReadData()
	require.NoError(t, err)

	assert.Equal(t, id, data.ID)
	assert.Equal(t, uint64(4242), data.Timestamp)
	assert.Equal(t, []string{"y"}, data.Names)
	// Zero bytes dequantize to zero with a zero offset
	assert.Equal(t, []float32{0, 0}, data.Tensors["y"].Float32s())

	assert.Equal(t, uint64(1), srv.ModelInfoQueries())
	assert.Equal(t, uint64(1), srv.DataFrames())
}

func TestServerEchoHandler(t *testing.T) {
	_, conn := startServer(t, EchoHandler(testModel))

	// The echoed float input is quantized to the UFIXED_8 output
	sendX(t, conn, 3, 10.5)
	data, err := conn.ReadData()
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 10.5}, data.Tensors["y"].Float32s())
}

func TestServerHandlerErrorDropsClient(t *testing.T) {
	failing := HandlerFunc(func(*network.Data) (map[string]*tensor.Tensor, error) {
		return nil, errors.New("model crashed")
	})
	srv, conn := startServer(t, failing)

	sendX(t, conn, 1, 2)
	_, err := conn.ReadData()
	assert.Error(t, err)

	// The server keeps accepting after dropping a client
	next, err := network.Dial(context.Background(), &network.Config{Target: srv.Addr(), Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	defer next.Close()
	_, err = next.QueryModelInfo()
	assert.NoError(t, err)
}

func TestServerStop(t *testing.T) {
	srv, conn := startServer(t, nil)

	_, err := conn.QueryModelInfo()
	require.NoError(t, err)

	require.NoError(t, srv.Stop())
	_, err = conn.QueryModelInfo()
	assert.Error(t, err)

	// Stop is idempotent
	assert.NoError(t, srv.Stop())
}
