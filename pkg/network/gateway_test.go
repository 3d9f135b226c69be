package network_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZentaChain/dataonline/pkg/network"
	"github.com/ZentaChain/dataonline/pkg/protocol"
	"github.com/ZentaChain/dataonline/pkg/storage"
	"github.com/ZentaChain/dataonline/pkg/tensor"
)

var relayModel = &protocol.ModelInfo{
	Inputs:  []protocol.TensorDescriptor{{Name: "x", Type: protocol.TensorFloat32, Dims: []uint32{1, 4}, Size: 16, QuantScale: 1}},
	Outputs: []protocol.TensorDescriptor{{Name: "y", Type: protocol.TensorUint8, Dims: []uint32{1, 3}, Size: 3, QuantScale: 1}},
}

// fakeUpstream answers metadata queries from relayModel and every DATA
// frame with a fixed reply. It serves connections one after another.
type fakeUpstream struct {
	listener *network.Listener
	reply    []byte

	// dropNext makes the next DATA frame close the connection unanswered
	dropNext atomic.Bool

	modelInfoQueries atomic.Uint64
	dataFrames       atomic.Uint64
	connections      atomic.Uint64

	wg sync.WaitGroup
}

func startFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()

	reply, err := protocol.NewDataFrame(555, 777,
		[]protocol.Descriptor{&protocol.TensorDescriptor{Name: "y", Type: protocol.TensorUint8, Dims: []uint32{1, 3}, Size: 3, QuantScale: 1}},
		[][]byte{{9, 8, 7}}).Encode()
	require.NoError(t, err)

	l, err := network.Listen("127.0.0.1:0", &network.Config{Timeout: 5 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)

	u := &fakeUpstream{listener: l, reply: reply}
	u.wg.Add(1)
	go u.serve()
	t.Cleanup(func() {
		l.Close()
		u.wg.Wait()
	})
	return u
}

func (u *fakeUpstream) serve() {
	defer u.wg.Done()
	for {
		conn, err := u.listener.Accept()
		if err != nil {
			return
		}
		u.connections.Add(1)
		u.handle(conn)
	}
}

func (u *fakeUpstream) handle(conn *network.Conn) {
	defer conn.Close()
	for {
		h, _, err := conn.ReadRaw()
		if err != nil {
			return
		}
		if h.Command == protocol.CommandModelInfo {
			u.modelInfoQueries.Add(1)
			if err := conn.WriteModelInfo(relayModel, h.ID); err != nil {
				return
			}
			continue
		}
		u.dataFrames.Add(1)
		if u.dropNext.CompareAndSwap(true, false) {
			return
		}
		if err := conn.WriteRaw(u.reply); err != nil {
			return
		}
	}
}

func (u *fakeUpstream) Addr() string {
	return u.listener.Addr().String()
}

func startGateway(t *testing.T, upstream string, setup func(*network.Gateway)) *network.Gateway {
	t.Helper()

	g := network.NewGateway(&network.GatewayConfig{
		ListenAddr: "127.0.0.1:0",
		Upstream:   &network.Config{Target: upstream, Timeout: 2 * time.Second},
	}, zaptest.NewLogger(t))
	if setup != nil {
		setup(g)
	}
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { g.Stop() })
	return g
}

func dialGateway(t *testing.T, g *network.Gateway) *network.Conn {
	t.Helper()
	conn, err := network.Dial(context.Background(), &network.Config{Target: g.Addr(), Timeout: 2 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendSample(t *testing.T, conn *network.Conn) {
	t.Helper()
	x, err := tensor.FromFloat32s([]int{1, 4}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = conn.WriteData([]network.Item{network.NewTensorItem("x", x)})
	require.NoError(t, err)
}

func TestGatewayRelaysResponseUnmodified(t *testing.T) {
	up := startFakeUpstream(t)
	g := startGateway(t, up.Addr(), nil)
	down := dialGateway(t, g)

	sendSample(t, down)
	_, resp, err := down.ReadRaw()
	require.NoError(t, err)

	assert.Equal(t, up.reply, resp)
	assert.Equal(t, uint64(1), up.dataFrames.Load())
	assert.Equal(t, uint64(1), g.UpstreamFrames())
}

func TestGatewayAnswersModelInfoFromCache(t *testing.T) {
	up := startFakeUpstream(t)
	g := startGateway(t, up.Addr(), nil)
	require.Equal(t, uint64(1), up.modelInfoQueries.Load())

	down := dialGateway(t, g)
	for i := 0; i < 3; i++ {
		info, err := down.QueryModelInfo()
		require.NoError(t, err)
		assert.Equal(t, relayModel, info)
	}

	// No upstream traffic beyond the startup query
	assert.Equal(t, uint64(0), g.UpstreamFrames())
	assert.Equal(t, uint64(1), up.modelInfoQueries.Load())
	assert.Equal(t, uint64(0), up.dataFrames.Load())

	assert.Equal(t, relayModel, g.ModelInfo())
	assert.Len(t, g.ModelDigest(), 64)
	require.Eventually(t, func() bool {
		return g.GetStats()["cache_hits"] == uint64(3)
	}, time.Second, 10*time.Millisecond)
}

func TestGatewayDownstreamErrorKeepsUpstream(t *testing.T) {
	up := startFakeUpstream(t)
	g := startGateway(t, up.Addr(), nil)

	// An unknown command aborts the first session
	bad := dialGateway(t, g)
	h := &protocol.Header{Command: protocol.Command(42)}
	require.NoError(t, bad.WriteRaw(h.Encode()))
	_, _, err := bad.ReadRaw()
	require.Error(t, err)

	// The next client is served over the same upstream connection
	down := dialGateway(t, g)
	sendSample(t, down)
	_, resp, err := down.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, up.reply, resp)

	assert.Equal(t, uint64(1), up.connections.Load())
	stats := g.GetStats()
	assert.Equal(t, uint64(0), stats["upstream_redials"])
	assert.Equal(t, uint64(2), stats["sessions"])
}

func TestGatewaySurvivesOversizedDownstreamFrame(t *testing.T) {
	up := startFakeUpstream(t)
	g := startGateway(t, up.Addr(), nil)

	bad := dialGateway(t, g)
	h := &protocol.Header{PayloadSize: ^uint64(0), NumItems: 1, Command: protocol.CommandData}
	require.NoError(t, bad.WriteRaw(h.Encode()))
	_, _, err := bad.ReadRaw()
	require.Error(t, err, "the session should be dropped")

	down := dialGateway(t, g)
	sendSample(t, down)
	_, resp, err := down.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, up.reply, resp)

	// Only the well-formed frame reached the upstream
	assert.Equal(t, uint64(1), up.dataFrames.Load())
	require.Eventually(t, func() bool {
		return g.GetStats()["errors"] == uint64(1)
	}, time.Second, 10*time.Millisecond)
}

func TestGatewayRedialsFailedUpstream(t *testing.T) {
	up := startFakeUpstream(t)
	g := startGateway(t, up.Addr(), nil)

	up.dropNext.Store(true)
	first := dialGateway(t, g)
	sendSample(t, first)
	_, _, err := first.ReadRaw()
	require.Error(t, err, "downstream should be dropped when the upstream fails")

	second := dialGateway(t, g)
	sendSample(t, second)
	_, resp, err := second.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, up.reply, resp)

	assert.Equal(t, uint64(2), up.connections.Load())
	assert.Equal(t, uint64(2), up.modelInfoQueries.Load())
	assert.Equal(t, uint64(1), g.GetStats()["upstream_redials"])
}

func TestGatewayRecordsTraces(t *testing.T) {
	up := startFakeUpstream(t)

	store, err := storage.NewTraceStore(filepath.Join(t.TempDir(), "traces.db"), 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	relayed := make(chan *storage.FrameTrace, 4)
	g := startGateway(t, up.Addr(), func(g *network.Gateway) {
		g.AttachTraceStore(store)
		g.OnFrameRelayed = func(tr *storage.FrameTrace) { relayed <- tr }
	})

	down := dialGateway(t, g)
	_, err = down.QueryModelInfo()
	require.NoError(t, err)
	sendSample(t, down)
	_, _, err = down.ReadRaw()
	require.NoError(t, err)

	cached := <-relayed
	assert.Equal(t, storage.KindCacheHit, cached.Kind)
	assert.Equal(t, "MODEL_INFO", cached.Command)
	assert.Equal(t, protocol.HeaderSize, cached.RequestSize)
	assert.Equal(t, len(g.ModelInfoRaw()), cached.ResponseSize)

	relay := <-relayed
	assert.Equal(t, storage.KindRelay, relay.Kind)
	assert.Equal(t, "DATA", relay.Command)
	assert.Equal(t, uint32(1), relay.NumItems)
	assert.Equal(t, len(up.reply), relay.ResponseSize)
	assert.Equal(t, cached.SessionID, relay.SessionID)
	assert.Empty(t, relay.Error)

	traces, err := store.Session(relay.SessionID)
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, storage.KindCacheHit, traces[0].Kind)
	assert.Equal(t, storage.KindRelay, traces[1].Kind)
}

func TestGatewayCollector(t *testing.T) {
	up := startFakeUpstream(t)
	g := startGateway(t, up.Addr(), nil)

	down := dialGateway(t, g)
	sendSample(t, down)
	_, _, err := down.ReadRaw()
	require.NoError(t, err)

	c := network.NewGatewayCollector(g)
	// One series per counter, two for upstream bytes
	assert.Equal(t, 9, testutil.CollectAndCount(c))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "dataonline_gateway_upstream_frames_total"))
}

func TestGatewayStartFailsWithoutUpstream(t *testing.T) {
	l, err := network.Listen("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	g := network.NewGateway(&network.GatewayConfig{
		ListenAddr: "127.0.0.1:0",
		Upstream:   &network.Config{Target: addr, Timeout: time.Second},
	}, zaptest.NewLogger(t))
	assert.Error(t, g.Start(context.Background()))
	assert.Empty(t, g.Addr())
}
