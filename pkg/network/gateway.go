package network

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/ZentaChain/dataonline/pkg/protocol"
	"github.com/ZentaChain/dataonline/pkg/storage"
)

// GatewayConfig holds gateway configuration
type GatewayConfig struct {
	ListenAddr  string        // Downstream listen address
	Upstream    *Config       // Upstream target connection
	IdleTimeout time.Duration // Downstream read timeout; <= 0 waits indefinitely

	// MaxPayloadSize bounds downstream frames; 0 selects DefaultMaxPayloadSize
	MaxPayloadSize uint64
}

// DefaultGatewayConfig returns default gateway configuration
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		ListenAddr: ":6667",
		Upstream:   DefaultConfig(),
	}
}

// gatewayStats are updated by the relay loop and read concurrently
type gatewayStats struct {
	sessions          atomic.Uint64
	framesRelayed     atomic.Uint64
	cacheHits         atomic.Uint64
	upstreamFrames    atomic.Uint64
	upstreamBytesSent atomic.Uint64
	upstreamBytesRecv atomic.Uint64
	upstreamRedials   atomic.Uint64
	errors            atomic.Uint64
}

// Gateway relays Data-Online frames from one downstream client at a time
// to a single upstream target. Metadata queries are answered from a reply
// cached at startup.
type Gateway struct {
	cfg    *GatewayConfig
	logger *zap.Logger

	listener *Listener
	ctx      context.Context

	// upstream and the model-info cache change only on redial
	mu           sync.RWMutex
	upstream     *Conn
	modelInfoRaw []byte
	modelInfo    *protocol.ModelInfo
	modelDigest  string

	// Trace persistence (optional)
	traces *storage.TraceStore

	stats     gatewayStats
	startTime time.Time

	downstream atomic.Pointer[Conn]
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	// Callbacks
	OnFrameRelayed func(*storage.FrameTrace)
}

// NewGateway creates a new gateway
func NewGateway(cfg *GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg == nil {
		cfg = DefaultGatewayConfig()
	}
	if cfg.Upstream == nil {
		cfg.Upstream = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gateway{
		cfg:    cfg,
		logger: logger.Named("gateway"),
		done:   make(chan struct{}),
	}
}

// AttachTraceStore attaches a trace store for per-frame persistence
func (g *Gateway) AttachTraceStore(store *storage.TraceStore) {
	g.traces = store
	g.logger.Info("trace store attached")
}

// Start connects upstream, caches its model info, and begins accepting
// downstream clients.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx = ctx
	g.startTime = time.Now()

	if err := g.connectUpstream(); err != nil {
		return err
	}

	listener, err := Listen(g.cfg.ListenAddr, &Config{Timeout: g.cfg.IdleTimeout, MaxPayloadSize: g.cfg.MaxPayloadSize}, g.logger)
	if err != nil {
		g.closeUpstream()
		return err
	}
	g.listener = listener
	g.logger.Info("gateway listening",
		zap.Stringer("addr", listener.Addr()),
		zap.String("upstream", g.cfg.Upstream.Target))

	g.wg.Add(1)
	go g.acceptLoop()

	return nil
}

// Stop stops accepting, drops the current downstream client and closes
// the upstream connection.
func (g *Gateway) Stop() error {
	var err error
	g.stopOnce.Do(func() {
		close(g.done)
		if g.listener != nil {
			err = g.listener.Close()
		}
		if down := g.downstream.Load(); down != nil {
			down.Close()
		}
		g.closeUpstream()
		g.wg.Wait()
		g.logger.Info("gateway stopped")
	})
	return err
}

// Addr returns the downstream listen address, or "" before Start.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// connectUpstream dials the upstream target and refreshes the model-info
// cache.
func (g *Gateway) connectUpstream() error {
	up, err := Dial(g.ctx, g.cfg.Upstream, g.logger.Named("upstream"))
	if err != nil {
		return err
	}

	raw, err := up.QueryModelInfoRaw()
	if err != nil {
		up.Close()
		return fmt.Errorf("failed to fetch upstream model info: %w", err)
	}
	info, err := ParseModelInfo(raw)
	if err != nil {
		up.Close()
		return err
	}
	digest := blake2b.Sum256(raw[protocol.HeaderSize:])

	g.mu.Lock()
	g.upstream = up
	g.modelInfoRaw = raw
	g.modelInfo = info
	g.modelDigest = hex.EncodeToString(digest[:])
	g.mu.Unlock()

	g.logger.Info("model info cached",
		zap.Int("inputs", len(info.Inputs)),
		zap.Int("outputs", len(info.Outputs)),
		zap.String("digest", g.modelDigest[:16]))

	return nil
}

func (g *Gateway) closeUpstream() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.upstream != nil {
		g.upstream.Close()
	}
}

// upstreamConn returns a usable upstream connection, redialing if the
// previous one failed.
func (g *Gateway) upstreamConn() (*Conn, error) {
	g.mu.RLock()
	up := g.upstream
	g.mu.RUnlock()

	if up != nil && up.State() != StateFailed {
		return up, nil
	}

	g.logger.Warn("upstream connection failed, redialing")
	if up != nil {
		up.Close()
	}
	if err := g.connectUpstream(); err != nil {
		return nil, err
	}
	g.stats.upstreamRedials.Add(1)

	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.upstream, nil
}

// ModelInfo returns the cached upstream model info.
func (g *Gateway) ModelInfo() *protocol.ModelInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.modelInfo
}

// ModelDigest returns the hex blake2b-256 digest of the cached descriptors.
func (g *Gateway) ModelDigest() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.modelDigest
}

// ModelInfoRaw returns the cached raw reply served to metadata queries.
func (g *Gateway) ModelInfoRaw() []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.modelInfoRaw
}

// GetStats returns gateway statistics
func (g *Gateway) GetStats() map[string]interface{} {
	upstreamState := "disconnected"
	g.mu.RLock()
	if g.upstream != nil {
		upstreamState = g.upstream.State().String()
	}
	g.mu.RUnlock()

	return map[string]interface{}{
		"sessions":            g.stats.sessions.Load(),
		"frames_relayed":      g.stats.framesRelayed.Load(),
		"cache_hits":          g.stats.cacheHits.Load(),
		"upstream_frames":     g.stats.upstreamFrames.Load(),
		"upstream_bytes_sent": g.stats.upstreamBytesSent.Load(),
		"upstream_bytes_recv": g.stats.upstreamBytesRecv.Load(),
		"upstream_redials":    g.stats.upstreamRedials.Load(),
		"errors":              g.stats.errors.Load(),
		"upstream":            g.cfg.Upstream.Target,
		"upstream_state":      upstreamState,
		"downstream_active":   g.downstream.Load() != nil,
		"model_digest":        g.ModelDigest(),
		"uptime_seconds":      int64(time.Since(g.startTime).Seconds()),
	}
}

// UpstreamFrames returns the number of frames forwarded upstream.
func (g *Gateway) UpstreamFrames() uint64 {
	return g.stats.upstreamFrames.Load()
}

func (g *Gateway) stopped() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}
