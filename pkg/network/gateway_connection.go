package network

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZentaChain/dataonline/pkg/protocol"
	"github.com/ZentaChain/dataonline/pkg/storage"
)

// acceptLoop serves downstream clients one at a time
func (g *Gateway) acceptLoop() {
	defer g.wg.Done()

	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if g.stopped() {
				return
			}
			g.logger.Warn("accept error", zap.Error(err))
			time.Sleep(AcceptBackoff)
			continue
		}

		g.handleConnection(conn)
	}
}

// handleConnection relays frames until the downstream client disconnects
// or an error occurs. Errors end the session but never stop the gateway.
func (g *Gateway) handleConnection(down *Conn) {
	sessionID := uuid.New().String()
	logger := g.logger.With(zap.String("session", sessionID), zap.Stringer("client", down.RemoteAddr()))

	g.downstream.Store(down)
	g.stats.sessions.Add(1)
	defer func() {
		g.downstream.Store(nil)
		down.Close()
		logger.Info("downstream session closed")
	}()

	logger.Info("downstream session started")

	for {
		if g.stopped() {
			return
		}

		h, raw, err := down.ReadRaw()
		if err != nil {
			if !errors.Is(err, io.EOF) && !g.stopped() {
				g.stats.errors.Add(1)
				logger.Warn("downstream read failed", zap.Error(err))
			}
			return
		}

		start := time.Now()
		trace := &storage.FrameTrace{
			SessionID:   sessionID,
			FrameID:     h.ID,
			Command:     h.Command.String(),
			NumItems:    h.NumItems,
			RequestSize: len(raw),
		}

		var resp []byte
		if len(raw) == protocol.HeaderSize {
			// Header-only frame: metadata query served from cache
			trace.Kind = storage.KindCacheHit
			resp = g.ModelInfoRaw()
			g.stats.cacheHits.Add(1)
		} else {
			trace.Kind = storage.KindRelay
			resp, err = g.forward(raw)
			if err != nil {
				g.stats.errors.Add(1)
				trace.Error = err.Error()
				trace.Latency = time.Since(start)
				g.recordTrace(trace)
				logger.Warn("relay failed", zap.Uint64("frame", h.ID), zap.Error(err))
				return
			}
		}

		if err := down.WriteRaw(resp); err != nil {
			g.stats.errors.Add(1)
			trace.Error = err.Error()
			trace.Latency = time.Since(start)
			g.recordTrace(trace)
			logger.Warn("downstream write failed", zap.Error(err))
			return
		}

		trace.ResponseSize = len(resp)
		trace.Latency = time.Since(start)
		if trace.Kind == storage.KindRelay {
			g.stats.framesRelayed.Add(1)
		}
		g.recordTrace(trace)

		logger.Debug("frame handled",
			zap.String("kind", trace.Kind),
			zap.Uint64("frame", h.ID),
			zap.Int("request_bytes", trace.RequestSize),
			zap.Int("response_bytes", trace.ResponseSize),
			zap.Duration("latency", trace.Latency))
	}
}

// forward sends one request frame upstream unmodified and returns the
// upstream's full response.
func (g *Gateway) forward(raw []byte) ([]byte, error) {
	up, err := g.upstreamConn()
	if err != nil {
		return nil, err
	}

	if err := up.WriteRaw(raw); err != nil {
		return nil, fmt.Errorf("upstream write: %w", err)
	}
	g.stats.upstreamFrames.Add(1)
	g.stats.upstreamBytesSent.Add(uint64(len(raw)))

	_, resp, err := up.ReadRaw()
	if err != nil {
		return nil, fmt.Errorf("upstream read: %w", err)
	}
	g.stats.upstreamBytesRecv.Add(uint64(len(resp)))

	return resp, nil
}

func (g *Gateway) recordTrace(trace *storage.FrameTrace) {
	if g.traces != nil {
		if err := g.traces.Record(trace); err != nil {
			g.logger.Warn("failed to record trace", zap.Error(err))
		}
	}
	if g.OnFrameRelayed != nil {
		g.OnFrameRelayed(trace)
	}
}
