package network

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GatewayCollector exposes gateway counters as prometheus metrics.
type GatewayCollector struct {
	gateway *Gateway

	sessions         *prometheus.Desc
	framesRelayed    *prometheus.Desc
	cacheHits        *prometheus.Desc
	upstreamFrames   *prometheus.Desc
	upstreamBytes    *prometheus.Desc
	upstreamRedials  *prometheus.Desc
	errors           *prometheus.Desc
	downstreamActive *prometheus.Desc
}

// NewGatewayCollector creates a collector reading g's counters at scrape
// time.
func NewGatewayCollector(g *Gateway) *GatewayCollector {
	const ns = "dataonline_gateway"
	return &GatewayCollector{
		gateway:          g,
		sessions:         prometheus.NewDesc(ns+"_sessions_total", "Downstream sessions accepted.", nil, nil),
		framesRelayed:    prometheus.NewDesc(ns+"_frames_relayed_total", "Frames relayed to the upstream target.", nil, nil),
		cacheHits:        prometheus.NewDesc(ns+"_model_info_cache_hits_total", "Metadata queries answered from cache.", nil, nil),
		upstreamFrames:   prometheus.NewDesc(ns+"_upstream_frames_total", "Frames written upstream.", nil, nil),
		upstreamBytes:    prometheus.NewDesc(ns+"_upstream_bytes_total", "Bytes exchanged with the upstream target.", []string{"direction"}, nil),
		upstreamRedials:  prometheus.NewDesc(ns+"_upstream_redials_total", "Upstream reconnections after a failure.", nil, nil),
		errors:           prometheus.NewDesc(ns+"_errors_total", "Relay sessions aborted by an error.", nil, nil),
		downstreamActive: prometheus.NewDesc(ns+"_downstream_active", "Whether a downstream client is connected.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *GatewayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessions
	ch <- c.framesRelayed
	ch <- c.cacheHits
	ch <- c.upstreamFrames
	ch <- c.upstreamBytes
	ch <- c.upstreamRedials
	ch <- c.errors
	ch <- c.downstreamActive
}

// Collect implements prometheus.Collector.
func (c *GatewayCollector) Collect(ch chan<- prometheus.Metric) {
	s := &c.gateway.stats

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.sessions, s.sessions.Load())
	counter(c.framesRelayed, s.framesRelayed.Load())
	counter(c.cacheHits, s.cacheHits.Load())
	counter(c.upstreamFrames, s.upstreamFrames.Load())
	counter(c.upstreamBytes, s.upstreamBytesSent.Load(), "sent")
	counter(c.upstreamBytes, s.upstreamBytesRecv.Load(), "received")
	counter(c.upstreamRedials, s.upstreamRedials.Load())
	counter(c.errors, s.errors.Load())

	active := 0.0
	if c.gateway.downstream.Load() != nil {
		active = 1
	}
	ch <- prometheus.MustNewConstMetric(c.downstreamActive, prometheus.GaugeValue, active)
}
