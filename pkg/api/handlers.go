package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ZentaChain/dataonline/pkg/protocol"
	"github.com/ZentaChain/dataonline/pkg/storage"
)

const (
	defaultTraceLimit = 100
	maxTraceLimit     = 1000
)

// HealthResponse is returned by the health endpoints
type HealthResponse struct {
	Status        string `json:"status"`
	UpstreamState string `json:"upstreamState"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// ModelResponse describes the cached upstream model
type ModelResponse struct {
	Digest  string                      `json:"digest"`
	Inputs  []protocol.TensorDescriptor `json:"inputs"`
	Outputs []protocol.TensorDescriptor `json:"outputs"`
}

// TracesResponse wraps a list of frame traces
type TracesResponse struct {
	Count  int                   `json:"count"`
	Traces []*storage.FrameTrace `json:"traces"`
}

// handleHealth handles GET /health and /api/v1/health. The gateway is
// healthy unless its upstream connection has failed.
func (s *Server) handleHealth(c *gin.Context) {
	state, _ := s.gateway.GetStats()["upstream_state"].(string)

	resp := HealthResponse{
		Status:        "healthy",
		UpstreamState: state,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if state == "failed" {
		resp.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.gateway.GetStats())
}

// handleModel handles GET /api/v1/model. The ETag is the model digest, so
// clients can poll cheaply with If-None-Match.
func (s *Server) handleModel(c *gin.Context) {
	info := s.gateway.ModelInfo()
	if info == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Model info not available"})
		return
	}

	digest := s.gateway.ModelDigest()
	etag := strconv.Quote(digest)
	if match := c.GetHeader("If-None-Match"); match == etag || match == "*" {
		c.Header("ETag", etag)
		c.Status(http.StatusNotModified)
		return
	}

	c.Header("ETag", etag)
	c.JSON(http.StatusOK, ModelResponse{
		Digest:  digest,
		Inputs:  info.Inputs,
		Outputs: info.Outputs,
	})
}

// handleTraces handles GET /api/v1/traces?limit=N
func (s *Server) handleTraces(c *gin.Context) {
	if s.traces == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Trace store not enabled"})
		return
	}

	limit := defaultTraceLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid limit",
				Message: "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxTraceLimit)
	}

	traces, err := s.traces.Recent(limit)
	if err != nil {
		s.logger.Error("failed to read traces", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read traces"})
		return
	}

	c.JSON(http.StatusOK, TracesResponse{Count: len(traces), Traces: traces})
}

// handleSessionTraces handles GET /api/v1/traces/:session
func (s *Server) handleSessionTraces(c *gin.Context) {
	if s.traces == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Trace store not enabled"})
		return
	}

	traces, err := s.traces.Session(c.Param("session"))
	if err != nil {
		s.logger.Error("failed to read session traces", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read traces"})
		return
	}
	if len(traces) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Session not found"})
		return
	}

	c.JSON(http.StatusOK, TracesResponse{Count: len(traces), Traces: traces})
}
