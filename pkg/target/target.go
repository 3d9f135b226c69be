// Package target implements the device side of Data-Online: a server that
// reports its model metadata and answers DATA frames through a Handler.
// It serves one client at a time.
package target

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/dataonline/pkg/network"
	"github.com/ZentaChain/dataonline/pkg/protocol"
	"github.com/ZentaChain/dataonline/pkg/tensor"
)

// Handler computes the outputs for one request.
type Handler interface {
	Handle(req *network.Data) (map[string]*tensor.Tensor, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *network.Data) (map[string]*tensor.Tensor, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(req *network.Data) (map[string]*tensor.Tensor, error) {
	return f(req)
}

// ZeroHandler answers every request with zero-filled outputs shaped by the
// model's output descriptors.
func ZeroHandler(model *protocol.ModelInfo) Handler {
	return HandlerFunc(func(*network.Data) (map[string]*tensor.Tensor, error) {
		out := make(map[string]*tensor.Tensor, len(model.Outputs))
		for i := range model.Outputs {
			d := &model.Outputs[i]
			out[d.Name] = tensor.New(d.Type, d.Shape()...)
		}
		return out, nil
	})
}

// EchoHandler returns the i-th request tensor as the model's i-th output.
func EchoHandler(model *protocol.ModelInfo) Handler {
	return HandlerFunc(func(req *network.Data) (map[string]*tensor.Tensor, error) {
		if len(req.Names) < len(model.Outputs) {
			return nil, fmt.Errorf("%w: echo needs %d tensors, got %d",
				tensor.ErrShapeMismatch, len(model.Outputs), len(req.Names))
		}
		out := make(map[string]*tensor.Tensor, len(model.Outputs))
		for i, d := range model.Outputs {
			out[d.Name] = req.Tensors[req.Names[i]]
		}
		return out, nil
	})
}

// Config holds target server configuration
type Config struct {
	ListenAddr string
	Timeout    time.Duration // Per-connection read/write timeout
	Model      *protocol.ModelInfo
}

// Server is a Data-Online target.
type Server struct {
	cfg     *Config
	handler Handler
	logger  *zap.Logger

	listener *network.Listener
	current  atomic.Pointer[network.Conn]
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	dataFrames       atomic.Uint64
	modelInfoQueries atomic.Uint64
}

// New creates a target server
func New(cfg *Config, handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		handler = ZeroHandler(cfg.Model)
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.Named("target"),
		done:    make(chan struct{}),
	}
}

// Start binds the listen address and serves clients in the background.
func (s *Server) Start() error {
	l, err := network.Listen(s.cfg.ListenAddr, &network.Config{Timeout: s.cfg.Timeout}, s.logger)
	if err != nil {
		return err
	}
	s.listener = l
	s.logger.Info("target listening",
		zap.Stringer("addr", l.Addr()),
		zap.Int("inputs", len(s.cfg.Model.Inputs)),
		zap.Int("outputs", len(s.cfg.Model.Outputs)))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop closes the listener and the current client.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		err = s.listener.Close()
		if c := s.current.Load(); c != nil {
			c.Close()
		}
		s.wg.Wait()
	})
	return err
}

// DataFrames returns the number of DATA frames received.
func (s *Server) DataFrames() uint64 {
	return s.dataFrames.Load()
}

// ModelInfoQueries returns the number of metadata queries answered.
func (s *Server) ModelInfoQueries() uint64 {
	return s.modelInfoQueries.Load()
}

func (s *Server) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopped() {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(network.AcceptBackoff)
			continue
		}

		s.serve(conn)
	}
}

func (s *Server) serve(conn *network.Conn) {
	s.current.Store(conn)
	defer func() {
		s.current.Store(nil)
		conn.Close()
	}()

	for !s.stopped() {
		h, raw, err := conn.ReadRaw()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.stopped() {
				s.logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		if h.Command == protocol.CommandModelInfo {
			s.modelInfoQueries.Add(1)
			if err := conn.WriteModelInfo(s.cfg.Model, h.ID); err != nil {
				s.logger.Warn("failed to send model info", zap.Error(err))
				return
			}
			continue
		}

		s.dataFrames.Add(1)
		if err := s.answer(conn, h, raw[protocol.HeaderSize:]); err != nil {
			s.logger.Warn("request failed", zap.Uint64("id", h.ID), zap.Error(err))
			return
		}
	}
}

// answer runs the handler and replies with the outputs in model order,
// echoing the request's id and timestamp.
func (s *Server) answer(conn *network.Conn, h *protocol.Header, payload []byte) error {
	req, err := network.DecodeData(h, payload)
	if err != nil {
		return err
	}

	outputs, err := s.handler.Handle(req)
	if err != nil {
		return fmt.Errorf("handler: %w", err)
	}

	items := make([]network.Item, 0, len(s.cfg.Model.Outputs))
	for i := range s.cfg.Model.Outputs {
		d := &s.cfg.Model.Outputs[i]
		t, ok := outputs[d.Name]
		if !ok {
			return fmt.Errorf("handler produced no output %q", d.Name)
		}
		wt, err := tensor.ToWire(t, d)
		if err != nil {
			return err
		}
		items = append(items, &network.TensorItem{
			Name:        d.Name,
			Tensor:      wt,
			Type:        d.Type,
			QuantScale:  d.QuantScale,
			QuantOffset: d.QuantOffset,
		})
	}

	_, err = conn.WriteData(items, network.WithID(h.ID), network.WithTimestamp(h.Timestamp))
	return err
}
