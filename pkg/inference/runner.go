// Package inference runs model requests against a Data-Online target,
// converting application tensors to the wire form the target declares.
package inference

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ZentaChain/dataonline/pkg/network"
	"github.com/ZentaChain/dataonline/pkg/protocol"
	"github.com/ZentaChain/dataonline/pkg/tensor"
)

// Result is the decoded response to one request.
type Result struct {
	ID        uint64
	Timestamp uint64
	Outputs   map[string]*tensor.Tensor
	Images    map[int]*network.ImageItem
}

// Executor runs one request at a time against a model.
type Executor interface {
	Execute(ctx context.Context, inputs []*tensor.Tensor) (*Result, error)
	ModelInfo() *protocol.ModelInfo
	Close() error
}

// Runner executes requests over one Conn.
type Runner struct {
	conn   *network.Conn
	info   *protocol.ModelInfo
	logger *zap.Logger
}

// NewRunner dials the target and negotiates its model info.
func NewRunner(ctx context.Context, cfg *network.Config, logger *zap.Logger) (*Runner, error) {
	conn, err := network.Dial(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	r, err := NewRunnerFromConn(conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

// NewRunnerFromConn negotiates model info over an existing connection.
func NewRunnerFromConn(conn *network.Conn, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := conn.QueryModelInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to query model info: %w", err)
	}

	logger.Info("model info negotiated",
		zap.Stringer("target", conn.RemoteAddr()),
		zap.Int("inputs", len(info.Inputs)),
		zap.Int("outputs", len(info.Outputs)))

	return &Runner{conn: conn, info: info, logger: logger}, nil
}

// ModelInfo returns the negotiated model info.
func (r *Runner) ModelInfo() *protocol.ModelInfo {
	return r.info
}

// Conn returns the underlying connection.
func (r *Runner) Conn() *network.Conn {
	return r.conn
}

// Execute sends inputs, in model input order, and waits for the response.
func (r *Runner) Execute(ctx context.Context, inputs []*tensor.Tensor) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(inputs) != len(r.info.Inputs) {
		return nil, fmt.Errorf("%w: got %d inputs, model expects %d",
			tensor.ErrShapeMismatch, len(inputs), len(r.info.Inputs))
	}

	items := make([]network.Item, len(inputs))
	for i, t := range inputs {
		d := &r.info.Inputs[i]
		wt, err := tensor.ToWire(t, d)
		if err != nil {
			return nil, err
		}
		items[i] = &network.TensorItem{
			Name:        d.Name,
			Tensor:      wt,
			Type:        d.Type,
			QuantScale:  d.QuantScale,
			QuantOffset: d.QuantOffset,
		}
	}

	id, err := r.conn.WriteData(items)
	if err != nil {
		return nil, err
	}

	data, err := r.conn.ReadData()
	if err != nil {
		return nil, err
	}
	if data.ID != id {
		r.logger.Debug("response id differs from request", zap.Uint64("request", id), zap.Uint64("response", data.ID))
	}

	return &Result{
		ID:        data.ID,
		Timestamp: data.Timestamp,
		Outputs:   data.Tensors,
		Images:    data.Images,
	}, nil
}

// ExecuteNamed sends inputs keyed by model input name.
func (r *Runner) ExecuteNamed(ctx context.Context, inputs map[string]*tensor.Tensor) (*Result, error) {
	ordered, err := OrderInputs(r.info, inputs)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, ordered)
}

// OrderInputs arranges name-keyed inputs in model input order.
func OrderInputs(info *protocol.ModelInfo, inputs map[string]*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) != len(info.Inputs) {
		return nil, fmt.Errorf("%w: got %d inputs, model expects %d",
			tensor.ErrShapeMismatch, len(inputs), len(info.Inputs))
	}
	ordered := make([]*tensor.Tensor, len(info.Inputs))
	for i, d := range info.Inputs {
		t, ok := inputs[d.Name]
		if !ok {
			return nil, fmt.Errorf("%w: missing input %q", tensor.ErrShapeMismatch, d.Name)
		}
		ordered[i] = t
	}
	return ordered, nil
}

// Close closes the connection.
func (r *Runner) Close() error {
	return r.conn.Close()
}
