// Package cluster splits batched requests across several inference
// targets and reassembles the results in submission order.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/dataonline/pkg/inference"
	"github.com/ZentaChain/dataonline/pkg/network"
	"github.com/ZentaChain/dataonline/pkg/protocol"
	"github.com/ZentaChain/dataonline/pkg/tensor"
)

var (
	ErrBatchMismatch = errors.New("inputs disagree on batch size")
	ErrClusterClosed = errors.New("cluster closed")
	ErrNoWorkers     = errors.New("cluster has no workers")
)

// queueDepth bounds each worker's request and response queues
const queueDepth = 64

type request struct {
	inputs []*tensor.Tensor
}

type response struct {
	result *inference.Result
	err    error
}

// worker drives one executor. Its queues are FIFO with a single producer
// and a single consumer.
type worker struct {
	id        int
	exec      inference.Executor
	requests  chan request
	responses chan response
}

func (w *worker) run(logger *zap.Logger) {
	for req := range w.requests {
		res, err := w.exec.Execute(context.Background(), req.inputs)
		if err != nil {
			logger.Warn("worker request failed", zap.Int("worker", w.id), zap.Error(err))
		}
		w.responses <- response{result: res, err: err}
	}
}

// Cluster dispatches each sample of a batch to worker i mod N and gathers
// responses in the same order, so output order always matches input order
// regardless of worker speed.
type Cluster struct {
	workers []*worker
	logger  *zap.Logger

	// mu serializes Execute; the per-worker queue pairing relies on it
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New starts one worker per executor.
func New(executors []inference.Executor, logger *zap.Logger) (*Cluster, error) {
	if len(executors) == 0 {
		return nil, ErrNoWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Cluster{logger: logger.Named("cluster")}
	for i, exec := range executors {
		w := &worker{
			id:        i,
			exec:      exec,
			requests:  make(chan request, queueDepth),
			responses: make(chan response, queueDepth),
		}
		c.workers = append(c.workers, w)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			w.run(c.logger)
		}()
	}

	c.logger.Info("cluster started", zap.Int("workers", len(c.workers)))
	return c, nil
}

// Dial connects to every target concurrently and starts a cluster over
// them. If any connection fails, the others are closed.
func Dial(ctx context.Context, targets []string, timeout time.Duration, logger *zap.Logger) (*Cluster, error) {
	if len(targets) == 0 {
		return nil, ErrNoWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	runners := make([]*inference.Runner, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			r, err := inference.NewRunner(gctx, &network.Config{Target: target, Timeout: timeout}, logger)
			if err != nil {
				return fmt.Errorf("target %s: %w", target, err)
			}
			runners[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, r := range runners {
			if r != nil {
				r.Close()
			}
		}
		return nil, err
	}

	executors := make([]inference.Executor, len(runners))
	for i, r := range runners {
		executors[i] = r
	}
	return New(executors, logger)
}

// Size returns the number of workers.
func (c *Cluster) Size() int {
	return len(c.workers)
}

// ModelInfo returns the first worker's model info.
func (c *Cluster) ModelInfo() *protocol.ModelInfo {
	return c.workers[0].exec.ModelInfo()
}

// Execute splits inputs along axis 0 and runs every sample on worker
// i mod N. The returned id and timestamp are those of the first gathered
// response. If any sample fails, the first error is returned after all
// responses have been drained.
func (c *Cluster) Execute(ctx context.Context, inputs []*tensor.Tensor) (*inference.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch, err := batchSize(inputs)
	if err != nil {
		return nil, err
	}

	samples := make([][]*tensor.Tensor, batch)
	for i := range samples {
		samples[i] = make([]*tensor.Tensor, len(inputs))
		for j, t := range inputs {
			s, err := t.Slice(i)
			if err != nil {
				return nil, err
			}
			samples[i][j] = s
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClusterClosed
	}

	n := len(c.workers)

	// Dispatch runs alongside gather so bounded queues cannot deadlock
	go func() {
		for i := 0; i < batch; i++ {
			c.workers[i%n].requests <- request{inputs: samples[i]}
		}
	}()

	var (
		first    *inference.Result
		firstErr error
		names    []string
	)
	parts := make(map[string][]*tensor.Tensor)
	for i := 0; i < batch; i++ {
		resp := <-c.workers[i%n].responses
		if resp.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("sample %d (worker %d): %w", i, i%n, resp.err)
			}
			continue
		}
		if firstErr != nil {
			continue
		}

		if first == nil {
			first = resp.result
			for name := range resp.result.Outputs {
				names = append(names, name)
			}
		}
		for _, name := range names {
			out, ok := resp.result.Outputs[name]
			if !ok {
				firstErr = fmt.Errorf("%w: sample %d is missing output %q", tensor.ErrShapeMismatch, i, name)
				break
			}
			parts[name] = append(parts[name], out)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	outputs := make(map[string]*tensor.Tensor, len(names))
	for _, name := range names {
		joined, err := tensor.Concat(parts[name]...)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		outputs[name] = joined
	}

	return &inference.Result{
		ID:        first.ID,
		Timestamp: first.Timestamp,
		Outputs:   outputs,
	}, nil
}

// ExecuteNamed orders name-keyed inputs by the first worker's model info
// and executes them.
func (c *Cluster) ExecuteNamed(ctx context.Context, inputs map[string]*tensor.Tensor) (*inference.Result, error) {
	ordered, err := inference.OrderInputs(c.ModelInfo(), inputs)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, ordered)
}

// batchSize returns the shared axis-0 extent of inputs.
func batchSize(inputs []*tensor.Tensor) (int, error) {
	if len(inputs) == 0 {
		return 0, fmt.Errorf("%w: no inputs", ErrBatchMismatch)
	}
	batch := inputs[0].Batch()
	for i, t := range inputs {
		if t.Rank() == 0 {
			return 0, fmt.Errorf("%w: input %d is a scalar", ErrBatchMismatch, i)
		}
		if t.Batch() != batch {
			return 0, fmt.Errorf("%w: input 0 has %d samples, input %d has %d", ErrBatchMismatch, batch, i, t.Batch())
		}
	}
	if batch == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrBatchMismatch)
	}
	return batch, nil
}

// Close stops the workers after their queued requests and closes every
// executor.
func (c *Cluster) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, w := range c.workers {
		close(w.requests)
	}
	c.mu.Unlock()

	c.wg.Wait()

	var errs []error
	for _, w := range c.workers {
		if err := w.exec.Close(); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", w.id, err))
		}
	}
	c.logger.Info("cluster closed")
	return errors.Join(errs...)
}
