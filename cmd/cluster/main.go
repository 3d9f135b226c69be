package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/dataonline/pkg/cluster"
	"github.com/ZentaChain/dataonline/pkg/config"
	"github.com/ZentaChain/dataonline/pkg/logger"
	"github.com/ZentaChain/dataonline/pkg/protocol"
	"github.com/ZentaChain/dataonline/pkg/tensor"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file")
	targets    = flag.String("targets", "", "Comma-separated target host:port list")
	timeout    = flag.Float64("timeout", 0, "Read timeout in seconds (default 2)")
	batch      = flag.Int("batch", 10, "Batch size to test")
	iterations = flag.Int("iterations", 0, "Batches to run; 0 runs until interrupted")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "targets":
			cfg.Targets = strings.Split(*targets, ",")
		case "timeout":
			cfg.Timeout = *timeout
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if len(cfg.Targets) == 0 {
		log.Fatal("no targets configured; use -targets or the targets config key")
	}

	c, err := cluster.Dial(context.Background(), cfg.Targets, cfg.TimeoutDuration(), log)
	if err != nil {
		log.Fatal("failed to connect cluster", zap.Error(err))
	}
	defer c.Close()

	inputs := zeroBatch(c.ModelInfo(), *batch)

	start := time.Now()
	for count := 1; *iterations == 0 || count <= *iterations; count++ {
		begin := time.Now()
		res, err := c.Execute(context.Background(), inputs)
		if err != nil {
			log.Error("batch failed", zap.Error(err))
			os.Exit(1)
		}
		cost := time.Since(begin)
		fps := float64(*batch*count) / time.Since(start).Seconds()

		fmt.Printf("frame ready: id=%d, timestamp=%d FPS=%.2f cost=%.2f ms\n",
			res.ID, res.Timestamp, fps, float64(cost.Microseconds())/1000)
		fmt.Printf("  outputs: %s\n", describe(res.Outputs))
	}
}

// zeroBatch builds one float zero tensor per model input with the batch
// axis widened to n.
func zeroBatch(info *protocol.ModelInfo, n int) []*tensor.Tensor {
	inputs := make([]*tensor.Tensor, len(info.Inputs))
	for i := range info.Inputs {
		shape := info.Inputs[i].Shape()
		if len(shape) == 0 {
			shape = []int{1}
		}
		shape[0] = n
		inputs[i] = tensor.New(protocol.TensorFloat32, shape...)
	}
	return inputs
}

func describe(outputs map[string]*tensor.Tensor) string {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s%v", name, outputs[name].Shape)
	}
	return strings.Join(parts, " ")
}
