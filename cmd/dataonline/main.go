package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/dataonline/pkg/inference"
	"github.com/ZentaChain/dataonline/pkg/logger"
	"github.com/ZentaChain/dataonline/pkg/network"
	"github.com/ZentaChain/dataonline/pkg/protocol"
	"github.com/ZentaChain/dataonline/pkg/tensor"
)

var (
	targetAddr = flag.String("target", "192.168.1.1:6666", "Target device host:port")
	timeout    = flag.Float64("timeout", 2, "Read timeout in seconds; <= 0 waits indefinitely")
	iterations = flag.Int("iterations", 0, "Requests to send in zero mode; 0 runs until interrupted")
	imagesDir  = flag.String("images", "", "Directory of raw image files to stream instead of zero tensors")
	format     = flag.String("format", "rgb", "Raw image format (rgb, bgr, uyvy, nv12, p010, h264, h265)")
	width      = flag.Uint("width", 1920, "Raw image width")
	height     = flag.Uint("height", 1080, "Raw image height")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	log, err := logger.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := &network.Config{
		Target:  *targetAddr,
		Timeout: time.Duration(*timeout * float64(time.Second)),
	}

	runner, err := inference.NewRunner(context.Background(), cfg, log)
	if err != nil {
		log.Fatal("failed to connect", zap.String("target", cfg.Target), zap.Error(err))
	}
	defer runner.Close()

	printModel(runner.ModelInfo())

	if *imagesDir != "" {
		err = streamImages(runner.Conn(), *imagesDir)
	} else {
		err = runZeros(runner)
	}
	if err != nil {
		log.Error("inference failed", zap.Error(err))
		os.Exit(1)
	}
}

func printModel(info *protocol.ModelInfo) {
	for _, d := range info.Inputs {
		fmt.Printf("input  %-16s %-10s %v scale=%g offset=%d\n", d.Name, d.Type, d.Dims, d.QuantScale, d.QuantOffset)
	}
	for _, d := range info.Outputs {
		fmt.Printf("output %-16s %-10s %v scale=%g offset=%d\n", d.Name, d.Type, d.Dims, d.QuantScale, d.QuantOffset)
	}
}

// runZeros sends float zero tensors shaped like each model input and
// reports per-request latency and the running frame rate.
func runZeros(runner *inference.Runner) error {
	info := runner.ModelInfo()
	inputs := make([]*tensor.Tensor, len(info.Inputs))
	for i := range info.Inputs {
		inputs[i] = tensor.New(protocol.TensorFloat32, info.Inputs[i].Shape()...)
	}

	start := time.Now()
	for count := 1; *iterations == 0 || count <= *iterations; count++ {
		begin := time.Now()
		res, err := runner.Execute(context.Background(), inputs)
		if err != nil {
			return err
		}
		cost := time.Since(begin)
		fps := float64(count) / time.Since(start).Seconds()
		fmt.Printf("frame ready: id=%d, timestamp=%d FPS=%.2f cost=%.2f ms\n",
			res.ID, res.Timestamp, fps, float64(cost.Microseconds())/1000)
	}
	return nil
}

// streamImages sends every file in dir, in name order, as one raw image
// and prints the tensors returned for it.
func streamImages(conn *network.Conn, dir string) error {
	imgFormat, err := protocol.ImageFormatByName(*format)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read image directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	start := time.Now()
	for i, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		begin := time.Now()
		item := &network.ImageItem{Format: imgFormat, Width: uint32(*width), Height: uint32(*height), Data: data}
		id, err := conn.WriteData([]network.Item{item})
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp, err := conn.ReadData()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		fps := float64(i+1) / time.Since(start).Seconds()
		fmt.Printf("%s: id=%d (sent %d) FPS=%.2f cost=%.2f ms\n",
			filepath.Base(path), resp.ID, id, fps, float64(time.Since(begin).Microseconds())/1000)
		for _, name := range resp.Names {
			fmt.Printf("  %s %v\n", name, resp.Tensors[name].Shape)
		}
	}
	return nil
}
