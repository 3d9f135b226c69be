package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/dataonline/pkg/logger"
	"github.com/ZentaChain/dataonline/pkg/target"
)

// tensorList collects repeated tensor declarations.
type tensorList []string

func (l *tensorList) String() string { return strings.Join(*l, ",") }

func (l *tensorList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

var (
	port     = flag.Int("port", 6666, "Port to listen on")
	timeout  = flag.Float64("timeout", 0, "Per-client read timeout in seconds; 0 waits indefinitely")
	echo     = flag.Bool("echo", false, "Echo inputs back as outputs instead of zeros")
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	inputs   tensorList
	outputs  tensorList
)

func main() {
	flag.Var(&inputs, "input", "Model input name:TYPE:dims[:scale:offset] (repeatable)")
	flag.Var(&outputs, "output", "Model output name:TYPE:dims[:scale:offset] (repeatable)")
	flag.Parse()

	if len(inputs) == 0 {
		inputs = tensorList{"input:UFIXED_8:1x224x224x3:0.0078:-128"}
	}
	if len(outputs) == 0 {
		outputs = tensorList{"output:FLOAT_32:1x1000"}
	}

	log, err := logger.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	model, err := target.ParseModel(inputs, outputs)
	if err != nil {
		log.Fatal("invalid model", zap.Error(err))
	}

	handler := target.ZeroHandler(model)
	if *echo {
		handler = target.EchoHandler(model)
	}

	srv := target.New(&target.Config{
		ListenAddr: fmt.Sprintf(":%d", *port),
		Timeout:    time.Duration(*timeout * float64(time.Second)),
		Model:      model,
	}, handler, log)

	if err := srv.Start(); err != nil {
		log.Fatal("failed to start target", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	if err := srv.Stop(); err != nil {
		log.Warn("error stopping target", zap.Error(err))
	}
	log.Info("target stopped",
		zap.Uint64("data_frames", srv.DataFrames()),
		zap.Uint64("model_info_queries", srv.ModelInfoQueries()))
}
