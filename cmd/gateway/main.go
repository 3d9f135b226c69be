package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/dataonline/pkg/api"
	"github.com/ZentaChain/dataonline/pkg/config"
	"github.com/ZentaChain/dataonline/pkg/logger"
	"github.com/ZentaChain/dataonline/pkg/network"
	"github.com/ZentaChain/dataonline/pkg/storage"
)

const heartbeatInterval = 5 * time.Minute

var (
	configPath = flag.String("config", "", "Path to YAML config file")
	target     = flag.String("target", "", "Upstream target host:port")
	port       = flag.Int("port", 0, "Downstream port to listen on (default 6667)")
	apiAddr    = flag.String("api", "", "HTTP status API listen address, e.g. :8080")
	timeout    = flag.Float64("timeout", 0, "Upstream timeout in seconds (default 2)")
	traceDB    = flag.String("trace-db", "", "SQLite database for frame traces")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg)

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	printBanner()

	gateway := network.NewGateway(&network.GatewayConfig{
		ListenAddr:  cfg.Gateway.Listen,
		Upstream:    &network.Config{Target: cfg.Target, Timeout: cfg.TimeoutDuration()},
		IdleTimeout: cfg.Gateway.IdleTimeout,
	}, log)

	var traces *storage.TraceStore
	if cfg.Gateway.TraceDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Gateway.TraceDB), 0755); err != nil {
			log.Fatal("failed to create trace directory", zap.Error(err))
		}
		traces, err = storage.NewTraceStore(cfg.Gateway.TraceDB, cfg.Gateway.TraceTTL, log)
		if err != nil {
			log.Fatal("failed to open trace store", zap.Error(err))
		}
		gateway.AttachTraceStore(traces)
		log.Info("frame traces enabled",
			zap.String("path", cfg.Gateway.TraceDB),
			zap.Duration("ttl", cfg.Gateway.TraceTTL))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gateway.Start(ctx); err != nil {
		log.Fatal("failed to start gateway", zap.Error(err))
	}

	var apiServer *api.Server
	if cfg.Gateway.API != "" {
		apiCfg := api.DefaultConfig()
		apiCfg.ListenAddr = cfg.Gateway.API
		apiServer, err = api.NewServer(gateway, apiCfg, log, network.NewGatewayCollector(gateway))
		if err != nil {
			log.Fatal("failed to create API server", zap.Error(err))
		}
		if traces != nil {
			apiServer.AttachTraceStore(traces)
		}
		if err := apiServer.Start(); err != nil {
			log.Fatal("failed to start API server", zap.Error(err))
		}
	}

	go heartbeatLoop(ctx, gateway, log)

	printStatus(cfg, gateway, apiServer)

	waitForShutdown(log, gateway, apiServer, traces)
}

// applyFlags overrides config values with the flags set on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "target":
			cfg.Target = *target
		case "port":
			cfg.Gateway.Listen = fmt.Sprintf(":%d", *port)
		case "api":
			cfg.Gateway.API = *apiAddr
		case "timeout":
			cfg.Timeout = *timeout
		case "trace-db":
			cfg.Gateway.TraceDB = *traceDB
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            Data-Online Gateway v1.0              ║")
	fmt.Println("║     Transparent relay to an inference target     ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func heartbeatLoop(ctx context.Context, gateway *network.Gateway, log *zap.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := gateway.GetStats()
			log.Info("heartbeat",
				zap.Any("sessions", stats["sessions"]),
				zap.Any("frames_relayed", stats["frames_relayed"]),
				zap.Any("cache_hits", stats["cache_hits"]),
				zap.Any("errors", stats["errors"]),
				zap.Any("upstream_state", stats["upstream_state"]))
		}
	}
}

func printStatus(cfg *config.Config, gateway *network.Gateway, apiServer *api.Server) {
	info := gateway.ModelInfo()

	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🚀 Gateway Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   Listening: %s\n", gateway.Addr())
	fmt.Printf("   Upstream: %s (timeout %v)\n", cfg.Target, cfg.TimeoutDuration())
	fmt.Printf("   Model: %d inputs, %d outputs\n", len(info.Inputs), len(info.Outputs))
	for _, d := range info.Inputs {
		fmt.Printf("     in  %-16s %-10s %v\n", d.Name, d.Type, d.Dims)
	}
	for _, d := range info.Outputs {
		fmt.Printf("     out %-16s %-10s %v\n", d.Name, d.Type, d.Dims)
	}
	if apiServer != nil {
		fmt.Printf("   HTTP API: %s\n", apiServer.Addr())
	} else {
		fmt.Printf("   HTTP API: disabled\n")
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func waitForShutdown(log *zap.Logger, gateway *network.Gateway, apiServer *api.Server, traces *storage.TraceStore) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan

	fmt.Println()
	log.Info("shutting down")

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			log.Warn("error stopping API server", zap.Error(err))
		}
	}

	if err := gateway.Stop(); err != nil {
		log.Warn("error stopping gateway", zap.Error(err))
	}

	if traces != nil {
		if err := traces.Close(); err != nil {
			log.Warn("error closing trace store", zap.Error(err))
		}
	}

	log.Info("gateway stopped", zap.Any("stats", gateway.GetStats()))
}
