package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"meshkv/config"
	"meshkv/pkg/node"
)

var (
	configPath = flag.String("config", "", "Path to configuration file")
	host       = flag.String("host", "", "Listen host")
	port       = flag.Int("port", -1, "Listen port")
	dataDir    = flag.String("data-dir", "", "Data directory")
	backend    = flag.String("backend", "", "Storage backend (file, badger, memory)")
	nodeID     = flag.String("node-id", "", "Node ID (generated if empty)")
	persona    = flag.String("persona", "", "Persona name advertised to peers")
	seeds      = flag.String("seeds", "", "Comma-separated seed peer addresses")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg)

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	n, err := node.New(cfg, log)
	if err != nil {
		log.Fatalf("create node: %v", err)
	}
	if err := n.Start(); err != nil {
		log.Fatalf("start node: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.Stop(ctx); err != nil {
		log.Errorf("shutdown: %v", err)
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config) {
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port >= 0 {
		cfg.Server.Port = *port
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *persona != "" {
		cfg.Node.PersonaName = *persona
	}
	if *seeds != "" {
		cfg.Mesh.SeedPeers = strings.Split(*seeds, ",")
	}
}

func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}

	zc := zap.NewProductionConfig()
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
