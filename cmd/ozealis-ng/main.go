package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ozealis-ng/internal/config"
	"ozealis-ng/internal/diag"
	"ozealis-ng/internal/logging"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/ozealis-ng/config.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := diag.NewLogBuffer(cfg.Log.Buffer)
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "ozealis-ng", logs)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logs, logger)
	if err != nil {
		logger.Fatal("runtime init failed", zap.Error(err))
	}
	defer rt.Close()

	logger.Info("ozealis-ng starting", zap.String("config", configPath), zap.String("session_id", rt.sessionID))
	if err := rt.Run(ctx, cancel); err != nil {
		logger.Error("runtime stopped", zap.Error(err))
	}
	logger.Info("ozealis-ng stopping")
}
