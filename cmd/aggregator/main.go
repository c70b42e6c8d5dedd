package main

import (
	"context"
	"log"
	"os"

	"cluster-watchdog/internal/aggregator"
	"cluster-watchdog/internal/config"
	"cluster-watchdog/internal/lifecycle"
)

func main() {
	cfg, err := config.LoadAggregator()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := lifecycle.BuildLogger(cfg.Common)
	ctx := context.Background()
	a, err := aggregator.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("aggregator initialization failed", "error", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("aggregator runtime failed", "error", err)
		os.Exit(1)
	}
}
