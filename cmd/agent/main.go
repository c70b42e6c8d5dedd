package main

import (
	"context"
	"log"

	"cluster-watchdog/internal/agent"
	"cluster-watchdog/internal/config"
	"cluster-watchdog/internal/lifecycle"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := lifecycle.BuildLogger(cfg.Common)
	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("agent initialization failed", "error", err)
		return
	}

	if err := a.Run(context.Background()); err != nil {
		logger.Error("agent runtime failed", "error", err)
	}
}
