package stream

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"cluster-watchdog/internal/config"
)

func NewSinkFromConfig(cfg config.Agent, tlsCfg *tls.Config, logger *slog.Logger) (Sink, error) {
	switch cfg.StreamMode {
	case config.StreamModeGRPC:
		return NewGRPCClient(cfg.AggregatorGRPCAddr, tlsCfg, cfg.Token, cfg.GRPCIngestMethod, logger), nil
	case config.StreamModeWebSocket:
		return NewWebSocketClient(
			cfg.AggregatorWSURL,
			cfg.Token,
			tlsCfg,
			cfg.WebSocketWriteTimeout,
			cfg.WebSocketPingInterval,
			logger,
		), nil
	default:
		return nil, fmt.Errorf("unsupported stream mode %q", cfg.StreamMode)
	}
}
