// Package agent runs on every node: it samples local hardware on an interval
// and streams the samples to the aggregator.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cluster-watchdog/internal/collector"
	"cluster-watchdog/internal/config"
	"cluster-watchdog/internal/lifecycle"
	"cluster-watchdog/internal/model"
	"cluster-watchdog/internal/sampler"
	"cluster-watchdog/internal/stream"
	"cluster-watchdog/internal/version"
)

const serviceName = "watchdog-agent"

type Agent struct {
	cfg       config.Agent
	logger    *slog.Logger
	sampler   sampler.Sampler
	scheduler *collector.Scheduler
	sink      stream.Sink
	health    *HealthStatus
}

func New(cfg config.Agent, logger *slog.Logger) (*Agent, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}

	sink, err := stream.NewSinkFromConfig(cfg, tlsCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("stream sink: %w", err)
	}

	s, err := sampler.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("sampler: %w", err)
	}
	return newAgent(cfg, logger, s, sink), nil
}

func newAgent(cfg config.Agent, logger *slog.Logger, s sampler.Sampler, sink stream.Sink) *Agent {
	health := NewHealthStatus()

	var opts []collector.NodeOption
	if len(cfg.WatchProcesses) > 0 {
		opts = append(opts, collector.WithProcesses(cfg.WatchProcesses, sampler.FindProcesses))
	}
	if r, ok := s.(sampler.UnitReporter); ok {
		opts = append(opts, collector.WithUnitReporter(r))
	}
	if ls, ok := s.(*sampler.LibvirtSampler); ok {
		ls.Conn().OnStateChange(health.SetSamplerConnected)
	}

	wrappedSink := &healthSink{sink: sink, health: health}
	node := collector.NewNodeCollector(s, cfg.NodeName, logger, opts...)
	scheduler := collector.NewScheduler(
		logger,
		node,
		wrappedSink,
		cfg.SampleInterval,
		cfg.CollectorErrorBackoff,
		cfg.StreamBufferSize,
	)

	return &Agent{
		cfg:       cfg,
		logger:    logger,
		sampler:   s,
		scheduler: scheduler,
		sink:      wrappedSink,
		health:    health,
	}
}

func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent",
		"node", a.cfg.NodeName,
		"sampler", a.cfg.Sampler,
		"stream_mode", a.cfg.StreamMode,
		"interval", a.cfg.SampleInterval,
	)
	err := lifecycle.Run(ctx, a.logger, a.cfg.ShutdownTimeout, a.run, a.shutdown)
	if err == nil {
		a.logger.Info("agent stopped")
	}
	return err
}

func (a *Agent) versionInfo() version.Info {
	return version.Info{
		Service:         serviceName,
		NodeName:        a.cfg.NodeName,
		Version:         a.cfg.Version,
		ProbeListenAddr: a.cfg.ProbeListenAddr,
		StreamMode:      string(a.cfg.StreamMode),
	}
}

// healthSink records stream state on the way through.
type healthSink struct {
	sink   stream.Sink
	health *HealthStatus
}

func (s *healthSink) SendNodeSample(ctx context.Context, m model.NodeSample) error {
	err := s.sink.SendNodeSample(ctx, m)
	if err != nil {
		s.health.SetStreamConnected(false)
		s.health.sendFailures.Add(1)
		return err
	}
	s.health.SetStreamConnected(true)
	if at := m.CapturedAtMs(); at > 0 {
		s.health.MarkSample(time.UnixMilli(int64(at)).UTC())
	}
	return nil
}

func (s *healthSink) Close(ctx context.Context) error {
	return s.sink.Close(ctx)
}
