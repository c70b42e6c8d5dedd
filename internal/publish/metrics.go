package publish

import (
	"context"

	"cluster-watchdog/internal/metrics"
)

type MetricsPublisher struct {
	obs *metrics.Obs
}

func NewMetricsPublisher(obs *metrics.Obs) *MetricsPublisher {
	return &MetricsPublisher{obs: obs}
}

func (p *MetricsPublisher) Name() string { return "metrics" }

func (p *MetricsPublisher) Publish(_ context.Context, r Result) error {
	p.obs.ObserveScore(r.Score, r.ErrorKind())
	return nil
}
