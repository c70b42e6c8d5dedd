package publish

import (
	"context"
	"log/slog"
)

type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(ctx context.Context, r Result) error {
	s := r.Score
	if r.Err != nil {
		p.logger.WarnContext(ctx, "window evaluation failed",
			"window_start_ms", s.WindowStartMs,
			"nodes", s.NodeCount,
			"units", s.UnitCount,
			"error_kind", r.ErrorKind(),
			"error", r.Err,
		)
		return nil
	}
	p.logger.InfoContext(ctx, "window evaluated",
		"window_start_ms", s.WindowStartMs,
		"nodes", s.NodeCount,
		"units", s.UnitCount,
		"cpu", s.Utilization.CPU,
		"ram", s.Utilization.RAM,
		"disk", s.Utilization.Disk,
		"capacity_score", s.CapacityScore,
	)
	return nil
}
