package collector

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"cluster-watchdog/internal/model"
	"cluster-watchdog/internal/stream"
)

// Scheduler samples on a fixed interval and streams the samples from a
// separate loop, so a slow aggregator never delays the next reading. Samples
// wait in a bounded buffer; when it is full the oldest one is discarded.
type Scheduler struct {
	logger       *slog.Logger
	node         *NodeCollector
	sink         stream.Sink
	interval     time.Duration
	errorBackoff time.Duration
	buffer       chan model.NodeSample
	dropped      atomic.Uint64
}

func NewScheduler(
	logger *slog.Logger,
	node *NodeCollector,
	sink stream.Sink,
	interval, errorBackoff time.Duration,
	bufferSize int,
) *Scheduler {
	if errorBackoff <= 0 {
		errorBackoff = time.Second
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Scheduler{
		logger:       logger,
		node:         node,
		sink:         sink,
		interval:     interval,
		errorBackoff: errorBackoff,
		buffer:       make(chan model.NodeSample, bufferSize),
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.runSampleLoop(gctx)
	})
	g.Go(func() error {
		return s.runSendLoop(gctx)
	})
	return g.Wait()
}

// Dropped is the number of samples discarded because the buffer was full.
func (s *Scheduler) Dropped() uint64 { return s.dropped.Load() }

func (s *Scheduler) runSampleLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.collect(ctx); err != nil {
		s.logger.Warn("initial node sample failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.collect(ctx); err != nil {
				s.logger.Error("node sample failed", "error", err)
				s.sleepWithContext(ctx, s.errorBackoff)
			}
		}
	}
}

func (s *Scheduler) collect(ctx context.Context) error {
	m, err := s.node.Collect(ctx)
	if err != nil {
		return err
	}
	s.enqueue(m)
	return nil
}

func (s *Scheduler) enqueue(m model.NodeSample) {
	for {
		select {
		case s.buffer <- m:
			return
		default:
		}
		select {
		case <-s.buffer:
			n := s.dropped.Add(1)
			s.logger.Warn("sample buffer full, dropping oldest", "dropped_total", n)
		default:
		}
	}
}

func (s *Scheduler) runSendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-s.buffer:
			if err := s.sink.SendNodeSample(ctx, m); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("node sample send failed", "captured_at_ms", m.CapturedAtMs(), "error", err)
				s.sleepWithContext(ctx, s.errorBackoff)
			}
		}
	}
}

func (s *Scheduler) sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
