package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"cluster-watchdog/internal/lifecycle"
	"cluster-watchdog/internal/sampler"
)

func (a *Agent) run(ctx context.Context) error {
	ls, isLibvirt := a.sampler.(*sampler.LibvirtSampler)
	if isLibvirt {
		if err := ls.Conn().Connect(ctx); err != nil {
			return fmt.Errorf("initial libvirt connect: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return a.runHealthLoop(gctx, ls)
	})
	g.Go(func() error {
		return lifecycle.ServeProbe(gctx, a.cfg.ProbeListenAddr, a.versionInfo().Banner(), a.logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runHealthLoop logs the health snapshot every HealthInterval and, for the
// libvirt sampler, pings the connection and reconnects when it is gone.
func (a *Agent) runHealthLoop(ctx context.Context, ls *sampler.LibvirtSampler) error {
	t := time.NewTicker(a.cfg.HealthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if ls == nil {
				a.logHealth(ctx, "ok")
				continue
			}
			if err := ls.Conn().Healthy(ctx); err != nil {
				a.logger.Warn("libvirt health check failed, reconnecting", "error", err)
				a.health.SetSamplerConnected(false)
				if recErr := ls.Conn().Reconnect(ctx); recErr != nil {
					a.logger.Error("libvirt reconnect failed", "error", recErr)
					continue
				}
				a.health.SetSamplerConnected(true)
				a.logHealth(ctx, "recovered")
				continue
			}
			a.health.SetSamplerConnected(true)
			a.logHealth(ctx, "ok")
		}
	}
}

func (a *Agent) logHealth(ctx context.Context, status string) {
	a.logger.DebugContext(ctx, "agent health",
		"status", status,
		"snapshot", a.health.Snapshot(),
		"dropped_samples", a.scheduler.Dropped(),
	)
}

func (a *Agent) shutdown(ctx context.Context) {
	if err := a.sink.Close(ctx); err != nil {
		a.logger.Warn("stream sink close failed", "error", err)
	}
	a.health.SetStreamConnected(false)
	if c, ok := a.sampler.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("sampler close failed", "error", err)
		}
	}
}
