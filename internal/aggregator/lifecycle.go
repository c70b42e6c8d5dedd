package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"cluster-watchdog/internal/lifecycle"
)

func (a *Aggregator) Run(ctx context.Context) error {
	a.logger.Info("starting aggregator",
		"grpc_addr", a.cfg.GRPCListenAddr,
		"http_addr", a.cfg.HTTPListenAddr,
		"window_tolerance", a.cfg.WindowTolerance,
		"unit_source", a.cfg.UnitSource,
	)
	err := lifecycle.Run(ctx, a.logger, a.cfg.ShutdownTimeout, a.run, a.shutdown)
	if err == nil {
		a.logger.Info("aggregator stopped")
	}
	return err
}

func (a *Aggregator) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runCloseLoop(gctx)
	})
	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return a.hub.Run(gctx)
	})
	g.Go(func() error {
		return a.guard.Run(gctx)
	})
	g.Go(func() error {
		return lifecycle.ServeProbe(gctx, a.cfg.ProbeListenAddr, a.versionInfo().Banner(), a.logger)
	})
	if a.grpcServer != nil {
		g.Go(func() error {
			return a.serveGRPC(gctx)
		})
	}
	if a.httpServer != nil {
		g.Go(func() error {
			return a.serveHTTP(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *Aggregator) runCloseLoop(ctx context.Context) error {
	t := time.NewTicker(a.cfg.CloseInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.closeWindow()
		}
	}
}

func (a *Aggregator) serveGRPC(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", a.cfg.GRPCListenAddr, err)
	}
	a.logger.Info("grpc ingest listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		stopped := make(chan struct{})
		go func() {
			a.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(a.cfg.ShutdownTimeout):
			a.grpcServer.Stop()
		}
	}()

	if err := a.grpcServer.Serve(ln); err != nil {
		return fmt.Errorf("serve grpc: %w", err)
	}
	return nil
}

func (a *Aggregator) serveHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPListenAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", a.cfg.HTTPListenAddr, err)
	}
	a.logger.Info("http api listening", "addr", ln.Addr().String(), "tls", a.httpServer.TLSConfig != nil)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown failed", "error", err)
		}
	}()

	if a.httpServer.TLSConfig != nil {
		err = a.httpServer.ServeTLS(ln, "", "")
	} else {
		err = a.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (a *Aggregator) shutdown(context.Context) {
	if a.postgres != nil {
		if err := a.postgres.Close(); err != nil {
			a.logger.Warn("postgres close failed", "error", err)
		}
	}
	if d := a.dispatcher.Dropped(); d > 0 {
		a.logger.Warn("results dropped by full publish buffer", "dropped", d)
	}
}
