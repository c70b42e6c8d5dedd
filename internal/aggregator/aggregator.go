// Package aggregator wires ingest, correlation, evaluation and publishing
// into the aggregator process.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"cluster-watchdog/internal/api"
	"cluster-watchdog/internal/config"
	"cluster-watchdog/internal/correlator"
	"cluster-watchdog/internal/health"
	"cluster-watchdog/internal/history"
	"cluster-watchdog/internal/ingest"
	"cluster-watchdog/internal/metrics"
	"cluster-watchdog/internal/publish"
	"cluster-watchdog/internal/version"
)

const serviceName = "watchdog-aggregator"

type Aggregator struct {
	cfg    config.Aggregator
	logger *slog.Logger

	corr       *correlator.Correlator
	hist       *history.Ring
	guard      *ingest.Guard
	obs        *metrics.Obs
	dispatcher *publish.Dispatcher
	hub        *api.Hub
	postgres   *publish.PostgresPublisher
	grpcServer *grpc.Server
	httpServer *http.Server

	mu        sync.RWMutex
	latest    publish.Result
	hasLatest bool
}

// New builds every component. When a Postgres DSN is configured the database
// is opened and pinged here so a bad DSN fails startup.
func New(ctx context.Context, cfg config.Aggregator, logger *slog.Logger) (*Aggregator, error) {
	serverTLS, err := cfg.ServerTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs := metrics.New(reg)

	var (
		units  correlator.UnitCounter
		static *correlator.StaticUnits
	)
	if cfg.UnitSource == config.UnitSourceReported {
		units = correlator.ReportedUnits{}
	} else {
		static = correlator.NewStaticUnits(cfg.UnitCount)
		units = static
	}
	corr, err := correlator.New(cfg.WindowTolerance, units,
		correlator.WithLogger(logger),
		correlator.WithMaxPending(cfg.MaxPending),
	)
	if err != nil {
		return nil, err
	}

	a := &Aggregator{
		cfg:    cfg,
		logger: logger,
		corr:   corr,
		hist:   history.New(cfg.HistorySize),
		obs:    obs,
		hub:    api.NewHub(logger, obs),
	}

	publishers := []publish.Publisher{
		publish.NewLogPublisher(logger),
		publish.NewMetricsPublisher(obs),
		a.hub,
	}
	if cfg.PostgresDSN != "" {
		db, err := publish.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.postgres = publish.NewPostgresPublisher(db, cfg.PostgresTable)
		publishers = append(publishers, a.postgres)
	}
	a.dispatcher = publish.NewDispatcher(logger, cfg.PublishBufferSize, obs, publishers...)

	guard := ingest.NewGuard(corr, cfg.IngestRateLimit, cfg.IngestBurst, obs, logger)
	a.guard = guard
	if cfg.GRPCListenAddr != "" {
		a.grpcServer = ingest.NewGRPCServer(ingest.NewServer(guard, logger), cfg.Token, serverTLS)
	}
	if cfg.HTTPListenAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := api.NewRouter(api.Deps{
			Logger:          logger,
			Guard:           guard,
			History:         a.hist,
			Results:         a,
			Stats:           corr,
			Units:           static,
			Hub:             a.hub,
			Gatherer:        reg,
			Version:         a.versionInfo(),
			Token:           cfg.Token,
			MaxMessageBytes: cfg.WebSocketMaxBytes,
		})
		a.httpServer = &http.Server{
			Addr:              cfg.HTTPListenAddr,
			Handler:           router,
			TLSConfig:         serverTLS,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

func (a *Aggregator) versionInfo() version.Info {
	return version.Info{
		Service:         serviceName,
		Version:         a.cfg.Version,
		ProbeListenAddr: a.cfg.ProbeListenAddr,
	}
}

// LatestResult returns the most recently evaluated window.
func (a *Aggregator) LatestResult() (publish.Result, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest, a.hasLatest
}

// closeWindow closes the open window if it has samples, evaluates it and hands
// the result to the dispatcher. It reports whether a window was closed.
func (a *Aggregator) closeWindow() (publish.Result, bool) {
	start := time.Now()
	snap, ok := a.corr.TryCloseWindow()
	if !ok {
		a.observeCorrelator()
		return publish.Result{}, false
	}
	a.hist.Add(snap)

	tuple, err := health.Evaluate(snap)
	r := publish.Result{Snapshot: snap, Score: tuple, Err: err}

	a.mu.Lock()
	a.latest = r
	a.hasLatest = true
	a.mu.Unlock()

	a.obs.WindowClosed(time.Since(start).Seconds())
	a.observeCorrelator()
	a.dispatcher.Submit(r)
	return r, true
}

func (a *Aggregator) observeCorrelator() {
	st := a.corr.Stats()
	a.obs.SetCorrelator(st.OpenNodes, st.Pending, st.Dropped)
}
