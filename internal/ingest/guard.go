// Package ingest receives node samples from agents and hands them to the
// correlator.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cluster-watchdog/internal/metrics"
	"cluster-watchdog/internal/model"
)

const (
	TransportGRPC      = "grpc"
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

const (
	// maxTrackedNodes caps the limiter table. Node names come from the wire.
	maxTrackedNodes = 4096
	limiterIdleTTL  = 5 * time.Minute
	sweepInterval   = time.Minute
)

var ErrRateLimited = errors.New("node sample rate exceeded")

// Sink is where accepted samples go. *correlator.Correlator satisfies it.
type Sink interface {
	Ingest(s model.NodeSample) error
}

// Observer receives ingest counters. *metrics.Obs satisfies it.
type Observer interface {
	SampleIngested(transport string)
	SampleRejected(reason string)
}

// Guard applies per-node rate limiting in front of a Sink. Every transport
// goes through the same Guard so a node cannot dodge its limit by switching.
type Guard struct {
	sink   Sink
	obs    Observer
	logger *slog.Logger
	limit  rate.Limit
	burst  int
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*nodeLimiter
}

type nodeLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewGuard returns a guard allowing perSecond samples per node with the given
// burst. perSecond <= 0 disables limiting.
func NewGuard(sink Sink, perSecond float64, burst int, obs Observer, logger *slog.Logger) *Guard {
	return &Guard{
		sink:     sink,
		obs:      obs,
		logger:   logger,
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
		limiters: map[string]*nodeLimiter{},
	}
}

// Accept validates, rate-limits and ingests one sample. Failures are counted
// and returned but never affect other producers.
func (g *Guard) Accept(transport string, s model.NodeSample) error {
	if err := s.Validate(); err != nil {
		return g.invalid(transport, s.NodeName, err)
	}
	if g.limit > 0 && !g.allow(s.NodeName) {
		g.reject(metrics.ReasonRateLimited)
		g.logger.Debug("sample rate limited", "node", s.NodeName, "transport", transport)
		return ErrRateLimited
	}
	if err := g.sink.Ingest(s); err != nil {
		return g.invalid(transport, s.NodeName, err)
	}
	if g.obs != nil {
		g.obs.SampleIngested(transport)
	}
	return nil
}

// Reject counts a sample refused before it reached Accept, e.g. one that
// could not be decoded.
func (g *Guard) Reject(reason string) {
	g.reject(reason)
}

// Run drops idle limiters every sweepInterval until ctx is done.
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := g.sweep(); n > 0 {
				g.logger.Debug("dropped idle rate limiters", "count", n)
			}
		}
	}
}

func (g *Guard) invalid(transport, node string, err error) error {
	g.reject(metrics.ReasonInvalid)
	g.logger.Warn("sample rejected", "node", node, "transport", transport, "error", err)
	return err
}

func (g *Guard) reject(reason string) {
	if g.obs != nil {
		g.obs.SampleRejected(reason)
	}
}

func (g *Guard) allow(node string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	l, ok := g.limiters[node]
	if !ok {
		if len(g.limiters) >= maxTrackedNodes {
			g.sweepLocked(now)
		}
		if len(g.limiters) >= maxTrackedNodes {
			// Every tracked node is active; start over rather than grow.
			clear(g.limiters)
		}
		l = &nodeLimiter{lim: rate.NewLimiter(g.limit, g.burst)}
		g.limiters[node] = l
	}
	l.lastSeen = now
	return l.lim.AllowN(now, 1)
}

func (g *Guard) sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sweepLocked(g.now())
}

func (g *Guard) sweepLocked(now time.Time) int {
	dropped := 0
	for node, l := range g.limiters {
		if now.Sub(l.lastSeen) > limiterIdleTTL {
			delete(g.limiters, node)
			dropped++
		}
	}
	return dropped
}

func (g *Guard) tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.limiters)
}
