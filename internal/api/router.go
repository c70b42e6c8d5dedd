// Package api is the aggregator's HTTP surface: queries over closed windows,
// HTTP and websocket ingest, the result stream and prometheus metrics.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cluster-watchdog/internal/correlator"
	"cluster-watchdog/internal/history"
	"cluster-watchdog/internal/ingest"
	"cluster-watchdog/internal/metrics"
	"cluster-watchdog/internal/publish"
	"cluster-watchdog/internal/version"
)

// ResultSource exposes the most recently evaluated window.
type ResultSource interface {
	LatestResult() (publish.Result, bool)
}

// StatsSource reports live correlator state for /healthz.
type StatsSource interface {
	Stats() correlator.Stats
	Tolerance() float64
}

type Deps struct {
	Logger  *slog.Logger
	Guard   *ingest.Guard
	History *history.Ring
	Results ResultSource
	Stats   StatsSource
	// Units is nil when unit counts come from the agents.
	Units    *correlator.StaticUnits
	Hub      *Hub
	Gatherer prometheus.Gatherer
	Version  version.Info
	Token    string
	// MaxMessageBytes caps one websocket ingest frame.
	MaxMessageBytes int64
}

type handlers struct {
	Deps
	validate *validator.Validate
}

func NewRouter(d Deps) *gin.Engine {
	h := &handlers{Deps: d, validate: validator.New()}

	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())

	r.GET("/healthz", h.healthz)
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.GET("/version", h.version)
	v1.GET("/snapshots/latest", h.latestSnapshot)
	v1.GET("/score", h.score)
	v1.GET("/nodes/:name/trend", h.nodeTrend)
	if d.Hub != nil {
		v1.GET("/stream", d.Hub.handleStream)
	}

	authed := v1.Group("", h.requireBearer())
	authed.PUT("/units", h.putUnits)
	authed.POST("/samples", h.postSample)
	authed.GET("/ingest/ws", h.ingestWebSocket)

	return r
}

func (h *handlers) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ingest.CheckBearer(c.GetHeader("Authorization"), h.Token) {
			if h.Guard != nil {
				h.Guard.Reject(metrics.ReasonUnauthenticated)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid bearer token"})
			return
		}
		c.Next()
	}
}

func (h *handlers) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		h.Logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
		)
	}
}
