// Package metrics owns the aggregator's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"cluster-watchdog/internal/model"
)

const namespace = "watchdog"

// Rejection reasons used as the "reason" label.
const (
	ReasonInvalid         = "invalid"
	ReasonRateLimited     = "rate_limited"
	ReasonUnauthenticated = "unauthenticated"
	ReasonDecode          = "decode"
)

type Obs struct {
	ingested        *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	windowsClosed   prometheus.Counter
	evalErrors      *prometheus.CounterVec
	openNodes       prometheus.Gauge
	pending         prometheus.Gauge
	pendingDropped  prometheus.Gauge
	utilization     *prometheus.GaugeVec
	capacityScore   prometheus.Gauge
	clusterNodes    prometheus.Gauge
	clusterUnits    prometheus.Gauge
	publishDropped  prometheus.Counter
	publishErrors   *prometheus.CounterVec
	closeLatency    prometheus.Histogram
	streamListeners prometheus.Gauge
}

// New builds the collectors and registers them on reg. A nil reg leaves them
// unregistered, which tests use to read values without a registry.
func New(reg prometheus.Registerer) *Obs {
	o := &Obs{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Node samples accepted into the correlator, by transport.",
		}, []string{"transport"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_rejected_total",
			Help:      "Node samples refused at ingest, by reason.",
		}, []string{"reason"}),
		windowsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_closed_total",
			Help:      "Correlation windows closed into a snapshot.",
		}),
		evalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_errors_total",
			Help:      "Snapshots whose capacity evaluation failed, by error kind.",
		}, []string{"kind"}),
		openNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correlator_open_nodes",
			Help:      "Nodes present in the currently open window.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correlator_pending_samples",
			Help:      "Samples buffered for the next window.",
		}),
		pendingDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correlator_pending_dropped",
			Help:      "Samples dropped from a full pending buffer since start.",
		}),
		utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_utilization_percent",
			Help:      "Mean cluster utilization of the last closed window, by resource.",
		}, []string{"resource"}),
		capacityScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_capacity_score",
			Help:      "Capacity score of the last successfully evaluated window.",
		}),
		clusterNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_nodes",
			Help:      "Nodes in the last closed window.",
		}),
		clusterUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_units",
			Help:      "Scheduling units counted at the last window close.",
		}),
		publishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_dropped_total",
			Help:      "Results dropped because the publish buffer was full.",
		}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Publisher failures, by publisher.",
		}, []string{"publisher"}),
		closeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "window_close_seconds",
			Help:      "Time to close a window and evaluate it.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		streamListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Websocket clients subscribed to window results.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			o.ingested, o.rejected, o.windowsClosed, o.evalErrors,
			o.openNodes, o.pending, o.pendingDropped,
			o.utilization, o.capacityScore, o.clusterNodes, o.clusterUnits,
			o.publishDropped, o.publishErrors, o.closeLatency, o.streamListeners,
		)
	}
	return o
}

func (o *Obs) SampleIngested(transport string) {
	o.ingested.WithLabelValues(transport).Inc()
}

func (o *Obs) SampleRejected(reason string) {
	o.rejected.WithLabelValues(reason).Inc()
}

func (o *Obs) WindowClosed(seconds float64) {
	o.windowsClosed.Inc()
	o.closeLatency.Observe(seconds)
}

func (o *Obs) SetCorrelator(openNodes, pending int, dropped uint64) {
	o.openNodes.Set(float64(openNodes))
	o.pending.Set(float64(pending))
	o.pendingDropped.Set(float64(dropped))
}

// ObserveScore records the utilization triple. The score gauge only moves on a
// successful evaluation so a failed window never reports a bogus score.
func (o *Obs) ObserveScore(t model.ScoreTuple, evalErr string) {
	o.utilization.WithLabelValues("cpu").Set(t.Utilization.CPU)
	o.utilization.WithLabelValues("ram").Set(t.Utilization.RAM)
	o.utilization.WithLabelValues("disk").Set(t.Utilization.Disk)
	o.clusterNodes.Set(float64(t.NodeCount))
	o.clusterUnits.Set(float64(t.UnitCount))
	if evalErr != "" {
		o.evalErrors.WithLabelValues(evalErr).Inc()
		return
	}
	o.capacityScore.Set(t.CapacityScore)
}

func (o *Obs) PublishDropped() { o.publishDropped.Inc() }

func (o *Obs) PublishFailed(publisher string) {
	o.publishErrors.WithLabelValues(publisher).Inc()
}

func (o *Obs) SetStreamSubscribers(n int) {
	o.streamListeners.Set(float64(n))
}
