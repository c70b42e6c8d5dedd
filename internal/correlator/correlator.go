// Package correlator groups independently arriving node samples into cluster
// snapshots using a single reference instant per window.
package correlator

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"cluster-watchdog/internal/model"
)

const defaultMaxPending = 4096

// window is the open, still-shared accumulation of samples.
type window struct {
	minTime float64
	started bool
	nodes   map[string]model.NodeSample
}

func newWindow() *window {
	return &window{nodes: make(map[string]model.NodeSample)}
}

// admit applies the tolerance test and inserts s when it belongs here.
func (w *window) admit(s model.NodeSample, toleranceMs float64) bool {
	t := s.CapturedAtMs()
	if !w.started {
		w.minTime = t
		w.started = true
		w.nodes[s.NodeName] = s
		return true
	}
	if !checkTime(w.minTime, t, toleranceMs) {
		return false
	}
	w.nodes[s.NodeName] = s
	return true
}

// checkTime reports whether t belongs to the window referenced at minTime.
func checkTime(minTime, t, toleranceMs float64) bool {
	return math.Abs(minTime-t) < toleranceMs
}

// Stats is a point-in-time view of correlator state.
type Stats struct {
	OpenNodes     int
	WindowStartMs float64
	WindowOpen    bool
	Pending       int
	Dropped       uint64
	Closed        uint64
}

type Option func(*Correlator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) { c.logger = logger }
}

// WithMaxPending bounds the buffer of samples waiting for the next window.
func WithMaxPending(n int) Option {
	return func(c *Correlator) {
		if n > 0 {
			c.maxPending = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// Correlator is safe for concurrent Ingest calls from many producers.
type Correlator struct {
	toleranceMs float64
	units       UnitCounter
	logger      *slog.Logger
	now         func() time.Time
	maxPending  int

	mu      sync.Mutex
	open    *window
	pending []model.NodeSample
	dropped uint64
	closed  uint64
}

func New(tolerance time.Duration, units UnitCounter, opts ...Option) (*Correlator, error) {
	if tolerance <= 0 {
		return nil, fmt.Errorf("window tolerance must be > 0, got %s", tolerance)
	}
	if units == nil {
		units = NewStaticUnits(0)
	}
	c := &Correlator{
		toleranceMs: float64(tolerance) / float64(time.Millisecond),
		units:       units,
		logger:      slog.Default(),
		now:         time.Now,
		maxPending:  defaultMaxPending,
		open:        newWindow(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ingest adds sample to the open window or buffers it for the next one.
func (c *Correlator) Ingest(sample model.NodeSample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	s := sample.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open.admit(s, c.toleranceMs) {
		return nil
	}
	c.bufferLocked(s)
	return nil
}

func (c *Correlator) bufferLocked(s model.NodeSample) {
	if len(c.pending) >= c.maxPending {
		c.pending = append(c.pending[:0], c.pending[1:]...)
		c.dropped++
		c.logger.Warn("pending sample buffer full, dropping oldest", "max_pending", c.maxPending)
	}
	c.pending = append(c.pending, s)
}

// TryCloseWindow closes the open window if it holds any sample and returns it as
// an immutable snapshot. A fresh window is opened and seeded from samples that
// were buffered while the previous one was open.
func (c *Correlator) TryCloseWindow() (*model.ClusterSnapshot, bool) {
	c.mu.Lock()
	if len(c.open.nodes) == 0 {
		c.mu.Unlock()
		return nil, false
	}
	done := c.open
	c.open = newWindow()
	c.reseedLocked()
	c.closed++
	c.mu.Unlock()

	counters := model.ClusterCounters{UnitCount: c.units.CountUnits(done.nodes)}
	snap := model.AdoptClusterSnapshot(counters, done.minTime, c.now().UTC(), done.nodes)
	c.logger.Debug("window closed",
		"window_start_ms", done.minTime,
		"nodes", snap.Len(),
		"unit_count", counters.UnitCount,
	)
	return snap, true
}

func (c *Correlator) reseedLocked() {
	if len(c.pending) == 0 {
		return
	}
	queued := c.pending
	c.pending = nil
	for _, s := range queued {
		if !c.open.admit(s, c.toleranceMs) {
			c.pending = append(c.pending, s)
		}
	}
}

func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		OpenNodes:     len(c.open.nodes),
		WindowStartMs: c.open.minTime,
		WindowOpen:    c.open.started,
		Pending:       len(c.pending),
		Dropped:       c.dropped,
		Closed:        c.closed,
	}
}

// Tolerance returns the window tolerance in milliseconds.
func (c *Correlator) Tolerance() float64 { return c.toleranceMs }
