// Package publish fans closed-window results out to downstream sinks.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"cluster-watchdog/internal/health"
	"cluster-watchdog/internal/model"
)

// Result is one closed window and the outcome of evaluating it. When Err is set
// Score still carries whatever utilization could be computed.
type Result struct {
	Snapshot *model.ClusterSnapshot
	Score    model.ScoreTuple
	Err      error
}

func (r Result) ErrorKind() string { return health.ErrorKind(r.Err) }

type resultJSON struct {
	Score     model.ScoreTuple       `json:"score"`
	Error     string                 `json:"error,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Snapshot  *model.ClusterSnapshot `json:"snapshot,omitempty"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{Score: r.Score, Snapshot: r.Snapshot}
	if r.Err != nil {
		out.Error = r.Err.Error()
		out.ErrorKind = r.ErrorKind()
	}
	return json.Marshal(out)
}

type Publisher interface {
	Name() string
	Publish(ctx context.Context, r Result) error
}

// Observer receives dispatcher counters. *metrics.Obs satisfies it.
type Observer interface {
	PublishDropped()
	PublishFailed(publisher string)
}

const drainTimeout = 5 * time.Second

// Dispatcher decouples the window close loop from slow publishers with a
// bounded buffer. When the buffer is full the newest result is dropped.
type Dispatcher struct {
	logger     *slog.Logger
	obs        Observer
	publishers []Publisher
	queue      chan Result
	dropped    atomic.Uint64
}

func NewDispatcher(logger *slog.Logger, size int, obs Observer, publishers ...Publisher) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{
		logger:     logger,
		obs:        obs,
		publishers: publishers,
		queue:      make(chan Result, size),
	}
}

// Submit never blocks. It reports whether r was queued.
func (d *Dispatcher) Submit(r Result) bool {
	select {
	case d.queue <- r:
		return true
	default:
		d.dropped.Add(1)
		if d.obs != nil {
			d.obs.PublishDropped()
		}
		d.logger.Warn("publish buffer full, dropping result", "window_start_ms", r.Score.WindowStartMs)
		return false
	}
}

func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Run delivers queued results until ctx is done, then flushes what is left
// with a short grace period.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case r := <-d.queue:
			d.deliver(ctx, r)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case r := <-d.queue:
			d.deliver(ctx, r)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, r Result) {
	for _, p := range d.publishers {
		if err := p.Publish(ctx, r); err != nil {
			if d.obs != nil {
				d.obs.PublishFailed(p.Name())
			}
			d.logger.Error("publish failed", "publisher", p.Name(), "window_start_ms", r.Score.WindowStartMs, "error", err)
		}
	}
}
