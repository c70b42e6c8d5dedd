package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cluster-watchdog/internal/health"
	"cluster-watchdog/internal/metrics"
	"cluster-watchdog/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	name string
	err  error

	mu   sync.Mutex
	seen []float64
	log  *[]string
}

func (p *recordingPublisher) Name() string { return p.name }

func (p *recordingPublisher) Publish(_ context.Context, r Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, r.Score.WindowStartMs)
	if p.log != nil {
		*p.log = append(*p.log, p.name)
	}
	return p.err
}

func (p *recordingPublisher) windows() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.seen...)
}

type countingObserver struct {
	mu      sync.Mutex
	dropped int
	failed  map[string]int
}

func (o *countingObserver) PublishDropped() {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

func (o *countingObserver) PublishFailed(name string) {
	o.mu.Lock()
	if o.failed == nil {
		o.failed = map[string]int{}
	}
	o.failed[name]++
	o.mu.Unlock()
}

func result(ms float64) Result {
	return Result{Score: model.ScoreTuple{WindowStartMs: ms}}
}

func TestDispatcherDropsNewestWhenFull(t *testing.T) {
	obs := &countingObserver{}
	pub := &recordingPublisher{name: "rec"}
	d := NewDispatcher(discardLogger(), 2, obs, pub)

	assert.True(t, d.Submit(result(1)))
	assert.True(t, d.Submit(result(2)))
	assert.False(t, d.Submit(result(3)))
	assert.Equal(t, uint64(1), d.Dropped())
	assert.Equal(t, 1, obs.dropped)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	assert.Equal(t, []float64{1, 2}, pub.windows(), "buffered results are flushed on shutdown")
}

func TestDispatcherFansOutInOrderAndIsolatesFailures(t *testing.T) {
	var order []string
	failing := &recordingPublisher{name: "broken", err: errors.New("sink down"), log: &order}
	ok := &recordingPublisher{name: "ok", log: &order}
	obs := &countingObserver{}
	d := NewDispatcher(discardLogger(), 4, obs, failing, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	d.Submit(result(10))
	d.Submit(result(20))

	require.Eventually(t, func() bool { return len(ok.windows()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []float64{10, 20}, failing.windows())
	assert.Equal(t, []string{"broken", "ok", "broken", "ok"}, order)
	assert.Equal(t, 2, obs.failed["broken"])
}

func TestResultJSON(t *testing.T) {
	snap := model.NewClusterSnapshot(model.ClusterCounters{UnitCount: 1}, 5, time.Unix(0, 0), nil)
	raw, err := json.Marshal(Result{Snapshot: snap, Score: model.ScoreTuple{WindowStartMs: 5}, Err: health.ErrDivisionByZero})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "division_by_zero", out["error_kind"])
	assert.Contains(t, out, "snapshot")

	raw, err = json.Marshal(result(7))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "error")
}

func TestLogPublisherNeverFails(t *testing.T) {
	p := NewLogPublisher(discardLogger())
	assert.Equal(t, "log", p.Name())
	assert.NoError(t, p.Publish(context.Background(), result(1)))
	assert.NoError(t, p.Publish(context.Background(), Result{Err: health.ErrEmptySnapshot}))
}

func TestMetricsPublisher(t *testing.T) {
	obs := metrics.New(nil)
	p := NewMetricsPublisher(obs)
	assert.Equal(t, "metrics", p.Name())
	assert.NoError(t, p.Publish(context.Background(), Result{
		Score: model.ScoreTuple{NodeCount: 2, CapacityScore: 40},
	}))
}
