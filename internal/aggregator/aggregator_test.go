package aggregator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cluster-watchdog/internal/config"
	"cluster-watchdog/internal/health"
	"cluster-watchdog/internal/model"
)

func testConfig() config.Aggregator {
	return config.Aggregator{
		Common: config.Common{
			LogLevel:        "info",
			ProbeListenAddr: "127.0.0.1:0",
			ShutdownTimeout: time.Second,
			Version:         config.HardcodedVersion,
		},
		WindowTolerance:   500 * time.Millisecond,
		CloseInterval:     10 * time.Millisecond,
		MaxPending:        16,
		HistorySize:       4,
		UnitSource:        config.UnitSourceStatic,
		UnitCount:         100,
		PublishBufferSize: 8,
	}
}

func newAggregator(t *testing.T, cfg config.Aggregator) *Aggregator {
	t.Helper()
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a
}

func sample(name string, at, cpu, ram float64) model.NodeSample {
	return model.NodeSample{
		NodeName: name,
		Hardware: &model.HardwareSample{
			CapturedAtMs:      at,
			CPUPercent:        cpu,
			PercentMemoryUsed: ram,
			TotalMemoryGB:     32,
			UsedMemoryMB:      1024,
			Drives:            []model.DriveSample{{Name: "/", TotalCapacityGB: 100, AvailableCapacityGB: 5}},
		},
		Units: 3,
	}
}

func TestCloseWindowWithoutSamples(t *testing.T) {
	a := newAggregator(t, testConfig())
	_, ok := a.closeWindow()
	assert.False(t, ok)
	_, ok = a.LatestResult()
	assert.False(t, ok)
}

func TestCloseWindowEvaluatesAndRecords(t *testing.T) {
	a := newAggregator(t, testConfig())
	require.NoError(t, a.corr.Ingest(sample("n1", 1000, 10, 40)))
	require.NoError(t, a.corr.Ingest(sample("n2", 1100, 20, 50)))
	require.NoError(t, a.corr.Ingest(sample("n3", 1200, 30, 60)))
	// outside tolerance, waits for the next window
	require.NoError(t, a.corr.Ingest(sample("n1", 5000, 99, 99)))

	r, ok := a.closeWindow()
	require.True(t, ok)
	require.NoError(t, r.Err)
	assert.Equal(t, 3, r.Score.NodeCount)
	assert.Equal(t, 100, r.Score.UnitCount)
	assert.Equal(t, 200.0, r.Score.CapacityScore)
	assert.Equal(t, 1000.0, r.Score.WindowStartMs)

	latest, ok := a.LatestResult()
	require.True(t, ok)
	assert.Equal(t, r.Score, latest.Score)
	assert.Equal(t, 1, a.hist.Len())
	assert.Equal(t, 1, a.corr.Stats().OpenNodes, "buffered sample seeds the next window")
}

func TestCloseWindowKeepsEvaluationError(t *testing.T) {
	a := newAggregator(t, testConfig())
	idle := sample("idle", 1, 0, 0)
	idle.Hardware.Drives = nil
	require.NoError(t, a.corr.Ingest(idle))

	r, ok := a.closeWindow()
	require.True(t, ok)
	assert.ErrorIs(t, r.Err, health.ErrDivisionByZero)

	latest, _ := a.LatestResult()
	assert.Equal(t, "division_by_zero", latest.ErrorKind())
}

func TestReportedUnitSource(t *testing.T) {
	cfg := testConfig()
	cfg.UnitSource = config.UnitSourceReported
	a := newAggregator(t, cfg)
	require.NoError(t, a.corr.Ingest(sample("n1", 1, 10, 10)))
	require.NoError(t, a.corr.Ingest(sample("n2", 2, 10, 10)))

	r, ok := a.closeWindow()
	require.True(t, ok)
	assert.Equal(t, 6, r.Score.UnitCount)
}

func TestRunClosesWindowsUntilCancelled(t *testing.T) {
	a := newAggregator(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	require.NoError(t, a.corr.Ingest(sample("n1", 1, 50, 50)))
	require.Eventually(t, func() bool {
		_, ok := a.LatestResult()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop")
	}
	a.shutdown(context.Background())
}
