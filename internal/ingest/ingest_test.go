package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"cluster-watchdog/internal/config"
	"cluster-watchdog/internal/correlator"
	"cluster-watchdog/internal/metrics"
	"cluster-watchdog/internal/model"
	"cluster-watchdog/internal/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeObs struct {
	mu       sync.Mutex
	ingested map[string]int
	rejected map[string]int
}

func newFakeObs() *fakeObs {
	return &fakeObs{ingested: map[string]int{}, rejected: map[string]int{}}
}

func (o *fakeObs) SampleIngested(t string) {
	o.mu.Lock()
	o.ingested[t]++
	o.mu.Unlock()
}

func (o *fakeObs) SampleRejected(r string) {
	o.mu.Lock()
	o.rejected[r]++
	o.mu.Unlock()
}

func (o *fakeObs) get(m map[string]int, k string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return m[k]
}

func sample(node string, at float64) model.NodeSample {
	return model.NodeSample{
		NodeName: node,
		Hardware: &model.HardwareSample{
			CapturedAtMs:      at,
			CPUPercent:        25,
			TotalMemoryGB:     16,
			UsedMemoryMB:      4096,
			PercentMemoryUsed: 25,
			Drives:            []model.DriveSample{{Name: "/", TotalCapacityGB: 100, AvailableCapacityGB: 60}},
		},
	}
}

func newCorrelator(t *testing.T) *correlator.Correlator {
	t.Helper()
	c, err := correlator.New(time.Second, correlator.NewStaticUnits(10))
	require.NoError(t, err)
	return c
}

func startServer(t *testing.T, guard *Guard, token string) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(NewServer(guard, discardLogger()), token, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func dialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func rawStream(t *testing.T, lis *bufconn.Listener, token string) grpc.ClientStream {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		dialer(lis),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	s, err := conn.NewStream(ctx, &grpc.StreamDesc{ClientStreams: true}, config.DefaultIngestMethod)
	require.NoError(t, err)
	return s
}

func TestStreamAcksAcceptedAndRejected(t *testing.T) {
	c := newCorrelator(t)
	obs := newFakeObs()
	lis := startServer(t, NewGuard(c, 0, 0, obs, discardLogger()), "s3cret")

	s := rawStream(t, lis, "s3cret")
	require.NoError(t, s.SendMsg(&stream.NodeFrame{NodeName: "n1", Sample: sample("n1", 1000)}))
	require.NoError(t, s.SendMsg(&stream.NodeFrame{NodeName: "n2", Sample: model.NodeSample{NodeName: "n2"}}))
	// node name taken from the frame when the sample omits it
	unnamed := sample("", 1100)
	require.NoError(t, s.SendMsg(&stream.NodeFrame{NodeName: "n3", Sample: unnamed}))
	require.NoError(t, s.CloseSend())

	var ack stream.Ack
	require.NoError(t, s.RecvMsg(&ack))
	assert.Equal(t, stream.Ack{Accepted: 2, Rejected: 1}, ack)

	snap, ok := c.TryCloseWindow()
	require.True(t, ok)
	assert.Equal(t, []string{"n1", "n3"}, snap.NodeNames())
	assert.Equal(t, 2, obs.get(obs.ingested, TransportGRPC))
	assert.Equal(t, 1, obs.get(obs.rejected, metrics.ReasonInvalid))
}

func TestStreamRejectsMissingToken(t *testing.T) {
	obs := newFakeObs()
	lis := startServer(t, NewGuard(newCorrelator(t), 0, 0, obs, discardLogger()), "s3cret")

	s := rawStream(t, lis, "wrong")
	_ = s.CloseSend()
	var ack stream.Ack
	err := s.RecvMsg(&ack)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, 1, obs.get(obs.rejected, metrics.ReasonUnauthenticated))
}

func TestGRPCClientRoundTrip(t *testing.T) {
	c := newCorrelator(t)
	lis := startServer(t, NewGuard(c, 0, 0, nil, discardLogger()), "tok")

	client := stream.NewGRPCClient("bufnet", nil, "tok", config.DefaultIngestMethod, discardLogger(),
		stream.WithDialOptions(dialer(lis)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.SendNodeSample(ctx, sample("edge-1", 500)))
	require.NoError(t, client.SendNodeSample(ctx, sample("edge-2", 700)))
	require.NoError(t, client.Close(ctx))

	snap, ok := c.TryCloseWindow()
	require.True(t, ok)
	assert.Equal(t, []string{"edge-1", "edge-2"}, snap.NodeNames())
}

func TestGuardRateLimitsPerNode(t *testing.T) {
	c := newCorrelator(t)
	obs := newFakeObs()
	g := NewGuard(c, 0.001, 2, obs, discardLogger())

	assert.NoError(t, g.Accept(TransportHTTP, sample("busy", 0)))
	assert.NoError(t, g.Accept(TransportHTTP, sample("busy", 1)))
	assert.ErrorIs(t, g.Accept(TransportHTTP, sample("busy", 2)), ErrRateLimited)

	// another node has its own bucket
	assert.NoError(t, g.Accept(TransportHTTP, sample("quiet", 3)))
	assert.Equal(t, 1, obs.get(obs.rejected, metrics.ReasonRateLimited))
	assert.Equal(t, 3, obs.get(obs.ingested, TransportHTTP))
}

func TestGuardPassesValidationErrorsThrough(t *testing.T) {
	g := NewGuard(newCorrelator(t), 0, 0, nil, discardLogger())
	err := g.Accept(TransportWebSocket, model.NodeSample{NodeName: "x"})
	assert.ErrorIs(t, err, model.ErrInvalidSample)
}

type nopSink struct{}

func (nopSink) Ingest(model.NodeSample) error { return nil }

func TestGuardLimiterTableStaysBounded(t *testing.T) {
	g := NewGuard(nopSink{}, 1, 1, nil, discardLogger())
	for i := 0; i < 100000; i++ {
		require.NoError(t, g.Accept(TransportHTTP, sample(fmt.Sprintf("node-%d", i), float64(i))))
	}
	assert.LessOrEqual(t, g.tracked(), maxTrackedNodes)
}

func TestGuardInvalidSampleCreatesNoLimiter(t *testing.T) {
	obs := newFakeObs()
	g := NewGuard(nopSink{}, 1, 1, obs, discardLogger())
	for i := 0; i < 100; i++ {
		err := g.Accept(TransportHTTP, model.NodeSample{NodeName: fmt.Sprintf("bad-%d", i)})
		require.ErrorIs(t, err, model.ErrInvalidSample)
	}
	assert.Zero(t, g.tracked())
	assert.Equal(t, 100, obs.get(obs.rejected, metrics.ReasonInvalid))
}

func TestGuardSweepDropsIdleLimiters(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := NewGuard(nopSink{}, 0.001, 1, nil, discardLogger())
	g.now = func() time.Time { return now }

	require.NoError(t, g.Accept(TransportHTTP, sample("old", 0)))
	now = now.Add(limiterIdleTTL)
	require.NoError(t, g.Accept(TransportHTTP, sample("fresh", 1)))
	now = now.Add(time.Second)

	assert.Equal(t, 1, g.sweep())
	assert.Equal(t, 1, g.tracked())
	// fresh kept its bucket
	assert.ErrorIs(t, g.Accept(TransportHTTP, sample("fresh", 2)), ErrRateLimited)
}

func TestCheckBearer(t *testing.T) {
	assert.True(t, CheckBearer("", ""))
	assert.True(t, CheckBearer("Bearer abc", "abc"))
	assert.True(t, CheckBearer("  Bearer abc ", "abc"))
	assert.False(t, CheckBearer("Bearer abd", "abc"))
	assert.False(t, CheckBearer("abc", "abc"))
	assert.False(t, CheckBearer("", "abc"))
}
