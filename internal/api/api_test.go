package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cluster-watchdog/internal/correlator"
	"cluster-watchdog/internal/health"
	"cluster-watchdog/internal/history"
	"cluster-watchdog/internal/ingest"
	"cluster-watchdog/internal/metrics"
	"cluster-watchdog/internal/model"
	"cluster-watchdog/internal/publish"
	"cluster-watchdog/internal/stream"
	"cluster-watchdog/internal/version"
)

const testToken = "t0ken"

type fixedResults struct {
	r  publish.Result
	ok bool
}

func (f *fixedResults) LatestResult() (publish.Result, bool) { return f.r, f.ok }

type fixture struct {
	router  *gin.Engine
	corr    *correlator.Correlator
	hist    *history.Ring
	results *fixedResults
	units   *correlator.StaticUnits
	obs     *metrics.Obs
	hub     *Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := prometheus.NewRegistry()
	obs := metrics.New(reg)
	units := correlator.NewStaticUnits(100)
	corr, err := correlator.New(500*time.Millisecond, units)
	require.NoError(t, err)

	f := &fixture{
		corr:    corr,
		hist:    history.New(5),
		results: &fixedResults{},
		units:   units,
		obs:     obs,
		hub:     NewHub(logger, obs),
	}
	f.router = NewRouter(Deps{
		Logger:          logger,
		Guard:           ingest.NewGuard(corr, 0, 0, obs, logger),
		History:         f.hist,
		Results:         f.results,
		Stats:           corr,
		Units:           units,
		Hub:             f.hub,
		Gatherer:        reg,
		Version:         version.Info{Service: "watchdog-aggregator", Version: "V0.3"},
		Token:           testToken,
		MaxMessageBytes: 1 << 16,
	})
	return f
}

func (f *fixture) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) scrape(t *testing.T) string {
	t.Helper()
	w := f.do(http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func nodeSample(name string, at, cpu float64) model.NodeSample {
	return model.NodeSample{
		NodeName: name,
		Hardware: &model.HardwareSample{
			CapturedAtMs:      at,
			CPUPercent:        cpu,
			TotalMemoryGB:     8,
			UsedMemoryMB:      2048,
			PercentMemoryUsed: 25,
			Drives:            []model.DriveSample{{Name: "/", TotalCapacityGB: 100, AvailableCapacityGB: 40}},
		},
	}
}

func TestHealthzAndVersion(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"window_tolerance_ms":500`)

	w = f.do(http.MethodGet, "/v1/version", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	var info version.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "V0.3", info.Version)
	assert.NotZero(t, info.CheckedAtUnix)
}

func TestScoreStates(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/score", "", false).Code)

	f.results.r = publish.Result{Score: model.ScoreTuple{NodeCount: 1}, Err: health.ErrDivisionByZero}
	f.results.ok = true
	w := f.do(http.MethodGet, "/v1/score", "", false)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), `"error_kind":"division_by_zero"`)

	f.results.r = publish.Result{Score: model.ScoreTuple{NodeCount: 3, UnitCount: 100, CapacityScore: 200}}
	w = f.do(http.MethodGet, "/v1/score", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	var got model.ScoreTuple
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 200.0, got.CapacityScore)
	assert.Equal(t, 3, got.NodeCount)
}

func TestLatestSnapshot(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/snapshots/latest", "", false).Code)

	f.hist.Add(model.NewClusterSnapshot(model.ClusterCounters{UnitCount: 4}, 1000, time.Unix(5, 0),
		[]model.NodeSample{nodeSample("n1", 1000, 10)}))
	w := f.do(http.MethodGet, "/v1/snapshots/latest", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"n1"`)
}

func TestNodeTrend(t *testing.T) {
	f := newFixture(t)
	for i, cpu := range []float64{10, 20, 30, 40} {
		f.hist.Add(model.NewClusterSnapshot(model.ClusterCounters{}, float64(i), time.Time{},
			[]model.NodeSample{nodeSample("n1", float64(i), cpu)}))
	}

	w := f.do(http.MethodGet, "/v1/nodes/n1/trend?windows=2", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Windows int              `json:"windows"`
		Average model.NodeSample `json:"average"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Windows)
	assert.InDelta(t, 35, body.Average.Hardware.CPUPercent, 1e-9)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/nodes/ghost/trend", "", false).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/nodes/n1/trend?windows=0", "", false).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/nodes/n1/trend?windows=99", "", false).Code)
}

func TestPutUnits(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPut, "/v1/units", `{"units":7}`, false).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/v1/units", `{"units":-1}`, true).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/v1/units", `{}`, true).Code)

	w := f.do(http.MethodPut, "/v1/units", `{"units":0}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, f.units.Get())

	w = f.do(http.MethodPut, "/v1/units", `{"units":7}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7, f.units.Get())
}

func TestPutUnitsConflictWhenReported(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(Deps{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		History: history.New(1),
	})
	req := httptest.NewRequest(http.MethodPut, "/v1/units", strings.NewReader(`{"units":1}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPostSample(t *testing.T) {
	f := newFixture(t)

	body, err := json.Marshal(nodeSample("edge-1", 1000, 33))
	require.NoError(t, err)
	w := f.do(http.MethodPost, "/v1/samples", string(body), true)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, 1, f.corr.Stats().OpenNodes)
	assert.Contains(t, f.scrape(t), `watchdog_samples_ingested_total{transport="http"} 1`)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"not json", `{`, http.StatusBadRequest},
		{"missing node", `{"hardware":{"drives":[]}}`, http.StatusBadRequest},
		{"missing hardware", `{"node_name":"x"}`, http.StatusBadRequest},
		{"available above total", `{"node_name":"x","hardware":{"drives":[{"name":"c","total_capacity_gb":1,"available_capacity_gb":2}]}}`, http.StatusBadRequest},
		{"memory above 100", `{"node_name":"x","hardware":{"percent_memory_used":101}}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/v1/samples", tc.body, true)
			assert.Equal(t, tc.code, w.Code, w.Body.String())
		})
	}

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/v1/samples", string(body), false).Code)
}

func TestPostSampleRateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	corr, err := correlator.New(time.Second, nil)
	require.NoError(t, err)
	r := NewRouter(Deps{
		Logger:  logger,
		Guard:   ingest.NewGuard(corr, 0.001, 1, nil, logger),
		History: history.New(1),
	})

	body, _ := json.Marshal(nodeSample("n", 1, 1))
	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/samples", bytes.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusAccepted, http.StatusTooManyRequests}, codes)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.obs.SampleIngested(ingest.TransportGRPC)
	w := f.do(http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `watchdog_samples_ingested_total{transport="grpc"} 1`)
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestWebSocketIngestFromAgentClient(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := stream.NewWebSocketClient(wsURL(srv, "/v1/ingest/ws"), testToken, nil, time.Second, time.Second, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.SendNodeSample(ctx, nodeSample("ws-1", 1000, 10)))
	require.NoError(t, client.SendNodeSample(ctx, nodeSample("ws-2", 1100, 20)))
	require.NoError(t, client.Close(ctx))

	require.Eventually(t, func() bool { return f.corr.Stats().OpenNodes == 2 }, 2*time.Second, 10*time.Millisecond)
	snap, ok := f.corr.TryCloseWindow()
	require.True(t, ok)
	assert.Equal(t, []string{"ws-1", "ws-2"}, snap.NodeNames())
}

func TestWebSocketIngestSkipsBadFrames(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+testToken)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/ingest/ws"), h)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"window_result","payload":{}}`)))
	good, err := stream.EncodeEnvelope(stream.NewNodeEnvelope(nodeSample("ok", 5, 1)))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, good))

	require.Eventually(t, func() bool { return f.corr.Stats().OpenNodes == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.scrape(t), `watchdog_samples_rejected_total{reason="`+metrics.ReasonDecode+`"} 2`)
}

func TestWebSocketIngestRequiresToken(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/ingest/ws"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHubBroadcastsResults(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/stream"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.scrape(t), "watchdog_stream_subscribers 1")

	r := publish.Result{Score: model.ScoreTuple{WindowStartMs: 42, CapacityScore: 12.5}, Err: errors.New("x")}
	require.NoError(t, f.hub.Publish(context.Background(), r))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env struct {
		Type    model.MessageType `json:"type"`
		Payload struct {
			Score     model.ScoreTuple `json:"score"`
			ErrorKind string           `json:"error_kind"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, model.MessageTypeResult, env.Type)
	assert.Equal(t, 42.0, env.Payload.Score.WindowStartMs)
	assert.Equal(t, "evaluation_failed", env.Payload.ErrorKind)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.hub.Run(ctx))
	assert.Equal(t, 0, f.hub.ClientCount())
}
