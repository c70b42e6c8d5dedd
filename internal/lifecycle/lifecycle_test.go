package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRunReturnsRunError(t *testing.T) {
	boom := errors.New("boom")
	shutdownCalled := false
	err := runWithSignals(context.Background(), make(chan os.Signal), discard(), time.Second,
		func(context.Context) error { return boom },
		func(context.Context) { shutdownCalled = true })
	assert.ErrorIs(t, err, boom)
	assert.True(t, shutdownCalled)
}

func TestRunGracefulOnSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 2)
	sigCh <- syscall.SIGTERM
	err := runWithSignals(context.Background(), sigCh, discard(), time.Second,
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}, nil)
	assert.NoError(t, err)
}

func TestRunForcedAfterTimeout(t *testing.T) {
	sigCh := make(chan os.Signal, 2)
	sigCh <- syscall.SIGTERM
	block := make(chan struct{})
	defer close(block)
	err := runWithSignals(context.Background(), sigCh, discard(), 20*time.Millisecond,
		func(context.Context) error {
			<-block
			return nil
		}, nil)
	assert.NoError(t, err, "a forced stop is not reported as a failure")
}

func TestServeProbeWritesBanner(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveProbe(ctx, ln, "svc:V1:ok\n") }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	body, err := io.ReadAll(conn)
	require.NoError(t, err)
	_ = conn.Close()
	assert.Equal(t, "svc:V1:ok\n", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("probe listener did not stop")
	}
}

func TestServeProbeRejectsEmptyAddr(t *testing.T) {
	assert.Error(t, ServeProbe(context.Background(), "  ", "x", discard()))
}

func TestNewLoggerLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "warn", true)
	l.Info("hidden")
	l.Warn("shown", "k", 1)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), out)
	assert.Contains(t, out, `"k":1`)

	buf.Reset()
	newLogger(&buf, "", false).Debug("nope")
	assert.Empty(t, buf.String())
}
