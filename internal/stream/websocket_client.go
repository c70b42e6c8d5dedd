package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"cluster-watchdog/internal/model"
)

// ErrIngestUnauthorized is returned when the aggregator refuses the upgrade
// because the bearer token is missing or wrong. Redialing will not help.
var ErrIngestUnauthorized = errors.New("aggregator refused ingest token")

// WebSocketClient ships node samples as text envelopes over one long-lived
// connection. A failed write or ping drops the connection and the next sample
// redials.
type WebSocketClient struct {
	mu sync.Mutex

	logger       *slog.Logger
	url          string
	header       http.Header
	httpClient   *http.Client
	dialTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration

	conn       *websocket.Conn
	sent       uint64
	pingCancel context.CancelFunc
}

func NewWebSocketClient(url, token string, tlsCfg *tls.Config, writeTimeout, pingInterval time.Duration, logger *slog.Logger) *WebSocketClient {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 10 * time.Second
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	c := &WebSocketClient{
		logger:       logger,
		url:          url,
		header:       header,
		dialTimeout:  8 * time.Second,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
	if tlsCfg != nil {
		c.httpClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
	}
	return c
}

// SendNodeSample encodes s and writes it, redialing once if the current
// connection has gone bad.
func (c *WebSocketClient) SendNodeSample(ctx context.Context, s model.NodeSample) error {
	payload, err := EncodeEnvelope(NewNodeEnvelope(s))
	if err != nil {
		return fmt.Errorf("encode node envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.connectLocked(ctx); err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
		lastErr = c.conn.Write(wctx, websocket.MessageText, payload)
		cancel()
		if lastErr == nil {
			c.sent++
			return nil
		}
		c.logger.Warn("websocket write failed", "node", s.NodeName, "attempt", attempt+1, "error", lastErr)
		_ = c.dropLocked(websocket.StatusInternalError, "write failed")
	}
	return fmt.Errorf("write node envelope: %w", lastErr)
}

func (c *WebSocketClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.logger.Info("websocket stream closed", "url", c.url, "sent", c.sent)
	return c.dropLocked(websocket.StatusNormalClosure, "agent shutdown")
}

func (c *WebSocketClient) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dctx, c.url, &websocket.DialOptions{
		HTTPHeader: c.header,
		HTTPClient: c.httpClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %s", ErrIngestUnauthorized, c.url)
		}
		return fmt.Errorf("websocket dial %s: %w", c.url, err)
	}
	// The aggregator never sends data frames; CloseRead keeps control frames
	// (pongs, close) flowing so Ping works.
	conn.CloseRead(context.Background())
	c.conn = conn
	c.sent = 0

	pctx, pcancel := context.WithCancel(context.Background())
	c.pingCancel = pcancel
	go c.keepAlive(pctx, conn)

	c.logger.Info("websocket stream connected", "url", c.url)
	return nil
}

// keepAlive pings conn until ctx ends. A missed pong drops conn so the next
// sample redials instead of writing into a dead socket.
func (c *WebSocketClient) keepAlive(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := conn.Ping(pctx)
		cancel()
		if err == nil || ctx.Err() != nil {
			continue
		}
		c.logger.Warn("websocket ping failed, dropping connection", "error", err)
		c.mu.Lock()
		if c.conn == conn {
			_ = c.dropLocked(websocket.StatusGoingAway, "ping timeout")
		}
		c.mu.Unlock()
		return
	}
}

func (c *WebSocketClient) dropLocked(code websocket.StatusCode, reason string) error {
	if c.pingCancel != nil {
		c.pingCancel()
		c.pingCancel = nil
	}
	conn := c.conn
	c.conn = nil
	if conn == nil {
		return nil
	}
	return conn.Close(code, reason)
}
