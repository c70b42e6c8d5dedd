package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"cluster-watchdog/internal/model"
)

type GRPCClient struct {
	mu sync.Mutex

	logger       *slog.Logger
	addr         string
	tlsConfig    *tls.Config
	token        string
	method       string
	dialOpts     []grpc.DialOption
	conn         *grpc.ClientConn
	stream       grpc.ClientStream
	streamCancel context.CancelFunc
	dialTimeout  time.Duration
}

type GRPCOption func(*GRPCClient)

// WithDialOptions appends extra dial options, e.g. a bufconn dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) GRPCOption {
	return func(c *GRPCClient) { c.dialOpts = append(c.dialOpts, opts...) }
}

func NewGRPCClient(addr string, tlsCfg *tls.Config, token, method string, logger *slog.Logger, opts ...GRPCOption) *GRPCClient {
	c := &GRPCClient{
		logger:      logger,
		addr:        addr,
		tlsConfig:   tlsCfg,
		token:       token,
		method:      method,
		dialTimeout: 8 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *GRPCClient) SendNodeSample(ctx context.Context, s model.NodeSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnLocked(ctx); err != nil {
		return err
	}
	if c.stream == nil {
		if err := c.openStreamLocked(); err != nil {
			return err
		}
	}
	frame := NewNodeFrame(s)
	if err := c.stream.SendMsg(&frame); err != nil {
		c.logger.Warn("grpc send failed, reopening stream", "error", err)
		c.dropStreamLocked()
		if err2 := c.openStreamLocked(); err2 != nil {
			return fmt.Errorf("reopen ingest stream: %w", err2)
		}
		if err2 := c.stream.SendMsg(&frame); err2 != nil {
			return fmt.Errorf("send node frame: %w", err2)
		}
	}
	return nil
}

// Close half-closes the stream, waits for the aggregator's Ack and tears the
// connection down.
func (c *GRPCClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ackErr error
	if c.stream != nil {
		ack, err := c.finishStreamLocked(ctx)
		if err != nil {
			ackErr = err
		} else {
			c.logger.Info("ingest stream closed", "accepted", ack.Accepted, "rejected", ack.Rejected)
		}
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return errors.Join(ackErr, err)
	}
	return ackErr
}

func (c *GRPCClient) finishStreamLocked(ctx context.Context) (Ack, error) {
	s := c.stream
	defer c.dropStreamLocked()

	if err := s.CloseSend(); err != nil {
		return Ack{}, fmt.Errorf("close send: %w", err)
	}
	done := make(chan error, 1)
	var ack Ack
	go func() { done <- s.RecvMsg(&ack) }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			return Ack{}, fmt.Errorf("receive ack: %w", err)
		}
		return ack, nil
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

func (c *GRPCClient) ensureConnLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	var creds credentials.TransportCredentials
	if c.tlsConfig != nil {
		creds = credentials.NewTLS(c.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	}, c.dialOpts...)

	conn, err := grpc.DialContext(dialCtx, c.addr, opts...)
	if err != nil {
		return fmt.Errorf("grpc dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.logger.Info("grpc stream connected", "addr", c.addr)
	return nil
}

// openStreamLocked opens a stream that outlives any single send; it is
// cancelled only by dropStreamLocked.
func (c *GRPCClient) openStreamLocked() error {
	if c.conn == nil {
		return fmt.Errorf("grpc conn is nil")
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	if c.token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+c.token)
	}
	s, err := c.conn.NewStream(streamCtx, &grpc.StreamDesc{ClientStreams: true}, c.method)
	if err != nil {
		cancel()
		return fmt.Errorf("open ingest stream: %w", err)
	}
	c.stream = s
	c.streamCancel = cancel
	return nil
}

func (c *GRPCClient) dropStreamLocked() {
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
	c.stream = nil
}
