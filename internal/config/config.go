package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

type StreamMode string

const (
	StreamModeGRPC      StreamMode = "grpc"
	StreamModeWebSocket StreamMode = "websocket"
	HardcodedVersion    string     = "V0.3"
)

type SamplerKind string

const (
	SamplerGopsutil SamplerKind = "gopsutil"
	SamplerProcfs   SamplerKind = "procfs"
	SamplerLibvirt  SamplerKind = "libvirt"
)

type UnitSource string

const (
	UnitSourceStatic   UnitSource = "static"
	UnitSourceReported UnitSource = "reported"
)

// DefaultIngestMethod is the full gRPC method name agents stream samples on.
const DefaultIngestMethod = "/watchdog.ingest.v1.IngestService/StreamNodeSamples"

// Common holds settings shared by the agent and the aggregator.
type Common struct {
	LogJSON         bool          `yaml:"log_json"`
	LogLevel        string        `yaml:"log_level"`
	ProbeListenAddr string        `yaml:"probe_listen_addr"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Token           string        `yaml:"token"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	TLSSkipVerify   bool          `yaml:"tls_skip_verify"`
	TLSCAPath       string        `yaml:"tls_ca_path"`
	TLSCertPath     string        `yaml:"tls_cert_path"`
	TLSKeyPath      string        `yaml:"tls_key_path"`
	Version         string        `yaml:"-"`
}

type Agent struct {
	Common `yaml:",inline"`

	NodeName              string        `yaml:"node_name"`
	Hostname              string        `yaml:"-"`
	Sampler               SamplerKind   `yaml:"sampler"`
	SampleInterval        time.Duration `yaml:"sample_interval"`
	WatchProcesses        []string      `yaml:"watch_processes"`
	LibvirtURI            string        `yaml:"libvirt_uri"`
	ReconnectInterval     time.Duration `yaml:"reconnect_interval"`
	MaxReconnectJitter    time.Duration `yaml:"reconnect_max_jitter"`
	StreamMode            StreamMode    `yaml:"stream_mode"`
	AggregatorGRPCAddr    string        `yaml:"aggregator_grpc_addr"`
	AggregatorWSURL       string        `yaml:"aggregator_ws_url"`
	GRPCIngestMethod      string        `yaml:"grpc_ingest_method"`
	WebSocketWriteTimeout time.Duration `yaml:"ws_write_timeout"`
	WebSocketPingInterval time.Duration `yaml:"ws_ping_interval"`
	StreamBufferSize      int           `yaml:"stream_buffer_size"`
	CollectorErrorBackoff time.Duration `yaml:"collector_error_backoff"`
}

type Aggregator struct {
	Common `yaml:",inline"`

	GRPCListenAddr    string        `yaml:"grpc_listen_addr"`
	HTTPListenAddr    string        `yaml:"http_listen_addr"`
	WindowTolerance   time.Duration `yaml:"window_tolerance"`
	CloseInterval     time.Duration `yaml:"close_interval"`
	MaxPending        int           `yaml:"max_pending"`
	HistorySize       int           `yaml:"history_size"`
	UnitSource        UnitSource    `yaml:"unit_source"`
	UnitCount         int           `yaml:"unit_count"`
	IngestRateLimit   float64       `yaml:"ingest_rate_limit"`
	IngestBurst       int           `yaml:"ingest_burst"`
	PublishBufferSize int           `yaml:"publish_buffer_size"`
	PostgresDSN       string        `yaml:"postgres_dsn"`
	PostgresTable     string        `yaml:"postgres_table"`
	WebSocketMaxBytes int64         `yaml:"ws_max_message_bytes"`
}

func defaultCommon() Common {
	return Common{
		LogJSON:         true,
		LogLevel:        "info",
		HealthInterval:  10 * time.Second,
		ShutdownTimeout: 20 * time.Second,
		Version:         HardcodedVersion,
	}
}

func defaultAgent() Agent {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	c := defaultCommon()
	c.ProbeListenAddr = "0.0.0.0:7443"
	return Agent{
		Common:                c,
		NodeName:              hostname,
		Hostname:              hostname,
		Sampler:               SamplerGopsutil,
		SampleInterval:        time.Second,
		LibvirtURI:            "qemu+unix:///system",
		ReconnectInterval:     4 * time.Second,
		MaxReconnectJitter:    900 * time.Millisecond,
		StreamMode:            StreamModeGRPC,
		AggregatorGRPCAddr:    "127.0.0.1:7400",
		AggregatorWSURL:       "ws://127.0.0.1:7480/v1/ingest/ws",
		GRPCIngestMethod:      DefaultIngestMethod,
		WebSocketWriteTimeout: 5 * time.Second,
		WebSocketPingInterval: 10 * time.Second,
		StreamBufferSize:      1024,
		CollectorErrorBackoff: 1500 * time.Millisecond,
	}
}

func defaultAggregator() Aggregator {
	c := defaultCommon()
	c.ProbeListenAddr = "0.0.0.0:7444"
	return Aggregator{
		Common:            c,
		GRPCListenAddr:    "0.0.0.0:7400",
		HTTPListenAddr:    "0.0.0.0:7480",
		WindowTolerance:   500 * time.Millisecond,
		CloseInterval:     time.Second,
		MaxPending:        4096,
		HistorySize:       120,
		UnitSource:        UnitSourceStatic,
		IngestRateLimit:   20,
		IngestBurst:       40,
		PublishBufferSize: 64,
		PostgresTable:     "cluster_scores",
		WebSocketMaxBytes: 1 << 20,
	}
}

// LoadAgent builds the agent configuration from defaults, the optional
// WATCHDOG_CONFIG_FILE and WATCHDOG_* environment variables, in that order.
func LoadAgent() (Agent, error) {
	base := defaultAgent()
	if err := loadFile(os.Getenv("WATCHDOG_CONFIG_FILE"), &base); err != nil {
		return Agent{}, err
	}

	cfg := Agent{
		Common:                loadCommon(base.Common),
		NodeName:              env("WATCHDOG_NODE_NAME", base.NodeName),
		Hostname:              base.Hostname,
		Sampler:               SamplerKind(strings.ToLower(env("WATCHDOG_SAMPLER", string(base.Sampler)))),
		SampleInterval:        envDuration("WATCHDOG_SAMPLE_INTERVAL", base.SampleInterval),
		WatchProcesses:        envList("WATCHDOG_WATCH_PROCESSES", base.WatchProcesses),
		LibvirtURI:            env("WATCHDOG_LIBVIRT_URI", base.LibvirtURI),
		ReconnectInterval:     envDuration("WATCHDOG_RECONNECT_INTERVAL", base.ReconnectInterval),
		MaxReconnectJitter:    envDuration("WATCHDOG_RECONNECT_MAX_JITTER", base.MaxReconnectJitter),
		StreamMode:            StreamMode(strings.ToLower(env("WATCHDOG_STREAM_MODE", string(base.StreamMode)))),
		AggregatorGRPCAddr:    env("WATCHDOG_AGGREGATOR_GRPC_ADDR", base.AggregatorGRPCAddr),
		AggregatorWSURL:       env("WATCHDOG_AGGREGATOR_WS_URL", base.AggregatorWSURL),
		GRPCIngestMethod:      env("WATCHDOG_GRPC_INGEST_METHOD", base.GRPCIngestMethod),
		WebSocketWriteTimeout: envDuration("WATCHDOG_WS_WRITE_TIMEOUT", base.WebSocketWriteTimeout),
		WebSocketPingInterval: envDuration("WATCHDOG_WS_PING_INTERVAL", base.WebSocketPingInterval),
		StreamBufferSize:      envInt("WATCHDOG_STREAM_BUFFER_SIZE", base.StreamBufferSize),
		CollectorErrorBackoff: envDuration("WATCHDOG_COLLECTOR_ERROR_BACKOFF", base.CollectorErrorBackoff),
	}

	if err := cfg.Validate(); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

// LoadAggregator is LoadAgent's counterpart for the aggregator process.
func LoadAggregator() (Aggregator, error) {
	base := defaultAggregator()
	if err := loadFile(os.Getenv("WATCHDOG_CONFIG_FILE"), &base); err != nil {
		return Aggregator{}, err
	}

	cfg := Aggregator{
		Common:            loadCommon(base.Common),
		GRPCListenAddr:    env("WATCHDOG_GRPC_LISTEN_ADDR", base.GRPCListenAddr),
		HTTPListenAddr:    env("WATCHDOG_HTTP_LISTEN_ADDR", base.HTTPListenAddr),
		WindowTolerance:   envDuration("WATCHDOG_WINDOW_TOLERANCE", base.WindowTolerance),
		CloseInterval:     envDuration("WATCHDOG_CLOSE_INTERVAL", base.CloseInterval),
		MaxPending:        envInt("WATCHDOG_MAX_PENDING", base.MaxPending),
		HistorySize:       envInt("WATCHDOG_HISTORY_SIZE", base.HistorySize),
		UnitSource:        UnitSource(strings.ToLower(env("WATCHDOG_UNIT_SOURCE", string(base.UnitSource)))),
		UnitCount:         envInt("WATCHDOG_UNIT_COUNT", base.UnitCount),
		IngestRateLimit:   envFloat("WATCHDOG_INGEST_RATE_LIMIT", base.IngestRateLimit),
		IngestBurst:       envInt("WATCHDOG_INGEST_BURST", base.IngestBurst),
		PublishBufferSize: envInt("WATCHDOG_PUBLISH_BUFFER_SIZE", base.PublishBufferSize),
		PostgresDSN:       env("WATCHDOG_POSTGRES_DSN", base.PostgresDSN),
		PostgresTable:     env("WATCHDOG_POSTGRES_TABLE", base.PostgresTable),
		WebSocketMaxBytes: int64(envInt("WATCHDOG_WS_MAX_MESSAGE_BYTES", int(base.WebSocketMaxBytes))),
	}

	if err := cfg.Validate(); err != nil {
		return Aggregator{}, err
	}
	return cfg, nil
}

func loadCommon(base Common) Common {
	return Common{
		LogJSON:         envBool("WATCHDOG_LOG_JSON", base.LogJSON),
		LogLevel:        strings.ToLower(env("WATCHDOG_LOG_LEVEL", base.LogLevel)),
		ProbeListenAddr: env("WATCHDOG_PROBE_ADDR", base.ProbeListenAddr),
		HealthInterval:  envDuration("WATCHDOG_HEALTH_INTERVAL", base.HealthInterval),
		ShutdownTimeout: envDuration("WATCHDOG_SHUTDOWN_TIMEOUT", base.ShutdownTimeout),
		Token:           env("WATCHDOG_TOKEN", base.Token),
		TLSEnabled:      envBool("WATCHDOG_TLS_ENABLED", base.TLSEnabled),
		TLSSkipVerify:   envBool("WATCHDOG_TLS_SKIP_VERIFY", base.TLSSkipVerify),
		TLSCAPath:       env("WATCHDOG_TLS_CA_PATH", base.TLSCAPath),
		TLSCertPath:     env("WATCHDOG_TLS_CERT_PATH", base.TLSCertPath),
		TLSKeyPath:      env("WATCHDOG_TLS_KEY_PATH", base.TLSKeyPath),
		Version:         HardcodedVersion,
	}
}

func (c Common) validate() error {
	if strings.TrimSpace(c.Version) == "" {
		return errors.New("version must not be empty")
	}
	if strings.TrimSpace(c.ProbeListenAddr) == "" {
		return errors.New("WATCHDOG_PROBE_ADDR is required")
	}
	if c.HealthInterval <= 0 {
		return errors.New("WATCHDOG_HEALTH_INTERVAL must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("WATCHDOG_SHUTDOWN_TIMEOUT must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.LogLevel)
	}
	return nil
}

func (c Agent) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.NodeName) == "" {
		return errors.New("WATCHDOG_NODE_NAME is required")
	}
	if c.SampleInterval <= 0 {
		return errors.New("WATCHDOG_SAMPLE_INTERVAL must be > 0")
	}
	switch c.Sampler {
	case SamplerGopsutil, SamplerProcfs:
	case SamplerLibvirt:
		if c.LibvirtURI == "" {
			return errors.New("WATCHDOG_LIBVIRT_URI is required for the libvirt sampler")
		}
	default:
		return fmt.Errorf("unsupported sampler %q", c.Sampler)
	}
	switch c.StreamMode {
	case StreamModeGRPC, StreamModeWebSocket:
	default:
		return fmt.Errorf("unsupported stream mode %q", c.StreamMode)
	}
	if c.StreamMode == StreamModeGRPC {
		if c.AggregatorGRPCAddr == "" {
			return errors.New("WATCHDOG_AGGREGATOR_GRPC_ADDR is required for grpc mode")
		}
		if strings.TrimSpace(c.GRPCIngestMethod) == "" {
			return errors.New("WATCHDOG_GRPC_INGEST_METHOD is required for grpc mode")
		}
	}
	if c.StreamMode == StreamModeWebSocket && c.AggregatorWSURL == "" {
		return errors.New("WATCHDOG_AGGREGATOR_WS_URL is required for websocket mode")
	}
	return nil
}

func (c Aggregator) Validate() error {
	if err := c.Common.validate(); err != nil {
		return err
	}
	if c.GRPCListenAddr == "" && c.HTTPListenAddr == "" {
		return errors.New("at least one of WATCHDOG_GRPC_LISTEN_ADDR or WATCHDOG_HTTP_LISTEN_ADDR is required")
	}
	if c.WindowTolerance <= 0 {
		return errors.New("WATCHDOG_WINDOW_TOLERANCE must be > 0")
	}
	if c.CloseInterval <= 0 {
		return errors.New("WATCHDOG_CLOSE_INTERVAL must be > 0")
	}
	if c.MaxPending <= 0 {
		return errors.New("WATCHDOG_MAX_PENDING must be > 0")
	}
	if c.HistorySize <= 0 {
		return errors.New("WATCHDOG_HISTORY_SIZE must be > 0")
	}
	switch c.UnitSource {
	case UnitSourceStatic:
		if c.UnitCount < 0 {
			return errors.New("WATCHDOG_UNIT_COUNT must be >= 0")
		}
	case UnitSourceReported:
	default:
		return fmt.Errorf("unsupported unit source %q", c.UnitSource)
	}
	if c.IngestRateLimit < 0 || c.IngestBurst < 0 {
		return errors.New("ingest rate limit and burst must be >= 0")
	}
	if c.IngestRateLimit > 0 && c.IngestBurst == 0 {
		return errors.New("WATCHDOG_INGEST_BURST must be > 0 when a rate limit is set")
	}
	if c.PublishBufferSize <= 0 {
		return errors.New("WATCHDOG_PUBLISH_BUFFER_SIZE must be > 0")
	}
	if c.PostgresDSN != "" && !validIdentifier(c.PostgresTable) {
		return fmt.Errorf("invalid WATCHDOG_POSTGRES_TABLE %q", c.PostgresTable)
	}
	return nil
}

// TLSConfig returns the client-side TLS settings, or nil when TLS is disabled.
func (c Common) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}
	if c.TLSCAPath != "" {
		pool, err := readPool(c.TLSCAPath)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		crt, err := c.keyPair()
		if err != nil {
			return nil, err
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

// ServerTLSConfig returns listener TLS settings. A CA path turns on client
// certificate verification.
func (c Common) ServerTLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	crt, err := c.keyPair()
	if err != nil {
		return nil, err
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{crt}}
	if c.TLSCAPath != "" {
		pool, err := readPool(c.TLSCAPath)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

func (c Common) keyPair() (tls.Certificate, error) {
	if c.TLSCertPath == "" || c.TLSKeyPath == "" {
		return tls.Certificate{}, errors.New("both TLS cert and key are required")
	}
	crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load mTLS cert/key: %w", err)
	}
	return crt, nil
}

func readPool(path string) (*x509.CertPool, error) {
	caBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, errors.New("append CA cert failed")
	}
	return pool, nil
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
