// Package config contains all knobs and defaults used to configure a Loom
// node and its feature set.
package config

import (
	"fmt"
	"math"
	"net"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxRPCMessageSizeInBytes bounds inbound gRPC message sizes.
	DefaultMaxRPCMessageSizeInBytes = 512 * 1_024

	// DefaultSlabSizeInBytes is the size of one pooled output segment.
	DefaultSlabSizeInBytes = 1 << 20

	// DefaultSlabCount caps how many segments the node-wide pool hands out
	// before allocation blocks.
	DefaultSlabCount = 256

	// DefaultShardFanout bounds how many shard transfers of one routed
	// buffer run concurrently.
	DefaultShardFanout = 4

	// DefaultShardBatchSize is the solution count at which the shard
	// mapper seals a staged batch.
	DefaultShardBatchSize = 1024
)

// TLSConfig defines configuration specific to Transport Layer Security (TLS).
type TLSConfig struct {
	Enabled  bool
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
}

// GRPCConfig defines configuration for the gRPC server, which serves health
// checks and reflection.
type GRPCConfig struct {
	Addr string
	TLS  *TLSConfig `mapstructure:"tls"`
}

// HTTPConfig defines configuration for the HTTP data plane, which carries
// chunk-ready notices and chunk retrievals between peers.
type HTTPConfig struct {
	Enabled bool
	Addr    string
	TLS     *TLSConfig `mapstructure:"tls"`

	UpstreamTimeout time.Duration

	CORSAllowedOrigins []string `default:"*" split_words:"true"`
	CORSAllowedHeaders []string `default:"*" split_words:"true"`
}

// AuthnConfig defines configuration for node-to-node request authentication.
type AuthnConfig struct {
	// Method is either 'none', 'preshared', or 'oidc'.
	Method                   string
	*AuthnOIDCConfig         `mapstructure:"oidc"`
	*AuthnPresharedKeyConfig `mapstructure:"preshared"`
}

// AuthnOIDCConfig defines configuration for the 'oidc' authentication method.
type AuthnOIDCConfig struct {
	Issuer        string
	IssuerAliases []string
	Audience      string
	Subjects      []string
}

// AuthnPresharedKeyConfig defines configuration for the 'preshared'
// authentication method.
type AuthnPresharedKeyConfig struct {
	// Keys define the preshared keys to verify authentication tokens against.
	Keys []string
}

// DirectoryConfig defines the backend that answers shard placement and peer
// resolution queries.
type DirectoryConfig struct {
	// Engine is either 'memory', 'sqlite', 'postgres', or 'mysql'.
	Engine string

	// URI is the connection string for any engine other than 'memory'.
	URI      string
	Username string
	Password string

	// TopologyPath seeds the 'memory' engine from a static topology file.
	TopologyPath string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	Metrics DirectoryMetricsConfig `mapstructure:"metrics"`
	Cache   DirectoryCacheConfig   `mapstructure:"cache"`
}

// DirectoryMetricsConfig enables database connection metrics for SQL engines.
type DirectoryMetricsConfig struct {
	Enabled bool
}

// DirectoryCacheConfig wraps the directory in an in-memory locator cache.
type DirectoryCacheConfig struct {
	Enabled    bool
	MaxEntries int64
	TTL        time.Duration
}

// PoolConfig sizes the node-wide segment pool that backs serialized output
// chunks.
type PoolConfig struct {
	// SlabSize is the size of one pooled segment in bytes.
	SlabSize int

	// Slabs caps how many segments may be out at once; allocation blocks
	// when the pool is exhausted.
	Slabs int
}

// RoutingConfig tunes how routed output is partitioned, announced, and
// collected.
type RoutingConfig struct {
	// ShardFanout bounds how many shard transfers of one routed buffer
	// run concurrently.
	ShardFanout int

	// BatchSize is the solution count at which the shard mapper seals a
	// staged batch.
	BatchSize int

	// NotifyTimeout bounds one chunk-ready notice to a peer. Notices are
	// never retried.
	NotifyTimeout time.Duration

	// ReceiveQueueLimit caps how many chunk-ready notices may be queued
	// before further notices are shed.
	ReceiveQueueLimit int

	// MaxConcurrentPulls is the number of workers draining queued notices.
	MaxConcurrentPulls int

	// PullTimeout bounds one chunk retrieval from a peer.
	PullTimeout time.Duration
}

// LogConfig defines configuration for logging.
type LogConfig struct {
	// Format is either 'text' or 'json'.
	Format string

	// Level is either 'none', 'debug', 'info', 'warn', 'error', 'panic', or 'fatal'.
	Level string
}

// TraceConfig defines configuration for tracing.
type TraceConfig struct {
	Enabled      bool
	OTLP         OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio  float64
	ServiceName  string
	TailSampling TailSamplingConfig `mapstructure:"tailSampling"`
}

// OTLPTraceConfig defines configuration for the OTLP trace collector.
type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

// OTLPTraceTLSConfig enables TLS on the collector connection.
type OTLPTraceTLSConfig struct {
	Enabled bool
}

// TailSamplingConfig keeps only spans of slow traces once a trace has ended.
type TailSamplingConfig struct {
	Enabled bool

	// LatencyThreshold is the trace duration at or above which spans are
	// exported.
	LatencyThreshold time.Duration
}

// MetricsConfig defines configuration for serving prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Addr    string

	// EnableRPCHistograms enables prometheus histogram metrics for RPC
	// latency distributions.
	EnableRPCHistograms bool
}

// ProfilerConfig defines configuration for the pprof profiler server.
type ProfilerConfig struct {
	Enabled bool
	Addr    string
}

// NodeConfig identifies this node inside the fabric.
type NodeConfig struct {
	// ID is the node's UUID. An empty ID is replaced with a random one at
	// startup, which is only useful for single-node experiments: peers
	// resolve senders by this identity.
	ID string

	// AdvertiseAddr is the host:port peers use to reach this node's data
	// plane. When empty it is derived from the HTTP listen address.
	AdvertiseAddr string
}

// Config defines the full configuration of a Loom node.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Directory DirectoryConfig `mapstructure:"directory"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Authn     AuthnConfig     `mapstructure:"authn"`
	Log       LogConfig       `mapstructure:"log"`
	Trace     TraceConfig     `mapstructure:"trace"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Profiler  ProfilerConfig  `mapstructure:"profiler"`

	// RequestTimeout is the request deadline applied on both planes. When
	// set it takes precedence over HTTP.UpstreamTimeout.
	RequestTimeout time.Duration
}

// ContextTimeout returns the effective per-request deadline.
func (cfg *Config) ContextTimeout() time.Duration {
	if cfg.RequestTimeout > 0 {
		return cfg.RequestTimeout
	}
	return cfg.HTTP.UpstreamTimeout
}

// Verify checks the provided config for errors.
func (cfg *Config) Verify() error {
	if err := cfg.VerifyServerSettings(); err != nil {
		return err
	}
	return cfg.VerifyBinarySettings()
}

// VerifyServerSettings validates the settings every embedding of the node
// server depends on.
func (cfg *Config) VerifyServerSettings() error {
	if cfg.Pool.SlabSize <= 0 {
		return fmt.Errorf("config 'pool.slabSize' must be greater than zero")
	}
	if cfg.Pool.Slabs <= 0 {
		return fmt.Errorf("config 'pool.slabs' must be greater than zero")
	}
	if cfg.Routing.ShardFanout < 1 {
		return fmt.Errorf("config 'routing.shardFanout' must be at least one")
	}
	if cfg.Routing.BatchSize < 1 {
		return fmt.Errorf("config 'routing.batchSize' must be at least one")
	}
	if cfg.Routing.ReceiveQueueLimit < 1 {
		return fmt.Errorf("config 'routing.receiveQueueLimit' must be at least one")
	}
	if cfg.Routing.MaxConcurrentPulls < 1 {
		return fmt.Errorf("config 'routing.maxConcurrentPulls' must be at least one")
	}
	if cfg.Routing.PullTimeout <= 0 {
		return fmt.Errorf("config 'routing.pullTimeout' must be greater than zero")
	}

	if cfg.Node.ID != "" {
		if _, err := uuid.Parse(cfg.Node.ID); err != nil {
			return fmt.Errorf("config 'node.id' must be a UUID: %w", err)
		}
	}

	switch cfg.Directory.Engine {
	case "memory":
	case "sqlite", "postgres", "mysql":
		if cfg.Directory.URI == "" {
			return fmt.Errorf("config 'directory.uri' is required for the '%s' engine", cfg.Directory.Engine)
		}
		if cfg.Directory.TopologyPath != "" {
			return fmt.Errorf("config 'directory.topologyPath' only applies to the 'memory' engine")
		}
	default:
		return fmt.Errorf("config 'directory.engine' value '%s' is unsupported", cfg.Directory.Engine)
	}

	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("config 'requestTimeout' must be non-negative")
	}

	return nil
}

// VerifyBinarySettings validates the settings only the packaged binary wires
// up: listeners, authentication, logging, and telemetry.
func (cfg *Config) VerifyBinarySettings() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	switch cfg.Log.Level {
	case "none", "debug", "info", "warn", "error", "panic", "fatal":
	default:
		return fmt.Errorf("config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']")
	}

	switch cfg.Authn.Method {
	case "none":
	case "preshared":
		if cfg.Authn.AuthnPresharedKeyConfig == nil || len(cfg.Authn.Keys) == 0 {
			return fmt.Errorf("config 'authn.preshared.keys' requires at least one key")
		}
	case "oidc":
		if cfg.Authn.AuthnOIDCConfig == nil || cfg.Authn.Issuer == "" || cfg.Authn.Audience == "" {
			return fmt.Errorf("config 'authn.oidc.issuer' and 'authn.oidc.audience' are required")
		}
	default:
		return fmt.Errorf("config 'authn.method' value '%s' is unsupported", cfg.Authn.Method)
	}

	if cfg.GRPC.TLS.Enabled && (cfg.GRPC.TLS.CertPath == "" || cfg.GRPC.TLS.KeyPath == "") {
		return fmt.Errorf("'grpc.tls.cert' and 'grpc.tls.key' configs must be set")
	}
	if cfg.HTTP.TLS.Enabled && (cfg.HTTP.TLS.CertPath == "" || cfg.HTTP.TLS.KeyPath == "") {
		return fmt.Errorf("'http.tls.cert' and 'http.tls.key' configs must be set")
	}

	if cfg.Node.AdvertiseAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Node.AdvertiseAddr); err != nil {
			return fmt.Errorf("config 'node.advertiseAddr' must be host:port: %w", err)
		}
	}

	if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
		return fmt.Errorf("config 'trace.sampleRatio' must be in the range [0, 1]")
	}
	if cfg.Trace.TailSampling.Enabled && cfg.Trace.TailSampling.LatencyThreshold <= 0 {
		return fmt.Errorf("config 'trace.tailSampling.latencyThreshold' must be greater than zero")
	}

	if cfg.HTTP.UpstreamTimeout < 0 {
		return fmt.Errorf("config 'http.upstreamTimeout' must be non-negative")
	}

	return nil
}

// DefaultConfig is the Loom server default configurations.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:            "",
			AdvertiseAddr: "",
		},
		Pool: PoolConfig{
			SlabSize: DefaultSlabSizeInBytes,
			Slabs:    DefaultSlabCount,
		},
		Routing: RoutingConfig{
			ShardFanout:        DefaultShardFanout,
			BatchSize:          DefaultShardBatchSize,
			NotifyTimeout:      5 * time.Second,
			ReceiveQueueLimit:  1024,
			MaxConcurrentPulls: 4,
			PullTimeout:        30 * time.Second,
		},
		Directory: DirectoryConfig{
			Engine:          "memory",
			URI:             "",
			TopologyPath:    "",
			MaxOpenConns:    30,
			MaxIdleConns:    10,
			ConnMaxIdleTime: time.Duration(math.MaxInt64),
			ConnMaxLifetime: time.Duration(math.MaxInt64),
			Metrics:         DirectoryMetricsConfig{Enabled: false},
			Cache: DirectoryCacheConfig{
				Enabled:    false,
				MaxEntries: 8192,
				TTL:        1 * time.Minute,
			},
		},
		GRPC: GRPCConfig{
			Addr: "0.0.0.0:8081",
			TLS:  &TLSConfig{Enabled: false},
		},
		HTTP: HTTPConfig{
			Enabled:            true,
			Addr:               "0.0.0.0:8080",
			TLS:                &TLSConfig{Enabled: false},
			UpstreamTimeout:    3 * time.Second,
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
		},
		Authn: AuthnConfig{
			Method:                  "none",
			AuthnPresharedKeyConfig: &AuthnPresharedKeyConfig{},
			AuthnOIDCConfig:         &AuthnOIDCConfig{},
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
				TLS: OTLPTraceTLSConfig{
					Enabled: false,
				},
			},
			SampleRatio: 0.2,
			ServiceName: "loom",
			TailSampling: TailSamplingConfig{
				Enabled:          false,
				LatencyThreshold: 1 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:             true,
			Addr:                "0.0.0.0:2112",
			EnableRPCHistograms: false,
		},
		Profiler: ProfilerConfig{
			Enabled: false,
			Addr:    ":3001",
		},
		RequestTimeout: 3 * time.Second,
	}
}

// MustDefaultConfigWithRandomPorts returns the default config with every
// listener moved to a free port. Intended for tests that boot real servers.
func MustDefaultConfigWithRandomPorts() *Config {
	config := DefaultConfig()

	httpPort := mustFreePort()
	grpcPort := mustFreePort()
	metricsPort := mustFreePort()

	config.GRPC.Addr = fmt.Sprintf("localhost:%d", grpcPort)
	config.HTTP.Addr = fmt.Sprintf("localhost:%d", httpPort)
	config.Metrics.Addr = fmt.Sprintf("localhost:%d", metricsPort)

	return config
}

func mustFreePort() int {
	l, err := net.Listen("tcp", "")
	if err != nil {
		panic(err)
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port
}
