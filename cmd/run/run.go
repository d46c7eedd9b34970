// Package run contains the command to run a Loom node.
package run

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	grpcauth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"sigs.k8s.io/controller-runtime/pkg/certwatcher"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/google/uuid"

	"github.com/loomdb/loom/internal/authn"
	"github.com/loomdb/loom/internal/authn/oidc"
	"github.com/loomdb/loom/internal/authn/presharedkey"
	"github.com/loomdb/loom/internal/build"
	authnmw "github.com/loomdb/loom/internal/middleware/authn"
	"github.com/loomdb/loom/pkg/directory"
	"github.com/loomdb/loom/pkg/directory/cached"
	memdir "github.com/loomdb/loom/pkg/directory/memory"
	"github.com/loomdb/loom/pkg/directory/mysql"
	"github.com/loomdb/loom/pkg/directory/postgres"
	"github.com/loomdb/loom/pkg/directory/sqlcommon"
	"github.com/loomdb/loom/pkg/directory/sqlite"
	"github.com/loomdb/loom/pkg/logger"
	"github.com/loomdb/loom/pkg/memory"
	"github.com/loomdb/loom/pkg/middleware"
	"github.com/loomdb/loom/pkg/middleware/logging"
	"github.com/loomdb/loom/pkg/middleware/recovery"
	"github.com/loomdb/loom/pkg/middleware/requestid"
	"github.com/loomdb/loom/pkg/server"
	serverconfig "github.com/loomdb/loom/pkg/server/config"
	"github.com/loomdb/loom/pkg/server/health"
	"github.com/loomdb/loom/pkg/telemetry"
	"github.com/loomdb/loom/pkg/transport"
)

const (
	directoryEngineFlag = "directory-engine"
	directoryURIFlag    = "directory-uri"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a Loom node",
		Long:  "Run a Loom node.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.String("node-id", defaultConfig.Node.ID, "the UUID identifying this node inside the fabric. If empty, a random one is minted at startup")

	flags.String("node-advertise-addr", defaultConfig.Node.AdvertiseAddr, "the host:port peers use to reach this node's data plane. If empty, the HTTP listen address is used")

	flags.String("grpc-addr", defaultConfig.GRPC.Addr, "the host:port address to serve the grpc server on")

	flags.Bool("grpc-tls-enabled", defaultConfig.GRPC.TLS.Enabled, "enable/disable transport layer security (TLS)")

	flags.String("grpc-tls-cert", defaultConfig.GRPC.TLS.CertPath, "the (absolute) file path of the certificate to use for the TLS connection")

	flags.String("grpc-tls-key", defaultConfig.GRPC.TLS.KeyPath, "the (absolute) file path of the TLS key that should be used for the TLS connection")

	cmd.MarkFlagsRequiredTogether("grpc-tls-enabled", "grpc-tls-cert", "grpc-tls-key")

	flags.Bool("http-enabled", defaultConfig.HTTP.Enabled, "enable/disable the HTTP data plane")

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP data plane on")

	flags.Bool("http-tls-enabled", defaultConfig.HTTP.TLS.Enabled, "enable/disable transport layer security (TLS)")

	flags.String("http-tls-cert", defaultConfig.HTTP.TLS.CertPath, "the (absolute) file path of the certificate to use for the TLS connection")

	flags.String("http-tls-key", defaultConfig.HTTP.TLS.KeyPath, "the (absolute) file path of the TLS key that should be used for the TLS connection")

	cmd.MarkFlagsRequiredTogether("http-tls-enabled", "http-tls-cert", "http-tls-key")

	flags.Duration("http-upstream-timeout", defaultConfig.HTTP.UpstreamTimeout, "the timeout duration for proxying HTTP requests upstream to the grpc endpoint")

	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")

	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")

	flags.String("authn-method", defaultConfig.Authn.Method, "the authentication method to use")

	flags.StringSlice("authn-preshared-keys", defaultConfig.Authn.Keys, "one or more preshared keys to use for authentication")

	flags.String("authn-oidc-audience", defaultConfig.Authn.Audience, "the OIDC audience of the tokens being signed by the authorization server")

	flags.String("authn-oidc-issuer", defaultConfig.Authn.Issuer, "the OIDC issuer (authorization server) signing the tokens, and where the keys will be fetched from")

	flags.StringSlice("authn-oidc-issuer-aliases", defaultConfig.Authn.IssuerAliases, "the OIDC issuer DNS aliases that will be accepted as valid when verifying the `iss` field of the JWTs.")

	flags.StringSlice("authn-oidc-subjects", defaultConfig.Authn.Subjects, "the OIDC subject names that will be accepted as valid when verifying the `sub` field of the JWTs. If empty, every `sub` will be allowed")

	flags.String("directory-engine", defaultConfig.Directory.Engine, "the directory engine that will be used for shard placement and peer resolution")

	flags.String("directory-uri", defaultConfig.Directory.URI, "the connection uri to use to connect to the directory (for any engine other than 'memory')")

	flags.String("directory-username", "", "the connection username to use to connect to the directory (overwrites any username provided in the connection uri)")

	flags.String("directory-password", "", "the connection password to use to connect to the directory (overwrites any password provided in the connection uri)")

	flags.String("directory-topology-path", defaultConfig.Directory.TopologyPath, "a topology file that seeds the 'memory' directory engine")

	flags.Int("directory-max-open-conns", defaultConfig.Directory.MaxOpenConns, "the maximum number of open connections to the directory")

	flags.Int("directory-max-idle-conns", defaultConfig.Directory.MaxIdleConns, "the maximum number of connections to the directory in the idle connection pool")

	flags.Duration("directory-conn-max-idle-time", defaultConfig.Directory.ConnMaxIdleTime, "the maximum amount of time a connection to the directory may be idle")

	flags.Duration("directory-conn-max-lifetime", defaultConfig.Directory.ConnMaxLifetime, "the maximum amount of time a connection to the directory may be reused")

	flags.Bool("directory-metrics-enabled", defaultConfig.Directory.Metrics.Enabled, "enable/disable sql metrics")

	flags.Bool("directory-cache-enabled", defaultConfig.Directory.Cache.Enabled, "enable caching of directory lookups in memory")

	flags.Int64("directory-cache-max-entries", defaultConfig.Directory.Cache.MaxEntries, "if directory-cache-enabled, the maximum number of cached lookups")

	flags.Duration("directory-cache-ttl", defaultConfig.Directory.Cache.TTL, "if directory-cache-enabled, the TTL of each cached lookup")

	flags.Int("pool-slab-size", defaultConfig.Pool.SlabSize, "the size in bytes of one pooled output segment")

	flags.Int("pool-slabs", defaultConfig.Pool.Slabs, "the maximum number of output segments the node hands out before allocation blocks")

	flags.Int("routing-shard-fanout", defaultConfig.Routing.ShardFanout, "the maximum number of shard transfers of one routed buffer that run concurrently")

	flags.Int("routing-batch-size", defaultConfig.Routing.BatchSize, "the solution count at which the shard mapper seals a staged batch")

	flags.Duration("routing-notify-timeout", defaultConfig.Routing.NotifyTimeout, "the timeout duration for announcing a ready chunk to a peer")

	flags.Int("routing-receive-queue-limit", defaultConfig.Routing.ReceiveQueueLimit, "the maximum number of queued chunk-ready notices before further notices are shed")

	flags.Int("routing-max-concurrent-pulls", defaultConfig.Routing.MaxConcurrentPulls, "the number of workers retrieving announced chunks from peers")

	flags.Duration("routing-pull-timeout", defaultConfig.Routing.PullTimeout, "the timeout duration for retrieving one chunk from a peer")

	flags.Bool("profiler-enabled", defaultConfig.Profiler.Enabled, "enable/disable pprof profiling")

	flags.String("profiler-addr", defaultConfig.Profiler.Addr, "the host:port address to serve the pprof profiler server on")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")

	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")

	flags.Bool("trace-tail-sampling-enabled", defaultConfig.Trace.TailSampling.Enabled, "only export spans that belong to traces slower than the latency threshold")

	flags.Duration("trace-tail-sampling-latency-threshold", defaultConfig.Trace.TailSampling.LatencyThreshold, "if trace-tail-sampling-enabled, the trace duration at or above which spans are exported")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")

	flags.Bool("metrics-enable-rpc-histograms", defaultConfig.Metrics.EnableRPCHistograms, "enables prometheus histogram metrics for RPC latency distributions")

	flags.Duration("request-timeout", defaultConfig.RequestTimeout, "configures request timeout.  If both HTTP upstream timeout and request timeout are specified, request timeout will be used.")

	// NOTE: if you add a new flag here, update the function below, too

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

// ReadConfig returns the Loom node configuration based on the values provided in the node's 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/loom', '$HOME/.loom', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load node config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	logger := logger.MustNewLogger(config.Log.Format, config.Log.Level)
	serverCtx := &ServerContext{Logger: logger}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

type ServerContext struct {
	Logger logger.Logger
}

// telemetryConfig returns the function that must be called to shut down tracing.
// The context provided to this function should be error-free, or shut down will be incomplete.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint, config.Trace.OTLP.TLS.Enabled))

		options := []telemetry.TracerOption{
			telemetry.WithOTLPEndpoint(
				config.Trace.OTLP.Endpoint,
			),
			telemetry.WithAttributes(
				semconv.ServiceNameKey.String(config.Trace.ServiceName),
				semconv.ServiceVersionKey.String(build.Version),
			),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
		}

		if !config.Trace.OTLP.TLS.Enabled {
			options = append(options, telemetry.WithOTLPInsecure())
		}

		if config.Trace.TailSampling.Enabled {
			options = append(options,
				telemetry.WithEnableTailLatencySpanExporter(true),
				telemetry.WithTailLatencyInMillisecond(int(config.Trace.TailSampling.LatencyThreshold.Milliseconds())),
			)
		}

		tp := telemetry.MustNewTracerProvider(options...)
		return func() error {
			// can take up to 5 seconds to complete (https://github.com/open-telemetry/opentelemetry-go/blob/aebcbfcbc2962957a578e9cb3e25dc834125e318/sdk/trace/batch_span_processor.go#L97)
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
		}
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return func() error {
		return nil
	}
}

func (s *ServerContext) directoryConfig(config *serverconfig.Config) (directory.Directory, error) {
	directoryOptions := []sqlcommon.DatastoreOption{
		sqlcommon.WithUsername(config.Directory.Username),
		sqlcommon.WithPassword(config.Directory.Password),
		sqlcommon.WithLogger(s.Logger),
		sqlcommon.WithMaxOpenConns(config.Directory.MaxOpenConns),
		sqlcommon.WithMaxIdleConns(config.Directory.MaxIdleConns),
		sqlcommon.WithConnMaxIdleTime(config.Directory.ConnMaxIdleTime),
		sqlcommon.WithConnMaxLifetime(config.Directory.ConnMaxLifetime),
	}

	if config.Directory.Metrics.Enabled {
		directoryOptions = append(directoryOptions, sqlcommon.WithMetrics())
	}

	dirCfg := sqlcommon.NewConfig(directoryOptions...)

	var dir directory.Directory
	var err error
	switch config.Directory.Engine {
	case "memory":
		if config.Directory.TopologyPath != "" {
			topo, err := directory.LoadTopology(config.Directory.TopologyPath)
			if err != nil {
				return nil, fmt.Errorf("load topology file: %w", err)
			}
			dir = memdir.NewFromTopology(topo)
		} else {
			dir = memdir.New()
		}
	case "mysql":
		dir, err = mysql.New(config.Directory.URI, dirCfg)
		if err != nil {
			return nil, fmt.Errorf("initialize mysql directory: %w", err)
		}
	case "postgres":
		dir, err = postgres.New(config.Directory.URI, dirCfg)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres directory: %w", err)
		}
	case "sqlite":
		dir, err = sqlite.New(config.Directory.URI, dirCfg)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite directory: %w", err)
		}
	default:
		return nil, fmt.Errorf("directory engine '%s' is unsupported", config.Directory.Engine)
	}

	if config.Directory.Cache.Enabled {
		dir, err = cached.New(dir,
			cached.WithLogger(s.Logger),
			cached.WithMaxEntries(config.Directory.Cache.MaxEntries),
			cached.WithTTL(config.Directory.Cache.TTL),
		)
		if err != nil {
			return nil, fmt.Errorf("initialize directory cache: %w", err)
		}
	}

	s.Logger.Info(fmt.Sprintf("using '%v' directory engine", config.Directory.Engine))

	return dir, nil
}

func (s *ServerContext) authenticatorConfig(config *serverconfig.Config) (authn.Authenticator, error) {
	var authenticator authn.Authenticator
	var err error

	switch config.Authn.Method {
	case "none":
		s.Logger.Warn("authentication is disabled")
		authenticator = authn.NoopAuthenticator{}
	case "preshared":
		s.Logger.Info("using 'preshared' authentication")
		authenticator, err = presharedkey.NewPresharedKeyAuthenticator(config.Authn.Keys)
	case "oidc":
		s.Logger.Info("using 'oidc' authentication")
		authenticator, err = oidc.NewRemoteOidcAuthenticator(config.Authn.Issuer, config.Authn.IssuerAliases, config.Authn.Audience, config.Authn.Subjects)
	default:
		return nil, fmt.Errorf("unsupported authentication method '%v'", config.Authn.Method)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
	}
	return authenticator, nil
}

// peerTokenConfig returns the bearer token this node presents to its peers on
// the data plane. Only the 'preshared' method has a token the node can mint
// itself.
func peerTokenConfig(config *serverconfig.Config) string {
	if config.Authn.Method == "preshared" && len(config.Authn.Keys) > 0 {
		return config.Authn.Keys[0]
	}
	return ""
}

func (s *ServerContext) buildServerOpts(ctx context.Context, config *serverconfig.Config, authenticator authn.Authenticator) ([]grpc.ServerOption, *grpc_prometheus.ServerMetrics, error) {
	serverOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(serverconfig.DefaultMaxRPCMessageSizeInBytes),
		grpc.ChainUnaryInterceptor(
			[]grpc.UnaryServerInterceptor{
				grpc_recovery.UnaryServerInterceptor( // panic middleware must be 1st in chain
					grpc_recovery.WithRecoveryHandlerContext(
						recovery.PanicRecoveryHandler(s.Logger),
					),
				),
				grpc_ctxtags.UnaryServerInterceptor(), // needed for logging
				requestid.NewUnaryInterceptor(),       // add request_id to ctxtags
			}...,
		),
		grpc.ChainStreamInterceptor(
			[]grpc.StreamServerInterceptor{
				grpc_recovery.StreamServerInterceptor( // panic middleware must be 1st in chain
					grpc_recovery.WithRecoveryHandlerContext(
						recovery.PanicRecoveryHandler(s.Logger),
					),
				),
				grpc_ctxtags.StreamServerInterceptor(), // needed for logging
				requestid.NewStreamingInterceptor(),    // add request_id to ctxtags
			}...,
		),
	}

	if config.RequestTimeout > 0 {
		timeoutMiddleware := middleware.NewTimeoutInterceptor(config.RequestTimeout, s.Logger)

		serverOpts = append(serverOpts, grpc.ChainUnaryInterceptor(timeoutMiddleware.NewUnaryTimeoutInterceptor()))
		serverOpts = append(serverOpts, grpc.ChainStreamInterceptor(timeoutMiddleware.NewStreamTimeoutInterceptor()))
	}

	serverOpts = append(serverOpts,
		grpc.ChainUnaryInterceptor(
			[]grpc.UnaryServerInterceptor{
				logging.NewLoggingInterceptor(s.Logger), // needed to log invalid requests
			}...,
		),
	)

	var prometheusMetrics *grpc_prometheus.ServerMetrics
	if config.Metrics.Enabled {
		var metricsOpts []grpc_prometheus.ServerMetricsOption
		if config.Metrics.EnableRPCHistograms {
			metricsOpts = append(metricsOpts, grpc_prometheus.WithServerHandlingTimeHistogram())
		}

		prometheusMetrics = grpc_prometheus.NewServerMetrics(metricsOpts...)
		prometheus.MustRegister(prometheusMetrics)

		serverOpts = append(serverOpts,
			grpc.ChainUnaryInterceptor(prometheusMetrics.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(prometheusMetrics.StreamServerInterceptor()))
	}

	if config.Trace.Enabled {
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	serverOpts = append(serverOpts, grpc.ChainUnaryInterceptor(
		[]grpc.UnaryServerInterceptor{
			grpcauth.UnaryServerInterceptor(authnmw.AuthFunc(authenticator)),
		}...),
		grpc.ChainStreamInterceptor(
			[]grpc.StreamServerInterceptor{
				grpcauth.StreamServerInterceptor(authnmw.AuthFunc(authenticator)),
				// The following interceptor wraps the server stream with our own
				// wrapper and must come last.
				logging.NewStreamingLoggingInterceptor(s.Logger),
			}...,
		),
	)

	if config.GRPC.TLS.Enabled {
		if config.GRPC.TLS.CertPath == "" || config.GRPC.TLS.KeyPath == "" {
			return nil, prometheusMetrics, errors.New("'grpc.tls.cert' and 'grpc.tls.key' configs must be set")
		}
		grpcGetCertificate, err := watchAndLoadCertificateWithCertWatcher(ctx, config.GRPC.TLS.CertPath, config.GRPC.TLS.KeyPath, s.Logger)
		if err != nil {
			return nil, prometheusMetrics, err
		}
		creds := credentials.NewTLS(&tls.Config{
			GetCertificate: grpcGetCertificate,
		})

		serverOpts = append(serverOpts, grpc.Creds(creds))

		s.Logger.Info("gRPC TLS is enabled, serving connections using the provided certificate")
	} else {
		s.Logger.Warn("gRPC TLS is disabled, serving connections using insecure plaintext")
	}
	return serverOpts, prometheusMetrics, nil
}

func (s *ServerContext) dialGrpc(udsPath string, config *serverconfig.Config) *grpc.ClientConn {
	dialOpts := []grpc.DialOption{
		// UDS is local IPC — TLS is unnecessary.
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}

	if config.Trace.Enabled {
		dialOpts = append(dialOpts, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	}

	conn, err := grpc.NewClient("unix://"+udsPath, dialOpts...)
	if err != nil {
		s.Logger.Fatal("failed to create gRPC client connection", zap.Error(err))
	}
	return conn
}

func (s *ServerContext) runHTTPServer(ctx context.Context, config *serverconfig.Config, grpcConn *grpc.ClientConn, node *server.Server) (*http.Server, error) {
	muxOpts := []runtime.ServeMuxOption{
		runtime.WithHealthzEndpoint(healthv1pb.NewHealthClient(grpcConn)),
		runtime.WithOutgoingHeaderMatcher(func(s string) (string, bool) { return s, true }),
	}
	mux := runtime.NewServeMux(muxOpts...)

	gatewayHandler := http.Handler(mux)
	if config.Trace.Enabled {
		gatewayHandler = otelhttp.NewHandler(gatewayHandler, "grpc-gateway")
	}

	// The data plane starts its own spans; only the propagation headers of
	// the sending peer are extracted.
	dataHandler := node.Handler()
	if config.Trace.Enabled {
		dataHandler = telemetry.HTTPServerTraceExtractor(dataHandler)
	}

	root := http.NewServeMux()
	root.Handle(transport.NotifyPath, dataHandler)
	root.Handle(transport.PullPath, dataHandler)
	root.Handle("/", gatewayHandler)

	httpServer := &http.Server{
		Addr: config.HTTP.Addr,
		Handler: recovery.HTTPPanicRecoveryHandler(cors.New(cors.Options{
			AllowedOrigins:   config.HTTP.CORSAllowedOrigins,
			AllowCredentials: true,
			AllowedHeaders:   config.HTTP.CORSAllowedHeaders,
			AllowedMethods: []string{
				http.MethodGet, http.MethodPost,
				http.MethodHead, http.MethodPatch, http.MethodDelete, http.MethodPut,
			},
		}).Handler(root), s.Logger),
	}

	listener, err := net.Listen("tcp", config.HTTP.Addr)
	if err != nil {
		return nil, err
	}

	if config.HTTP.TLS.Enabled {
		if config.HTTP.TLS.CertPath == "" || config.HTTP.TLS.KeyPath == "" {
			s.Logger.Fatal("'http.tls.cert' and 'http.tls.key' configs must be set")
		}
		httpGetCertificate, err := watchAndLoadCertificateWithCertWatcher(ctx, config.HTTP.TLS.CertPath, config.HTTP.TLS.KeyPath, s.Logger)
		if err != nil {
			return nil, err
		}
		listener = tls.NewListener(listener, &tls.Config{
			GetCertificate: httpGetCertificate,
		})

		s.Logger.Info("HTTP TLS is enabled, serving connections using the provided certificate")
	} else {
		s.Logger.Warn("HTTP TLS is disabled, serving connections using insecure plaintext")
	}

	go func() {
		s.Logger.Info(fmt.Sprintf("🚀 starting HTTP server on '%s'...", httpServer.Addr))
		if err := httpServer.Serve(listener); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Fatal("HTTP server closed with unexpected error", zap.Error(err))
			}
		}
		s.Logger.Info("HTTP server shut down.")
	}()
	return httpServer, nil
}

// Run returns an error if the node was unable to start successfully.
// If it started and terminated successfully, it returns a nil error.
func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, os.Kill, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(config)

	dir, err := s.directoryConfig(config)
	if err != nil {
		return err
	}
	defer dir.Close()

	authenticator, err := s.authenticatorConfig(config)
	if err != nil {
		return err
	}

	serverOpts, prometheusMetrics, err := s.buildServerOpts(ctx, config, authenticator)
	if prometheusMetrics != nil {
		defer prometheus.Unregister(prometheusMetrics)
	}
	if err != nil {
		return err
	}

	var profilerServer *http.Server
	if config.Profiler.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		profilerServer = &http.Server{Addr: config.Profiler.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("🔬 starting pprof profiler on '%s'", config.Profiler.Addr))

			if err := profilerServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start pprof profiler", zap.Error(err))
				}
			}
			s.Logger.Info("profiler shut down.")
		}()
	}

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", config.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start prometheus metrics server", zap.Error(err))
				}
			}
			s.Logger.Info("metrics server shut down.")
		}()
	}

	advertiseAddr := config.Node.AdvertiseAddr
	if advertiseAddr == "" {
		advertiseAddr = config.HTTP.Addr
	}

	nodeOpts := []server.LoomServiceV1Option{
		server.WithLogger(s.Logger),
		server.WithAdvertiseAddr(advertiseAddr),
		server.WithDirectory(dir),
		server.WithSegmentPool(memory.NewPool(config.Pool.SlabSize, config.Pool.Slabs)),
		server.WithShardFanout(config.Routing.ShardFanout),
		server.WithShardBatchSize(config.Routing.BatchSize),
		server.WithNotifyTimeout(config.Routing.NotifyTimeout),
		server.WithReceiveQueueLimit(config.Routing.ReceiveQueueLimit),
		server.WithMaxConcurrentPulls(config.Routing.MaxConcurrentPulls),
		server.WithPullTimeout(config.Routing.PullTimeout),
		server.WithAuthenticator(authenticator),
	}

	if config.Node.ID != "" {
		nodeID, err := uuid.Parse(config.Node.ID)
		if err != nil {
			return fmt.Errorf("config 'node.id' must be a UUID: %w", err)
		}
		nodeOpts = append(nodeOpts, server.WithNodeID(nodeID))
	}

	if token := peerTokenConfig(config); token != "" {
		nodeOpts = append(nodeOpts, server.WithPeerBearerToken(token))
	}

	node := server.MustNewServerWithOpts(nodeOpts...)

	s.Logger.Info(
		"starting loom node...",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", goruntime.Version()),
		zap.String("node-id", node.NodeID().String()),
		zap.Any("config", config),
	)

	// nosemgrep: grpc-server-insecure-connection
	grpcServer := grpc.NewServer(serverOpts...)
	healthServer := &health.Checker{TargetService: node, TargetServiceName: server.ServiceName}
	healthv1pb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", config.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		s.Logger.Info(fmt.Sprintf("🚀 starting gRPC server on '%s'...", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			if !errors.Is(err, grpc.ErrServerStopped) {
				s.Logger.Fatal("failed to start gRPC server", zap.Error(err))
			}
		}
		s.Logger.Info("gRPC server shut down.")
	}()

	// Create a Unix domain socket listener for the internal HTTP-to-gRPC proxy.
	udsPath := filepath.Join(os.TempDir(), fmt.Sprintf("loom-grpc-%d.sock", os.Getpid()))
	_ = os.Remove(udsPath) // clean up stale socket file
	rawUDSLis, err := net.Listen("unix", udsPath)
	if err != nil {
		return fmt.Errorf("failed to listen on unix socket: %w", err)
	}
	udsLis := &addrOverrideListener{
		Listener: rawUDSLis,
		addr:     &net.UnixAddr{Name: udsPath, Net: "unix"},
	}

	go func() {
		s.Logger.Info(fmt.Sprintf("starting gRPC server on unix socket '%s'...", udsPath))
		if err := grpcServer.Serve(udsLis); err != nil {
			if !errors.Is(err, grpc.ErrServerStopped) {
				s.Logger.Fatal("failed to start gRPC server on unix socket", zap.Error(err))
			}
		}
	}()

	var httpServer *http.Server
	if config.HTTP.Enabled {
		runtime.DefaultContextTimeout = config.ContextTimeout()

		grpcConn := s.dialGrpc(udsPath, config)
		defer grpcConn.Close()

		httpServer, err = s.runHTTPServer(ctx, config, grpcConn, node)
		if err != nil {
			return err
		}
	} else {
		s.Logger.Warn("the HTTP data plane is disabled; peers cannot retrieve chunks from this node")
	}

	// wait for cancellation signal
	<-ctx.Done()
	s.Logger.Info("attempting to shutdown gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the http server", zap.Error(err))
		}
	}

	if profilerServer != nil {
		if err := profilerServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the profiler", zap.Error(err))
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
		}
	}

	grpcServer.GracefulStop()

	if err := os.Remove(udsPath); err != nil && !os.IsNotExist(err) {
		s.Logger.Warn("failed to remove unix socket file", zap.Error(err))
	}

	node.Close()

	authenticator.Close()

	if err := tracerProviderCloser(); err != nil {
		s.Logger.Error("failed to shutdown tracing", zap.Error(err))
	}

	s.Logger.Info("node exited. goodbye 👋")

	return nil
}

// addrOverrideConn wraps a net.Conn to return a fixed remote address.
// This is used for UDS connections where RemoteAddr() would otherwise be empty.
type addrOverrideConn struct {
	net.Conn
	addr net.Addr
}

func (c *addrOverrideConn) RemoteAddr() net.Addr { return c.addr }

// addrOverrideListener wraps a net.Listener so that accepted connections
// report the given address as their RemoteAddr.
type addrOverrideListener struct {
	net.Listener
	addr net.Addr
}

func (l *addrOverrideListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &addrOverrideConn{Conn: conn, addr: l.addr}, nil
}

func watchAndLoadCertificateWithCertWatcher(ctx context.Context, certPath, keyPath string, logger logger.Logger) (func(*tls.ClientHelloInfo) (*tls.Certificate, error), error) {
	log.SetLogger(logr.New(nil))
	// Create a certificate watcher
	watcher, err := certwatcher.New(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create certwatcher: %w", err)
	}

	// Load the initial certificate
	if err := watcher.ReadCertificate(); err != nil {
		return nil, fmt.Errorf("failed to load initial certificate: %w", err)
	}
	logger.Info("Initial TLS certificate loaded.", zap.String("certPath", certPath), zap.String("keyPath", keyPath))

	// Start watching for certificate changes
	go func() {
		logger.Info("Starting certificate watcher...", zap.String("certPath", certPath), zap.String("keyPath", keyPath))
		if err := watcher.Start(ctx); err != nil {
			logger.Error("Certwatcher encountered an error", zap.Error(err))
		}
	}()

	// Return a function that retrieves the updated certificate
	getCertificate := func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return watcher.GetCertificate(nil)
	}

	return getCertificate, nil
}
