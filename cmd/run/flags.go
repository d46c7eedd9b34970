package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/loomdb/loom/cmd/util"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		util.MustBindPFlag("node.id", flags.Lookup("node-id"))
		util.MustBindEnv("node.id", "LOOM_NODE_ID")

		util.MustBindPFlag("node.advertiseAddr", flags.Lookup("node-advertise-addr"))
		util.MustBindEnv("node.advertiseAddr", "LOOM_NODE_ADVERTISE_ADDR", "LOOM_NODE_ADVERTISEADDR")

		util.MustBindPFlag("grpc.addr", flags.Lookup("grpc-addr"))
		util.MustBindEnv("grpc.addr", "LOOM_GRPC_ADDR")

		util.MustBindPFlag("grpc.tls.enabled", flags.Lookup("grpc-tls-enabled"))
		util.MustBindEnv("grpc.tls.enabled", "LOOM_GRPC_TLS_ENABLED")

		util.MustBindPFlag("grpc.tls.cert", flags.Lookup("grpc-tls-cert"))
		util.MustBindEnv("grpc.tls.cert", "LOOM_GRPC_TLS_CERT")

		util.MustBindPFlag("grpc.tls.key", flags.Lookup("grpc-tls-key"))
		util.MustBindEnv("grpc.tls.key", "LOOM_GRPC_TLS_KEY")

		util.MustBindPFlag("http.enabled", flags.Lookup("http-enabled"))
		util.MustBindEnv("http.enabled", "LOOM_HTTP_ENABLED")

		util.MustBindPFlag("http.addr", flags.Lookup("http-addr"))
		util.MustBindEnv("http.addr", "LOOM_HTTP_ADDR")

		util.MustBindPFlag("http.tls.enabled", flags.Lookup("http-tls-enabled"))
		util.MustBindEnv("http.tls.enabled", "LOOM_HTTP_TLS_ENABLED")

		util.MustBindPFlag("http.tls.cert", flags.Lookup("http-tls-cert"))
		util.MustBindEnv("http.tls.cert", "LOOM_HTTP_TLS_CERT")

		util.MustBindPFlag("http.tls.key", flags.Lookup("http-tls-key"))
		util.MustBindEnv("http.tls.key", "LOOM_HTTP_TLS_KEY")

		util.MustBindPFlag("http.upstreamTimeout", flags.Lookup("http-upstream-timeout"))
		util.MustBindEnv("http.upstreamTimeout", "LOOM_HTTP_UPSTREAM_TIMEOUT", "LOOM_HTTP_UPSTREAMTIMEOUT")

		util.MustBindPFlag("http.corsAllowedOrigins", flags.Lookup("http-cors-allowed-origins"))
		util.MustBindEnv("http.corsAllowedOrigins", "LOOM_HTTP_CORS_ALLOWED_ORIGINS", "LOOM_HTTP_CORSALLOWEDORIGINS")

		util.MustBindPFlag("http.corsAllowedHeaders", flags.Lookup("http-cors-allowed-headers"))
		util.MustBindEnv("http.corsAllowedHeaders", "LOOM_HTTP_CORS_ALLOWED_HEADERS", "LOOM_HTTP_CORSALLOWEDHEADERS")

		util.MustBindPFlag("authn.method", flags.Lookup("authn-method"))
		util.MustBindEnv("authn.method", "LOOM_AUTHN_METHOD")

		util.MustBindPFlag("authn.preshared.keys", flags.Lookup("authn-preshared-keys"))
		util.MustBindEnv("authn.preshared.keys", "LOOM_AUTHN_PRESHARED_KEYS")

		util.MustBindPFlag("authn.oidc.audience", flags.Lookup("authn-oidc-audience"))
		util.MustBindEnv("authn.oidc.audience", "LOOM_AUTHN_OIDC_AUDIENCE")

		util.MustBindPFlag("authn.oidc.issuer", flags.Lookup("authn-oidc-issuer"))
		util.MustBindEnv("authn.oidc.issuer", "LOOM_AUTHN_OIDC_ISSUER")

		util.MustBindPFlag("authn.oidc.issuerAliases", flags.Lookup("authn-oidc-issuer-aliases"))
		util.MustBindEnv("authn.oidc.issuerAliases", "LOOM_AUTHN_OIDC_ISSUER_ALIASES", "LOOM_AUTHN_OIDC_ISSUERALIASES")

		util.MustBindPFlag("authn.oidc.subjects", flags.Lookup("authn-oidc-subjects"))
		util.MustBindEnv("authn.oidc.subjects", "LOOM_AUTHN_OIDC_SUBJECTS")

		util.MustBindPFlag("directory.engine", flags.Lookup("directory-engine"))
		util.MustBindEnv("directory.engine", "LOOM_DIRECTORY_ENGINE")

		util.MustBindPFlag("directory.uri", flags.Lookup("directory-uri"))
		util.MustBindEnv("directory.uri", "LOOM_DIRECTORY_URI")

		util.MustBindPFlag("directory.username", flags.Lookup("directory-username"))
		util.MustBindEnv("directory.username", "LOOM_DIRECTORY_USERNAME")

		util.MustBindPFlag("directory.password", flags.Lookup("directory-password"))
		util.MustBindEnv("directory.password", "LOOM_DIRECTORY_PASSWORD")

		util.MustBindPFlag("directory.topologyPath", flags.Lookup("directory-topology-path"))
		util.MustBindEnv("directory.topologyPath", "LOOM_DIRECTORY_TOPOLOGY_PATH", "LOOM_DIRECTORY_TOPOLOGYPATH")

		util.MustBindPFlag("directory.maxOpenConns", flags.Lookup("directory-max-open-conns"))
		util.MustBindEnv("directory.maxOpenConns", "LOOM_DIRECTORY_MAX_OPEN_CONNS", "LOOM_DIRECTORY_MAXOPENCONNS")

		util.MustBindPFlag("directory.maxIdleConns", flags.Lookup("directory-max-idle-conns"))
		util.MustBindEnv("directory.maxIdleConns", "LOOM_DIRECTORY_MAX_IDLE_CONNS", "LOOM_DIRECTORY_MAXIDLECONNS")

		util.MustBindPFlag("directory.connMaxIdleTime", flags.Lookup("directory-conn-max-idle-time"))
		util.MustBindEnv("directory.connMaxIdleTime", "LOOM_DIRECTORY_CONN_MAX_IDLE_TIME", "LOOM_DIRECTORY_CONNMAXIDLETIME")

		util.MustBindPFlag("directory.connMaxLifetime", flags.Lookup("directory-conn-max-lifetime"))
		util.MustBindEnv("directory.connMaxLifetime", "LOOM_DIRECTORY_CONN_MAX_LIFETIME", "LOOM_DIRECTORY_CONNMAXLIFETIME")

		util.MustBindPFlag("directory.metrics.enabled", flags.Lookup("directory-metrics-enabled"))
		util.MustBindEnv("directory.metrics.enabled", "LOOM_DIRECTORY_METRICS_ENABLED")

		util.MustBindPFlag("directory.cache.enabled", flags.Lookup("directory-cache-enabled"))
		util.MustBindEnv("directory.cache.enabled", "LOOM_DIRECTORY_CACHE_ENABLED")

		util.MustBindPFlag("directory.cache.maxEntries", flags.Lookup("directory-cache-max-entries"))
		util.MustBindEnv("directory.cache.maxEntries", "LOOM_DIRECTORY_CACHE_MAX_ENTRIES", "LOOM_DIRECTORY_CACHE_MAXENTRIES")

		util.MustBindPFlag("directory.cache.ttl", flags.Lookup("directory-cache-ttl"))
		util.MustBindEnv("directory.cache.ttl", "LOOM_DIRECTORY_CACHE_TTL")

		util.MustBindPFlag("pool.slabSize", flags.Lookup("pool-slab-size"))
		util.MustBindEnv("pool.slabSize", "LOOM_POOL_SLAB_SIZE", "LOOM_POOL_SLABSIZE")

		util.MustBindPFlag("pool.slabs", flags.Lookup("pool-slabs"))
		util.MustBindEnv("pool.slabs", "LOOM_POOL_SLABS")

		util.MustBindPFlag("routing.shardFanout", flags.Lookup("routing-shard-fanout"))
		util.MustBindEnv("routing.shardFanout", "LOOM_ROUTING_SHARD_FANOUT", "LOOM_ROUTING_SHARDFANOUT")

		util.MustBindPFlag("routing.batchSize", flags.Lookup("routing-batch-size"))
		util.MustBindEnv("routing.batchSize", "LOOM_ROUTING_BATCH_SIZE", "LOOM_ROUTING_BATCHSIZE")

		util.MustBindPFlag("routing.notifyTimeout", flags.Lookup("routing-notify-timeout"))
		util.MustBindEnv("routing.notifyTimeout", "LOOM_ROUTING_NOTIFY_TIMEOUT", "LOOM_ROUTING_NOTIFYTIMEOUT")

		util.MustBindPFlag("routing.receiveQueueLimit", flags.Lookup("routing-receive-queue-limit"))
		util.MustBindEnv("routing.receiveQueueLimit", "LOOM_ROUTING_RECEIVE_QUEUE_LIMIT", "LOOM_ROUTING_RECEIVEQUEUELIMIT")

		util.MustBindPFlag("routing.maxConcurrentPulls", flags.Lookup("routing-max-concurrent-pulls"))
		util.MustBindEnv("routing.maxConcurrentPulls", "LOOM_ROUTING_MAX_CONCURRENT_PULLS", "LOOM_ROUTING_MAXCONCURRENTPULLS")

		util.MustBindPFlag("routing.pullTimeout", flags.Lookup("routing-pull-timeout"))
		util.MustBindEnv("routing.pullTimeout", "LOOM_ROUTING_PULL_TIMEOUT", "LOOM_ROUTING_PULLTIMEOUT")

		util.MustBindPFlag("profiler.enabled", flags.Lookup("profiler-enabled"))
		util.MustBindEnv("profiler.enabled", "LOOM_PROFILER_ENABLED")

		util.MustBindPFlag("profiler.addr", flags.Lookup("profiler-addr"))
		util.MustBindEnv("profiler.addr", "LOOM_PROFILER_ADDR")

		util.MustBindPFlag("log.format", flags.Lookup("log-format"))
		util.MustBindEnv("log.format", "LOOM_LOG_FORMAT")

		util.MustBindPFlag("log.level", flags.Lookup("log-level"))
		util.MustBindEnv("log.level", "LOOM_LOG_LEVEL")

		util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
		util.MustBindEnv("trace.enabled", "LOOM_TRACE_ENABLED")

		util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
		util.MustBindEnv("trace.otlp.endpoint", "LOOM_TRACE_OTLP_ENDPOINT")

		util.MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
		util.MustBindEnv("trace.otlp.tls.enabled", "LOOM_TRACE_OTLP_TLS_ENABLED")

		util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
		util.MustBindEnv("trace.sampleRatio", "LOOM_TRACE_SAMPLE_RATIO", "LOOM_TRACE_SAMPLERATIO")

		util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
		util.MustBindEnv("trace.serviceName", "LOOM_TRACE_SERVICE_NAME", "LOOM_TRACE_SERVICENAME")

		util.MustBindPFlag("trace.tailSampling.enabled", flags.Lookup("trace-tail-sampling-enabled"))
		util.MustBindEnv("trace.tailSampling.enabled", "LOOM_TRACE_TAIL_SAMPLING_ENABLED", "LOOM_TRACE_TAILSAMPLING_ENABLED")

		util.MustBindPFlag("trace.tailSampling.latencyThreshold", flags.Lookup("trace-tail-sampling-latency-threshold"))
		util.MustBindEnv("trace.tailSampling.latencyThreshold", "LOOM_TRACE_TAIL_SAMPLING_LATENCY_THRESHOLD", "LOOM_TRACE_TAILSAMPLING_LATENCYTHRESHOLD")

		util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
		util.MustBindEnv("metrics.enabled", "LOOM_METRICS_ENABLED")

		util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
		util.MustBindEnv("metrics.addr", "LOOM_METRICS_ADDR")

		util.MustBindPFlag("metrics.enableRPCHistograms", flags.Lookup("metrics-enable-rpc-histograms"))
		util.MustBindEnv("metrics.enableRPCHistograms", "LOOM_METRICS_ENABLE_RPC_HISTOGRAMS", "LOOM_METRICS_ENABLERPCHISTOGRAMS")

		util.MustBindPFlag("requestTimeout", flags.Lookup("request-timeout"))
		util.MustBindEnv("requestTimeout", "LOOM_REQUEST_TIMEOUT", "LOOM_REQUESTTIMEOUT")
	}
}
