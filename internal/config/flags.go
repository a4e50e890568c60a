// Package config defines the CLI flags (readable from flags, environment
// variables, and a TOML configuration file, in that precedence) for every
// tunable SPEC_FULL.md's ambient configuration surface names, and the
// helpers that turn a parsed *cli.Command into the pool.Config/
// balancer.Config/server.Option values the rest of the module consumes.
package config

import (
	"errors"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/halcyon-oss/coroproxy/pkg/balancer"
	"github.com/halcyon-oss/coroproxy/pkg/pool"
)

const (
	DefaultListenAddr = "0.0.0.0:8080"

	DefaultMaxHeadBody     = 3 << 20 // 3 MiB, matches wire.MaxHeadBody
	DefaultKeepAliveIdle   = 60 * time.Second
	DefaultClientTimeout   = 15 * time.Second
	DefaultBalanceAlgo     = "random"
	DefaultMetricsFile     = "metrics.csv"
	DefaultMetricsInterval = 30 * time.Second
)

// Flags defines the core listening, TLS, and request-cap CLI flags.
// Usually these are set via environment variables or the application's
// configuration file rather than typed on the command line every time.
func Flags(configFilePath altsrc.StringSourcer) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "address to listen on for incoming HTTP/1.1 and WebSocket connections",
			Value: DefaultListenAddr,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_LISTEN_ADDR"),
				toml.TOML("server.listen_addr", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "tls-cert",
			Usage: "server TLS certificate PEM file",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_TLS_CERT"),
				toml.TOML("server.tls_cert", configFilePath),
			),
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  "tls-key",
			Usage: "server TLS private key PEM file",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_TLS_KEY"),
				toml.TOML("server.tls_key", configFilePath),
			),
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  "mtls-client-ca",
			Usage: "client CA certificate PEM file, enables mTLS client verification when set",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_MTLS_CLIENT_CA"),
				toml.TOML("server.mtls_client_ca", configFilePath),
			),
			TakesFile: true,
		},
		&cli.IntFlag{
			Name:  "max-head-body",
			Usage: "combined request head+body size cap, in bytes",
			Value: DefaultMaxHeadBody,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_MAX_HEAD_BODY"),
				toml.TOML("server.max_head_body", configFilePath),
			),
			Validator: validatePositive,
		},
		&cli.DurationFlag{
			Name:  "keep-alive-idle",
			Usage: "idle timeout for a keep-alive connection with no read progress",
			Value: DefaultKeepAliveIdle,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_KEEP_ALIVE_IDLE"),
				toml.TOML("server.keep_alive_idle", configFilePath),
			),
		},
		&cli.BoolFlag{
			Name:  "reuse-port",
			Usage: "bind the listen address with SO_REUSEPORT across multiple Server instances",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_REUSE_PORT"),
				toml.TOML("server.reuse_port", configFilePath),
			),
		},
		&cli.DurationFlag{
			Name:  "client-timeout",
			Usage: "per-request client timeout",
			Value: DefaultClientTimeout,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_CLIENT_TIMEOUT"),
				toml.TOML("client.timeout", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "metrics-file",
			Usage: "CSV file connection/request counters are periodically appended to",
			Value: DefaultMetricsFile,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_METRICS_FILE"),
				toml.TOML("telemetry.metrics_file", configFilePath),
			),
		},
		&cli.DurationFlag{
			Name:  "metrics-interval",
			Usage: "how often the metrics file is appended to",
			Value: DefaultMetricsInterval,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_METRICS_INTERVAL"),
				toml.TOML("telemetry.metrics_interval", configFilePath),
			),
		},
	}
}

// PoolFlags defines the CLI flags backing pool.Config (§4.3.3).
func PoolFlags(configFilePath altsrc.StringSourcer) []cli.Flag {
	defaults := pool.DefaultConfig()
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "pool-max-connection",
			Usage: "maximum idle clients kept in a pool's free queue",
			Value: defaults.MaxConnection,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_POOL_MAX_CONNECTION"),
				toml.TOML("pool.max_connection", configFilePath),
			),
			Validator: validatePositive,
		},
		&cli.IntFlag{
			Name:  "pool-connect-retry-count",
			Usage: "connection attempts before a pool gives up and starts the alive-detector",
			Value: defaults.ConnectRetryCount,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_POOL_CONNECT_RETRY_COUNT"),
				toml.TOML("pool.connect_retry_count", configFilePath),
			),
			Validator: validatePositive,
		},
		&cli.DurationFlag{
			Name:  "pool-reconnect-wait-time",
			Usage: "base backoff between reconnect attempts (jittered 1.0-1.2x)",
			Value: defaults.ReconnectWaitTime,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_POOL_RECONNECT_WAIT_TIME"),
				toml.TOML("pool.reconnect_wait_time", configFilePath),
			),
		},
		&cli.DurationFlag{
			Name:  "pool-idle-timeout",
			Usage: "idle TTL for the free queue",
			Value: defaults.IdleTimeout,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_POOL_IDLE_TIMEOUT"),
				toml.TOML("pool.idle_timeout", configFilePath),
			),
		},
		&cli.DurationFlag{
			Name:  "pool-short-connect-idle-timeout",
			Usage: "idle TTL for the spillover queue",
			Value: defaults.ShortConnectIdleTimeout,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_POOL_SHORT_CONNECT_IDLE_TIMEOUT"),
				toml.TOML("pool.short_connect_idle_timeout", configFilePath),
			),
		},
		&cli.DurationFlag{
			Name:  "pool-host-alive-detect-duration",
			Usage: "alive-detector retry cadence; zero disables the alive-detector",
			Value: defaults.HostAliveDetectDuration,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_POOL_HOST_ALIVE_DETECT_DURATION"),
				toml.TOML("pool.host_alive_detect_duration", configFilePath),
			),
		},
	}
}

// BalancerFlags defines the CLI flags backing balancer.Config and the
// reverse-proxy backend set (§4.4).
func BalancerFlags(configFilePath altsrc.StringSourcer) []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "backend",
			Usage: "backend host:port to proxy to; may be repeated",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_BACKENDS"),
				toml.TOML("balancer.backends", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "balance-algorithm",
			Usage: "backend selection algorithm: round-robin, weighted-round-robin, or random",
			Value: DefaultBalanceAlgo,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_BALANCE_ALGORITHM"),
				toml.TOML("balancer.algorithm", configFilePath),
			),
			Validator: validateAlgorithm,
		},
		&cli.IntSliceFlag{
			Name:  "backend-weight",
			Usage: "backend weight, in the same order as --backend; required for weighted-round-robin",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("COROPROXY_BACKEND_WEIGHTS"),
				toml.TOML("balancer.weights", configFilePath),
			),
		},
	}
}

func validatePositive(n int) error {
	if n <= 0 {
		return errors.New("must be positive")
	}
	return nil
}

func validateAlgorithm(s string) error {
	switch s {
	case "round-robin", "weighted-round-robin", "random":
		return nil
	default:
		return errors.New(`must be one of "round-robin", "weighted-round-robin", "random"`)
	}
}

// Algorithm parses the --balance-algorithm flag into a balancer.Algorithm.
func Algorithm(cmd *cli.Command) balancer.Algorithm {
	switch cmd.String("balance-algorithm") {
	case "round-robin":
		return balancer.RoundRobin
	case "weighted-round-robin":
		return balancer.WeightedRoundRobin
	default:
		return balancer.Random
	}
}

// PoolConfig builds a pool.Config from the parsed CLI flags.
func PoolConfig(cmd *cli.Command) pool.Config {
	return pool.Config{
		MaxConnection:           int(cmd.Int("pool-max-connection")),
		ConnectRetryCount:       int(cmd.Int("pool-connect-retry-count")),
		ReconnectWaitTime:       cmd.Duration("pool-reconnect-wait-time"),
		IdleTimeout:             cmd.Duration("pool-idle-timeout"),
		ShortConnectIdleTimeout: cmd.Duration("pool-short-connect-idle-timeout"),
		HostAliveDetectDuration: cmd.Duration("pool-host-alive-detect-duration"),
		IdleQueuePerMaxClearCnt: pool.DefaultConfig().IdleQueuePerMaxClearCnt,
	}
}

// Backends returns the configured backend host list and (possibly empty)
// parallel weight list.
func Backends(cmd *cli.Command) (hosts []string, weights []int) {
	hosts = cmd.StringSlice("backend")
	for _, w := range cmd.IntSlice("backend-weight") {
		weights = append(weights, int(w))
	}
	return hosts, weights
}

// ClientTimeout returns the configured per-request client timeout.
func ClientTimeout(cmd *cli.Command) time.Duration {
	return cmd.Duration("client-timeout")
}

// ListenAddr, KeepAliveIdle, MaxHeadBody, and ReusePort expose the
// corresponding core server flags.
func ListenAddr(cmd *cli.Command) string           { return cmd.String("listen-addr") }
func KeepAliveIdle(cmd *cli.Command) time.Duration { return cmd.Duration("keep-alive-idle") }
func MaxHeadBody(cmd *cli.Command) int64           { return cmd.Int("max-head-body") }
func ReusePort(cmd *cli.Command) bool              { return cmd.Bool("reuse-port") }

// MetricsFile and MetricsInterval configure the telemetry.Recorder CSV
// flush loop.
func MetricsFile(cmd *cli.Command) string            { return cmd.String("metrics-file") }
func MetricsInterval(cmd *cli.Command) time.Duration { return cmd.Duration("metrics-interval") }
