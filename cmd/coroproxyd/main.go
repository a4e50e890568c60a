// Command coroproxyd is an example embeddable binary wiring pkg/server,
// pkg/proxy, and internal/config together: an HTTP/1.1 + WebSocket reverse
// proxy load-balancing across a configured set of backends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli/v3"

	"github.com/halcyon-oss/coroproxy/internal/config"
	"github.com/halcyon-oss/coroproxy/internal/logger"
	"github.com/halcyon-oss/coroproxy/internal/telemetry"
	"github.com/halcyon-oss/coroproxy/pkg/proxy"
	"github.com/halcyon-oss/coroproxy/pkg/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tzrikka/xdg"
)

const (
	ConfigDirName  = "coroproxyd"
	ConfigFileName = "config.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "coroproxyd",
		Usage:   "embeddable HTTP/1.1 and WebSocket reverse proxy with load balancing",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action:  run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	fs := []cli.Flag{
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
	}

	path := configFile()
	fs = append(fs, config.Flags(path)...)
	fs = append(fs, config.PoolFlags(path)...)
	fs = append(fs, config.BalancerFlags(path)...)
	return fs
}

// configFile returns the path to the app's configuration file. It also
// creates an empty file if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, ConfigDirName, ConfigFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}

func run(ctx context.Context, cmd *cli.Command) error {
	l := initLog(cmd.Bool("pretty-log"))
	ctx = logger.InContext(ctx, l)

	hosts, weights := config.Backends(cmd)
	if len(hosts) == 0 {
		return fmt.Errorf("coroproxyd: at least one --backend is required")
	}

	rec := telemetry.New()

	h, err := proxy.New(hosts, proxy.Config{
		Algorithm: config.Algorithm(cmd),
		Weights:   weights,
		Pool:      config.PoolConfig(cmd),
	}, proxy.WithLogger(l), proxy.WithRecorder(rec))
	if err != nil {
		return fmt.Errorf("coroproxyd: failed to build proxy handler: %w", err)
	}

	tlsCfg, err := config.TLSConfig(cmd)
	if err != nil {
		return fmt.Errorf("coroproxyd: %w", err)
	}

	opts := []server.Option{
		server.WithLogger(l),
		server.WithIdleTimeout(config.KeepAliveIdle(cmd)),
		server.WithMaxHeadBody(config.MaxHeadBody(cmd)),
		server.WithReusePort(config.ReusePort(cmd)),
		server.WithRecorder(rec),
	}
	if tlsCfg != nil {
		opts = append(opts, server.WithTLSConfig(tlsCfg))
	}

	s := server.New(h, opts...)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go rec.FlushLoop(ctx, l, config.MetricsFile(cmd), config.MetricsInterval(cmd))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ctx, config.ListenAddr(cmd))
	}()

	select {
	case <-ctx.Done():
		s.Shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}

// initLog builds the process-wide zerolog logger, pretty console output in
// dev mode, JSON otherwise, matching pkg/server's own default logger shape.
func initLog(pretty bool) zerolog.Logger {
	var l zerolog.Logger
	if pretty {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		l = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	zerolog.DefaultContextLogger = &l
	log.Logger = l
	return l
}
