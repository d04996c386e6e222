// Command echodvc-peer hosts the echo plugin on a packet socket so echodvc can
// be exercised without a remote desktop session.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/dvc/internal/config"
	"github.com/Zereker/dvc/peer"
	"github.com/Zereker/dvc/plugin"
)

func main() {
	flags := pflag.NewFlagSet("echodvc-peer", pflag.ExitOnError)
	verbose := flags.BoolP("verbose", "v", false, "enable debug logs")
	configPath := flags.StringP("config", "c", "", "TOML configuration file")
	socket := flags.String("socket", "", "socket path to listen on")
	chunkLength := flags.Int("chunk-length", 0, "payload bytes per outgoing chunk")
	addInsPath := flags.String("addins", "", "TOML add-in table replacing the configured add-ins")
	metricsAddr := flags.String("metrics-addr", "", "serve prometheus metrics on this address")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if flags.Changed("verbose") {
		cfg.Verbose = *verbose
	}
	if flags.Changed("socket") {
		cfg.Socket = *socket
	}
	if flags.Changed("chunk-length") {
		cfg.ChunkLength = *chunkLength
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = *metricsAddr
	}
	if flags.NArg() > 0 {
		cfg.Channel = flags.Arg(0)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	addins := cfg.AddInTable()
	if *addInsPath != "" {
		if addins, err = plugin.LoadAddIns(*addInsPath); err != nil {
			logger.Error("failed to load add-ins", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, addins, logger); err != nil {
		logger.Error("peer stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, addins *plugin.AddIns, logger *slog.Logger) error {
	registry := plugin.NewRegistry()
	if err := plugin.RegisterEcho(registry, logger); err != nil {
		return err
	}

	host := peer.NewHost(registry, peer.Config{
		Channel:          cfg.Channel,
		ChunkLength:      cfg.ChunkLength,
		MaxMessageLength: cfg.MaxWriteLength,
		IdleTimeout:      cfg.Peer.IdleTimeout,
		Logger:           logger,
		Registerer:       prometheus.DefaultRegisterer,
	})
	defer host.Close()

	if err := host.Load(ctx, addins); err != nil {
		return err
	}

	server, err := peer.New(cfg.Peer.Network, cfg.SocketPath(),
		peer.ServerLoggerOption(logger),
		peer.ServerShutdownTimeoutOption(cfg.Peer.ShutdownTimeout),
	)
	if err != nil {
		return err
	}
	defer server.Close()

	logger.Info("peer listening", "channel", cfg.Channel, "network", cfg.Peer.Network, "socket", cfg.SocketPath())

	group, child := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(child, host)
	})

	if cfg.MetricsAddr != "" {
		metrics := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logger.Info("metrics endpoint started", "addr", cfg.MetricsAddr)
			if err := metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-child.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
