// Command echodvc opens a dynamic virtual channel and runs an interactive
// session against the echo plugin on the other end.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/Zereker/dvc"
	"github.com/Zereker/dvc/internal/config"
	"github.com/Zereker/dvc/internal/session"
)

func main() {
	flags := pflag.NewFlagSet("echodvc", pflag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: echodvc [flags] [NAME]\n\nOpens the DVC NAME (default %s).\n\n", config.Default().Channel)
		flags.PrintDefaults()
	}

	verbose := flags.BoolP("verbose", "v", false, "enable debug logs")
	configPath := flags.StringP("config", "c", "", "TOML configuration file")
	transport := flags.String("transport", "", "channel transport: wts or unix")
	socket := flags.String("socket", "", "socket path of the unix transport")
	timeout := flags.Duration("timeout", 0, "bound on each channel wait, 0 waits forever")
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
	if flags.Changed("transport") {
		cfg.Transport = *transport
	}
	if flags.Changed("socket") {
		cfg.Socket = *socket
	}
	if flags.Changed("timeout") {
		cfg.Timeout = *timeout
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = *metricsAddr
	}
	if flags.NArg() > 0 {
		cfg.Channel = flags.Arg(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := slog.LevelError
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	metrics := dvc.NewMetrics(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		go serveMetrics(logger, cfg.MetricsAddr)
	}

	opts := append(cfg.ChannelOptions(), dvc.LoggerOption(logger), dvc.MetricsOption(metrics))
	ch, err := open(cfg, opts...)
	if err != nil {
		logger.Error("failed to open channel", "channel", cfg.Channel, "transport", cfg.Transport, "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	logger.Debug("channel opened", "channel", cfg.Channel, "transport", cfg.Transport)

	prompt := ""
	if term.IsTerminal(int(os.Stdin.Fd())) {
		prompt = session.DefaultPrompt
	}

	s := session.New(ch, os.Stdin, os.Stdout,
		session.PromptOption(prompt),
		session.LoggerOption(logger),
	)
	if err := s.Run(); err != nil {
		logger.Error("session ended", "error", err)
		ch.Close()
		os.Exit(1)
	}
}

func serveMetrics(logger *slog.Logger, addr string) {
	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("metrics endpoint started", "addr", addr)
	if err := server.ListenAndServe(); err != nil {
		logger.Error("metrics endpoint stopped", "error", err)
	}
}
