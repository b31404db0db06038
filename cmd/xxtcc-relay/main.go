// XXTCloudControl relay - signaling rendezvous for devices and consoles
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/havonz/XXTCloudControl-sub000/internal/config"
	"github.com/havonz/XXTCloudControl-sub000/internal/logging"
	"github.com/havonz/XXTCloudControl-sub000/internal/metrics"
	"github.com/havonz/XXTCloudControl-sub000/internal/relay"
	"github.com/havonz/XXTCloudControl-sub000/pkg/version"
)

func main() {
	paths := config.DefaultPaths()

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", paths.RelayConfig, "Relay configuration file")
		initConfig  = flag.Bool("init", false, "Write a default configuration file and exit")
		listen      = flag.String("listen", "", "Listen address override")
		password    = flag.String("password", "", "Control password override")
		metricsAddr = flag.String("metrics", "", "Metrics listen address override")
		debug       = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		os.Exit(0)
	}

	if *initConfig {
		cfg := config.DefaultRelayConfig()
		cfg.Password = *password
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "writing config:", err)
			os.Exit(1)
		}
		fmt.Println(*configPath)
		os.Exit(0)
	}

	cfg, err := config.LoadRelay(*configPath)
	if errors.Is(err, config.ErrConfigNotFound) {
		cfg = config.DefaultRelayConfig()
		err = nil
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}

	if *listen != "" {
		cfg.Listen = *listen
	}
	if *password != "" {
		cfg.Password = *password
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *debug {
		cfg.Debug = true
	}

	logger, cleanup, err := logging.Setup(logging.Config{
		LogDir:      paths.LogDir,
		FileName:    "relay.log",
		Debug:       cfg.Debug,
		LogToStdout: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "setting up logging:", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.RelayConfig, logger *slog.Logger) error {
	if cfg.Password == "" {
		return fmt.Errorf("a control password is required (config file or -password)")
	}

	logger.Info("starting relay",
		"version", version.Get().Version,
		"listen", cfg.Listen,
		"turn_servers", len(cfg.ICEServers))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	m := metrics.NewRelay()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, m.Handler(), logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	return relay.New(cfg, m, logger).Run(ctx)
}
