// XXTCloudControl console - headless operator console daemon
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
	"time"

	"github.com/havonz/XXTCloudControl-sub000/internal/config"
	"github.com/havonz/XXTCloudControl-sub000/internal/console"
	"github.com/havonz/XXTCloudControl-sub000/internal/logging"
	"github.com/havonz/XXTCloudControl-sub000/internal/metrics"
	"github.com/havonz/XXTCloudControl-sub000/internal/monitor"
	"github.com/havonz/XXTCloudControl-sub000/pkg/version"
)

func main() {
	paths := config.DefaultPaths()

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", paths.ConsoleConfig, "Console configuration file")
		relayURL    = flag.String("relay-url", "", "Relay URL override")
		password    = flag.String("password", "", "Control password override")
		metricsAddr = flag.String("metrics", "", "Metrics listen address override")
		saveConfig  = flag.Bool("save", false, "Persist the effective configuration and exit")
		debug       = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if errors.Is(err, config.ErrConfigNotFound) {
		if *relayURL == "" {
			fmt.Fprintln(os.Stderr, "no configuration found; pass -relay-url (and -password) or create", *configPath)
			os.Exit(1)
		}
		paths.ConsoleConfig = *configPath
		cfg = config.New(*relayURL, *password, paths)
		err = nil
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}

	if *relayURL != "" {
		cfg.Relay = *relayURL
	}
	if *password != "" {
		cfg.SetPassword(*password)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *debug {
		cfg.Debug = true
	}

	if *saveConfig {
		if err := cfg.Save(); err != nil {
			fmt.Fprintln(os.Stderr, "writing config:", err)
			os.Exit(1)
		}
		fmt.Println(*configPath)
		os.Exit(0)
	}

	logger, cleanup, err := logging.SetupWithDefaults(paths.LogDir, cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "setting up logging:", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("console failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting console",
		"version", version.Get().Version,
		"relay", cfg.GetRelay())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	governor := monitor.NewLoadGovernor(monitor.GovernorConfig{
		MaxStreams:       cfg.Governor.MaxStreams,
		HighCPU:          cfg.Governor.HighCPU,
		HighMemory:       cfg.Governor.HighMemory,
		CriticalCPU:      cfg.Governor.CriticalCPU,
		CriticalMemory:   cfg.Governor.CriticalMemory,
		SustainedSamples: cfg.Governor.SustainedSamples,
		Cooldown:         time.Duration(cfg.Governor.CooldownSeconds) * time.Second,
		SampleInterval:   time.Duration(cfg.Governor.SampleSeconds) * time.Second,
	}, logger)
	go governor.Run(ctx)

	var clip console.Clipboard
	if sys, err := console.NewSystemClipboard(); err != nil {
		logger.Warn("system clipboard unavailable", "error", err)
	} else {
		clip = sys
	}

	m := metrics.NewConsole()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, m.Handler(), logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	cons := console.New(console.Options{
		RelayURL:         cfg.GetRelay(),
		Password:         cfg.GetPassword(),
		UserCap:          cfg.Stream.ScaleCap,
		FrameRate:        cfg.Stream.FrameRate,
		BatchFrameRate:   cfg.Stream.BatchFrameRate,
		KeyframeInterval: time.Duration(cfg.Stream.KeyframeSeconds) * time.Second,
		PanelWidth:       float64(cfg.Batch.PanelWidth),
		Columns:          cfg.Batch.Columns,
		DPR:              cfg.Batch.DPR,
		ICEServers:       cfg.ICEServers,
		Clipboard:        clip,
		Governor:         governor,
		Metrics:          m,
		Logger:           logger,
	})

	// Connection loop with reconnection
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		default:
		}

		attempt := time.Now()
		err := cons.Run(ctx)
		if ctx.Err() != nil {
			logger.Info("shutting down")
			return nil
		}
		if err != nil {
			logger.Error("session ended", "error", err)
		}

		// A session that outlived the handshake counts as a connection.
		if time.Since(attempt) > 30*time.Second {
			cfg.SetLastConnection(attempt.UTC().Format(time.RFC3339))
			if err := cfg.Save(); err != nil {
				logger.Warn("saving config", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}
