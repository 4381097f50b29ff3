package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wardenproxy/warden"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: search ./warden.yaml, ~/.warden/warden.yaml, /etc/warden/warden.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")
		printRoot  = flag.String("export-root", "", "write the root CA certificate PEM to the given path after start")
		noDivert   = flag.Bool("no-divert", false, "disable OS flow diversion (serve redirected traffic only)")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *genConfig {
		if err := warden.WriteExampleConfig("warden.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated warden.yaml")
		return
	}

	cfg, err := warden.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *noDivert {
		cfg.Divert.Enabled = false
	}

	logger, err := warden.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	engine, err := warden.NewEngine(warden.EngineOptions{
		Config: cfg,
		Logger: logger,
		// Standalone runs have no application firewall to consult;
		// every local binary is treated as approved.
		FirewallCheck: func(string) bool { return true },
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(1)
	}

	if err := engine.Start(); err != nil {
		logger.Error("engine start failed", "error", err)
		os.Exit(1)
	}
	defer engine.Stop()

	if *printRoot != "" {
		if err := os.WriteFile(*printRoot, engine.RootCertificatePEM(), 0o644); err != nil {
			logger.Error("export root certificate", "error", err)
		} else {
			logger.Info("root certificate exported", "path", *printRoot)
		}
	}

	reloader := warden.WatchSIGHUP(engine, logger)
	defer reloader.Cancel()

	logger.Info("warden running",
		"http_port", engine.HTTPPort(),
		"https_port", engine.HTTPSPort(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
}
