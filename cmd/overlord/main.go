// Overlord control daemon
//
// HTTP control surface for Pi-hole domain groups, the DNS master switch and
// UniFi firewall rules and devices. Run it on the home network next to the
// controllers it drives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Extra-Chill/overlord/internal/api"
	"github.com/Extra-Chill/overlord/internal/backend"
	"github.com/Extra-Chill/overlord/internal/config"
	"github.com/Extra-Chill/overlord/internal/events"
	"github.com/Extra-Chill/overlord/internal/health"
	"github.com/Extra-Chill/overlord/internal/journal"
	"github.com/Extra-Chill/overlord/internal/logging"
	"github.com/Extra-Chill/overlord/internal/pihole"
	"github.com/Extra-Chill/overlord/internal/policy"
	"github.com/Extra-Chill/overlord/internal/registry"
	"github.com/Extra-Chill/overlord/internal/ubiquiti"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "Path to config file (default: search overlord.yaml)")
	addr := flag.String("addr", "", "API listen address (overrides config)")
	healthInterval := flag.Duration("health-interval", 30*time.Second, "Interval between backend health checks")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("overlord v%s\n", version)
		return
	}

	// Allow env vars as fallback
	if *configPath == "" {
		*configPath = os.Getenv("OVERLORD_CONFIG")
	}

	if err := run(*configPath, *addr, *healthInterval); err != nil {
		fmt.Fprintf(os.Stderr, "overlord: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr string, healthInterval time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Listen = addr
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: level, JSON: cfg.Log.JSON})
	logging.SetDefault(logger)

	reg, err := registry.New(cfg.AllTargets())
	if err != nil {
		return err
	}

	retry := backend.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Retry.Attempts
	retry.InitialDelay = cfg.Retry.InitialDelay
	retry.MaxDelay = cfg.Retry.MaxDelay

	store, err := journal.Open(cfg.Journal.Path, cfg.Journal.Limit)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	hub := events.NewHub()

	opts := policy.Options{
		Registry: reg,
		Timeout:  cfg.Timeouts.Call,
		Journal:  store,
		Events:   hub,
		Logger:   logger,
	}
	checks := health.Options{
		Timeout: cfg.Timeouts.Call,
		Events:  hub,
		Logger:  logger,
	}

	var dns *pihole.Adapter
	if cfg.PiHole.Enabled {
		dns, err = pihole.New(pihole.Config{
			Controllers: cfg.PiHole.Controllers,
			Password:    cfg.PiHole.Password,
			Timeout:     cfg.Timeouts.Call,
			RuleTTL:     cfg.Cache.RuleTTL,
			Retry:       retry,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		opts.DNS = dns
		opts.Master = dns
		for _, c := range dns.Clients() {
			checks.DNS = append(checks.DNS, c)
		}
		checks.Prober = pihole.NewProber(cfg.PiHole.ProbeDomain, cfg.PiHole.DNSPort, cfg.Timeouts.Call)
	}

	if cfg.Ubiquiti.Enabled {
		router, err := ubiquiti.New(ubiquiti.Config{
			URL:         cfg.Ubiquiti.Controller,
			Site:        cfg.Ubiquiti.Site,
			APIKey:      cfg.Ubiquiti.APIKey,
			Username:    cfg.Ubiquiti.Username,
			Password:    cfg.Ubiquiti.Password,
			InsecureTLS: cfg.Ubiquiti.InsecureTLS,
			Timeout:     cfg.Timeouts.Call,
			RuleTTL:     cfg.Cache.RuleTTL,
			Retry:       retry,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		opts.Firewall = router
		checks.Router = router
	}

	if !cfg.PiHole.Enabled && !cfg.Ubiquiti.Enabled {
		logger.Warn("no backends enabled, only read-only routes are served")
	}

	engine := policy.New(opts)
	checker := health.New(checks)

	auth := api.AuthConfig{
		TokenHash: cfg.API.TokenHash,
		JWTSecret: cfg.API.JWTSecret,
	}
	server := api.NewServer(api.ServerConfig{
		Addr:     cfg.Listen,
		Version:  version,
		Auth:     auth,
		Engine:   engine,
		Registry: reg,
		Journal:  store,
		Health:   checker,
		Hub:      hub,
		Logger:   logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Run(ctx, healthInterval)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info("overlord running",
		"version", version,
		"addr", cfg.Listen,
		"targets", reg.Len(),
		"pihole", cfg.PiHole.Enabled,
		"ubiquiti", cfg.Ubiquiti.Enabled,
		"auth", auth.Enabled(),
	)

	var serveErr error
	select {
	case <-stop:
		logger.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server error", "error", serveErr)
		}
	}
	cancel()

	grace := cfg.Timeouts.Shutdown
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), grace)
	defer done()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("shutdown error", "error", err)
	}
	if dns != nil {
		if err := dns.Close(shutdownCtx); err != nil {
			logger.Warn("pihole logout failed", "error", err)
		}
	}

	logger.Info("goodbye")
	return serveErr
}
