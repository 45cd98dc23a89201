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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/flowpbx/callnotify/internal/alert"
	"github.com/flowpbx/callnotify/internal/api"
	"github.com/flowpbx/callnotify/internal/api/middleware"
	"github.com/flowpbx/callnotify/internal/bus"
	"github.com/flowpbx/callnotify/internal/config"
	"github.com/flowpbx/callnotify/internal/database"
	"github.com/flowpbx/callnotify/internal/database/pgarchive"
	"github.com/flowpbx/callnotify/internal/engine"
	"github.com/flowpbx/callnotify/internal/metrics"
	"github.com/flowpbx/callnotify/internal/platform"
	"github.com/flowpbx/callnotify/internal/retention"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("callnotify exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	logger.Info("starting callnotify",
		"addr", cfg.ListenAddr(),
		"data_dir", cfg.DataDir,
		"ring_timeout", cfg.RingTimeout,
	)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	db, err := database.Open(appCtx, cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	sysConfig, err := database.NewSystemConfigRepository(appCtx, db)
	if err != nil {
		return fmt.Errorf("loading system config: %w", err)
	}
	tokens := database.NewTokenCache(sysConfig)

	// Call history goes to PostgreSQL when configured, else the local db.
	records := database.NewCallRecordRepository(db)
	if cfg.ArchiveDSN != "" {
		store, err := pgarchive.New(appCtx, cfg.ArchiveDSN, logger)
		if err != nil {
			return fmt.Errorf("opening postgresql archive: %w", err)
		}
		defer store.Close()
		records = store
	}
	retention.StartCleanupTicker(appCtx, records, cfg.HistoryDays, time.Hour, logger)

	local := platform.NewLogSurface(logger, platform.DefaultRingPattern)
	notifier, err := buildNotifier(appCtx, cfg, local, logger)
	if err != nil {
		return err
	}

	engCfg := engine.DefaultConfig()
	engCfg.Alert.RingTimeout = cfg.RingTimeout
	engCfg.Router.MarkerTTL = cfg.MarkerTTL

	b := bus.New(logger)
	eng := engine.New(engCfg, b, alert.Surfaces{
		Notifier:   notifier,
		FullScreen: local,
		Ringer:     local,
		Vibrator:   local,
	}, tokens, records, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(eng.Presenter(), eng.SessionManager(), b, eng.Router(), eng.Detector(), startTime),
	)

	secret, err := cfg.APISecretBytes()
	if err != nil {
		return err
	}
	if secret == nil {
		logger.Warn("no api-secret configured, surface endpoints are unauthenticated")
	}

	var limiter *middleware.RateLimiter
	if cfg.PushRate > 0 {
		rlCfg := middleware.DefaultRateLimitConfig()
		rlCfg.Rate = rate.Limit(cfg.PushRate)
		rlCfg.Burst = cfg.PushBurst
		limiter = middleware.NewRateLimiter(rlCfg, logger)
		defer limiter.Stop()
	}

	handler := api.NewServer(eng, api.Options{
		SurfaceSecret: secret,
		PushLimiter:   limiter,
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Health:        db,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		logger.Error("http server error", "error", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := eng.Close(ctx); err != nil {
		logger.Error("engine shutdown error", "error", err)
	}
	b.Close()

	logger.Info("callnotify stopped")
	return serveErr
}

// buildNotifier returns the local surface alone, or a fan-out to the local
// surface and every configured companion-device relay.
func buildNotifier(ctx context.Context, cfg *config.Config, local platform.Notifier, logger *slog.Logger) (platform.Notifier, error) {
	if !cfg.RelayEnabled() {
		return local, nil
	}

	names := []string{"local"}
	notifiers := map[string]platform.Notifier{"local": local}

	if cfg.FCMRelayToken != "" {
		fcm, err := platform.NewFCMNotifier(ctx, cfg.FCMCredentials, cfg.FCMRelayToken, cfg.RingTimeout, logger)
		if err != nil {
			// A relay is optional; the local surface still alerts.
			logger.Warn("fcm relay not available", "error", err)
		} else {
			names = append(names, "fcm")
			notifiers["fcm"] = fcm
		}
	}

	if cfg.APNsRelayToken != "" {
		apns, err := platform.NewAPNsNotifier(platform.APNsConfig{
			KeyFile:     cfg.APNsKeyFile,
			KeyID:       cfg.APNsKeyID,
			TeamID:      cfg.APNsTeamID,
			BundleID:    cfg.APNsBundleID,
			DeviceToken: cfg.APNsRelayToken,
			Sandbox:     cfg.APNsSandbox,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initialising apns relay: %w", err)
		}
		names = append(names, "apns")
		notifiers["apns"] = apns
	}

	logger.Info("notification relays configured", "notifiers", names)
	return platform.NewMultiNotifier(names, notifiers), nil
}
