package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sprinkler/rainmachine-weewx/internal/archive"
	"github.com/sprinkler/rainmachine-weewx/internal/config"
	"github.com/sprinkler/rainmachine-weewx/internal/daystats"
	"github.com/sprinkler/rainmachine-weewx/internal/metrics"
	"github.com/sprinkler/rainmachine-weewx/internal/uploader"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	level := new(slog.LevelVar)
	slog.SetDefault(newLogger("json", level))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "config", *configPath, "err", err)
		os.Exit(1)
	}
	level.Set(cfg.Log.SlogLevel())
	logger := newLogger(cfg.Log.Format, level)
	slog.SetDefault(logger)

	logger.Info("rainmachine-uploader starting",
		"version", uploader.Version,
		"config", *configPath,
		"archive_table", cfg.Archive.Table,
		"poll_interval", cfg.Archive.PollInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store *archive.Store
	if dsn := cfg.Archive.ResolvedDSN(); dsn != "" {
		store, err = archive.Open(ctx, dsn, cfg.Archive.Table)
		if err != nil {
			logger.Error("archive unavailable, no records will be read", "err", err)
			store = nil
		} else {
			defer store.Close()
		}
	} else {
		logger.Warn("archive.dsn not set, no records will be read")
	}

	m := metrics.New()
	var wg sync.WaitGroup

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
		defer srv.Shutdown(context.Background()) //nolint:errcheck
	}

	var stats *daystats.Fetcher
	if store != nil {
		stats = daystats.New(store, logger)
	}
	svc := uploader.NewService(cfg.RainMachine, uploader.Deps{
		Stats:   stats,
		Logger:  logger,
		Metrics: m,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.Run(ctx)
	}()

	if store != nil && svc.Enabled() {
		poller := archive.NewPoller(store, cfg.Archive.PollInterval, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx, svc.NewArchiveRecord)
		}()
	}

	// Upload settings are fixed for the worker's lifetime; a reload only
	// changes the log level.
	go func() {
		err := config.Watch(ctx, *configPath, logger, func(updated *config.Config) {
			level.Set(updated.Log.SlogLevel())
			logger.Info("config reloaded, log level applied; restart to apply upload settings",
				"level", updated.Log.SlogLevel().String())
		})
		if err != nil {
			logger.Error("config watcher stopped", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("rainmachine-uploader shutting down")
	svc.Close()
	wg.Wait()

	var buf bytes.Buffer
	if err := m.WriteText(&buf); err != nil {
		logger.Error("could not render final metrics", "err", err)
	} else {
		logger.Info("final metrics", "metrics", buf.String())
	}
}

func newLogger(format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
