// Package main provides a wake-word daemon that manages recognition sessions
// on a low-power engine and verifies detections on the captured audio.
//
// Usage:
//
//	zwfm-wakeword [-config path/to/config.json]
//
// If -config is not specified, the daemon looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oszuidwest/zwfm-wakeword/internal/capture"
	"github.com/oszuidwest/zwfm-wakeword/internal/config"
	"github.com/oszuidwest/zwfm-wakeword/internal/engine/soft"
	"github.com/oszuidwest/zwfm-wakeword/internal/env"
	"github.com/oszuidwest/zwfm-wakeword/internal/eventlog"
	"github.com/oszuidwest/zwfm-wakeword/internal/hotword"
	"github.com/oszuidwest/zwfm-wakeword/internal/notify"
	"github.com/oszuidwest/zwfm-wakeword/internal/observe"
	"github.com/oszuidwest/zwfm-wakeword/internal/registry"
	"github.com/oszuidwest/zwfm-wakeword/internal/settings"
	"github.com/oszuidwest/zwfm-wakeword/internal/storage"
	"github.com/oszuidwest/zwfm-wakeword/internal/util"
)

// Build information, set with -ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// shutdownTimeout bounds the graceful shutdown of the HTTP server and the service.
const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Snapshot().System.LogLevel),
	}))
	slog.SetDefault(logger)
	slog.Info("using config file", "path", *configPath, "version", Version)

	if err := run(cfg, logger); err != nil {
		slog.Error("wakeword daemon failed", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// parseLevel maps a configured level name onto a slog level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func run(cfg *config.Config, logger *slog.Logger) (err error) {
	snap := cfg.Snapshot()

	metrics, shutdownMetrics, err := observe.InitProvider()
	if err != nil {
		return util.WrapError("initialize metrics", err)
	}
	defer func() { err = errors.Join(err, shutdownMetrics(context.Background())) }()

	store, err := settings.Open(settings.Options{Dir: snap.SettingsDir}, snap.Confidence)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, store.Close()) }()

	events, err := eventlog.NewLogger(snap.Notifications.EventLogPath)
	if err != nil {
		return util.WrapError("open event log", err)
	}
	defer func() { err = errors.Join(err, events.Close()) }()

	if snap.Capture.RetainWindow {
		if err := util.EnsureWritableDir(snap.Storage.LocalPath); err != nil {
			return err
		}
	}

	e := &env.Env{
		Config: cfg,
		Engine: soft.New(soft.Options{
			MaxModels:        snap.Engine.MaxModels,
			CaptureAvailable: snap.Engine.CaptureAvailable,
		}, logger),
		Settings: store,
		Events:   events,
		Metrics:  metrics,
		Logger:   logger,
	}

	reg := registry.New(e)
	if _, err := reg.ScanAndLoad(snap.Models.Directory); err != nil {
		slog.Warn("initial model scan failed", "dir", snap.Models.Directory, "error", err)
	}

	captures := storage.New(e)
	defer captures.Close()

	pipeline := capture.New(e, capture.NewOpener(snap.Capture, e.Log("capture")), captures)
	webhook := notify.NewWebhook(func() string {
		return cfg.Snapshot().Notifications.WebhookURL
	}, e.Log("webhook"))
	svc := hotword.NewService(e, reg, pipeline, webhook)

	srv := NewServer(cfg, svc, captures)
	httpServer := srv.HTTPServer()

	ctx, stop := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting web server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return util.WrapError("serve HTTP", err)
		}
		return nil
	})
	g.Go(func() error {
		return captures.RunCleanupScheduler(gctx)
	})
	if snap.Models.Autostart {
		g.Go(func() error {
			if err := svc.Autostart(gctx); err != nil {
				slog.Warn("some sessions could not be restored", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(err, svc.Close(closeCtx), pipeline.Close(closeCtx))
}
