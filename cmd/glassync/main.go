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

	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/api"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/config"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/netmon"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/notify"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/queue"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/scheduler"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/store"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/syncer"

	"github.com/google/uuid"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds the runtime components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     store.Store
	Client    *api.Client
	Monitor   *netmon.Monitor
	Notifier  notify.Notifier
	Manager   *syncer.Manager
	Scheduler *scheduler.Scheduler
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("glassync", flag.ExitOnError)
	configPath := fs.String("config", "glassync.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("glassync v%s (built %s)\n", version, buildTime)
		fmt.Println("Offline-first mutation sync for the Glassy School Nexus dashboard")
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}
	defer app.Store.Close() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app.Manager.Start(ctx)
	if app.Scheduler != nil {
		app.Scheduler.Start(ctx)
	}

	app.Logger.Info("glassync running",
		"version", version,
		"backend", app.Config.Backend.BaseURL,
		"storage", app.Config.Storage.Backend,
	)

	<-ctx.Done()
	app.Logger.Info("shutdown signal received")

	if app.Scheduler != nil {
		app.Scheduler.Stop()
	}
	app.Manager.Stop()
	if app.Notifier != nil {
		app.Notifier.Close()
	}

	app.Logger.Info("glassync stopped")
	return 0
}

// setup initializes all components from config.
func setup(configPath string) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	// A stable device id lets the backend attribute mutations across
	// restarts. Generate once and persist.
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.New().String()
		if err := cfg.Save(configPath); err != nil {
			app.Logger.Warn("cannot persist device id", "error", err)
		}
	}

	app.Store, err = openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	app.Client = api.NewClient(cfg.Backend.BaseURL, cfg.Backend.AuthToken, app.Logger)

	app.Monitor = netmon.New(app.Client, netmon.Config{
		BaseDelay: time.Duration(cfg.Monitor.ProbeBaseDelayMs) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.Monitor.ProbeMaxDelayMs) * time.Millisecond,
	}, app.Logger)

	app.Notifier = notify.Noop{}
	if cfg.Notify.Enabled {
		clientID := cfg.Notify.ClientID
		if clientID == "" {
			clientID = "glassync-" + cfg.DeviceID[:8]
		}
		n, err := notify.NewMQTT(cfg.Notify.BrokerURL, clientID, cfg.Notify.TopicPrefix, app.Logger)
		if err != nil {
			// Status eventing is best-effort; the queue must work without it.
			app.Logger.Warn("mqtt notifier unavailable", "error", err)
		} else {
			app.Notifier = n
		}
	}

	app.Manager, err = syncer.NewManager(syncer.ManagerOptions{
		Store:    app.Store,
		Apply:    app.Client.ApplyBatch,
		Monitor:  app.Monitor,
		Notifier: app.Notifier,
		Queue: queue.Config{
			MaxQueueSize: cfg.Sync.MaxQueueSize,
			MaxRetries:   cfg.Sync.MaxRetries,
			BaseDelay:    time.Duration(cfg.Sync.BaseDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Sync.MaxDelayMs) * time.Millisecond,
		},
		Engine: syncer.Config{
			SyncInterval: time.Duration(cfg.Sync.SyncIntervalMs) * time.Millisecond,
			BatchSize:    cfg.Sync.BatchSize,
			ApplyTimeout: time.Duration(cfg.Sync.ApplyTimeoutMs) * time.Millisecond,
		},
		DeviceID: cfg.DeviceID,
		Logger:   app.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create sync manager: %w", err)
	}

	// Open queues for configured lessons up front so their persisted
	// items start draining without waiting for a first enqueue.
	for _, ns := range cfg.Namespaces {
		if _, err := app.Manager.Status(ns); err != nil {
			app.Logger.Warn("cannot open namespace", "namespace", ns, "error", err)
		}
	}

	if len(cfg.Jobs) > 0 {
		app.Scheduler = scheduler.New(app.Manager, app.Logger)
		for _, jc := range cfg.Jobs {
			job := jobFromConfig(jc)
			if err := app.Scheduler.AddJob(job); err != nil {
				app.Logger.Warn("skipping invalid job", "job", jc.ID, "error", err)
			}
		}
	}

	return app, nil
}

// loadConfig loads configuration from file or creates a default.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default", "path", path)
			cfg = config.DefaultConfig()
			if saveErr := cfg.Save(path); saveErr != nil {
				return nil, fmt.Errorf("save default config: %w", saveErr)
			}
			return nil, fmt.Errorf("default config written to %s, set backend.baseUrl and restart", path)
		}
		return nil, err
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return store.NewSQLiteStore(cfg.StoragePath())
	case "file":
		return store.NewFileStore(cfg.StoragePath())
	case "memory":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

func jobFromConfig(jc config.JobConfig) *scheduler.Job {
	return &scheduler.Job{
		ID: jc.ID,
		Schedule: scheduler.ScheduleConfig{
			Kind:       jc.Kind,
			IntervalMs: jc.IntervalMs,
			Expr:       jc.Expr,
		},
		Action: scheduler.ActionConfig{
			Kind:           jc.Action,
			Namespace:      jc.Namespace,
			RetentionHours: jc.RetentionHours,
		},
		Enabled: jc.Enabled,
	}
}

// parseLogLevel converts a config log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
