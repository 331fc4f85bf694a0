// Command glassync-tui starts a terminal dashboard over the offline
// sync queues: one row per lesson with pending, sending, and failed
// counts, live connectivity state, and a manual sync trigger.
//
// Usage:
//
//	glassync-tui --config glassync.json
//
// It runs a full sync manager in-process, so it drains the same
// persisted queues the daemon would. Do not run both at once against
// the same storage.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/api"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/config"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/netmon"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/notify"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/queue"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/store"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/syncer"
	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/tui"
)

func main() {
	configPath := flag.String("config", "glassync.json", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	// Log to file; stdout is owned by the TUI.
	logFile, err := os.OpenFile("glassync-tui.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close() //nolint:errcheck

	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close() //nolint:errcheck

	client := api.NewClient(cfg.Backend.BaseURL, cfg.Backend.AuthToken, logger)
	monitor := netmon.New(client, netmon.Config{
		BaseDelay: time.Duration(cfg.Monitor.ProbeBaseDelayMs) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.Monitor.ProbeMaxDelayMs) * time.Millisecond,
	}, logger)

	manager, err := syncer.NewManager(syncer.ManagerOptions{
		Store:    st,
		Apply:    client.ApplyBatch,
		Monitor:  monitor,
		Notifier: notify.Noop{},
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
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating sync manager: %v\n", err)
		os.Exit(1)
	}

	for _, ns := range cfg.Namespaces {
		if _, err := manager.Status(ns); err != nil {
			logger.Warn("cannot open namespace", "namespace", ns, "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager.Start(ctx)
	defer manager.Stop()

	if err := tui.Run(manager, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
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
