package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskfleet/taskfleet/pkg/api"
	"github.com/taskfleet/taskfleet/pkg/config"
	"github.com/taskfleet/taskfleet/pkg/events"
	"github.com/taskfleet/taskfleet/pkg/log"
	"github.com/taskfleet/taskfleet/pkg/registry"
	"github.com/taskfleet/taskfleet/pkg/storage"
	"github.com/taskfleet/taskfleet/pkg/tasks"
	"github.com/taskfleet/taskfleet/pkg/watchdog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("serve")

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		taskSvc := tasks.NewService(store)
		reg := registry.New(store, taskSvc, broker, registry.Limits{
			Managers:    cfg.Limits.Managers,
			ManagerLogs: cfg.Limits.ManagerLogs,
		})

		dog := watchdog.New(reg,
			time.Duration(cfg.Watchdog.Interval),
			time.Duration(cfg.Watchdog.MaxAge))
		dog.Start()
		defer dog.Stop()

		server := api.NewServer(reg, taskSvc, broker)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.Server.Listen)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

// openStore builds the configured storage backend. The postgres backend
// also applies pending schema on startup so serve works on a fresh
// database without a separate migrate run.
func openStore(cfg config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "bolt":
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return storage.NewBoltStore(cfg.Storage.DataDir)
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		store, err := storage.NewPostgresStore(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
