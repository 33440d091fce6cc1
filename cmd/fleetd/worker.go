package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskfleet/taskfleet/pkg/client"
	"github.com/taskfleet/taskfleet/pkg/config"
	"github.com/taskfleet/taskfleet/pkg/executor"
	"github.com/taskfleet/taskfleet/pkg/log"
	"github.com/taskfleet/taskfleet/pkg/types"
	"github.com/taskfleet/taskfleet/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker agent that claims and executes tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})

		exec := executor.NewLocal(cfg.Worker.Slots, runTask)
		c := client.NewClient(cfg.Worker.ServerAddr)

		w := worker.New(worker.Config{
			Cluster:           cfg.Worker.Cluster,
			Username:          cfg.Worker.Username,
			Tags:              cfg.Worker.Tags,
			Programs:          cfg.Worker.Programs,
			ManagerVersion:    Version,
			EngineVersion:     Version,
			HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatInterval),
			Slots:             cfg.Worker.Slots,
			Cores:             cfg.Worker.Cores,
			MemoryGB:          cfg.Worker.MemoryGB,
		}, c, exec)

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = w.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// runTask is the local execution backend: the payload names what to do.
// Real deployments plug in a backend wrapping their compute engine.
func runTask(ctx context.Context, task *types.Task) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	return "done: " + task.Payload, nil
}
