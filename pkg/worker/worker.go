// Package worker runs the manager process on a compute node: it activates
// with the fleet server, claims and executes tasks, heartbeats resource
// usage, and terminates when the server directs it to.
package worker

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskfleet/taskfleet/pkg/client"
	"github.com/taskfleet/taskfleet/pkg/executor"
	"github.com/taskfleet/taskfleet/pkg/log"
	"github.com/taskfleet/taskfleet/pkg/registry"
	"github.com/taskfleet/taskfleet/pkg/types"
)

// Config holds worker configuration.
type Config struct {
	Cluster        string
	Username       string
	Tags           []string
	Programs       map[string]string
	ManagerVersion string
	EngineVersion  string

	HeartbeatInterval time.Duration
	Slots             int
	Cores             int
	MemoryGB          float64
}

// Worker is one manager process instance.
type Worker struct {
	cfg    Config
	name   types.ManagerName
	client *client.Client
	exec   executor.Executor
	logger zerolog.Logger

	totalTaskWalltime float64
	startedAt         time.Time
	inFlightTasks     map[int64]bool
}

// New creates a worker. The manager name embeds a fresh UUID, so each
// process activates under a name that has never existed before.
func New(cfg Config, c *client.Client, exec executor.Executor) *Worker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	name := types.ManagerName{
		Cluster:  cfg.Cluster,
		Hostname: hostname,
		UUID:     uuid.NewString(),
	}

	return &Worker{
		cfg:           cfg,
		name:          name,
		client:        c,
		exec:          exec,
		logger:        log.WithManager(name.Fullname()),
		inFlightTasks: make(map[int64]bool),
	}
}

// Name returns the manager name this worker registered under.
func (w *Worker) Name() types.ManagerName {
	return w.name
}

// Run activates the manager and drives the claim/execute/heartbeat loop
// until ctx is cancelled or the server issues a shutdown directive.
func (w *Worker) Run(ctx context.Context) error {
	id, err := w.client.Activate(ctx, registry.ActivateRequest{
		Name:           w.name,
		ManagerVersion: w.cfg.ManagerVersion,
		EngineVersion:  w.cfg.EngineVersion,
		Username:       w.cfg.Username,
		Programs:       w.cfg.Programs,
		Tags:           w.cfg.Tags,
	})
	if err != nil {
		return err
	}
	w.startedAt = time.Now()
	w.logger.Info().Int64("id", id).Msg("manager activated")

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()
		case <-ticker.C:
			if err := w.cycle(ctx); err != nil {
				if client.IsShutdown(err) {
					w.logger.Warn().Err(err).Msg("server directed shutdown")
					w.shutdown()
					return err
				}
				// Transient errors (network, server restart) are retried
				// on the next tick.
				w.logger.Error().Err(err).Msg("cycle failed")
			}
		}
	}
}

// cycle reports finished tasks, claims new work and sends one heartbeat.
func (w *Worker) cycle(ctx context.Context) error {
	if err := w.collect(ctx); err != nil {
		return err
	}
	if err := w.claim(ctx); err != nil {
		return err
	}
	return w.heartbeat(ctx)
}

func (w *Worker) collect(ctx context.Context) error {
	results, err := w.exec.CollectCompleted(ctx)
	if err != nil {
		return err
	}

	for _, res := range results {
		delete(w.inFlightTasks, res.TaskID)
		w.totalTaskWalltime += res.Walltime

		if err := w.client.CompleteTask(ctx, res.TaskID, res.Status); err != nil {
			return err
		}
		w.logger.Debug().
			Int64("task", res.TaskID).
			Str("status", string(res.Status)).
			Msg("task finished")
	}
	return nil
}

func (w *Worker) claim(ctx context.Context) error {
	free := w.cfg.Slots - w.exec.ActiveTasks()
	if free <= 0 {
		return nil
	}

	claimed, err := w.client.ClaimTasks(ctx, w.name.Fullname(), w.cfg.Tags, free)
	if err != nil {
		return err
	}

	for _, task := range claimed {
		if err := w.exec.Submit(ctx, task); err != nil {
			w.logger.Error().Int64("task", task.ID).Err(err).Msg("submit failed")
			continue
		}
		w.inFlightTasks[task.ID] = true
	}
	return nil
}

func (w *Worker) heartbeat(ctx context.Context) error {
	active := w.exec.ActiveTasks()
	slots := max(w.cfg.Slots, 1)
	return w.client.UpdateResources(ctx, w.name.Fullname(), registry.ResourceStats{
		TotalWorkerWalltime: time.Since(w.startedAt).Seconds(),
		TotalTaskWalltime:   w.totalTaskWalltime,
		ActiveTasks:         active,
		ActiveCores:         active * max(w.cfg.Cores/slots, 1),
		ActiveMemory:        w.cfg.MemoryGB * float64(active) / float64(slots),
	})
}

// shutdown drains the executor and tells the server this manager is gone,
// so its remaining tasks recycle immediately instead of waiting for the
// staleness sweep.
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.exec.Await(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("executor drain timed out")
	}
	_ = w.exec.Close()

	if _, err := w.client.Deactivate(ctx, registry.DeactivateRequest{
		Names:  []string{w.name.Fullname()},
		Reason: "worker shutdown",
	}); err != nil {
		w.logger.Warn().Err(err).Msg("deactivate on shutdown failed")
	}
}
