package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/taskfleet/taskfleet/pkg/metrics"
	"github.com/taskfleet/taskfleet/pkg/storage"
	"github.com/taskfleet/taskfleet/pkg/types"
)

// ResourceStats is one heartbeat payload: cumulative walltime totals and
// current activity counts, last-write-wins.
type ResourceStats struct {
	TotalWorkerWalltime float64 `json:"total_worker_walltime"`
	TotalTaskWalltime   float64 `json:"total_task_walltime"`
	ActiveTasks         int     `json:"active_tasks"`
	ActiveCores         int     `json:"active_cores"`
	ActiveMemory        float64 `json:"active_memory"`
}

// UpdateResourceStats records a heartbeat for the named manager.
//
// The manager row is taken under a blocking exclusive lock, so two
// heartbeats for the same name fully serialize and never interleave
// partial counter writes. An unknown name fails with
// types.ErrUnknownManager and a deactivated manager with
// types.ErrInactiveManager; both are shutdown directives for the caller.
// Every successful call appends exactly one log snapshot whose timestamp
// is the update's commit time, never caller-supplied time.
func (r *Registry) UpdateResourceStats(ctx context.Context, name string, stats ResourceStats) error {
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		return r.UpdateResourceStatsTx(ctx, tx, name, stats)
	})

	switch {
	case err == nil:
		metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	case types.IsShutdownDirective(err):
		metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
	default:
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
	}
	return err
}

// UpdateResourceStatsTx is UpdateResourceStats joined to a caller-supplied
// transaction.
func (r *Registry) UpdateResourceStatsTx(ctx context.Context, tx storage.Tx, name string, stats ResourceStats) error {
	m, err := tx.GetManagerForUpdate(ctx, name)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: cannot update resource stats for %s",
			types.ErrUnknownManager, name)
	}
	if m.Status != types.ManagerStatusActive {
		return fmt.Errorf("%w: cannot update resource stats for %s",
			types.ErrInactiveManager, name)
	}

	m.TotalWorkerWalltime = stats.TotalWorkerWalltime
	m.TotalTaskWalltime = stats.TotalTaskWalltime
	m.ActiveTasks = stats.ActiveTasks
	m.ActiveCores = stats.ActiveCores
	m.ActiveMemory = stats.ActiveMemory
	m.ModifiedOn = time.Now().UTC()

	return tx.UpdateManagerStats(ctx, m, m.Snapshot())
}
