// Package tasks is the task-assignment collaborator of the manager
// registry. It owns the waiting/assigned task pool: managers claim work
// from it, and the registry hands orphaned work back to it when a manager
// is deactivated.
package tasks

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/taskfleet/taskfleet/pkg/log"
	"github.com/taskfleet/taskfleet/pkg/metrics"
	"github.com/taskfleet/taskfleet/pkg/storage"
	"github.com/taskfleet/taskfleet/pkg/types"
)

// Service provides the task pool operations.
type Service struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewService creates a task service on the given store.
func NewService(store storage.Store) *Service {
	return &Service{
		store:  store,
		logger: log.WithComponent("tasks"),
	}
}

// Enqueue adds a task to the waiting pool.
func (s *Service) Enqueue(ctx context.Context, task *types.Task) (int64, error) {
	if task.Tag == "" {
		return 0, fmt.Errorf("task tag must not be empty")
	}
	var id int64
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		id, err = tx.CreateTask(ctx, task)
		return err
	})
	return id, err
}

// Claim assigns up to limit waiting tasks matching the manager's tags.
func (s *Service) Claim(ctx context.Context, managerName string, tags []string, limit int) ([]*types.Task, error) {
	var claimed []*types.Task
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		claimed, err = tx.ClaimTasks(ctx, managerName, tags, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.TasksClaimedTotal.Add(float64(len(claimed)))
	return claimed, nil
}

// Complete moves an assigned task to a terminal status.
func (s *Service) Complete(ctx context.Context, id int64, status types.TaskStatus) error {
	if status != types.TaskStatusComplete && status != types.TaskStatusError {
		return fmt.Errorf("status %q is not terminal", status)
	}
	return s.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.CompleteTask(ctx, id, status)
	})
}

// Get returns a task by id, or nil if absent.
func (s *Service) Get(ctx context.Context, id int64) (*types.Task, error) {
	var task *types.Task
	err := s.store.InView(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(ctx, id)
		return err
	})
	return task, err
}

// ResetAssigned returns every task held by the named manager to the
// waiting pool, within the caller's transaction. Safe to call for a
// manager whose tasks were already reclaimed.
func (s *Service) ResetAssigned(ctx context.Context, tx storage.Tx, managerName string) ([]int64, error) {
	ids, err := tx.ResetAssignedTasks(ctx, managerName)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		s.logger.Debug().
			Str("manager", managerName).
			Int("count", len(ids)).
			Msg("reset assigned tasks")
	}
	return ids, nil
}
