// Package registry implements the compute-manager lifecycle: activation,
// resource-stat heartbeats, deactivation with orphaned-task recovery, and
// the query surface over manager state and its log snapshots.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskfleet/taskfleet/pkg/events"
	"github.com/taskfleet/taskfleet/pkg/log"
	"github.com/taskfleet/taskfleet/pkg/metrics"
	"github.com/taskfleet/taskfleet/pkg/storage"
	"github.com/taskfleet/taskfleet/pkg/types"
)

// TaskReleaser is the task-assignment collaborator. ResetAssigned must run
// in the supplied transaction so a deactivation and its task reclamation
// commit or roll back together, and must be idempotent per manager.
type TaskReleaser interface {
	ResetAssigned(ctx context.Context, tx storage.Tx, managerName string) ([]int64, error)
}

// Limits caps response sizes. Passed explicitly at construction.
type Limits struct {
	Managers    int
	ManagerLogs int
}

// Registry tracks the fleet of compute managers.
type Registry struct {
	store  storage.Store
	tasks  TaskReleaser
	broker *events.Broker
	limits Limits
	logger zerolog.Logger
}

// New creates a registry. broker may be nil when no event fan-out is wanted.
func New(store storage.Store, tasks TaskReleaser, broker *events.Broker, limits Limits) *Registry {
	return &Registry{
		store:  store,
		tasks:  tasks,
		broker: broker,
		limits: limits,
		logger: log.WithComponent("registry"),
	}
}

func (r *Registry) publish(event *events.Event) {
	if r.broker != nil {
		r.broker.Publish(event)
	}
}

// ActivateRequest carries everything a starting worker advertises.
type ActivateRequest struct {
	Name           types.ManagerName `json:"name"`
	ManagerVersion string            `json:"manager_version"`
	EngineVersion  string            `json:"execution_engine_version"`
	Username       string            `json:"username,omitempty"`
	Programs       map[string]string `json:"programs"`
	Tags           []string          `json:"tags"`
}

// Activate registers a new manager and returns its internal id.
//
// Tags are lower-cased, blanks dropped, duplicates removed preserving
// first-seen order; program keys are lower-cased with blank keys dropped.
// A manager left with no tags or no programs is rejected with
// types.ErrInvalidManagerConfig before any storage access. A name collision
// fails with types.ErrDuplicateManager, which tells the caller to shut
// down: names carry a per-process unique token and are never reused.
func (r *Registry) Activate(ctx context.Context, req ActivateRequest) (int64, error) {
	var id int64
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		id, err = r.ActivateTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return 0, err
	}

	metrics.ManagerActivationsTotal.Inc()
	r.publish(&events.Event{
		Type:    events.EventManagerActivated,
		Manager: req.Name.Fullname(),
	})
	return id, nil
}

// ActivateTx is Activate joined to a caller-supplied transaction.
func (r *Registry) ActivateTx(ctx context.Context, tx storage.Tx, req ActivateRequest) (int64, error) {
	tags := normalizeTags(req.Tags)
	programs := normalizePrograms(req.Programs)

	if len(tags) == 0 {
		return 0, fmt.Errorf("%w: manager has no tags assigned, use '*' to match all tags",
			types.ErrInvalidManagerConfig)
	}
	if len(programs) == 0 {
		return 0, fmt.Errorf("%w: manager has no programs available",
			types.ErrInvalidManagerConfig)
	}

	now := time.Now().UTC()
	m := &types.Manager{
		Name:           req.Name.Fullname(),
		Cluster:        req.Name.Cluster,
		Hostname:       req.Name.Hostname,
		Username:       req.Username,
		Tags:           tags,
		Programs:       programs,
		Status:         types.ManagerStatusActive,
		ManagerVersion: req.ManagerVersion,
		EngineVersion:  req.EngineVersion,
		CreatedOn:      now,
		ModifiedOn:     now,
	}

	id, err := tx.CreateManager(ctx, m)
	if err != nil {
		r.logger.Warn().Str("manager", m.Name).Err(err).Msg("activation failed")
		return 0, err
	}

	r.logger.Info().
		Str("manager", m.Name).
		Strs("tags", tags).
		Msg("manager activated")
	return id, nil
}

// normalizeTags lower-cases, drops blanks and deduplicates, preserving
// first-seen order.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// normalizePrograms lower-cases keys and drops blank keys.
func normalizePrograms(programs map[string]string) map[string]string {
	out := make(map[string]string, len(programs))
	for name, version := range programs {
		name = strings.ToLower(name)
		if name == "" {
			continue
		}
		out[name] = version
	}
	return out
}
