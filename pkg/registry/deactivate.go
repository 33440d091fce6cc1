package registry

import (
	"context"
	"strconv"
	"time"

	"github.com/taskfleet/taskfleet/pkg/events"
	"github.com/taskfleet/taskfleet/pkg/metrics"
	"github.com/taskfleet/taskfleet/pkg/storage"
)

// DeactivateRequest selects which managers to deactivate. Names and
// ModifiedBefore may be combined; managers must then match both. With
// neither supplied the call is a deliberate no-op, so a careless sweep
// cannot take down the whole fleet.
type DeactivateRequest struct {
	Names []string `json:"names,omitempty"`
	// ModifiedBefore deactivates managers whose last heartbeat is older
	// than this cutoff.
	ModifiedBefore *time.Time `json:"modified_before,omitempty"`
	// Reason is recorded in the log for every deactivated manager.
	Reason string `json:"reason,omitempty"`
}

// Deactivate marks matching active managers inactive and returns the tasks
// they held to the waiting pool, as one atomic unit. It returns the names
// actually transitioned; names that were already inactive are not included
// and an empty result is not an error.
func (r *Registry) Deactivate(ctx context.Context, req DeactivateRequest) ([]string, error) {
	var deactivated []string
	var released map[string]int

	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		deactivated, released, err = r.deactivateTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	trigger := "named"
	if req.ModifiedBefore != nil {
		trigger = "stale"
	}
	metrics.ManagerDeactivationsTotal.WithLabelValues(trigger).Add(float64(len(deactivated)))

	totalReleased := 0
	for _, name := range deactivated {
		totalReleased += released[name]
		metrics.TasksReleasedTotal.Add(float64(released[name]))
		r.publish(&events.Event{
			Type:    events.EventManagerDeactivated,
			Manager: name,
			Message: req.Reason,
			Metadata: map[string]string{
				"trigger":        trigger,
				"recycled_tasks": strconv.Itoa(released[name]),
			},
		})
	}
	if totalReleased > 0 {
		r.publish(&events.Event{
			Type:     events.EventTasksReleased,
			Metadata: map[string]string{"count": strconv.Itoa(totalReleased)},
		})
	}
	return deactivated, nil
}

// DeactivateTx is Deactivate joined to a caller-supplied transaction.
// Metrics and events are only emitted by Deactivate, which owns the commit.
func (r *Registry) DeactivateTx(ctx context.Context, tx storage.Tx, req DeactivateRequest) ([]string, error) {
	deactivated, _, err := r.deactivateTx(ctx, tx, req)
	return deactivated, err
}

func (r *Registry) deactivateTx(ctx context.Context, tx storage.Tx, req DeactivateRequest) ([]string, map[string]int, error) {
	if len(req.Names) == 0 && req.ModifiedBefore == nil {
		return []string{}, nil, nil
	}

	reason := req.Reason
	if reason == "" {
		reason = "(none given)"
	}

	now := time.Now().UTC()

	// One conditional update on status = active is the serialization point
	// against concurrent heartbeats: a heartbeat that commits first keeps
	// its row out of this sweep, and a row flipped here fails any later
	// heartbeat's status check.
	deactivated, err := tx.DeactivateManagers(ctx, req.Names, req.ModifiedBefore, now)
	if err != nil {
		return nil, nil, err
	}

	released := make(map[string]int, len(deactivated))
	for _, name := range deactivated {
		ids, err := r.tasks.ResetAssigned(ctx, tx, name)
		if err != nil {
			// Roll back the whole batch, status flips included: the
			// manager rows must not go inactive while their tasks stay
			// attached.
			return nil, nil, err
		}
		released[name] = len(ids)

		r.logger.Info().
			Str("manager", name).
			Str("reason", reason).
			Int("recycled_tasks", len(ids)).
			Msg("manager deactivated")
	}

	return deactivated, released, nil
}
