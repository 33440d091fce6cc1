package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/taskfleet/taskfleet/pkg/storage"
	"github.com/taskfleet/taskfleet/pkg/types"
)

// ManagerRecord is a projected manager, keyed by JSON field name.
type ManagerRecord = map[string]any

// Get returns the named managers in exactly the input order.
//
// With missingOk false, any absent name fails the whole batch with
// types.ErrNotFound; with missingOk true, absent names yield nil entries
// positionally. Requesting more names than the configured limit fails with
// types.ErrRequestTooLarge before touching storage.
func (r *Registry) Get(ctx context.Context, names []string, proj Projection, missingOk bool) ([]ManagerRecord, error) {
	if len(names) > r.limits.Managers {
		return nil, fmt.Errorf("%w: requested %d managers, limit is %d",
			types.ErrRequestTooLarge, len(names), r.limits.Managers)
	}
	if err := proj.validate(); err != nil {
		return nil, err
	}

	var found map[string]*types.Manager
	err := r.store.InView(ctx, func(tx storage.Tx) error {
		var err error
		found, err = tx.GetManagers(ctx, names)
		return err
	})
	if err != nil {
		return nil, err
	}

	records := make([]ManagerRecord, len(names))
	for i, name := range names {
		m, ok := found[name]
		if !ok {
			if !missingOk {
				return nil, fmt.Errorf("%w: manager %s", types.ErrNotFound, name)
			}
			continue
		}
		rec, err := proj.apply(m)
		if err != nil {
			return nil, err
		}
		records[i] = rec
	}
	return records, nil
}

// QueryFilter narrows a manager query; all populated fields combine with
// logical AND.
type QueryFilter struct {
	IDs            []int64               `json:"ids,omitempty"`
	Names          []string              `json:"names,omitempty"`
	Clusters       []string              `json:"clusters,omitempty"`
	Hostnames      []string              `json:"hostnames,omitempty"`
	Statuses       []types.ManagerStatus `json:"statuses,omitempty"`
	ModifiedBefore *time.Time            `json:"modified_before,omitempty"`
	ModifiedAfter  *time.Time            `json:"modified_after,omitempty"`
}

// Query returns managers matching the filter, paginated and projected.
// The limit is clamped to the configured maximum; skip offsets before the
// limit applies. Results are ordered by id, so pagination is stable.
func (r *Registry) Query(ctx context.Context, filter QueryFilter, proj Projection, limit, skip int) (types.QueryMetadata, []ManagerRecord, error) {
	var meta types.QueryMetadata

	if len(filter.Names) > r.limits.Managers {
		return meta, nil, fmt.Errorf("%w: query names %d, limit is %d",
			types.ErrRequestTooLarge, len(filter.Names), r.limits.Managers)
	}
	if err := proj.validate(); err != nil {
		return meta, nil, err
	}
	limit = clampLimit(r.limits.Managers, limit)

	var managers []*types.Manager
	err := r.store.InView(ctx, func(tx storage.Tx) error {
		var err error
		meta.NFound, managers, err = tx.QueryManagers(ctx, storage.Filter{
			IDs:            filter.IDs,
			Names:          filter.Names,
			Clusters:       filter.Clusters,
			Hostnames:      filter.Hostnames,
			Statuses:       filter.Statuses,
			ModifiedBefore: filter.ModifiedBefore,
			ModifiedAfter:  filter.ModifiedAfter,
		}, limit, skip)
		return err
	})
	if err != nil {
		return meta, nil, err
	}

	records := make([]ManagerRecord, 0, len(managers))
	for _, m := range managers {
		rec, err := proj.apply(m)
		if err != nil {
			return meta, nil, err
		}
		records = append(records, rec)
	}
	meta.NReturned = len(records)
	return meta, records, nil
}

// QueryLogs returns a page of the named manager's counter snapshots,
// ordered oldest first. An unknown manager yields an empty result.
func (r *Registry) QueryLogs(ctx context.Context, name string, before, after *time.Time, limit, skip int) (types.QueryMetadata, []*types.ManagerLog, error) {
	var meta types.QueryMetadata
	limit = clampLimit(r.limits.ManagerLogs, limit)

	var logs []*types.ManagerLog
	err := r.store.InView(ctx, func(tx storage.Tx) error {
		var err error
		meta.NFound, logs, err = tx.QueryManagerLogs(ctx, storage.LogFilter{
			ManagerName: name,
			Before:      before,
			After:       after,
		}, limit, skip)
		return err
	})
	if err != nil {
		return meta, nil, err
	}

	meta.NReturned = len(logs)
	return meta, logs, nil
}

// clampLimit resolves a caller-supplied limit against the configured
// maximum: unset or oversized requests fall back to the maximum.
func clampLimit(maximum, requested int) int {
	if requested <= 0 || requested > maximum {
		return maximum
	}
	return requested
}
