package storage

import (
	"context"
	"time"

	"github.com/taskfleet/taskfleet/pkg/types"
)

// Filter narrows a manager query. All populated fields combine with AND.
type Filter struct {
	IDs       []int64
	Names     []string
	Clusters  []string
	Hostnames []string
	Statuses  []types.ManagerStatus
	// ModifiedBefore matches strictly-before; ModifiedAfter strictly-after.
	ModifiedBefore *time.Time
	ModifiedAfter  *time.Time
}

// LogFilter narrows a manager-log query.
type LogFilter struct {
	ManagerName string
	Before      *time.Time
	After       *time.Time
}

// Tx is one transaction against the store. Every mutation of manager or
// task state happens through a Tx so that a lifecycle operation and its
// side effects commit or roll back as a unit.
type Tx interface {
	// CreateManager inserts a new manager and returns its assigned id.
	// The uniqueness check happens inside the transaction; a name
	// collision returns types.ErrDuplicateManager.
	CreateManager(ctx context.Context, m *types.Manager) (int64, error)

	// GetManagerForUpdate loads a manager row under a blocking exclusive
	// lock. Two callers for the same name fully serialize. Returns
	// (nil, nil) when the name does not exist.
	GetManagerForUpdate(ctx context.Context, name string) (*types.Manager, error)

	// UpdateManagerStats overwrites the manager's resource counters and
	// appends exactly one log snapshot.
	UpdateManagerStats(ctx context.Context, m *types.Manager, snap *types.ManagerLog) error

	// DeactivateManagers flips status active->inactive and stamps
	// modified_on for every active manager matching the name set and/or
	// the staleness cutoff, as one atomic conditional update. It returns
	// the names actually transitioned; rows already inactive are excluded.
	DeactivateManagers(ctx context.Context, names []string, modifiedBefore *time.Time, now time.Time) ([]string, error)

	// GetManagers returns the named managers keyed by name. Missing names
	// are simply absent from the map.
	GetManagers(ctx context.Context, names []string) (map[string]*types.Manager, error)

	// QueryManagers returns the total match count before pagination and
	// the page of managers ordered by id ascending.
	QueryManagers(ctx context.Context, f Filter, limit, skip int) (int, []*types.Manager, error)

	// QueryManagerLogs returns the total match count and a page of log
	// snapshots ordered by id ascending.
	QueryManagerLogs(ctx context.Context, f LogFilter, limit, skip int) (int, []*types.ManagerLog, error)

	// CreateTask enqueues a task in the waiting state.
	CreateTask(ctx context.Context, t *types.Task) (int64, error)

	// GetTask returns a task by id, or (nil, nil) if absent.
	GetTask(ctx context.Context, id int64) (*types.Task, error)

	// ClaimTasks assigns up to limit waiting tasks matching one of the
	// tags to the named manager and returns them. A "*" tag matches all.
	ClaimTasks(ctx context.Context, managerName string, tags []string, limit int) ([]*types.Task, error)

	// CompleteTask moves an assigned task to a terminal status.
	CompleteTask(ctx context.Context, id int64, status types.TaskStatus) error

	// ResetAssignedTasks returns every task assigned to the named manager
	// to the waiting pool and reports the affected task ids. Calling it
	// again for the same manager is a no-op.
	ResetAssignedTasks(ctx context.Context, managerName string) ([]int64, error)
}

// Store opens transactions against the backing database. Operations either
// join a caller-supplied Tx or run inside one created here, committed or
// rolled back on every exit path.
type Store interface {
	// InTx runs fn inside a read-write transaction.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// InView runs fn inside a read-only transaction.
	InView(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
