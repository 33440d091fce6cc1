package types

import (
	"fmt"
	"time"
)

// ManagerStatus represents the lifecycle state of a compute manager.
// The transition is monotonic: once inactive, a name never returns to active.
type ManagerStatus string

const (
	ManagerStatusActive   ManagerStatus = "active"
	ManagerStatusInactive ManagerStatus = "inactive"
)

// ManagerName identifies a single manager process instance. The UUID token
// makes the full name unique per process, so a name collision on activation
// means a misbehaving or duplicated worker, not a retryable race.
type ManagerName struct {
	Cluster  string `json:"cluster"`
	Hostname string `json:"hostname"`
	UUID     string `json:"uuid"`
}

// Fullname returns the globally unique manager name.
func (n ManagerName) Fullname() string {
	return fmt.Sprintf("%s-%s-%s", n.Cluster, n.Hostname, n.UUID)
}

// Manager is one registered worker process instance.
type Manager struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Cluster  string `json:"cluster"`
	Hostname string `json:"hostname"`
	Username string `json:"username,omitempty"`

	// Capability advertisement. Tags are lower-cased, deduplicated and keep
	// insertion order; program keys are lower-cased, values are optional
	// version strings.
	Tags     []string          `json:"tags"`
	Programs map[string]string `json:"programs"`

	Status         ManagerStatus `json:"status"`
	ManagerVersion string        `json:"manager_version"`
	EngineVersion  string        `json:"execution_engine_version"`

	Claimed   int64 `json:"claimed"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rejected  int64 `json:"rejected"`

	TotalWorkerWalltime float64 `json:"total_worker_walltime"`
	TotalTaskWalltime   float64 `json:"total_task_walltime"`
	ActiveTasks         int     `json:"active_tasks"`
	ActiveCores         int     `json:"active_cores"`
	ActiveMemory        float64 `json:"active_memory"`

	CreatedOn  time.Time `json:"created_on"`
	ModifiedOn time.Time `json:"modified_on"`
}

// ManagerLog is an immutable point-in-time snapshot of a manager's counters.
// Exactly one is appended on every successful resource-stat update.
type ManagerLog struct {
	ID        int64     `json:"id"`
	ManagerID int64     `json:"manager_id"`
	Timestamp time.Time `json:"timestamp"`

	Claimed   int64 `json:"claimed"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rejected  int64 `json:"rejected"`

	TotalWorkerWalltime float64 `json:"total_worker_walltime"`
	TotalTaskWalltime   float64 `json:"total_task_walltime"`
	ActiveTasks         int     `json:"active_tasks"`
	ActiveCores         int     `json:"active_cores"`
	ActiveMemory        float64 `json:"active_memory"`
}

// Snapshot copies the manager's current counters into a new log entry
// stamped with the manager's modified_on time.
func (m *Manager) Snapshot() *ManagerLog {
	return &ManagerLog{
		ManagerID:           m.ID,
		Timestamp:           m.ModifiedOn,
		Claimed:             m.Claimed,
		Successes:           m.Successes,
		Failures:            m.Failures,
		Rejected:            m.Rejected,
		TotalWorkerWalltime: m.TotalWorkerWalltime,
		TotalTaskWalltime:   m.TotalTaskWalltime,
		ActiveTasks:         m.ActiveTasks,
		ActiveCores:         m.ActiveCores,
		ActiveMemory:        m.ActiveMemory,
	}
}

// TaskStatus represents the state of a unit of work.
type TaskStatus string

const (
	TaskStatusWaiting  TaskStatus = "waiting"
	TaskStatusAssigned TaskStatus = "assigned"
	TaskStatusComplete TaskStatus = "complete"
	TaskStatusError    TaskStatus = "error"
)

// Task is a unit of work pulled from the central queue. A task is assigned
// to at most one manager at a time; deactivating that manager returns the
// task to the waiting pool.
type Task struct {
	ID          int64      `json:"id"`
	Tag         string     `json:"tag"`
	Status      TaskStatus `json:"status"`
	ManagerName string     `json:"manager_name,omitempty"`
	Payload     string     `json:"payload,omitempty"`
	CreatedOn   time.Time  `json:"created_on"`
	ModifiedOn  time.Time  `json:"modified_on"`
}

// QueryMetadata describes the result envelope of a paginated query.
type QueryMetadata struct {
	NFound    int `json:"n_found"`
	NReturned int `json:"n_returned"`
}
