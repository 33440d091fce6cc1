// Package executor abstracts the backend technology a worker uses to run
// claimed tasks. Backends are polymorphic behind a small capability
// interface; the worker agent consumes whichever variant it is given.
package executor

import (
	"context"

	"github.com/taskfleet/taskfleet/pkg/types"
)

// Result is the outcome of one executed task.
type Result struct {
	TaskID   int64
	Status   types.TaskStatus
	Walltime float64 // seconds
	Output   string
}

// Executor runs tasks on some backend.
type Executor interface {
	// Submit hands a claimed task to the backend. It returns an error if
	// the backend has no free capacity.
	Submit(ctx context.Context, task *types.Task) error

	// CollectCompleted drains results for tasks that have finished since
	// the last call.
	CollectCompleted(ctx context.Context) ([]*Result, error)

	// Await blocks until every in-flight task has finished.
	Await(ctx context.Context) error

	// ActiveTasks reports how many tasks are currently in flight.
	ActiveTasks() int

	// Close shuts the backend down. In-flight tasks are awaited first.
	Close() error
}
