package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskfleet/taskfleet/pkg/types"
)

// TaskFunc executes one task and returns its output. The local executor
// wraps it with timing and status bookkeeping.
type TaskFunc func(ctx context.Context, task *types.Task) (string, error)

// Local runs tasks in a bounded in-process worker pool.
type Local struct {
	slots int
	run   TaskFunc

	mu        sync.Mutex
	inFlight  int
	completed []*Result
	wg        sync.WaitGroup
	closed    bool
}

// NewLocal creates a local executor with the given number of slots.
func NewLocal(slots int, run TaskFunc) *Local {
	if slots <= 0 {
		slots = 1
	}
	return &Local{slots: slots, run: run}
}

// Submit starts the task on a pool goroutine.
func (l *Local) Submit(ctx context.Context, task *types.Task) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("executor is closed")
	}
	if l.inFlight >= l.slots {
		l.mu.Unlock()
		return fmt.Errorf("no free slots (%d in flight)", l.slots)
	}
	l.inFlight++
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		start := time.Now()
		output, err := l.run(ctx, task)

		result := &Result{
			TaskID:   task.ID,
			Status:   types.TaskStatusComplete,
			Walltime: time.Since(start).Seconds(),
			Output:   output,
		}
		if err != nil {
			result.Status = types.TaskStatusError
			result.Output = err.Error()
		}

		l.mu.Lock()
		l.inFlight--
		l.completed = append(l.completed, result)
		l.mu.Unlock()
	}()
	return nil
}

// CollectCompleted drains and returns finished results.
func (l *Local) CollectCompleted(ctx context.Context) ([]*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	results := l.completed
	l.completed = nil
	return results, nil
}

// Await blocks until all in-flight tasks finish or ctx is done.
func (l *Local) Await(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveTasks reports the number of in-flight tasks.
func (l *Local) ActiveTasks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// Close waits for in-flight tasks and rejects further submissions.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}
