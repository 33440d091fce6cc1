package types

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManagerNameFullname(t *testing.T) {
	name := ManagerName{Cluster: "slurm", Hostname: "node-12", UUID: "abc-123"}
	assert.Equal(t, "slurm-node-12-abc-123", name.Fullname())
}

func TestManagerSnapshot(t *testing.T) {
	now := time.Now().UTC()
	m := &Manager{
		ID:                  9,
		ModifiedOn:          now,
		Claimed:             10,
		Successes:           7,
		Failures:            2,
		Rejected:            1,
		TotalWorkerWalltime: 300.5,
		TotalTaskWalltime:   120.25,
		ActiveTasks:         4,
	}

	snap := m.Snapshot()
	assert.Equal(t, int64(9), snap.ManagerID)
	assert.True(t, snap.Timestamp.Equal(now))
	assert.Equal(t, int64(10), snap.Claimed)
	assert.Equal(t, 120.25, snap.TotalTaskWalltime)
	assert.Equal(t, 4, snap.ActiveTasks)
}

func TestIsShutdownDirective(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrDuplicateManager, true},
		{ErrUnknownManager, true},
		{ErrInactiveManager, true},
		{fmt.Errorf("wrapped: %w", ErrInactiveManager), true},
		{ErrInvalidManagerConfig, false},
		{ErrNotFound, false},
		{ErrRequestTooLarge, false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsShutdownDirective(tt.err), "err=%v", tt.err)
	}
}
