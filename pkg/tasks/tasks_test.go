package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/pkg/storage"
	"github.com/taskfleet/taskfleet/pkg/types"
)

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(store), store
}

func TestEnqueueRejectsEmptyTag(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Enqueue(context.Background(), &types.Task{Payload: "work"})
	assert.Error(t, err)
}

func TestClaimMatchesTags(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, &types.Task{Tag: "gpu"})
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, &types.Task{Tag: "cpu"})
	require.NoError(t, err)

	claimed, err := svc.Claim(ctx, "mgr-1", []string{"gpu"}, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "gpu", claimed[0].Tag)

	// The assigned task is not claimable twice.
	claimed, err = svc.Claim(ctx, "mgr-2", []string{"gpu"}, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestCompleteRequiresTerminalStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, &types.Task{Tag: "gpu"})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, "mgr-1", []string{"gpu"}, 1)
	require.NoError(t, err)

	assert.Error(t, svc.Complete(ctx, id, types.TaskStatusWaiting))
	require.NoError(t, svc.Complete(ctx, id, types.TaskStatusComplete))

	task, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusComplete, task.Status)
}

func TestResetAssignedOnlyTouchesOwner(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	idA, err := svc.Enqueue(ctx, &types.Task{Tag: "gpu"})
	require.NoError(t, err)
	idB, err := svc.Enqueue(ctx, &types.Task{Tag: "cpu"})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, "mgr-a", []string{"gpu"}, 1)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, "mgr-b", []string{"cpu"}, 1)
	require.NoError(t, err)

	var ids []int64
	err = store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		ids, err = svc.ResetAssigned(ctx, tx, "mgr-a")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{idA}, ids)

	taskB, err := svc.Get(ctx, idB)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, taskB.Status)
	assert.Equal(t, "mgr-b", taskB.ManagerName)
}
