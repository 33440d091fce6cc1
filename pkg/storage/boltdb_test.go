package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedManager(t *testing.T, store *BoltStore, name string, status types.ManagerStatus, modified time.Time) int64 {
	t.Helper()
	var id int64
	err := store.InTx(context.Background(), func(tx Tx) error {
		var err error
		id, err = tx.CreateManager(context.Background(), &types.Manager{
			Name:       name,
			Cluster:    "c1",
			Hostname:   "h1",
			Tags:       []string{"*"},
			Programs:   map[string]string{"psi4": ""},
			Status:     status,
			CreatedOn:  modified,
			ModifiedOn: modified,
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestCreateManagerDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedManager(t, store, "c1-h1-x", types.ManagerStatusActive, time.Now().UTC())

	err := store.InTx(ctx, func(tx Tx) error {
		_, err := tx.CreateManager(ctx, &types.Manager{Name: "c1-h1-x"})
		return err
	})
	assert.ErrorIs(t, err, types.ErrDuplicateManager)
}

func TestGetManagerForUpdateAbsent(t *testing.T) {
	store := newTestStore(t)

	err := store.InTx(context.Background(), func(tx Tx) error {
		m, err := tx.GetManagerForUpdate(context.Background(), "missing")
		require.NoError(t, err)
		assert.Nil(t, m)
		return nil
	})
	require.NoError(t, err)
}

func TestDeactivateManagersConditional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedManager(t, store, "m-active", types.ManagerStatusActive, now)
	seedManager(t, store, "m-inactive", types.ManagerStatusInactive, now)

	// Only active rows transition; the already-inactive row is untouched
	// even when named explicitly.
	var deactivated []string
	err := store.InTx(ctx, func(tx Tx) error {
		var err error
		deactivated, err = tx.DeactivateManagers(ctx,
			[]string{"m-active", "m-inactive"}, nil, now.Add(time.Second))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-active"}, deactivated)

	err = store.InView(ctx, func(tx Tx) error {
		found, err := tx.GetManagers(ctx, []string{"m-active"})
		require.NoError(t, err)
		m := found["m-active"]
		assert.Equal(t, types.ManagerStatusInactive, m.Status)
		assert.True(t, m.ModifiedOn.Equal(now.Add(time.Second)))
		return nil
	})
	require.NoError(t, err)
}

func TestDeactivateManagersCombinesNameAndCutoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	seedManager(t, store, "m-old", types.ManagerStatusActive, base.Add(-time.Hour))
	seedManager(t, store, "m-new", types.ManagerStatusActive, base)

	cutoff := base.Add(-time.Minute)

	// Both filters supplied: a manager must match both. m-new is named but
	// fresh, so it survives.
	var deactivated []string
	err := store.InTx(ctx, func(tx Tx) error {
		var err error
		deactivated, err = tx.DeactivateManagers(ctx,
			[]string{"m-old", "m-new"}, &cutoff, base)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m-old"}, deactivated)
}

func TestClaimAndResetTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx Tx) error {
		for _, tag := range []string{"gpu", "gpu", "cpu"} {
			if _, err := tx.CreateTask(ctx, &types.Task{Tag: tag}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var claimed []*types.Task
	err = store.InTx(ctx, func(tx Tx) error {
		var err error
		claimed, err = tx.ClaimTasks(ctx, "mgr-1", []string{"gpu"}, 10)
		return err
	})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, task := range claimed {
		assert.Equal(t, types.TaskStatusAssigned, task.Status)
		assert.Equal(t, "mgr-1", task.ManagerName)
	}

	var ids []int64
	err = store.InTx(ctx, func(tx Tx) error {
		var err error
		ids, err = tx.ResetAssignedTasks(ctx, "mgr-1")
		return err
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	// Resetting again finds nothing: the operation is idempotent.
	err = store.InTx(ctx, func(tx Tx) error {
		var err error
		ids, err = tx.ResetAssignedTasks(ctx, "mgr-1")
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestClaimTasksWildcardTag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx Tx) error {
		for _, tag := range []string{"gpu", "cpu", "batch"} {
			if _, err := tx.CreateTask(ctx, &types.Task{Tag: tag}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var claimed []*types.Task
	err = store.InTx(ctx, func(tx Tx) error {
		var err error
		claimed, err = tx.ClaimTasks(ctx, "mgr-any", []string{"*"}, 2)
		return err
	})
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestQueryManagersPaginatesByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Names sort differently than ids on purpose.
	seedManager(t, store, "zz", types.ManagerStatusActive, now)
	seedManager(t, store, "aa", types.ManagerStatusActive, now)
	seedManager(t, store, "mm", types.ManagerStatusActive, now)

	err := store.InView(ctx, func(tx Tx) error {
		nFound, managers, err := tx.QueryManagers(ctx, Filter{}, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, nFound)
		require.Len(t, managers, 2)
		assert.Equal(t, "zz", managers[0].Name)
		assert.Equal(t, "aa", managers[1].Name)
		return nil
	})
	require.NoError(t, err)
}

func TestQueryManagerLogsUnknownManager(t *testing.T) {
	store := newTestStore(t)

	err := store.InView(context.Background(), func(tx Tx) error {
		nFound, logs, err := tx.QueryManagerLogs(context.Background(),
			LogFilter{ManagerName: "nobody"}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, nFound)
		assert.Empty(t, logs)
		return nil
	})
	require.NoError(t, err)
}

func TestCompleteTaskNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.InTx(context.Background(), func(tx Tx) error {
		return tx.CompleteTask(context.Background(), 42, types.TaskStatusComplete)
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
}
