package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/taskfleet/taskfleet/pkg/types"
)

var (
	// Bucket names
	bucketManagers    = []byte("managers")
	bucketManagerLogs = []byte("manager_logs")
	bucketTasks       = []byte("tasks")
)

// BoltStore implements Store using BoltDB. Bolt allows a single writable
// transaction at a time, so every InTx body runs fully serialized: the
// exclusive row lock and the conditional deactivation update both fall out
// of the single-writer model.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the bolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fleet.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketManagers, bucketManagerLogs, bucketTasks}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// InTx runs fn inside a writable transaction.
func (s *BoltStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// InView runs fn inside a read-only transaction.
func (s *BoltStore) InView(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// boltTx adapts a bolt transaction to the Tx interface.
type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) CreateManager(ctx context.Context, m *types.Manager) (int64, error) {
	b := t.tx.Bucket(bucketManagers)
	if b.Get([]byte(m.Name)) != nil {
		return 0, fmt.Errorf("%w: %s", types.ErrDuplicateManager, m.Name)
	}

	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	m.ID = int64(seq)

	data, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	if err := b.Put([]byte(m.Name), data); err != nil {
		return 0, err
	}
	return m.ID, nil
}

func (t *boltTx) GetManagerForUpdate(ctx context.Context, name string) (*types.Manager, error) {
	// The enclosing writable transaction is bolt's single writer, so this
	// read-modify-write is already exclusive.
	b := t.tx.Bucket(bucketManagers)
	data := b.Get([]byte(name))
	if data == nil {
		return nil, nil
	}
	var m types.Manager
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *boltTx) UpdateManagerStats(ctx context.Context, m *types.Manager, snap *types.ManagerLog) error {
	b := t.tx.Bucket(bucketManagers)
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := b.Put([]byte(m.Name), data); err != nil {
		return err
	}

	logs := t.tx.Bucket(bucketManagerLogs)
	seq, err := logs.NextSequence()
	if err != nil {
		return err
	}
	snap.ID = int64(seq)

	logData, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return logs.Put(itob(seq), logData)
}

func (t *boltTx) DeactivateManagers(ctx context.Context, names []string, modifiedBefore *time.Time, now time.Time) ([]string, error) {
	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}

	b := t.tx.Bucket(bucketManagers)

	// Collect first, then write: mutating a bucket invalidates its cursor.
	var matched []*types.Manager
	err := b.ForEach(func(k, v []byte) error {
		var m types.Manager
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		if m.Status != types.ManagerStatusActive {
			return nil
		}
		if len(names) > 0 && !nameSet[m.Name] {
			return nil
		}
		if modifiedBefore != nil && !m.ModifiedOn.Before(*modifiedBefore) {
			return nil
		}
		matched = append(matched, &m)
		return nil
	})
	if err != nil {
		return nil, err
	}

	deactivated := make([]string, 0, len(matched))
	for _, m := range matched {
		m.Status = types.ManagerStatusInactive
		m.ModifiedOn = now
		data, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		if err := b.Put([]byte(m.Name), data); err != nil {
			return nil, err
		}
		deactivated = append(deactivated, m.Name)
	}
	return deactivated, nil
}

func (t *boltTx) GetManagers(ctx context.Context, names []string) (map[string]*types.Manager, error) {
	b := t.tx.Bucket(bucketManagers)
	found := make(map[string]*types.Manager, len(names))
	for _, name := range names {
		data := b.Get([]byte(name))
		if data == nil {
			continue
		}
		var m types.Manager
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		found[name] = &m
	}
	return found, nil
}

func (t *boltTx) QueryManagers(ctx context.Context, f Filter, limit, skip int) (int, []*types.Manager, error) {
	b := t.tx.Bucket(bucketManagers)

	var matched []*types.Manager
	err := b.ForEach(func(k, v []byte) error {
		var m types.Manager
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		if matchesFilter(&m, f) {
			matched = append(matched, &m)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	// Keys iterate in name order; pagination relies on id order.
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	nFound := len(matched)
	return nFound, page(matched, limit, skip), nil
}

func (t *boltTx) QueryManagerLogs(ctx context.Context, f LogFilter, limit, skip int) (int, []*types.ManagerLog, error) {
	mgr, err := t.GetManagerForUpdate(ctx, f.ManagerName)
	if err != nil {
		return 0, nil, err
	}
	if mgr == nil {
		return 0, nil, nil
	}

	logs := t.tx.Bucket(bucketManagerLogs)
	var matched []*types.ManagerLog
	err = logs.ForEach(func(k, v []byte) error {
		var entry types.ManagerLog
		if err := json.Unmarshal(v, &entry); err != nil {
			return err
		}
		if entry.ManagerID != mgr.ID {
			return nil
		}
		if f.Before != nil && !entry.Timestamp.Before(*f.Before) {
			return nil
		}
		if f.After != nil && !entry.Timestamp.After(*f.After) {
			return nil
		}
		matched = append(matched, &entry)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	// Log keys are sequential, so iteration order is already id order.
	nFound := len(matched)
	return nFound, page(matched, limit, skip), nil
}

func (t *boltTx) CreateTask(ctx context.Context, task *types.Task) (int64, error) {
	b := t.tx.Bucket(bucketTasks)
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	task.ID = int64(seq)
	if task.Status == "" {
		task.Status = types.TaskStatusWaiting
	}
	now := time.Now().UTC()
	if task.CreatedOn.IsZero() {
		task.CreatedOn = now
	}
	task.ModifiedOn = now

	data, err := json.Marshal(task)
	if err != nil {
		return 0, err
	}
	if err := b.Put(itob(seq), data); err != nil {
		return 0, err
	}
	return task.ID, nil
}

func (t *boltTx) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	b := t.tx.Bucket(bucketTasks)
	data := b.Get(itob(uint64(id)))
	if data == nil {
		return nil, nil
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (t *boltTx) ClaimTasks(ctx context.Context, managerName string, tags []string, limit int) ([]*types.Task, error) {
	matchAll := false
	tagSet := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if tag == "*" {
			matchAll = true
		}
		tagSet[tag] = true
	}

	b := t.tx.Bucket(bucketTasks)
	var claimable []*types.Task
	err := b.ForEach(func(k, v []byte) error {
		if len(claimable) >= limit {
			return nil
		}
		var task types.Task
		if err := json.Unmarshal(v, &task); err != nil {
			return err
		}
		if task.Status != types.TaskStatusWaiting {
			return nil
		}
		if !matchAll && !tagSet[task.Tag] {
			return nil
		}
		claimable = append(claimable, &task)
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, task := range claimable {
		task.Status = types.TaskStatusAssigned
		task.ManagerName = managerName
		task.ModifiedOn = now
		data, err := json.Marshal(task)
		if err != nil {
			return nil, err
		}
		if err := b.Put(itob(uint64(task.ID)), data); err != nil {
			return nil, err
		}
	}
	return claimable, nil
}

func (t *boltTx) CompleteTask(ctx context.Context, id int64, status types.TaskStatus) error {
	task, err := t.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: task %d", types.ErrNotFound, id)
	}

	task.Status = status
	task.ModifiedOn = time.Now().UTC()

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketTasks).Put(itob(uint64(id)), data)
}

func (t *boltTx) ResetAssignedTasks(ctx context.Context, managerName string) ([]int64, error) {
	b := t.tx.Bucket(bucketTasks)

	var orphaned []*types.Task
	err := b.ForEach(func(k, v []byte) error {
		var task types.Task
		if err := json.Unmarshal(v, &task); err != nil {
			return err
		}
		if task.Status == types.TaskStatusAssigned && task.ManagerName == managerName {
			orphaned = append(orphaned, &task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ids := make([]int64, 0, len(orphaned))
	for _, task := range orphaned {
		task.Status = types.TaskStatusWaiting
		task.ManagerName = ""
		task.ModifiedOn = now
		data, err := json.Marshal(task)
		if err != nil {
			return nil, err
		}
		if err := b.Put(itob(uint64(task.ID)), data); err != nil {
			return nil, err
		}
		ids = append(ids, task.ID)
	}
	return ids, nil
}

// matchesFilter reports whether m satisfies every populated filter field.
func matchesFilter(m *types.Manager, f Filter) bool {
	if len(f.IDs) > 0 && !containsInt64(f.IDs, m.ID) {
		return false
	}
	if len(f.Names) > 0 && !containsString(f.Names, m.Name) {
		return false
	}
	if len(f.Clusters) > 0 && !containsString(f.Clusters, m.Cluster) {
		return false
	}
	if len(f.Hostnames) > 0 && !containsString(f.Hostnames, m.Hostname) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if m.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ModifiedBefore != nil && !m.ModifiedOn.Before(*f.ModifiedBefore) {
		return false
	}
	if f.ModifiedAfter != nil && !m.ModifiedOn.After(*f.ModifiedAfter) {
		return false
	}
	return true
}

func page[T any](items []T, limit, skip int) []T {
	if skip >= len(items) {
		return nil
	}
	items = items[skip:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsInt64(haystack []int64, needle int64) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// itob converts a bucket sequence number to a big-endian key.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
