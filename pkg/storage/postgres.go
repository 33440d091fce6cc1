package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskfleet/taskfleet/pkg/types"
)

const pgUniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS compute_managers (
	id                     BIGSERIAL PRIMARY KEY,
	name                   TEXT NOT NULL UNIQUE,
	cluster                TEXT NOT NULL,
	hostname               TEXT NOT NULL,
	username               TEXT NOT NULL DEFAULT '',
	tags                   JSONB NOT NULL,
	programs               JSONB NOT NULL,
	status                 TEXT NOT NULL,
	manager_version        TEXT NOT NULL DEFAULT '',
	engine_version         TEXT NOT NULL DEFAULT '',
	claimed                BIGINT NOT NULL DEFAULT 0,
	successes              BIGINT NOT NULL DEFAULT 0,
	failures               BIGINT NOT NULL DEFAULT 0,
	rejected               BIGINT NOT NULL DEFAULT 0,
	total_worker_walltime  DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_task_walltime    DOUBLE PRECISION NOT NULL DEFAULT 0,
	active_tasks           INTEGER NOT NULL DEFAULT 0,
	active_cores           INTEGER NOT NULL DEFAULT 0,
	active_memory          DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_on             TIMESTAMPTZ NOT NULL,
	modified_on            TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_compute_managers_status
	ON compute_managers (status, modified_on);

CREATE TABLE IF NOT EXISTS compute_manager_logs (
	id                     BIGSERIAL PRIMARY KEY,
	manager_id             BIGINT NOT NULL REFERENCES compute_managers (id),
	timestamp              TIMESTAMPTZ NOT NULL,
	claimed                BIGINT NOT NULL,
	successes              BIGINT NOT NULL,
	failures               BIGINT NOT NULL,
	rejected               BIGINT NOT NULL,
	total_worker_walltime  DOUBLE PRECISION NOT NULL,
	total_task_walltime    DOUBLE PRECISION NOT NULL,
	active_tasks           INTEGER NOT NULL,
	active_cores           INTEGER NOT NULL,
	active_memory          DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_compute_manager_logs_manager
	ON compute_manager_logs (manager_id, timestamp);

CREATE TABLE IF NOT EXISTS tasks (
	id            BIGSERIAL PRIMARY KEY,
	tag           TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'waiting',
	manager_name  TEXT NOT NULL DEFAULT '',
	payload       TEXT NOT NULL DEFAULT '',
	created_on    TIMESTAMPTZ NOT NULL,
	modified_on   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_tag ON tasks (status, tag);
CREATE INDEX IF NOT EXISTS idx_tasks_manager ON tasks (manager_name) WHERE status = 'assigned';
`

const managerColumns = `id, name, cluster, hostname, username, tags, programs, status,
	manager_version, engine_version, claimed, successes, failures, rejected,
	total_worker_walltime, total_task_walltime, active_tasks, active_cores,
	active_memory, created_on, modified_on`

// PostgresStore implements Store on a shared Postgres database via pgx.
// Heartbeats lock rows with SELECT ... FOR UPDATE; deactivation is a single
// conditional UPDATE ... RETURNING so it never takes row locks and cannot
// deadlock against concurrently locking heartbeats.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// InTx runs fn inside a read-write transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.runTx(ctx, pgx.TxOptions{}, fn)
}

// InView runs fn inside a read-only transaction.
func (s *PostgresStore) InView(ctx context.Context, fn func(tx Tx) error) error {
	return s.runTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (s *PostgresStore) runTx(ctx context.Context, opts pgx.TxOptions, fn func(tx Tx) error) error {
	ptx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer ptx.Rollback(ctx)

	if err := fn(&pgTx{tx: ptx}); err != nil {
		return err
	}
	return ptx.Commit(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgTx adapts a pgx transaction to the Tx interface.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateManager(ctx context.Context, m *types.Manager) (int64, error) {
	// The check-then-insert race is closed twice over: the count runs in
	// this transaction, and the unique constraint on name backstops any
	// concurrent insert that commits first.
	var count int
	err := t.tx.QueryRow(ctx,
		`SELECT count(*) FROM compute_managers WHERE name = $1`, m.Name).Scan(&count)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, fmt.Errorf("%w: %s", types.ErrDuplicateManager, m.Name)
	}

	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return 0, err
	}
	programs, err := json.Marshal(m.Programs)
	if err != nil {
		return 0, err
	}

	err = t.tx.QueryRow(ctx, `
		INSERT INTO compute_managers
			(name, cluster, hostname, username, tags, programs, status,
			 manager_version, engine_version, claimed, successes, failures,
			 rejected, total_worker_walltime, total_task_walltime,
			 active_tasks, active_cores, active_memory, created_on, modified_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20)
		RETURNING id`,
		m.Name, m.Cluster, m.Hostname, m.Username, tags, programs,
		string(m.Status), m.ManagerVersion, m.EngineVersion,
		m.Claimed, m.Successes, m.Failures, m.Rejected,
		m.TotalWorkerWalltime, m.TotalTaskWalltime,
		m.ActiveTasks, m.ActiveCores, m.ActiveMemory,
		m.CreatedOn, m.ModifiedOn,
	).Scan(&m.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, fmt.Errorf("%w: %s", types.ErrDuplicateManager, m.Name)
		}
		return 0, err
	}
	return m.ID, nil
}

func (t *pgTx) GetManagerForUpdate(ctx context.Context, name string) (*types.Manager, error) {
	// Blocking lock, no SKIP LOCKED: a second heartbeat for the same
	// manager waits instead of failing or interleaving.
	row := t.tx.QueryRow(ctx,
		`SELECT `+managerColumns+` FROM compute_managers WHERE name = $1 FOR UPDATE`, name)
	m, err := scanManager(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (t *pgTx) UpdateManagerStats(ctx context.Context, m *types.Manager, snap *types.ManagerLog) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE compute_managers SET
			total_worker_walltime = $2,
			total_task_walltime = $3,
			active_tasks = $4,
			active_cores = $5,
			active_memory = $6,
			modified_on = $7
		WHERE id = $1`,
		m.ID, m.TotalWorkerWalltime, m.TotalTaskWalltime,
		m.ActiveTasks, m.ActiveCores, m.ActiveMemory, m.ModifiedOn,
	)
	if err != nil {
		return err
	}

	return t.tx.QueryRow(ctx, `
		INSERT INTO compute_manager_logs
			(manager_id, timestamp, claimed, successes, failures, rejected,
			 total_worker_walltime, total_task_walltime, active_tasks,
			 active_cores, active_memory)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		snap.ManagerID, snap.Timestamp, snap.Claimed, snap.Successes,
		snap.Failures, snap.Rejected, snap.TotalWorkerWalltime,
		snap.TotalTaskWalltime, snap.ActiveTasks, snap.ActiveCores,
		snap.ActiveMemory,
	).Scan(&snap.ID)
}

func (t *pgTx) DeactivateManagers(ctx context.Context, names []string, modifiedBefore *time.Time, now time.Time) ([]string, error) {
	// The status = 'active' predicate is the serialization point against
	// concurrent heartbeats: whichever side commits first wins, and rows
	// flipped by a racing sweep are naturally excluded here.
	var sb strings.Builder
	sb.WriteString(`UPDATE compute_managers SET status = $1, modified_on = $2 WHERE status = $3`)
	args := []any{string(types.ManagerStatusInactive), now, string(types.ManagerStatusActive)}

	if len(names) > 0 {
		args = append(args, names)
		fmt.Fprintf(&sb, " AND name = ANY($%d)", len(args))
	}
	if modifiedBefore != nil {
		args = append(args, *modifiedBefore)
		fmt.Fprintf(&sb, " AND modified_on < $%d", len(args))
	}
	sb.WriteString(" RETURNING name")

	rows, err := t.tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deactivated := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		deactivated = append(deactivated, name)
	}
	return deactivated, rows.Err()
}

func (t *pgTx) GetManagers(ctx context.Context, names []string) (map[string]*types.Manager, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+managerColumns+` FROM compute_managers WHERE name = ANY($1)`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]*types.Manager, len(names))
	for rows.Next() {
		m, err := scanManager(rows)
		if err != nil {
			return nil, err
		}
		found[m.Name] = m
	}
	return found, rows.Err()
}

func (t *pgTx) QueryManagers(ctx context.Context, f Filter, limit, skip int) (int, []*types.Manager, error) {
	where, args := buildManagerWhere(f)

	var nFound int
	err := t.tx.QueryRow(ctx,
		`SELECT count(*) FROM compute_managers`+where, args...).Scan(&nFound)
	if err != nil {
		return 0, nil, err
	}

	query := `SELECT ` + managerColumns + ` FROM compute_managers` + where +
		fmt.Sprintf(" ORDER BY id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := t.tx.Query(ctx, query, append(args, limit, skip)...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var managers []*types.Manager
	for rows.Next() {
		m, err := scanManager(rows)
		if err != nil {
			return 0, nil, err
		}
		managers = append(managers, m)
	}
	return nFound, managers, rows.Err()
}

func (t *pgTx) QueryManagerLogs(ctx context.Context, f LogFilter, limit, skip int) (int, []*types.ManagerLog, error) {
	where := ` WHERE l.manager_id = (SELECT id FROM compute_managers WHERE name = $1)`
	args := []any{f.ManagerName}

	if f.Before != nil {
		args = append(args, *f.Before)
		where += fmt.Sprintf(" AND l.timestamp < $%d", len(args))
	}
	if f.After != nil {
		args = append(args, *f.After)
		where += fmt.Sprintf(" AND l.timestamp > $%d", len(args))
	}

	var nFound int
	err := t.tx.QueryRow(ctx,
		`SELECT count(*) FROM compute_manager_logs l`+where, args...).Scan(&nFound)
	if err != nil {
		return 0, nil, err
	}

	query := `SELECT l.id, l.manager_id, l.timestamp, l.claimed, l.successes,
			l.failures, l.rejected, l.total_worker_walltime, l.total_task_walltime,
			l.active_tasks, l.active_cores, l.active_memory
		FROM compute_manager_logs l` + where +
		fmt.Sprintf(" ORDER BY l.id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := t.tx.Query(ctx, query, append(args, limit, skip)...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var logs []*types.ManagerLog
	for rows.Next() {
		var entry types.ManagerLog
		err := rows.Scan(&entry.ID, &entry.ManagerID, &entry.Timestamp,
			&entry.Claimed, &entry.Successes, &entry.Failures, &entry.Rejected,
			&entry.TotalWorkerWalltime, &entry.TotalTaskWalltime,
			&entry.ActiveTasks, &entry.ActiveCores, &entry.ActiveMemory)
		if err != nil {
			return 0, nil, err
		}
		logs = append(logs, &entry)
	}
	return nFound, logs, rows.Err()
}

func (t *pgTx) CreateTask(ctx context.Context, task *types.Task) (int64, error) {
	if task.Status == "" {
		task.Status = types.TaskStatusWaiting
	}
	now := time.Now().UTC()
	if task.CreatedOn.IsZero() {
		task.CreatedOn = now
	}
	task.ModifiedOn = now

	err := t.tx.QueryRow(ctx, `
		INSERT INTO tasks (tag, status, manager_name, payload, created_on, modified_on)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		task.Tag, string(task.Status), task.ManagerName, task.Payload,
		task.CreatedOn, task.ModifiedOn,
	).Scan(&task.ID)
	return task.ID, err
}

func (t *pgTx) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	var task types.Task
	var status string
	err := t.tx.QueryRow(ctx, `
		SELECT id, tag, status, manager_name, payload, created_on, modified_on
		FROM tasks WHERE id = $1`, id,
	).Scan(&task.ID, &task.Tag, &status, &task.ManagerName, &task.Payload,
		&task.CreatedOn, &task.ModifiedOn)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	task.Status = types.TaskStatus(status)
	return &task, nil
}

func (t *pgTx) ClaimTasks(ctx context.Context, managerName string, tags []string, limit int) ([]*types.Task, error) {
	matchAll := false
	for _, tag := range tags {
		if tag == "*" {
			matchAll = true
			break
		}
	}

	tagCond := ""
	args := []any{managerName, limit}
	if !matchAll {
		args = append(args, tags)
		tagCond = " AND tag = ANY($3)"
	}

	// SKIP LOCKED keeps concurrent claimers from contending on the same
	// waiting rows.
	rows, err := t.tx.Query(ctx, `
		UPDATE tasks SET status = 'assigned', manager_name = $1, modified_on = now()
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'waiting'`+tagCond+`
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tag, status, manager_name, payload, created_on, modified_on`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*types.Task
	for rows.Next() {
		var task types.Task
		var status string
		err := rows.Scan(&task.ID, &task.Tag, &status, &task.ManagerName,
			&task.Payload, &task.CreatedOn, &task.ModifiedOn)
		if err != nil {
			return nil, err
		}
		task.Status = types.TaskStatus(status)
		claimed = append(claimed, &task)
	}
	return claimed, rows.Err()
}

func (t *pgTx) CompleteTask(ctx context.Context, id int64, status types.TaskStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE tasks SET status = $2, modified_on = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %d", types.ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) ResetAssignedTasks(ctx context.Context, managerName string) ([]int64, error) {
	rows, err := t.tx.Query(ctx, `
		UPDATE tasks SET status = 'waiting', manager_name = '', modified_on = now()
		WHERE status = 'assigned' AND manager_name = $1
		RETURNING id`, managerName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// buildManagerWhere renders the filter as a WHERE clause with positional args.
func buildManagerWhere(f Filter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if len(f.IDs) > 0 {
		add("id = ANY($%d)", f.IDs)
	}
	if len(f.Names) > 0 {
		add("name = ANY($%d)", f.Names)
	}
	if len(f.Clusters) > 0 {
		add("cluster = ANY($%d)", f.Clusters)
	}
	if len(f.Hostnames) > 0 {
		add("hostname = ANY($%d)", f.Hostnames)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.ModifiedBefore != nil {
		add("modified_on < $%d", *f.ModifiedBefore)
	}
	if f.ModifiedAfter != nil {
		add("modified_on > $%d", *f.ModifiedAfter)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// scanManager reads one manager row in managerColumns order.
func scanManager(row pgx.Row) (*types.Manager, error) {
	var m types.Manager
	var status string
	var tags, programs []byte

	err := row.Scan(&m.ID, &m.Name, &m.Cluster, &m.Hostname, &m.Username,
		&tags, &programs, &status, &m.ManagerVersion, &m.EngineVersion,
		&m.Claimed, &m.Successes, &m.Failures, &m.Rejected,
		&m.TotalWorkerWalltime, &m.TotalTaskWalltime,
		&m.ActiveTasks, &m.ActiveCores, &m.ActiveMemory,
		&m.CreatedOn, &m.ModifiedOn)
	if err != nil {
		return nil, err
	}

	m.Status = types.ManagerStatus(status)
	if err := json.Unmarshal(tags, &m.Tags); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(programs, &m.Programs); err != nil {
		return nil, err
	}
	return &m, nil
}
