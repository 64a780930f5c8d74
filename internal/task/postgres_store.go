package task

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
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	pgQueries
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{db: pool}, pool: pool}
}

// WithTx implements Store.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(pgQueries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgQueries struct {
	db DBTX
}

const taskColumns = `id, task_code, import_type, status, total_count, success_count, failure_count,
	created_by, source_file_name, options_json, failure_reason, created_at, updated_at,
	scheduled_at, started_at, completed_at, heartbeat_at`

// itemColumns excludes file_content; GetItem and LockItem add it explicitly.
const itemColumns = `id, task_id, sequence_no, status, source_file_name, content_type, payload_json,
	retry_of, total_count, success_count, failure_count, failure_reason, created_at, updated_at,
	scheduled_at, started_at, completed_at`

const failureColumns = `id, task_id, item_id, section, row_number, field, message, status,
	raw_payload, created_at, resolved_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var options []byte
	err := row.Scan(&t.ID, &t.TaskCode, &t.ImportType, &t.Status, &t.TotalCount, &t.SuccessCount,
		&t.FailureCount, &t.CreatedBy, &t.SourceFileName, &options, &t.FailureReason, &t.CreatedAt,
		&t.UpdatedAt, &t.ScheduledAt, &t.StartedAt, &t.CompletedAt, &t.HeartbeatAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.OptionsJSON = options
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanItem(row pgx.Row, withContent bool) (*Item, error) {
	var it Item
	var payload []byte
	dest := []any{&it.ID, &it.TaskID, &it.SequenceNo, &it.Status, &it.SourceFileName, &it.ContentType,
		&payload, &it.RetryOf, &it.TotalCount, &it.SuccessCount, &it.FailureCount, &it.FailureReason,
		&it.CreatedAt, &it.UpdatedAt, &it.ScheduledAt, &it.StartedAt, &it.CompletedAt}
	if withContent {
		dest = append(dest, &it.FileContent)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	it.PayloadJSON = payload
	return &it, nil
}

func scanFailure(row pgx.Row) (Failure, error) {
	var f Failure
	err := row.Scan(&f.ID, &f.TaskID, &f.ItemID, &f.Section, &f.RowNumber, &f.Field, &f.Message,
		&f.Status, &f.RawPayload, &f.CreatedAt, &f.ResolvedAt)
	return f, err
}

// nullableJSON maps an empty raw message to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (q pgQueries) InsertTask(ctx context.Context, t *Task) error {
	row := q.db.QueryRow(ctx, `
		INSERT INTO import_task (task_code, import_type, status, total_count, success_count, failure_count,
			created_by, source_file_name, options_json, failure_reason, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		t.TaskCode, t.ImportType, t.Status, t.TotalCount, t.SuccessCount, t.FailureCount,
		t.CreatedBy, t.SourceFileName, nullableJSON(t.OptionsJSON), t.FailureReason, t.ScheduledAt)
	if err := row.Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("insert import task: %w", err)
	}
	return nil
}

func (q pgQueries) UpdateTask(ctx context.Context, t *Task) error {
	row := q.db.QueryRow(ctx, `
		UPDATE import_task SET
			status = $2, total_count = $3, success_count = $4, failure_count = $5,
			failure_reason = $6, scheduled_at = $7, started_at = $8, completed_at = $9,
			heartbeat_at = $10, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		t.ID, t.Status, t.TotalCount, t.SuccessCount, t.FailureCount,
		t.FailureReason, t.ScheduledAt, t.StartedAt, t.CompletedAt, t.HeartbeatAt)
	if err := row.Scan(&t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update import task %d: %w", t.ID, err)
	}
	return nil
}

func (q pgQueries) GetTask(ctx context.Context, id int64) (*Task, error) {
	return scanTask(q.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM import_task WHERE id = $1`, id))
}

func (q pgQueries) LockTask(ctx context.Context, id int64) (*Task, error) {
	return scanTask(q.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM import_task WHERE id = $1 FOR UPDATE`, id))
}

func (q pgQueries) ListTasksByStatus(ctx context.Context, status Status, limit int) ([]Task, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+taskColumns+` FROM import_task
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", status, err)
	}
	return collectTasks(rows)
}

func (q pgQueries) CountRunning(ctx context.Context, importType string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT count(*) FROM import_task
		WHERE status = 'RUNNING' AND ($1 = '' OR import_type = $1)`, importType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running tasks: %w", err)
	}
	return n, nil
}

func (q pgQueries) FindBlockingTasks(ctx context.Context, importTypes []string) ([]Task, error) {
	statuses := make([]string, len(blockingStatuses))
	for i, s := range blockingStatuses {
		statuses[i] = string(s)
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+taskColumns+` FROM import_task
		WHERE import_type = ANY($1) AND status = ANY($2)
		ORDER BY created_at, id`, importTypes, statuses)
	if err != nil {
		return nil, fmt.Errorf("find blocking tasks: %w", err)
	}
	return collectTasks(rows)
}

func (q pgQueries) SearchTasks(ctx context.Context, f TaskFilter) ([]Task, int, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ImportType != "" {
		add("import_type = $%d", f.ImportType)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.CreatedBy != "" {
		add("created_by = $%d", f.CreatedBy)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM import_task `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	p := f.PageRequest.Normalize()
	args = append(args, p.Size, p.Offset())
	rows, err := q.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM import_task %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, taskColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	return tasks, total, err
}

func (q pgQueries) ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]Task, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+taskColumns+` FROM import_task
		WHERE status = 'RUNNING' AND COALESCE(heartbeat_at, started_at, created_at) < $1
		ORDER BY created_at, id
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return collectTasks(rows)
}

func (q pgQueries) TouchHeartbeat(ctx context.Context, taskID int64, at time.Time) error {
	_, err := q.db.Exec(ctx, `UPDATE import_task SET heartbeat_at = $2 WHERE id = $1`, taskID, at)
	return err
}

func (q pgQueries) InsertItem(ctx context.Context, it *Item) error {
	row := q.db.QueryRow(ctx, `
		INSERT INTO import_task_item (task_id, sequence_no, status, source_file_name, content_type,
			file_content, payload_json, retry_of)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		it.TaskID, it.SequenceNo, it.Status, it.SourceFileName, it.ContentType,
		it.FileContent, nullableJSON(it.PayloadJSON), it.RetryOf)
	if err := row.Scan(&it.ID, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return fmt.Errorf("insert import task item: %w", err)
	}
	return nil
}

func (q pgQueries) UpdateItem(ctx context.Context, it *Item) error {
	row := q.db.QueryRow(ctx, `
		UPDATE import_task_item SET
			status = $2, payload_json = $3, total_count = $4, success_count = $5, failure_count = $6,
			failure_reason = $7, scheduled_at = $8, started_at = $9, completed_at = $10, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		it.ID, it.Status, nullableJSON(it.PayloadJSON), it.TotalCount, it.SuccessCount, it.FailureCount,
		it.FailureReason, it.ScheduledAt, it.StartedAt, it.CompletedAt)
	if err := row.Scan(&it.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update import task item %d: %w", it.ID, err)
	}
	return nil
}

func (q pgQueries) GetItem(ctx context.Context, id int64) (*Item, error) {
	return scanItem(q.db.QueryRow(ctx,
		`SELECT `+itemColumns+`, file_content FROM import_task_item WHERE id = $1`, id), true)
}

func (q pgQueries) LockItem(ctx context.Context, id int64) (*Item, error) {
	return scanItem(q.db.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM import_task_item WHERE id = $1 FOR UPDATE`, id), false)
}

func (q pgQueries) ListItems(ctx context.Context, taskID int64) ([]Item, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+itemColumns+` FROM import_task_item
		WHERE task_id = $1
		ORDER BY sequence_no`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list items of task %d: %w", taskID, err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (q pgQueries) NextPendingItem(ctx context.Context, taskID int64) (*Item, error) {
	return scanItem(q.db.QueryRow(ctx, `
		SELECT `+itemColumns+` FROM import_task_item
		WHERE task_id = $1 AND status = 'PENDING'
		ORDER BY sequence_no
		LIMIT 1`, taskID), false)
}

func (q pgQueries) InsertDependencies(ctx context.Context, taskID int64, dependsOn []int64) error {
	if len(dependsOn) == 0 {
		return nil
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO import_task_dependency (task_id, depends_on_task_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING`, taskID, dependsOn)
	if err != nil {
		return fmt.Errorf("insert dependencies of task %d: %w", taskID, err)
	}
	return nil
}

func (q pgQueries) ListDependencyTargets(ctx context.Context, taskID int64) ([]Task, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+prefixColumns("t", taskColumns)+`
		FROM import_task_dependency d
		JOIN import_task t ON t.id = d.depends_on_task_id
		WHERE d.task_id = $1
		ORDER BY d.id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies of task %d: %w", taskID, err)
	}
	return collectTasks(rows)
}

func (q pgQueries) InsertFailures(ctx context.Context, failures []Failure) error {
	if len(failures) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range failures {
		f := &failures[i]
		batch.Queue(`
			INSERT INTO import_task_failure (task_id, item_id, section, row_number, field, message, status, raw_payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at`,
			f.TaskID, f.ItemID, f.Section, f.RowNumber, f.Field, f.Message, f.Status, f.RawPayload,
		).QueryRow(func(row pgx.Row) error {
			return row.Scan(&f.ID, &f.CreatedAt)
		})
	}

	sender, ok := q.db.(interface {
		SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
	})
	if !ok {
		return errors.New("insert failures: connection does not support batches")
	}
	if err := sender.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert failures: %w", err)
	}
	return nil
}

func (q pgQueries) SetFailureStatus(ctx context.Context, taskID int64, ids []int64, status FailureStatus, resolvedAt *time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE import_task_failure SET status = $3, resolved_at = $4
		WHERE task_id = $1 AND id = ANY($2)`, taskID, ids, status, resolvedAt)
	if err != nil {
		return 0, fmt.Errorf("set failure status: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q pgQueries) CountUnresolvedFailures(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT count(*) FROM import_task_failure
		WHERE task_id = $1 AND status <> 'RESOLVED'`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unresolved failures: %w", err)
	}
	return n, nil
}

func (q pgQueries) CountFailuresByStatus(ctx context.Context, taskID int64) (map[FailureStatus]int, error) {
	rows, err := q.db.Query(ctx, `
		SELECT status, count(*) FROM import_task_failure
		WHERE task_id = $1
		GROUP BY status`, taskID)
	if err != nil {
		return nil, fmt.Errorf("count failures: %w", err)
	}
	defer rows.Close()

	out := make(map[FailureStatus]int)
	for rows.Next() {
		var s FailureStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

func (q pgQueries) FindFailures(ctx context.Context, f FailureFilter) ([]Failure, int, error) {
	args := []any{f.TaskID}
	where := "WHERE task_id = $1"
	if f.Status != "" {
		args = append(args, f.Status)
		where += " AND status = $2"
	}

	var total int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM import_task_failure `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count failures: %w", err)
	}

	p := f.PageRequest.Normalize()
	args = append(args, p.Size, p.Offset())
	rows, err := q.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM import_task_failure %s
		ORDER BY id
		LIMIT $%d OFFSET $%d`, failureColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("find failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		fl, err := scanFailure(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, fl)
	}
	return out, total, rows.Err()
}

// prefixColumns qualifies a comma-separated column list with alias.
func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
