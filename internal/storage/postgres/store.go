// Package postgres provides the Postgres-backed Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool pgxIface
}

// New connects to Postgres using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxIface) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const recordColumns = `id, title, metadata, local_image_count, viewed, liked, submitted, cached_locally, created_at, updated_at`

// InsertRecord inserts rec; a duplicate ID yields crawler.ErrAlreadyExists.
func (s *Store) InsertRecord(ctx context.Context, rec crawler.CachedRecord) error {
	meta, err := json.Marshal(rec.Record)
	if err != nil {
		return fmt.Errorf("marshal record metadata: %w", err)
	}
	query := `INSERT INTO records (` + recordColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err = s.pool.Exec(ctx, query,
		rec.ID,
		rec.Title,
		meta,
		rec.LocalImageCount,
		rec.Viewed,
		rec.Liked,
		rec.Submitted,
		rec.CachedLocally,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, mapError(err))
	}
	return nil
}

// GetRecord fetches a record by ID.
func (s *Store) GetRecord(ctx context.Context, id string) (crawler.CachedRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE id = $1`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return crawler.CachedRecord{}, fmt.Errorf("get record %s: %w", id, mapError(err))
	}
	return rec, nil
}

// UpdateRecord rewrites every column of an existing record.
func (s *Store) UpdateRecord(ctx context.Context, rec crawler.CachedRecord) error {
	meta, err := json.Marshal(rec.Record)
	if err != nil {
		return fmt.Errorf("marshal record metadata: %w", err)
	}
	query := `
		UPDATE records
		SET title = $2, metadata = $3, local_image_count = $4, viewed = $5,
			liked = $6, submitted = $7, cached_locally = $8, updated_at = $9
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.Title,
		meta,
		rec.LocalImageCount,
		rec.Viewed,
		rec.Liked,
		rec.Submitted,
		rec.CachedLocally,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update record %s: %w", rec.ID, crawler.ErrNotFound)
	}
	return nil
}

const filterClause = `
		WHERE ($1::boolean IS NULL OR viewed = $1)
		AND ($2::boolean IS NULL OR liked = $2)
		AND ($3::boolean IS NULL OR submitted = $3)
		AND ($4::boolean IS NULL OR cached_locally = $4)`

// QueryRecords lists records matching filter, newest update first.
func (s *Store) QueryRecords(ctx context.Context, filter crawler.RecordFilter, offset, limit int) ([]crawler.CachedRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records` + filterClause + `
		ORDER BY updated_at DESC, id
		LIMIT $5 OFFSET $6`
	rows, err := s.pool.Query(ctx, query,
		filter.Viewed, filter.Liked, filter.Submitted, filter.Cached,
		limitArg(limit), max(offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []crawler.CachedRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// CountRecords counts records matching filter.
func (s *Store) CountRecords(ctx context.Context, filter crawler.RecordFilter) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM records` + filterClause
	err := s.pool.QueryRow(ctx, query, filter.Viewed, filter.Liked, filter.Submitted, filter.Cached).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// RecordIDs lists every local record ID.
func (s *Store) RecordIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM records`)
}

// InsertRemote stores one remote catalog row.
func (s *Store) InsertRemote(ctx context.Context, summary crawler.RemoteSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal remote summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO remote_records (id, title, payload) VALUES ($1, $2, $3)`,
		summary.ID, summary.Title, payload)
	if err != nil {
		return fmt.Errorf("insert remote %s: %w", summary.ID, mapError(err))
	}
	return nil
}

// RemoteIDs lists every pulled remote ID.
func (s *Store) RemoteIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM remote_records`)
}

func (s *Store) ids(ctx context.Context, query string) ([]string, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

// AppendOperation writes one audit row.
func (s *Store) AppendOperation(ctx context.Context, entry crawler.OperationHistoryEntry) error {
	query := `
		INSERT INTO operation_history (target_id, operation, status, actor, error_message, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query,
		entry.TargetID,
		string(entry.Kind),
		string(entry.Status),
		entry.Actor,
		nullString(entry.Error),
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

// ListOperations returns the newest operation rows; limit <= 0 returns all.
func (s *Store) ListOperations(ctx context.Context, limit int) ([]crawler.OperationHistoryEntry, error) {
	query := `
		SELECT id, target_id, operation, status, actor, COALESCE(error_message, ''), ts
		FROM operation_history
		ORDER BY id DESC
		LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	ops := []crawler.OperationHistoryEntry{}
	for rows.Next() {
		var (
			op           crawler.OperationHistoryEntry
			kind, status string
		)
		if err := rows.Scan(&op.ID, &op.TargetID, &kind, &status, &op.Actor, &op.Error, &op.Timestamp); err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		op.Kind = crawler.OperationKind(kind)
		op.Status = crawler.OperationStatus(status)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// CreateTask inserts a task history row.
func (s *Store) CreateTask(ctx context.Context, entry crawler.TaskHistoryEntry) error {
	targets, failed, err := encodeTaskIDs(entry)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO task_history (task_id, task_kind, status, target_ids, failed_ids, total_count, failed_count, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.pool.Exec(ctx, query,
		entry.TaskID,
		string(entry.Kind),
		string(entry.Status),
		targets,
		failed,
		entry.TotalCount,
		entry.FailedCount,
		entry.StartTime,
		entry.EndTime,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", entry.TaskID, mapError(err))
	}
	return nil
}

// UpdateTask rewrites the mutable columns of a task history row.
func (s *Store) UpdateTask(ctx context.Context, entry crawler.TaskHistoryEntry) error {
	targets, failed, err := encodeTaskIDs(entry)
	if err != nil {
		return err
	}
	query := `
		UPDATE task_history
		SET status = $2, target_ids = $3, failed_ids = $4, total_count = $5, failed_count = $6, end_time = $7
		WHERE task_id = $1`
	tag, err := s.pool.Exec(ctx, query,
		entry.TaskID,
		string(entry.Status),
		targets,
		failed,
		entry.TotalCount,
		entry.FailedCount,
		entry.EndTime,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", entry.TaskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task %s: %w", entry.TaskID, crawler.ErrNotFound)
	}
	return nil
}

const taskColumns = `task_id, task_kind, status, target_ids, failed_ids, total_count, failed_count, start_time, end_time`

// GetTask fetches a task history row.
func (s *Store) GetTask(ctx context.Context, taskID string) (crawler.TaskHistoryEntry, error) {
	entry, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM task_history WHERE task_id = $1`, taskID))
	if err != nil {
		return crawler.TaskHistoryEntry{}, fmt.Errorf("get task %s: %w", taskID, mapError(err))
	}
	return entry, nil
}

// ListTasks returns the newest task rows; limit <= 0 returns all.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]crawler.TaskHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM task_history ORDER BY start_time DESC LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []crawler.TaskHistoryEntry{}
	for rows.Next() {
		entry, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanRecord(row pgx.Row) (crawler.CachedRecord, error) {
	var (
		rec  crawler.CachedRecord
		meta []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.Title,
		&meta,
		&rec.LocalImageCount,
		&rec.Viewed,
		&rec.Liked,
		&rec.Submitted,
		&rec.CachedLocally,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return crawler.CachedRecord{}, err
	}
	id, title := rec.ID, rec.Title
	if err := json.Unmarshal(meta, &rec.Record); err != nil {
		return crawler.CachedRecord{}, fmt.Errorf("decode record metadata: %w", err)
	}
	rec.ID, rec.Title = id, title
	return rec, nil
}

func scanTask(row pgx.Row) (crawler.TaskHistoryEntry, error) {
	var (
		entry           crawler.TaskHistoryEntry
		kind, status    string
		targets, failed []byte
	)
	err := row.Scan(
		&entry.TaskID,
		&kind,
		&status,
		&targets,
		&failed,
		&entry.TotalCount,
		&entry.FailedCount,
		&entry.StartTime,
		&entry.EndTime,
	)
	if err != nil {
		return crawler.TaskHistoryEntry{}, err
	}
	entry.Kind = crawler.TaskKind(kind)
	entry.Status = crawler.TaskStatus(status)
	if err := json.Unmarshal(targets, &entry.TargetIDs); err != nil {
		return crawler.TaskHistoryEntry{}, fmt.Errorf("decode target ids: %w", err)
	}
	if err := json.Unmarshal(failed, &entry.FailedIDs); err != nil {
		return crawler.TaskHistoryEntry{}, fmt.Errorf("decode failed ids: %w", err)
	}
	return entry, nil
}

func encodeTaskIDs(entry crawler.TaskHistoryEntry) ([]byte, []byte, error) {
	targets, err := json.Marshal(nonNil(entry.TargetIDs))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal target ids: %w", err)
	}
	failed, err := json.Marshal(nonNil(entry.FailedIDs))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal failed ids: %w", err)
	}
	return targets, failed, nil
}

func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return crawler.ErrAlreadyExists
	}
	return err
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
