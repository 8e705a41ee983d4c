// Package sqlite provides the SQLite-backed Store used for single-node
// installs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	metadata          TEXT NOT NULL,
	local_image_count INTEGER NOT NULL DEFAULT 0,
	viewed            INTEGER NOT NULL DEFAULT 0,
	liked             INTEGER NOT NULL DEFAULT 0,
	submitted         INTEGER NOT NULL DEFAULT 0,
	cached_locally    INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS remote_records (
	id      TEXT PRIMARY KEY,
	title   TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS operation_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	target_id     TEXT NOT NULL,
	operation     TEXT NOT NULL,
	status        TEXT NOT NULL,
	actor         TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	ts            DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS task_history (
	task_id      TEXT PRIMARY KEY,
	task_kind    TEXT NOT NULL,
	status       TEXT NOT NULL,
	target_ids   TEXT NOT NULL,
	failed_ids   TEXT NOT NULL,
	total_count  INTEGER NOT NULL,
	failed_count INTEGER NOT NULL,
	start_time   DATETIME NOT NULL,
	end_time     DATETIME
);`

// Store implements crawler.Store on SQLite through sqlx.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("storage.sqlite_path is required")
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle (primarily for testing).
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

type recordRow struct {
	ID              string    `db:"id"`
	Title           string    `db:"title"`
	Metadata        string    `db:"metadata"`
	LocalImageCount int       `db:"local_image_count"`
	Viewed          bool      `db:"viewed"`
	Liked           bool      `db:"liked"`
	Submitted       bool      `db:"submitted"`
	CachedLocally   bool      `db:"cached_locally"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func toRecordRow(rec crawler.CachedRecord) (recordRow, error) {
	meta, err := json.Marshal(rec.Record)
	if err != nil {
		return recordRow{}, fmt.Errorf("marshal record metadata: %w", err)
	}
	return recordRow{
		ID:              rec.ID,
		Title:           rec.Title,
		Metadata:        string(meta),
		LocalImageCount: rec.LocalImageCount,
		Viewed:          rec.Viewed,
		Liked:           rec.Liked,
		Submitted:       rec.Submitted,
		CachedLocally:   rec.CachedLocally,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}, nil
}

func (r recordRow) record() (crawler.CachedRecord, error) {
	rec := crawler.CachedRecord{
		LocalImageCount: r.LocalImageCount,
		Viewed:          r.Viewed,
		Liked:           r.Liked,
		Submitted:       r.Submitted,
		CachedLocally:   r.CachedLocally,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Metadata), &rec.Record); err != nil {
		return crawler.CachedRecord{}, fmt.Errorf("decode record metadata: %w", err)
	}
	rec.ID, rec.Title = r.ID, r.Title
	return rec, nil
}

// InsertRecord inserts rec; a duplicate ID yields crawler.ErrAlreadyExists.
func (s *Store) InsertRecord(ctx context.Context, rec crawler.CachedRecord) error {
	row, err := toRecordRow(rec)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO records (id, title, metadata, local_image_count, viewed, liked, submitted, cached_locally, created_at, updated_at)
		VALUES (:id, :title, :metadata, :local_image_count, :viewed, :liked, :submitted, :cached_locally, :created_at, :updated_at)`, row)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, mapError(err))
	}
	return nil
}

// GetRecord fetches a record by ID.
func (s *Store) GetRecord(ctx context.Context, id string) (crawler.CachedRecord, error) {
	var row recordRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM records WHERE id = ?`, id); err != nil {
		return crawler.CachedRecord{}, fmt.Errorf("get record %s: %w", id, mapError(err))
	}
	return row.record()
}

// UpdateRecord rewrites every mutable column of an existing record.
func (s *Store) UpdateRecord(ctx context.Context, rec crawler.CachedRecord) error {
	row, err := toRecordRow(rec)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE records
		SET title = :title, metadata = :metadata, local_image_count = :local_image_count,
			viewed = :viewed, liked = :liked, submitted = :submitted,
			cached_locally = :cached_locally, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update record %s: %w", rec.ID, crawler.ErrNotFound)
	}
	return nil
}

func filterWhere(filter crawler.RecordFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v *bool) {
		if v != nil {
			conds = append(conds, col+" = ?")
			args = append(args, *v)
		}
	}
	add("viewed", filter.Viewed)
	add("liked", filter.Liked)
	add("submitted", filter.Submitted)
	add("cached_locally", filter.Cached)
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryRecords lists records matching filter, newest update first.
func (s *Store) QueryRecords(ctx context.Context, filter crawler.RecordFilter, offset, limit int) ([]crawler.CachedRecord, error) {
	where, args := filterWhere(filter)
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, max(offset, 0))
	var rows []recordRow
	query := `SELECT * FROM records` + where + ` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	records := make([]crawler.CachedRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// CountRecords counts records matching filter.
func (s *Store) CountRecords(ctx context.Context, filter crawler.RecordFilter) (int, error) {
	where, args := filterWhere(filter)
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM records`+where, args...); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// RecordIDs lists every local record ID.
func (s *Store) RecordIDs(ctx context.Context) ([]string, error) {
	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM records`); err != nil {
		return nil, fmt.Errorf("list record ids: %w", err)
	}
	return ids, nil
}

// InsertRemote stores one remote catalog row.
func (s *Store) InsertRemote(ctx context.Context, summary crawler.RemoteSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal remote summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO remote_records (id, title, payload) VALUES (?, ?, ?)`,
		summary.ID, summary.Title, string(payload))
	if err != nil {
		return fmt.Errorf("insert remote %s: %w", summary.ID, mapError(err))
	}
	return nil
}

// RemoteIDs lists every pulled remote ID.
func (s *Store) RemoteIDs(ctx context.Context) ([]string, error) {
	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM remote_records`); err != nil {
		return nil, fmt.Errorf("list remote ids: %w", err)
	}
	return ids, nil
}

type operationRow struct {
	ID        int64     `db:"id"`
	TargetID  string    `db:"target_id"`
	Operation string    `db:"operation"`
	Status    string    `db:"status"`
	Actor     string    `db:"actor"`
	Error     string    `db:"error_message"`
	Timestamp time.Time `db:"ts"`
}

// AppendOperation writes one audit row.
func (s *Store) AppendOperation(ctx context.Context, entry crawler.OperationHistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_history (target_id, operation, status, actor, error_message, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.TargetID, string(entry.Kind), string(entry.Status), entry.Actor, entry.Error, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

// ListOperations returns the newest operation rows; limit <= 0 returns all.
func (s *Store) ListOperations(ctx context.Context, limit int) ([]crawler.OperationHistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []operationRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM operation_history ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	ops := make([]crawler.OperationHistoryEntry, 0, len(rows))
	for _, r := range rows {
		ops = append(ops, crawler.OperationHistoryEntry{
			ID:        r.ID,
			TargetID:  r.TargetID,
			Kind:      crawler.OperationKind(r.Operation),
			Status:    crawler.OperationStatus(r.Status),
			Actor:     r.Actor,
			Error:     r.Error,
			Timestamp: r.Timestamp,
		})
	}
	return ops, nil
}

type taskRow struct {
	TaskID      string       `db:"task_id"`
	Kind        string       `db:"task_kind"`
	Status      string       `db:"status"`
	TargetIDs   string       `db:"target_ids"`
	FailedIDs   string       `db:"failed_ids"`
	TotalCount  int          `db:"total_count"`
	FailedCount int          `db:"failed_count"`
	StartTime   time.Time    `db:"start_time"`
	EndTime     sql.NullTime `db:"end_time"`
}

func toTaskRow(entry crawler.TaskHistoryEntry) (taskRow, error) {
	targets, err := json.Marshal(nonNil(entry.TargetIDs))
	if err != nil {
		return taskRow{}, fmt.Errorf("marshal target ids: %w", err)
	}
	failed, err := json.Marshal(nonNil(entry.FailedIDs))
	if err != nil {
		return taskRow{}, fmt.Errorf("marshal failed ids: %w", err)
	}
	row := taskRow{
		TaskID:      entry.TaskID,
		Kind:        string(entry.Kind),
		Status:      string(entry.Status),
		TargetIDs:   string(targets),
		FailedIDs:   string(failed),
		TotalCount:  entry.TotalCount,
		FailedCount: entry.FailedCount,
		StartTime:   entry.StartTime,
	}
	if entry.EndTime != nil {
		row.EndTime = sql.NullTime{Time: *entry.EndTime, Valid: true}
	}
	return row, nil
}

func (r taskRow) entry() (crawler.TaskHistoryEntry, error) {
	entry := crawler.TaskHistoryEntry{
		TaskID:      r.TaskID,
		Kind:        crawler.TaskKind(r.Kind),
		Status:      crawler.TaskStatus(r.Status),
		TotalCount:  r.TotalCount,
		FailedCount: r.FailedCount,
		StartTime:   r.StartTime,
	}
	if err := json.Unmarshal([]byte(r.TargetIDs), &entry.TargetIDs); err != nil {
		return crawler.TaskHistoryEntry{}, fmt.Errorf("decode target ids: %w", err)
	}
	if err := json.Unmarshal([]byte(r.FailedIDs), &entry.FailedIDs); err != nil {
		return crawler.TaskHistoryEntry{}, fmt.Errorf("decode failed ids: %w", err)
	}
	if r.EndTime.Valid {
		end := r.EndTime.Time
		entry.EndTime = &end
	}
	return entry, nil
}

// CreateTask inserts a task history row.
func (s *Store) CreateTask(ctx context.Context, entry crawler.TaskHistoryEntry) error {
	row, err := toTaskRow(entry)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO task_history (task_id, task_kind, status, target_ids, failed_ids, total_count, failed_count, start_time, end_time)
		VALUES (:task_id, :task_kind, :status, :target_ids, :failed_ids, :total_count, :failed_count, :start_time, :end_time)`, row)
	if err != nil {
		return fmt.Errorf("create task %s: %w", entry.TaskID, mapError(err))
	}
	return nil
}

// UpdateTask rewrites the mutable columns of a task history row.
func (s *Store) UpdateTask(ctx context.Context, entry crawler.TaskHistoryEntry) error {
	row, err := toTaskRow(entry)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE task_history
		SET status = :status, target_ids = :target_ids, failed_ids = :failed_ids,
			total_count = :total_count, failed_count = :failed_count, end_time = :end_time
		WHERE task_id = :task_id`, row)
	if err != nil {
		return fmt.Errorf("update task %s: %w", entry.TaskID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update task %s: %w", entry.TaskID, crawler.ErrNotFound)
	}
	return nil
}

// GetTask fetches a task history row.
func (s *Store) GetTask(ctx context.Context, taskID string) (crawler.TaskHistoryEntry, error) {
	var row taskRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM task_history WHERE task_id = ?`, taskID); err != nil {
		return crawler.TaskHistoryEntry{}, fmt.Errorf("get task %s: %w", taskID, mapError(err))
	}
	return row.entry()
}

// ListTasks returns the newest task rows; limit <= 0 returns all.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]crawler.TaskHistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM task_history ORDER BY start_time DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]crawler.TaskHistoryEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.entry()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, entry)
	}
	return tasks, nil
}

func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ErrNotFound
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return crawler.ErrAlreadyExists
	}
	return err
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
