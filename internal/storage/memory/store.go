// Package memory provides in-memory Store and ImageStore implementations for
// development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
)

// Store keeps records, remote summaries, and history rows in process memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]crawler.CachedRecord
	remote  map[string]crawler.RemoteSummary
	ops     []crawler.OperationHistoryEntry
	tasks   map[string]crawler.TaskHistoryEntry
	order   []string
	nextOp  int64
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]crawler.CachedRecord),
		remote:  make(map[string]crawler.RemoteSummary),
		tasks:   make(map[string]crawler.TaskHistoryEntry),
	}
}

// InsertRecord stores rec; an existing ID yields crawler.ErrAlreadyExists.
func (s *Store) InsertRecord(_ context.Context, rec crawler.CachedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("insert record %s: %w", rec.ID, crawler.ErrAlreadyExists)
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// GetRecord fetches a record by ID.
func (s *Store) GetRecord(_ context.Context, id string) (crawler.CachedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return crawler.CachedRecord{}, fmt.Errorf("get record %s: %w", id, crawler.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// UpdateRecord replaces an existing record.
func (s *Store) UpdateRecord(_ context.Context, rec crawler.CachedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("update record %s: %w", rec.ID, crawler.ErrNotFound)
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// QueryRecords returns matching records ordered by UpdatedAt descending.
func (s *Store) QueryRecords(
	_ context.Context,
	filter crawler.RecordFilter,
	offset, limit int,
) ([]crawler.CachedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := s.matching(filter)
	if offset >= len(matched) {
		return []crawler.CachedRecord{}, nil
	}
	matched = matched[max(offset, 0):]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	out := make([]crawler.CachedRecord, 0, len(matched))
	for _, rec := range matched {
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

// CountRecords counts records matching filter.
func (s *Store) CountRecords(_ context.Context, filter crawler.RecordFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matching(filter)), nil
}

func (s *Store) matching(filter crawler.RecordFilter) []crawler.CachedRecord {
	out := make([]crawler.CachedRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// RecordIDs lists every cached record ID.
func (s *Store) RecordIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// InsertRemote stores a remote summary; an existing ID yields crawler.ErrAlreadyExists.
func (s *Store) InsertRemote(_ context.Context, summary crawler.RemoteSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.remote[summary.ID]; ok {
		return fmt.Errorf("insert remote %s: %w", summary.ID, crawler.ErrAlreadyExists)
	}
	s.remote[summary.ID] = summary
	return nil
}

// RemoteIDs lists every remote summary ID.
func (s *Store) RemoteIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.remote))
	for id := range s.remote {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AppendOperation appends an operation history row and assigns its ID.
func (s *Store) AppendOperation(_ context.Context, entry crawler.OperationHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOp++
	entry.ID = s.nextOp
	s.ops = append(s.ops, entry)
	return nil
}

// ListOperations returns up to limit rows, newest first. A non-positive limit
// returns everything.
func (s *Store) ListOperations(_ context.Context, limit int) ([]crawler.OperationHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.OperationHistoryEntry, 0, len(s.ops))
	for i := len(s.ops) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.ops[i])
	}
	return out, nil
}

// CreateTask stores a new task row.
func (s *Store) CreateTask(_ context.Context, entry crawler.TaskHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[entry.TaskID]; ok {
		return fmt.Errorf("create task %s: %w", entry.TaskID, crawler.ErrAlreadyExists)
	}
	s.tasks[entry.TaskID] = cloneTask(entry)
	s.order = append(s.order, entry.TaskID)
	return nil
}

// UpdateTask replaces an existing task row.
func (s *Store) UpdateTask(_ context.Context, entry crawler.TaskHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[entry.TaskID]; !ok {
		return fmt.Errorf("update task %s: %w", entry.TaskID, crawler.ErrNotFound)
	}
	s.tasks[entry.TaskID] = cloneTask(entry)
	return nil
}

// GetTask fetches a task row by ID.
func (s *Store) GetTask(_ context.Context, taskID string) (crawler.TaskHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.tasks[taskID]
	if !ok {
		return crawler.TaskHistoryEntry{}, fmt.Errorf("get task %s: %w", taskID, crawler.ErrNotFound)
	}
	return cloneTask(entry), nil
}

// ListTasks returns up to limit task rows, newest first.
func (s *Store) ListTasks(_ context.Context, limit int) ([]crawler.TaskHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.TaskHistoryEntry, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneTask(s.tasks[s.order[i]]))
	}
	return out, nil
}

// Close implements crawler.Store; it performs no action.
func (s *Store) Close() error {
	return nil
}

func cloneRecord(rec crawler.CachedRecord) crawler.CachedRecord {
	rec.MagnetLinks = slices.Clone(rec.MagnetLinks)
	return rec
}

func cloneTask(entry crawler.TaskHistoryEntry) crawler.TaskHistoryEntry {
	entry.TargetIDs = slices.Clone(entry.TargetIDs)
	entry.FailedIDs = slices.Clone(entry.FailedIDs)
	if entry.EndTime != nil {
		end := *entry.EndTime
		entry.EndTime = &end
	}
	return entry
}
