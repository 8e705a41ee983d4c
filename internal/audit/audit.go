// Package audit writes the append-only operation history and the per-task
// history rows that together form the audit trail.
package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
)

// Log appends audit entries to a HistoryStore. Write failures are logged and
// returned; callers processing items usually continue regardless.
type Log struct {
	store  crawler.HistoryStore
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs a Log.
func New(store crawler.HistoryStore, clock crawler.Clock, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: store, clock: clock, logger: logger}
}

// Success appends a SUCCESS entry for target.
func (l *Log) Success(ctx context.Context, kind crawler.OperationKind, target, actor string) error {
	return l.append(ctx, crawler.OperationHistoryEntry{
		TargetID: target,
		Kind:     kind,
		Status:   crawler.OpSuccess,
		Actor:    actor,
	})
}

// Failure appends a FAILED entry for target carrying message.
func (l *Log) Failure(ctx context.Context, kind crawler.OperationKind, target, actor, message string) error {
	return l.append(ctx, crawler.OperationHistoryEntry{
		TargetID: target,
		Kind:     kind,
		Status:   crawler.OpFailed,
		Actor:    actor,
		Error:    message,
	})
}

func (l *Log) append(ctx context.Context, entry crawler.OperationHistoryEntry) error {
	entry.Timestamp = l.now()
	if err := l.store.AppendOperation(ctx, entry); err != nil {
		l.logger.Error("append operation history",
			zap.String("code", entry.TargetID),
			zap.String("operation", string(entry.Kind)),
			zap.String("status", string(entry.Status)),
			zap.Error(err),
		)
		return fmt.Errorf("append operation history: %w", err)
	}
	return nil
}

// BeginTask persists a PENDING task row over targets.
func (l *Log) BeginTask(ctx context.Context, taskID string, kind crawler.TaskKind, targets []string) (*TaskRun, error) {
	entry := crawler.NewTaskHistoryEntry(taskID, kind, targets, l.now())
	if err := l.store.CreateTask(ctx, entry); err != nil {
		return nil, fmt.Errorf("create task history %s: %w", taskID, err)
	}
	return &TaskRun{log: l, entry: entry}, nil
}

func (l *Log) now() time.Time {
	if l.clock == nil {
		return time.Now().UTC()
	}
	return l.clock.Now()
}

// TaskRun tracks one task history row from PENDING to a terminal status.
type TaskRun struct {
	log   *Log
	entry crawler.TaskHistoryEntry
}

// Finish moves the row to status with the failed subset and persists it.
func (r *TaskRun) Finish(ctx context.Context, status crawler.TaskStatus, failed []string) error {
	r.entry.ApplyStatus(status, failed, r.log.now())
	if err := r.log.store.UpdateTask(ctx, r.entry); err != nil {
		r.log.logger.Error("update task history",
			zap.String("task_id", r.entry.TaskID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return fmt.Errorf("update task history %s: %w", r.entry.TaskID, err)
	}
	return nil
}

// AddTargets records targets discovered while the task runs. They are
// persisted by Finish.
func (r *TaskRun) AddTargets(ids []string) {
	r.entry.AddTargets(ids)
}

// Entry returns a copy of the current row.
func (r *TaskRun) Entry() crawler.TaskHistoryEntry {
	return r.entry
}
