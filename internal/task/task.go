// Package task defines the task variants and their execution: one switch
// routes each variant to its pipeline, and the outcome is written to the task
// history.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/audit"
	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/dedup"
	"github.com/JakeFAU/luneth-sync/internal/metrics"
	"github.com/JakeFAU/luneth-sync/internal/pipeline"
	"github.com/JakeFAU/luneth-sync/internal/progress"
)

var tracer = otel.Tracer("github.com/JakeFAU/luneth-sync/internal/task")

// State is the lifecycle of a Task value.
type State string

// Task states. There is no pause or resume: a failed subset is retried by
// submitting a new task over Summary.FailedIDs.
const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Task is one job invocation.
type Task struct {
	ID    string
	Kind  Kind
	State State
}

// New builds a Task in the created state.
func New(id string, kind Kind) *Task {
	return &Task{ID: id, Kind: kind, State: StateCreated}
}

// Env is what a task needs from the application. Remote may be nil, in
// which case tasks that need it fail with an auth error.
type Env struct {
	Store        crawler.Store
	Images       crawler.ImageStore
	Crawlers     crawler.CrawlerFactory
	Remote       crawler.RemoteClient
	Dedup        *dedup.Cache
	Audit        *audit.Log
	Emitter      progress.Emitter
	Clock        crawler.Clock
	Logger       *zap.Logger
	MaxPageDepth int
}

// Summary is the aggregate result returned to the caller.
type Summary struct {
	TaskID string             `json:"task_id"`
	Kind   string             `json:"kind"`
	Status crawler.TaskStatus `json:"status"`
	pipeline.Result
}

// Exec runs the task to completion. Per-item failures are reported in the
// summary; a returned error means the task as a whole failed.
func (t *Task) Exec(ctx context.Context, env Env) (Summary, error) {
	if err := Validate(t.Kind); err != nil {
		t.State = StateFailed
		return Summary{TaskID: t.ID, Status: crawler.TaskFailed}, err
	}
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("task_id", t.ID), zap.String("task_kind", t.Kind.Name()))

	ctx, span := tracer.Start(ctx, "task.exec", trace.WithAttributes(
		attribute.String("task_id", t.ID),
		attribute.String("task_kind", t.Kind.Name()),
	))
	defer span.End()

	summary := Summary{TaskID: t.ID, Kind: t.Kind.Name(), Status: crawler.TaskPending}
	t.State = StateRunning

	run, err := env.Audit.BeginTask(ctx, t.ID, t.Kind.historyKind(), t.Kind.targets())
	if err != nil {
		t.State = StateFailed
		summary.Status = crawler.TaskFailed
		span.SetStatus(codes.Error, err.Error())
		return summary, crawler.NewError(crawler.KindPersist, "begin task", "", err)
	}
	logger.Info("task started")

	events := newTally(env.Emitter)
	deps := pipeline.Deps{
		TaskID:  progressID(t.ID),
		Store:   env.Store,
		Images:  env.Images,
		Remote:  env.Remote,
		Dedup:   env.Dedup,
		Audit:   env.Audit,
		Emitter: events,
		Clock:   env.Clock,
		Logger:  logger,
	}
	defer func() {
		if r := recover(); r != nil {
			t.State = StateFailed
			t.closePanicked(context.WithoutCancel(ctx), run, deps, events, r)
			metrics.ObserveTask(t.Kind.Name(), string(crawler.TaskFailed))
			panic(r)
		}
	}()
	if cfg, ok := crawlConfig(t.Kind); ok {
		session, startErr := startSession(ctx, env.Crawlers, cfg)
		if startErr != nil {
			logger.Error("crawler session failed to start", zap.Error(startErr))
			deps.SessionErr = startErr
		} else {
			deps.Crawler = session
			defer func() {
				if cerr := session.Close(); cerr != nil {
					logger.Warn("close crawler session", zap.Error(cerr))
				}
			}()
		}
	}

	res, err := route(ctx, deps, t.Kind, env.MaxPageDepth)
	summary.Result = res

	status := crawler.TaskSuccess
	switch {
	case ctx.Err() != nil:
		status = crawler.TaskAborted
		err = errors.Join(err, ctx.Err())
	case err != nil:
		status = crawler.TaskFailed
	}
	summary.Status = status
	run.AddTargets(res.Targets)
	if ferr := run.Finish(context.WithoutCancel(ctx), status, res.FailedIDs); ferr != nil {
		err = errors.Join(err, ferr)
	}
	metrics.ObserveTask(t.Kind.Name(), string(status))

	if err != nil {
		t.State = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("task failed", zap.String("status", string(status)), zap.Error(err))
		return summary, err
	}
	t.State = StateSucceeded
	logger.Info("task finished",
		zap.Int("success", res.SuccessCount),
		zap.Int("errors", res.ErrorCount),
		zap.Int("total", res.TotalCount),
	)
	return summary, nil
}

// closePanicked records what a panicking pipeline completed. Items it never
// reported are failed, and the kind's finished event is emitted unless the
// stream already ended.
func (t *Task) closePanicked(ctx context.Context, run *audit.TaskRun, deps pipeline.Deps, events *tally, r any) {
	p := events.partial(t.Kind.targets())
	deps.Logger.Error("task panicked",
		zap.Any("panic", r),
		zap.Int("success", p.success),
		zap.Int("errors", len(p.failedIDs)),
	)
	run.AddTargets(p.targets)
	_ = run.Finish(ctx, crawler.TaskFailed, p.failedIDs)
	if p.closed {
		return
	}
	now := time.Now().UTC()
	if deps.Clock != nil {
		now = deps.Clock.Now()
	}
	events.Emit(progress.Event{
		TaskID:       deps.TaskID,
		TS:           now,
		Stage:        t.Kind.finishedStage(),
		SuccessCount: p.success,
		ErrorCount:   len(p.failedIDs),
		TotalCount:   p.success + len(p.failedIDs),
		Message:      fmt.Sprintf("panic: %v", r),
	})
}

// route is the single dispatch point from variant to pipeline.
func route(ctx context.Context, deps pipeline.Deps, kind Kind, maxDepth int) (pipeline.Result, error) {
	switch k := kind.(type) {
	case Auto:
		depth := k.MaxPageDepth
		if depth <= 0 {
			depth = maxDepth
		}
		return pipeline.Auto(ctx, deps, k.StartURL, k.WithImage, depth)
	case Batch:
		return pipeline.Batch(ctx, deps, k.Codes, k.WithImage)
	case PullRemote:
		return pipeline.Pull(ctx, deps)
	case Idol:
		return pipeline.Idol(ctx, deps)
	case Submit:
		return pipeline.Submit(ctx, deps, k.Codes)
	case Update:
		return pipeline.Update(ctx, deps, k.Codes)
	default:
		return pipeline.Result{}, fmt.Errorf("unknown task kind %T", kind)
	}
}

func crawlConfig(kind Kind) (crawler.CrawlConfig, bool) {
	switch k := kind.(type) {
	case Auto:
		return k.Config, true
	case Batch:
		return k.Config, true
	case Idol:
		return k.Config, true
	case Update:
		return k.Config, true
	default:
		return crawler.CrawlConfig{}, false
	}
}

func startSession(ctx context.Context, factory crawler.CrawlerFactory, cfg crawler.CrawlConfig) (crawler.Crawler, error) {
	if factory == nil {
		return nil, errors.New("no crawler factory configured")
	}
	session, err := factory.Start(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("start crawler: %w", err)
	}
	return session, nil
}

// progressID maps a task ID onto the 16-byte event form. Non-UUID IDs get a
// stable name-based UUID.
func progressID(id string) [16]byte {
	if parsed, err := progress.ParseTaskID(id); err == nil {
		return parsed
	}
	return progress.UUIDToBytes(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)))
}
