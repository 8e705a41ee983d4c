package dispatcher

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/metrics"
	"github.com/JakeFAU/luneth-sync/internal/task"
)

// EnvSource supplies the environment a task runs against. It is consulted
// once per run so credential changes apply to the next task.
type EnvSource interface {
	TaskEnv() task.Env
}

// EnvFunc adapts a function to EnvSource.
type EnvFunc func() task.Env

// TaskEnv calls f.
func (f EnvFunc) TaskEnv() task.Env { return f() }

// Bridge runs a task on its own goroutine, pinned to an OS thread, and hands
// the result back to the caller. A panic inside the task becomes a
// KindPanic error instead of crashing the process.
type Bridge struct {
	env    EnvSource
	logger *zap.Logger
}

// NewBridge wires a Bridge.
func NewBridge(env EnvSource, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{env: env, logger: logger}
}

type outcome struct {
	summary task.Summary
	err     error
}

// Run blocks until t finishes or panics. The context is handed to the task;
// cancellation is observed by the pipelines, not by Run.
func (b *Bridge) Run(ctx context.Context, t *task.Task) (task.Summary, error) {
	done := make(chan outcome, 1)
	go b.exec(ctx, t, done)
	res := <-done
	return res.summary, res.err
}

func (b *Bridge) exec(ctx context.Context, t *task.Task, done chan<- outcome) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	metrics.IncActiveTasks()
	defer metrics.DecActiveTasks()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("task panicked",
				zap.String("task_id", t.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			t.State = task.StateFailed
			done <- outcome{
				summary: task.Summary{TaskID: t.ID, Kind: kindName(t), Status: crawler.TaskFailed},
				err:     crawler.NewError(crawler.KindPanic, "run task", t.ID, fmt.Errorf("panic: %v", r)),
			}
		}
	}()

	summary, err := t.Exec(ctx, b.env.TaskEnv())
	done <- outcome{summary: summary, err: err}
}

func kindName(t *task.Task) string {
	if t.Kind == nil {
		return ""
	}
	return t.Kind.Name()
}
