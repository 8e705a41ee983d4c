package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/audit"
	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/dedup"
	"github.com/JakeFAU/luneth-sync/internal/progress"
	queuememory "github.com/JakeFAU/luneth-sync/internal/queue/memory"
	"github.com/JakeFAU/luneth-sync/internal/storage/memory"
	"github.com/JakeFAU/luneth-sync/internal/task"
)

type panickingFactory struct{}

func (panickingFactory) Start(context.Context, crawler.CrawlConfig) (crawler.Crawler, error) {
	panic("driver exploded")
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newEnv(factory crawler.CrawlerFactory) (task.Env, *memory.Store) {
	store := memory.NewStore()
	clock := fixedClock{now: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)}
	return task.Env{
		Store:    store,
		Images:   memory.NewImageStore(),
		Crawlers: factory,
		Dedup:    dedup.New(store, zap.NewNop()),
		Audit:    audit.New(store, clock, zap.NewNop()),
		Emitter:  progress.Nop{},
		Clock:    clock,
		Logger:   zap.NewNop(),
	}, store
}

// TestBridgeConvertsPanics ensures a panic inside a task surfaces as a
// KindPanic error and the history row is closed.
func TestBridgeConvertsPanics(t *testing.T) {
	t.Parallel()

	env, store := newEnv(panickingFactory{})
	bridge := NewBridge(EnvFunc(func() task.Env { return env }), zap.NewNop())
	tk := task.New("task-panic", task.Batch{Codes: []string{"ABC-123"}})

	summary, err := bridge.Run(context.Background(), tk)
	require.Error(t, err)
	assert.Equal(t, crawler.KindPanic, crawler.KindOf(err))
	assert.True(t, crawler.IsFatal(err))
	assert.Contains(t, err.Error(), "driver exploded")
	assert.Equal(t, crawler.TaskFailed, summary.Status)
	assert.Equal(t, task.StateFailed, tk.State)

	entry, gerr := store.GetTask(context.Background(), "task-panic")
	require.NoError(t, gerr)
	assert.Equal(t, crawler.TaskFailed, entry.Status)
	assert.NotNil(t, entry.EndTime)
}

// TestBridgeReturnsTaskResult ensures ordinary results pass through untouched.
func TestBridgeReturnsTaskResult(t *testing.T) {
	t.Parallel()

	env, _ := newEnv(nil)
	bridge := NewBridge(EnvFunc(func() task.Env { return env }), nil)

	summary, err := bridge.Run(context.Background(), task.New("task-pull", task.PullRemote{}))
	require.Error(t, err)
	assert.Equal(t, crawler.KindAuth, crawler.KindOf(err))
	assert.Equal(t, crawler.TaskFailed, summary.Status)
	assert.Equal(t, "pull", summary.Kind)
}

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	dispatch := New(queue, NewBridge(EnvFunc(func() task.Env { return task.Env{} }), nil), 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherExecutesQueuedTasks runs a task end to end through the
// memory queue and stops once the queue is closed.
func TestDispatcherExecutesQueuedTasks(t *testing.T) {
	t.Parallel()

	env, store := newEnv(nil)
	queue := queuememory.NewQueue[*task.Task](4)
	dispatch := New(queue, NewBridge(EnvFunc(func() task.Env { return env }), nil), 1, nil)

	require.NoError(t, dispatch.Enqueue(context.Background(), task.New("task-1", task.PullRemote{})))
	assert.True(t, dispatch.Queued("task-1"))
	queue.Close()

	done := make(chan struct{})
	go func() {
		dispatch.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain the closed queue")
	}

	assert.False(t, dispatch.Queued("task-1"))
	entry, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.TaskFailed, entry.Status)
	assert.Equal(t, crawler.TaskPull, entry.Kind)
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil, 1, nil)

	err := dispatch.Enqueue(context.Background(), task.New("task", task.PullRemote{}))
	require.EqualError(t, err, "queue enqueue: boom")
	assert.False(t, dispatch.Queued("task"))
}

// TestDispatcherEnqueueRejectsInvalidTasks ensures validation runs before queueing.
func TestDispatcherEnqueueRejectsInvalidTasks(t *testing.T) {
	t.Parallel()

	queue := queuememory.NewQueue[*task.Task](1)
	dispatch := New(queue, nil, 1, nil)

	err := dispatch.Enqueue(context.Background(), task.New("task", task.Batch{}))
	require.Error(t, err)
	assert.Equal(t, 0, queue.Len())
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(context.Context, *task.Task) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (*task.Task, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, *task.Task) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (*task.Task, error) {
	return nil, nil
}
