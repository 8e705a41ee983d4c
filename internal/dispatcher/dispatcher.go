// Package dispatcher fans queued tasks out to a pool of workers, each of
// which executes through a Bridge.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/queue/memory"
	"github.com/JakeFAU/luneth-sync/internal/task"
)

// Queue buffers tasks between submitters and workers.
type Queue interface {
	Enqueue(ctx context.Context, t *task.Task) error
	Dequeue(ctx context.Context) (*task.Task, error)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   Queue
	bridge  *Bridge
	workers int
	logger  *zap.Logger

	mu      sync.RWMutex
	pending map[string]struct{}
}

// New creates a Dispatcher. Fewer than one worker is treated as one.
func New(queue Queue, bridge *Bridge, workers int, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		bridge:  bridge,
		workers: workers,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// Run starts all workers and blocks until the context finishes or the queue
// is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.work(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	logger := d.logger.With(zap.Int("worker", id))
	for {
		t, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		d.done(t.ID)
		logger.Debug("dequeued task", zap.String("task_id", t.ID))
		if _, err := d.bridge.Run(ctx, t); err != nil {
			logger.Warn("task returned error", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
}

// Enqueue schedules t for a worker.
func (d *Dispatcher) Enqueue(ctx context.Context, t *task.Task) error {
	if err := task.Validate(t.Kind); err != nil {
		return err
	}
	d.mu.Lock()
	d.pending[t.ID] = struct{}{}
	d.mu.Unlock()
	if err := d.queue.Enqueue(ctx, t); err != nil {
		d.done(t.ID)
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Do runs t on the caller's behalf, bypassing the queue.
func (d *Dispatcher) Do(ctx context.Context, t *task.Task) (task.Summary, error) {
	return d.bridge.Run(ctx, t)
}

// Queued reports whether the task is waiting for a worker.
func (d *Dispatcher) Queued(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.pending[id]
	return ok
}

func (d *Dispatcher) done(id string) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}
