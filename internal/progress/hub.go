package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes the Hub.
type Config struct {
	// BufferSize is the queue depth between Emit and the sinks. Default 4096.
	BufferSize int
	// MaxBatchEvents caps one sink batch. Default 1000.
	MaxBatchEvents int
	// MaxBatchWait is how long a partial batch may sit before delivery.
	// Default 500ms.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call. Default 10s.
	SinkTimeout time.Duration
	// Blocking makes every event wait for queue room. Without it, item and
	// progress events are shed when the queue is full; start and finished
	// events always wait.
	Blocking    bool
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
)

// Hub queues task events and hands them to the sinks in emission order on a
// single goroutine. A task's start and finished events are never shed, so
// every observer sees each task open and close even under backpressure. A
// finished event also ends the current batch so it is delivered promptly.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	queue  chan Event
	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	// shed counts dropped events per task until that task finishes.
	shedMu sync.Mutex
	shed   map[[16]byte]int

	stopOnce sync.Once
	closeCtx context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		logger: cfg.Logger,
		queue:  make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		shed:   map[[16]byte]int{},
	}
	go h.run()
	return h
}

// mustDeliver reports whether evt may never be shed.
func (h *Hub) mustDeliver(evt Event) bool {
	return h.cfg.Blocking || evt.Stage.Started() || evt.Stage.Finished()
}

// Emit queues evt. Invalid events and events emitted after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	if evt.Stage.Finished() {
		h.reportShed(evt)
	}
	if h.mustDeliver(evt) {
		select {
		case h.queue <- evt:
		case <-h.stop:
			h.logger.Warn("progress hub closed before event was queued", zap.String("stage", string(evt.Stage)))
		}
		return
	}
	select {
	case h.queue <- evt:
	default:
		h.shedMu.Lock()
		h.shed[evt.TaskID]++
		h.shedMu.Unlock()
	}
}

// reportShed logs how many of the task's events were dropped, once, when its
// finished event arrives.
func (h *Hub) reportShed(evt Event) {
	h.shedMu.Lock()
	n, ok := h.shed[evt.TaskID]
	delete(h.shed, evt.TaskID)
	h.shedMu.Unlock()
	if ok {
		h.logger.Warn("progress events shed under backpressure",
			zap.Stringer("task_id", evt.TaskUUID()),
			zap.Int("dropped", n),
		)
	}
}

// Close stops intake, delivers what is queued, closes the sinks and waits
// for the hub to finish or ctx to end.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	var due <-chan time.Time
	for {
		select {
		case evt := <-h.queue:
			if len(pending) == 0 {
				due = time.After(h.cfg.MaxBatchWait)
			}
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents || evt.Stage.Finished() {
				h.deliver(pending)
				pending, due = pending[:0], nil
			}
		case <-due:
			h.deliver(pending)
			pending, due = pending[:0], nil
		case <-h.stop:
			h.drain(pending)
			return
		}
	}
}

// drain delivers pending and everything still queued, then closes the sinks.
func (h *Hub) drain(pending []Event) {
	for drained := false; !drained; {
		select {
		case evt := <-h.queue:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				h.deliver(pending)
				pending = pending[:0]
			}
		default:
			drained = true
		}
	}
	h.deliver(pending)

	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

func (h *Hub) deliver(events []Event) {
	if len(events) == 0 {
		return
	}
	batch := append([]Event(nil), events...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
	}
}
