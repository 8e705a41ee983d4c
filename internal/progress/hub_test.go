package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageBatchStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageBatchStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubShedsItemEventsWhenFull asserts item events never block callers.
func TestHubShedsItemEventsWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		queue:  make(chan Event),
		stop:   make(chan struct{}),
		logger: zap.NewNop(),
		shed:   map[[16]byte]int{},
	}
	evt := sampleEvent(StageItemResult)
	evt.Code = "ABC-123"
	evt.Status = ItemSuccess

	start := time.Now()
	hub.Emit(evt)
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 1, hub.shed[evt.TaskID])
}

// TestHubNeverShedsLifecycleEvents fills the queue behind a stalled sink and
// asserts the task's finished event still arrives last.
func TestHubNeverShedsLifecycleEvents(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	gate := make(chan struct{})
	sink := newStubSink()
	sink.gate = gate
	hub := NewHub(Config{
		BufferSize:     1,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Minute,
		Logger:         zap.New(core),
	}, sink)

	taskID := UUIDToBytes(uuid.New())
	hub.Emit(Event{TaskID: taskID, TS: time.Now(), Stage: StageBatchStart, TotalCount: 50})
	for i := 0; i < 50; i++ {
		hub.Emit(Event{TaskID: taskID, TS: time.Now(), Stage: StageItemResult, Code: "ABC-123", Status: ItemSuccess})
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		hub.Emit(Event{TaskID: taskID, TS: time.Now(), Stage: StageBatchFinished, TotalCount: 50})
	}()
	close(gate)
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("finished event was not queued")
	}
	require.NoError(t, hub.Close(context.Background()))

	var got []Stage
	for _, batch := range sink.Batches() {
		for _, evt := range batch {
			got = append(got, evt.Stage)
		}
	}
	require.NotEmpty(t, got)
	require.Equal(t, StageBatchStart, got[0])
	require.Equal(t, StageBatchFinished, got[len(got)-1])
	require.Less(t, len(got), 52, "item events are shed while the sink is stalled")

	shedLogs := logs.FilterMessage("progress events shed under backpressure").All()
	require.Len(t, shedLogs, 1)
	require.Positive(t, shedLogs[0].ContextMap()["dropped"])
}

// TestHubFinishedEventFlushesBatch asserts a finished event is delivered
// without waiting for the batch timer.
func TestHubFinishedEventFlushesBatch(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 100, MaxBatchWait: time.Hour}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageBatchStart))
	hub.Emit(sampleEvent(StageBatchFinished))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(StageBatchStart)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

// TestHubBlockingPreservesOrder asserts a blocking hub delivers every event in emission order.
func TestHubBlockingPreservesOrder(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     1,
		MaxBatchEvents: 3,
		MaxBatchWait:   5 * time.Millisecond,
		Blocking:       true,
	}, sink)

	taskID := UUIDToBytes(uuid.New())
	stages := []Stage{StageBatchStart, StageItemResult, StageItemResult, StageItemResult, StageBatchFinished}
	for i, stage := range stages {
		evt := Event{TaskID: taskID, TS: time.Now(), Stage: stage}
		if stage == StageItemResult {
			evt.Code = string(rune('X' + i - 1))
			evt.Status = ItemSuccess
		}
		hub.Emit(evt)
	}
	require.NoError(t, hub.Close(context.Background()))

	var got []Stage
	for _, batch := range sink.Batches() {
		for _, evt := range batch {
			got = append(got, evt.Stage)
		}
	}
	require.Equal(t, stages, got)
}

// TestHubDropsInvalidEvents verifies events failing validation never reach sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1}, sink)

	hub.Emit(Event{Stage: StageBatchStart})
	hub.Emit(Event{TaskID: UUIDToBytes(uuid.New()), TS: time.Now(), Stage: StageItemResult})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	// gate, when set, holds every Consume until it is closed.
	gate chan struct{}
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(ctx context.Context, batch []Event) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	id := uuid.New()
	return Event{
		TaskID:     UUIDToBytes(id),
		TS:         time.Now(),
		Stage:      stage,
		TotalCount: 1,
	}
}
