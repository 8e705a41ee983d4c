package sinks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/luneth-sync/internal/progress"
)

// PrometheusSink exports task progress metrics via Prometheus. It owns all
// collectors for tasks started/finished/running plus per-item and per-page
// outcome counters.
type PrometheusSink struct {
	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	items         *prometheus.CounterVec
	pages         *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "luneth_tasks_started_total",
			Help: "Total tasks that emitted a start event, partitioned by pipeline.",
		}, []string{"pipeline"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "luneth_tasks_finished_total",
			Help: "Total tasks that emitted a finished event, partitioned by pipeline and result.",
		}, []string{"pipeline", "result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "luneth_tasks_running",
			Help: "Current number of tasks between their start and finished events.",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "luneth_items_total",
			Help: "Per-item outcomes partitioned by pipeline and status.",
		}, []string{"pipeline", "status"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "luneth_pages_total",
			Help: "Listing pages processed by auto crawls, partitioned by result.",
		}, []string{"result"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksFinished,
		s.tasksRunning,
		s.items,
		s.pages,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	pipeline := pipelineOf(evt.Stage)
	switch {
	case evt.Stage.Started():
		s.tasksStarted.WithLabelValues(pipeline).Inc()
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case evt.Stage.Finished():
		s.tasksFinished.WithLabelValues(pipeline, finishedResult(evt)).Inc()
		if s.tracker.complete(evt.TaskID) {
			s.tasksRunning.Dec()
		}
	case evt.Status != "":
		s.items.WithLabelValues(pipeline, string(evt.Status)).Inc()
	case evt.Stage == progress.StagePageSuccess:
		s.pages.WithLabelValues("success").Inc()
	case evt.Stage == progress.StagePageFailed:
		s.pages.WithLabelValues("failed").Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func pipelineOf(stage progress.Stage) string {
	name := string(stage)
	if strings.HasPrefix(name, "record-pull") {
		return "pull"
	}
	if idx := strings.Index(name, "-"); idx > 0 {
		return name[:idx]
	}
	return name
}

func finishedResult(evt progress.Event) string {
	switch {
	case evt.Stage == progress.StageIdolFailed || evt.Stage == progress.StagePullFailed:
		return "error"
	case evt.ErrorCount > 0:
		return "partial"
	default:
		return "success"
	}
}

type taskTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[[16]byte]struct{})}
}

func (t *taskTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
