package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/luneth-sync/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and gauges follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	taskID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{TaskID: taskID, TS: now, Stage: progress.StageBatchStart, TotalCount: 3},
		{TaskID: taskID, TS: now, Stage: progress.StageItemResult, Code: "X-1", Status: progress.ItemExist},
		{TaskID: taskID, TS: now, Stage: progress.StageItemResult, Code: "Y-1", Status: progress.ItemFailed},
		{TaskID: taskID, TS: now, Stage: progress.StageItemResult, Code: "Z-1", Status: progress.ItemSuccess},
		{TaskID: taskID, TS: now, Stage: progress.StageBatchFinished, SuccessCount: 2, ErrorCount: 1, TotalCount: 3},
	}

	require.NoError(t, sink.Consume(context.Background(), batch[:1]))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksRunning))

	require.NoError(t, sink.Consume(context.Background(), batch[1:]))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksStarted.WithLabelValues("batch")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksFinished.WithLabelValues("batch", "partial")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.tasksRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("item", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("item", "exist")))
}

func TestPrometheusSinkPagesAndPull(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	taskID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: taskID, TS: now, Stage: progress.StagePageStart, Page: "page/1"},
		{TaskID: taskID, TS: now, Stage: progress.StagePageSuccess, Page: "page/1", TotalCount: 2},
		{TaskID: taskID, TS: now, Stage: progress.StagePageFailed, Page: "page/2", Message: "timeout"},
		{TaskID: taskID, TS: now, Stage: progress.StagePullFailed, Message: "auth"},
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksFinished.WithLabelValues("pull", "error")))
}

func TestNewPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
