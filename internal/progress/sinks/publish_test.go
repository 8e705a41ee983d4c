package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/progress"
	memorypublisher "github.com/JakeFAU/luneth-sync/internal/publisher/memory"
)

func TestPublishSinkPublishesFinishedEvents(t *testing.T) {
	t.Parallel()

	pub := memorypublisher.New(0)
	sink := NewPublishSink(pub, "tasks", zap.NewNop())
	id := uuid.New()
	taskID := progress.UUIDToBytes(id)
	now := time.Unix(1700000000, 0).UTC()

	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: taskID, TS: now, Stage: progress.StageSubmitStart, TotalCount: 2},
		{TaskID: taskID, TS: now, Stage: progress.StageSubmitItemResult, Code: "A-1", Status: progress.ItemSuccess},
		{TaskID: taskID, TS: now, Stage: progress.StageSubmitFinished, SuccessCount: 1, ErrorCount: 1, TotalCount: 2},
	})
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "tasks", msgs[0].Topic)
	notice, ok := msgs[0].Payload.(TaskNotice)
	require.True(t, ok)
	require.Equal(t, id.String(), notice.TaskID)
	require.Equal(t, 1, notice.ErrorCount)
	require.Equal(t, now, notice.FinishedAt)
}

func TestPublishSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublishSink(failingPublisher{}, "tasks", nil)
	taskID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: taskID, TS: time.Now(), Stage: progress.StageIdolComplete},
		{TaskID: taskID, TS: time.Now(), Stage: progress.StagePullComplete},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("boom")
}
