package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/progress"
)

// TaskNotice is the payload published when a task's event stream closes.
type TaskNotice struct {
	TaskID       string    `json:"task_id"`
	Stage        string    `json:"stage"`
	SuccessCount int       `json:"success_count"`
	ErrorCount   int       `json:"error_count"`
	TotalCount   int       `json:"total_count"`
	Message      string    `json:"message,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// PublishSink forwards finished events to a Publisher so downstream systems
// learn about completed syncs without polling the task history.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink constructs a PublishSink for topic.
func NewPublishSink(publisher crawler.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one notice per finished event in the batch. Publish errors
// are joined and returned after the whole batch was attempted.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Finished() {
			continue
		}
		notice := TaskNotice{
			TaskID:       evt.TaskUUID().String(),
			Stage:        string(evt.Stage),
			SuccessCount: evt.SuccessCount,
			ErrorCount:   evt.ErrorCount,
			TotalCount:   evt.TotalCount,
			Message:      evt.Message,
			FinishedAt:   evt.TS,
		}
		id, err := s.publisher.Publish(ctx, s.topic, notice)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", notice.TaskID, err))
			continue
		}
		s.logger.Debug("published task notice", zap.String("task_id", notice.TaskID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
