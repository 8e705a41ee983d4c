// Package pipeline implements the per-task pipelines: batch and auto crawling,
// update reconciliation, submission, remote pull, and idol image sync. Each
// pipeline processes its items sequentially, records every attempt in the
// audit log, and brackets its progress events with a start and a finished
// event.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/audit"
	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/dedup"
	"github.com/JakeFAU/luneth-sync/internal/progress"
)

var tracer = otel.Tracer("github.com/JakeFAU/luneth-sync/internal/pipeline")

// Deps carries the collaborators one task run needs. Crawler and Remote may
// be nil for pipelines that do not use them; SessionErr explains a nil
// Crawler, typically a failed session start.
type Deps struct {
	TaskID     [16]byte
	Store      crawler.Store
	Images     crawler.ImageStore
	Crawler    crawler.Crawler
	SessionErr error
	Remote     crawler.RemoteClient
	Dedup      *dedup.Cache
	Audit      *audit.Log
	Emitter    progress.Emitter
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Result aggregates per-item outcomes. SuccessCount+ErrorCount equals
// TotalCount once a pipeline returns. Targets lists every item the run
// covered, including items discovered while running. Pages and PagesFailed
// are only populated by Auto.
type Result struct {
	SuccessCount int
	ErrorCount   int
	TotalCount   int
	FailedIDs    []string
	Targets      []string `json:"-"`
	Pages        int
	PagesFailed  int
}

func (r *Result) succeed() {
	r.SuccessCount++
}

func (r *Result) fail(id string) {
	r.ErrorCount++
	r.FailedIDs = append(r.FailedIDs, id)
}

func (r *Result) merge(other Result) {
	r.SuccessCount += other.SuccessCount
	r.ErrorCount += other.ErrorCount
	r.TotalCount += other.TotalCount
	r.FailedIDs = append(r.FailedIDs, other.FailedIDs...)
	r.Targets = append(r.Targets, other.Targets...)
}

func (d Deps) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d Deps) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock.Now()
}

func (d Deps) emit(evt progress.Event) {
	if d.Emitter == nil {
		return
	}
	evt.TaskID = d.TaskID
	evt.TS = d.now()
	d.Emitter.Emit(evt)
}

func (d Deps) finish(stage progress.Stage, res Result, message string) {
	d.emit(progress.Event{
		Stage:        stage,
		SuccessCount: res.SuccessCount,
		ErrorCount:   res.ErrorCount,
		TotalCount:   res.TotalCount,
		Message:      message,
	})
}

func (d Deps) auditSuccess(ctx context.Context, kind crawler.OperationKind, target string) {
	if d.Audit != nil {
		_ = d.Audit.Success(ctx, kind, target, crawler.ActorCrawl)
	}
}

func (d Deps) auditFailure(ctx context.Context, kind crawler.OperationKind, target, message string) {
	if d.Audit != nil {
		_ = d.Audit.Failure(ctx, kind, target, crawler.ActorCrawl, message)
	}
}

// interrupted reports whether ctx is done. When it is, every target in rest
// is counted as failed without an attempt or an audit row, so the summary
// still covers the whole job.
func (d Deps) interrupted(ctx context.Context, rest []string, res *Result) bool {
	if ctx.Err() == nil {
		return false
	}
	d.log().Warn("task interrupted", zap.Int("remaining", len(rest)), zap.Error(ctx.Err()))
	for _, id := range rest {
		res.fail(id)
	}
	return true
}

// stopReason is the finished-event message of a pipeline, or "" when ctx is
// still live.
func stopReason(ctx context.Context) string {
	if err := ctx.Err(); err != nil {
		return "interrupted: " + err.Error()
	}
	return ""
}

// requireRemote returns a fatal auth error when no remote client is set.
func (d Deps) requireRemote(op string) error {
	if d.Remote == nil {
		return crawler.NewError(crawler.KindAuth, op, "", crawler.ErrAuthMissing)
	}
	return nil
}

// requireCrawler returns an error when no crawl session is attached.
func (d Deps) requireCrawler(op string) error {
	if d.Crawler == nil {
		cause := d.SessionErr
		if cause == nil {
			cause = errors.New("no crawl session")
		}
		return crawler.NewError(crawler.KindCrawl, op, "", cause)
	}
	return nil
}

// saveImages crawls the record's images and stores them under its ID. A
// failed save removes whatever was partially written.
func (d Deps) saveImages(ctx context.Context, full crawler.FullRecord) error {
	if d.Images == nil {
		return crawler.NewError(crawler.KindImageIO, "save images", full.ID, errors.New("no image store configured"))
	}
	images, err := d.Crawler.CrawlImages(ctx, full)
	if err != nil {
		return crawler.NewError(crawler.KindCrawl, "crawl images", full.ID, err)
	}
	if err := d.Images.Save(ctx, full.ID, images); err != nil {
		d.removeImages(ctx, full.ID)
		return crawler.NewError(crawler.KindImageIO, "save images", full.ID, err)
	}
	return nil
}

// removeImages deletes the image directory for id. Errors are logged only.
func (d Deps) removeImages(ctx context.Context, id string) {
	if d.Images == nil {
		return
	}
	if err := d.Images.RemoveDir(ctx, id); err != nil {
		d.log().Error("remove image directory", zap.String("code", id), zap.Error(err))
	}
}
