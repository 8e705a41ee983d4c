package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/progress"
)

// Item result messages.
const (
	msgExists  = "Record already exists"
	msgCrawled = "Successfully crawled"
)

// Batch runs the item pipeline over codes: skip known identifiers, crawl,
// optionally save images, persist, audit, and report each outcome. Per-item
// failures never abort the batch.
func Batch(ctx context.Context, d Deps, codes []string, withImage bool) (Result, error) {
	res := Result{TotalCount: len(codes), Targets: codes}
	if err := d.requireCrawler("batch crawl"); err != nil {
		d.emit(progress.Event{Stage: progress.StageBatchStart, TotalCount: len(codes)})
		d.abort(ctx, crawler.OpCrawlRecord, codes, err, &res)
		d.finish(progress.StageBatchFinished, res, err.Error())
		return res, err
	}

	known := map[string]struct{}{}
	if d.Dedup != nil {
		d.Dedup.Refresh(ctx)
		known = d.Dedup.Snapshot()
	}

	d.emit(progress.Event{Stage: progress.StageBatchStart, TotalCount: len(codes)})
	for i, code := range codes {
		if d.interrupted(ctx, codes[i:], &res) {
			break
		}
		if _, ok := known[code]; ok {
			d.log().Debug("skip known code", zap.String("code", code))
			res.succeed()
			d.emitItem(progress.StageItemResult, code, progress.ItemExist, msgExists)
			continue
		}
		status, message := d.crawlItem(ctx, code, withImage)
		if status == progress.ItemFailed {
			res.fail(code)
		} else {
			res.succeed()
		}
		d.emitItem(progress.StageItemResult, code, status, message)
	}

	d.log().Info("batch crawl finished",
		zap.Int("success", res.SuccessCount),
		zap.Int("errors", res.ErrorCount),
		zap.Int("total", res.TotalCount),
	)
	d.finish(progress.StageBatchFinished, res, stopReason(ctx))
	return res, nil
}

func (d Deps) crawlItem(ctx context.Context, code string, withImage bool) (progress.ItemStatus, string) {
	ctx, span := tracer.Start(ctx, "pipeline.item", trace.WithAttributes(
		attribute.String("code", code),
		attribute.Bool("with_image", withImage),
	))
	defer span.End()

	full, err := d.Crawler.CrawlCode(ctx, code)
	if err != nil {
		wrapped := crawler.NewError(crawler.KindCrawl, "crawl code", code, err)
		span.RecordError(wrapped)
		d.log().Warn("crawl code failed", zap.String("code", code), zap.Error(wrapped))
		d.auditFailure(ctx, crawler.OpCrawlRecord, code, err.Error())
		return progress.ItemFailed, fmt.Sprintf("Crawl failed: %v", err)
	}
	if full.ID == "" {
		full.ID = code
	}

	cached := false
	if withImage {
		if err := d.saveImages(ctx, full); err != nil {
			d.log().Warn("save images failed", zap.String("code", code), zap.Error(err))
		} else {
			cached = true
		}
	}

	rec := crawler.NewCachedRecord(full, cached, d.now())
	if err := d.Store.InsertRecord(ctx, rec); err != nil {
		wrapped := crawler.NewError(crawler.KindPersist, "insert record", code, err)
		span.RecordError(wrapped)
		if cached {
			d.removeImages(ctx, full.ID)
		}
		d.log().Error("persist record failed", zap.String("code", code), zap.Error(wrapped))
		d.auditFailure(ctx, crawler.OpCrawlRecord, code, err.Error())
		return progress.ItemFailed, fmt.Sprintf("Failed to save: %v", err)
	}

	d.auditSuccess(ctx, crawler.OpCrawlRecord, code)
	d.log().Info("crawled and saved code", zap.String("code", code), zap.Bool("images_cached", cached))
	return progress.ItemSuccess, msgCrawled
}

func (d Deps) emitItem(stage progress.Stage, code string, status progress.ItemStatus, message string) {
	d.emit(progress.Event{Stage: stage, Code: code, Status: status, Message: message})
}

// abort records a job-level failure against every target so the audit trail
// and FailedIDs cover the whole job.
func (d Deps) abort(ctx context.Context, kind crawler.OperationKind, targets []string, err error, res *Result) {
	d.log().Error("task aborted", zap.Error(err))
	for _, code := range targets {
		d.auditFailure(ctx, kind, code, err.Error())
		res.fail(code)
	}
}
