package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/progress"
)

// Update result messages.
const (
	msgNotFoundLocal = "Record not found in local database"
	msgNoUpdates     = "No updates needed"
)

// Update re-crawls each code and patches the cached record: missing images
// are fetched and saved, and magnet links are widened when the fresh crawl
// has more of them. A code needing no change still counts as success.
func Update(ctx context.Context, d Deps, codes []string) (Result, error) {
	res := Result{TotalCount: len(codes), Targets: codes}
	d.emit(progress.Event{Stage: progress.StageUpdateStart, TotalCount: len(codes)})
	if err := d.requireCrawler("update"); err != nil {
		d.abort(ctx, crawler.OpUpdate, codes, err, &res)
		d.finish(progress.StageUpdateFinished, res, err.Error())
		return res, err
	}

	updated := 0
	for i, code := range codes {
		if d.interrupted(ctx, codes[i:], &res) {
			break
		}
		status, message, changed := d.updateItem(ctx, code)
		if status == progress.ItemFailed {
			res.fail(code)
		} else {
			res.succeed()
		}
		if changed {
			updated++
		}
		d.emitItem(progress.StageUpdateItemResult, code, status, message)
	}

	d.log().Info("update finished", zap.Int("updated", updated), zap.Int("errors", res.ErrorCount))
	d.finish(progress.StageUpdateFinished, res, stopReason(ctx))
	return res, nil
}

func (d Deps) updateItem(ctx context.Context, code string) (progress.ItemStatus, string, bool) {
	ctx, span := tracer.Start(ctx, "pipeline.update", trace.WithAttributes(attribute.String("code", code)))
	defer span.End()

	full, err := d.Crawler.CrawlCode(ctx, code)
	if err != nil {
		d.log().Warn("crawl for update failed", zap.String("code", code), zap.Error(err))
		d.auditFailure(ctx, crawler.OpUpdate, code, err.Error())
		return progress.ItemFailed, fmt.Sprintf("Crawl failed: %v", err), false
	}
	if full.ID == "" {
		full.ID = code
	}

	local, err := d.Store.GetRecord(ctx, code)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			d.log().Warn("record not found locally, skipping update", zap.String("code", code))
			d.auditFailure(ctx, crawler.OpUpdate, code, "Record not found")
			return progress.ItemFailed, msgNotFoundLocal, false
		}
		wrapped := crawler.NewError(crawler.KindPersist, "load record", code, err)
		d.log().Error("load record failed", zap.String("code", code), zap.Error(wrapped))
		d.auditFailure(ctx, crawler.OpUpdate, code, err.Error())
		return progress.ItemFailed, fmt.Sprintf("Failed to load record: %v", err), false
	}

	patched, changes, err := d.reconcile(ctx, local, full)
	if err != nil {
		d.log().Error("crawl images for update failed", zap.String("code", code), zap.Error(err))
		message := fmt.Sprintf("Failed to crawl images: %v", err)
		d.auditFailure(ctx, crawler.OpUpdate, code, message)
		return progress.ItemFailed, message, false
	}

	if len(changes) == 0 {
		d.auditSuccess(ctx, crawler.OpUpdate, code)
		return progress.ItemSuccess, msgNoUpdates, false
	}

	patched.UpdatedAt = d.now()
	if err := d.Store.UpdateRecord(ctx, patched); err != nil {
		wrapped := crawler.NewError(crawler.KindPersist, "update record", code, err)
		d.log().Error("persist update failed", zap.String("code", code), zap.Error(wrapped))
		d.auditFailure(ctx, crawler.OpUpdate, code, err.Error())
		return progress.ItemFailed, fmt.Sprintf("Failed to save: %v", err), false
	}
	d.auditSuccess(ctx, crawler.OpUpdate, code)
	d.log().Info("updated record", zap.String("code", code), zap.Strings("changes", changes))
	return progress.ItemSuccess, "Updated: " + strings.Join(changes, ", "), true
}

// reconcile computes the patched record. Image caching happens first; when it
// fails nothing is patched. Magnet links only ever widen.
func (d Deps) reconcile(
	ctx context.Context,
	local crawler.CachedRecord,
	full crawler.FullRecord,
) (crawler.CachedRecord, []string, error) {
	var changes []string
	if !local.CachedLocally {
		if err := d.saveImages(ctx, full); err != nil {
			return local, nil, err
		}
		local.LocalImageCount = full.ImageCount()
		local.CachedLocally = true
		changes = append(changes, "crawled images")
	}
	if len(full.MagnetLinks) > len(local.MagnetLinks) {
		local.MagnetLinks = append([]crawler.MagnetLink(nil), full.MagnetLinks...)
		changes = append(changes, "updated magnet links")
	}
	return local, changes, nil
}
