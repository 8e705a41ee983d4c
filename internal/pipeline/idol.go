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
	"github.com/JakeFAU/luneth-sync/internal/detector"
	"github.com/JakeFAU/luneth-sync/internal/progress"
)

// idolTarget is the audit target for failures not tied to one idol.
const idolTarget = "idols"

// errHTMLPayload marks an idol image download that returned an HTML page.
var errHTMLPayload = errors.New("rejected html payload")

// Idol fetches idols lacking an image, crawls each image, rejects HTML error
// pages, and uploads the rest. Any per-idol failure makes the task end with
// idol-failed and an error after every idol was attempted.
func Idol(ctx context.Context, d Deps) (Result, error) {
	var res Result
	if err := errors.Join(d.requireRemote("idol sync"), d.requireCrawler("idol sync")); err != nil {
		d.log().Error("idol sync aborted", zap.Error(err))
		d.auditFailure(ctx, crawler.OpCreate, idolTarget, err.Error())
		d.emit(progress.Event{Stage: progress.StageIdolFailed, Message: err.Error()})
		return res, err
	}

	idols, err := d.Remote.IdolsWithoutImage(ctx)
	if err != nil {
		wrapped := crawler.NewError(crawler.KindCrawl, "list idols", "", err)
		d.log().Error("list idols without image failed", zap.Error(wrapped))
		d.auditFailure(ctx, crawler.OpCreate, idolTarget, err.Error())
		d.emit(progress.Event{
			Stage:   progress.StageIdolFailed,
			Message: fmt.Sprintf("Failed to get idols without images: %v", err),
		})
		return res, wrapped
	}

	res.TotalCount = len(idols)
	res.Targets = idolIDs(idols)
	d.emit(progress.Event{Stage: progress.StageIdolStart, TotalCount: res.TotalCount})

	var failures []string
	for i, idol := range idols {
		if d.interrupted(ctx, idolIDs(idols[i:]), &res) {
			d.finish(progress.StageIdolFailed, res, stopReason(ctx))
			return res, nil
		}
		message, err := d.syncIdol(ctx, idol)
		if err != nil {
			res.fail(idol.ID)
			failures = append(failures, message)
			d.auditFailure(ctx, crawler.OpCreate, idolAuditID(idol), message)
		} else {
			res.succeed()
			d.auditSuccess(ctx, crawler.OpCreate, idolAuditID(idol))
		}
		d.emit(progress.Event{Stage: progress.StageIdolProgress, Processed: i + 1, Message: message})
	}

	if len(failures) == 0 {
		d.log().Info("idol sync completed", zap.Int("success", res.SuccessCount), zap.Int("total", res.TotalCount))
		d.finish(progress.StageIdolComplete, res, "")
		return res, nil
	}
	summary := fmt.Sprintf("Idol crawl completed with errors: %d/%d successful. Errors:\n%s",
		res.SuccessCount, res.TotalCount, strings.Join(failures, "\n"))
	d.log().Error("idol sync completed with errors", zap.Int("errors", res.ErrorCount))
	d.finish(progress.StageIdolFailed, res, summary)
	return res, crawler.NewError(crawler.KindCrawl, "idol sync", "", errors.New(summary))
}

func (d Deps) syncIdol(ctx context.Context, idol crawler.Idol) (string, error) {
	ctx, span := tracer.Start(ctx, "pipeline.idol", trace.WithAttributes(attribute.String("idol", idol.ID)))
	defer span.End()

	img, err := d.Crawler.CrawlIdolImage(ctx, idol.ImageLink)
	if err != nil {
		d.log().Warn("crawl idol image failed", zap.String("idol", idol.ID), zap.Error(err))
		return fmt.Sprintf("Failed %s: %v", idol.Name, err), err
	}
	if detector.IsHTMLPayload(img) {
		d.log().Warn("crawled html content for idol", zap.String("idol", idol.ID))
		return fmt.Sprintf("Failed %s: %v", idol.Name, errHTMLPayload), errHTMLPayload
	}
	if img.Name == "" {
		img.Name = idol.ID
	}
	if err := d.Remote.PostIdolImage(ctx, idol, img); err != nil {
		d.log().Warn("upload idol image failed", zap.String("idol", idol.ID), zap.Error(err))
		return fmt.Sprintf("Failed %s: %v", idol.Name, err), err
	}
	d.log().Debug("uploaded idol image", zap.String("idol", idol.ID))
	return fmt.Sprintf("Uploaded image for %s", idol.Name), nil
}

func idolIDs(idols []crawler.Idol) []string {
	ids := make([]string, len(idols))
	for i, idol := range idols {
		ids[i] = idol.ID
	}
	return ids
}

func idolAuditID(idol crawler.Idol) string {
	return "idol/" + idol.ID
}
