package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/progress"
)

// DefaultMaxPageDepth bounds auto pagination.
const DefaultMaxPageDepth = 120

// PageURL builds the listing URL and page name for page i.
func PageURL(startURL string, i int) (url, name string) {
	if !strings.HasSuffix(startURL, "/") {
		startURL += "/"
	}
	name = fmt.Sprintf("page/%d", i)
	return startURL + name, name
}

// Auto walks listing pages 1..maxDepth, feeding each page's identifiers to
// Batch. A failed page is recorded and skipped; an empty page ends the walk.
// The last event is an aggregate batch-finished covering every page.
func Auto(ctx context.Context, d Deps, startURL string, withImage bool, maxDepth int) (Result, error) {
	var res Result
	if err := d.requireCrawler("auto crawl"); err != nil {
		d.log().Error("task aborted", zap.Error(err))
		d.finish(progress.StageBatchFinished, res, err.Error())
		return res, err
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxPageDepth
	}

	for i := 1; i <= maxDepth; i++ {
		if ctx.Err() != nil {
			d.log().Warn("auto crawl interrupted", zap.Int("pages", res.Pages), zap.Error(ctx.Err()))
			break
		}
		url, page := PageURL(startURL, i)
		d.emit(progress.Event{Stage: progress.StagePageStart, Page: page})
		res.Pages++

		items, err := d.Crawler.CrawlPage(ctx, url)
		if err != nil {
			res.PagesFailed++
			d.log().Warn("crawl page failed", zap.String("page", page), zap.Error(err))
			d.auditFailure(ctx, crawler.OpCrawlPage, page, err.Error())
			d.emit(progress.Event{Stage: progress.StagePageFailed, Page: page, Message: err.Error()})
			continue
		}
		d.auditSuccess(ctx, crawler.OpCrawlPage, page)
		d.emit(progress.Event{Stage: progress.StagePageSuccess, Page: page, TotalCount: len(items)})

		if len(items) == 0 {
			d.log().Info("no records found on page, stopping", zap.String("page", page))
			break
		}

		codes := make([]string, 0, len(items))
		for _, item := range items {
			codes = append(codes, item.Code)
		}
		pageRes, err := Batch(ctx, d, codes, withImage)
		res.merge(pageRes)
		if err != nil {
			d.finish(progress.StageBatchFinished, res, err.Error())
			return res, err
		}
		d.log().Info("crawled page", zap.String("page", page), zap.Int("records", len(items)))
	}

	d.log().Info("auto crawl completed",
		zap.String("start_url", startURL),
		zap.Int("pages", res.Pages),
		zap.Int("pages_failed", res.PagesFailed),
	)
	message := fmt.Sprintf("auto crawl finished after %d pages", res.Pages)
	if reason := stopReason(ctx); reason != "" {
		message = fmt.Sprintf("auto crawl %s after %d pages", reason, res.Pages)
	}
	d.finish(progress.StageBatchFinished, res, message)
	return res, nil
}
