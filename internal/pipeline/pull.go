package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/progress"
)

const (
	pullProgressEvery = 100
	// pullTarget is the audit target for failures not tied to one summary.
	pullTarget = "remote-catalog"
)

// Pull fetches the remote catalog and inserts each summary. A summary that
// already exists counts as success; any other insert error aborts the task.
func Pull(ctx context.Context, d Deps) (Result, error) {
	var res Result
	if err := d.requireRemote("pull remote"); err != nil {
		d.log().Error("pull aborted", zap.Error(err))
		d.auditFailure(ctx, crawler.OpCreate, pullTarget, err.Error())
		d.emit(progress.Event{Stage: progress.StagePullFailed, Message: err.Error()})
		return res, err
	}

	summaries, err := d.Remote.PullSummaries(ctx)
	if err != nil {
		wrapped := crawler.NewError(crawler.KindCrawl, "pull remote", "", err)
		d.log().Error("pull remote records failed", zap.Error(wrapped))
		d.auditFailure(ctx, crawler.OpCreate, pullTarget, err.Error())
		d.emit(progress.Event{
			Stage:   progress.StagePullFailed,
			Message: fmt.Sprintf("Failed to pull records from remote: %v", err),
		})
		return res, wrapped
	}

	res.TotalCount = len(summaries)
	res.Targets = summaryIDs(summaries)
	d.log().Info("retrieved remote records", zap.Int("total", res.TotalCount))
	d.emit(progress.Event{Stage: progress.StagePullStart, TotalCount: res.TotalCount})
	d.emit(progress.Event{
		Stage:   progress.StagePullProgress,
		Message: "Starting to save records to local database...",
	})

	for i, summary := range summaries {
		if d.interrupted(ctx, summaryIDs(summaries[i:]), &res) {
			d.emit(progress.Event{
				Stage:        progress.StagePullFailed,
				Message:      stopReason(ctx),
				SuccessCount: res.SuccessCount,
				ErrorCount:   res.ErrorCount,
				TotalCount:   res.TotalCount,
			})
			return res, nil
		}
		if err := d.Store.InsertRemote(ctx, summary); err != nil && !errors.Is(err, crawler.ErrAlreadyExists) {
			wrapped := crawler.NewError(crawler.KindPersist, "insert remote", summary.ID, err)
			res.fail(summary.ID)
			// Everything after the failing row was never attempted.
			for _, rest := range summaries[i+1:] {
				res.fail(rest.ID)
			}
			d.log().Error("save remote records failed", zap.String("code", summary.ID), zap.Error(wrapped))
			d.auditFailure(ctx, crawler.OpCreate, summary.ID, err.Error())
			d.emit(progress.Event{
				Stage:        progress.StagePullFailed,
				Message:      fmt.Sprintf("Failed to save records to database: %v", err),
				SuccessCount: res.SuccessCount,
				ErrorCount:   res.ErrorCount,
				TotalCount:   res.TotalCount,
			})
			return res, wrapped
		}
		res.succeed()
		if processed := i + 1; processed%pullProgressEvery == 0 && processed < res.TotalCount {
			d.emit(progress.Event{
				Stage:     progress.StagePullProgress,
				Processed: processed,
				Message:   fmt.Sprintf("Saved %d of %d records", processed, res.TotalCount),
			})
		}
	}

	d.log().Info("pulled remote records", zap.Int("saved", res.SuccessCount), zap.Int("total", res.TotalCount))
	d.finish(progress.StagePullComplete, res, "")
	return res, nil
}

func summaryIDs(summaries []crawler.RemoteSummary) []string {
	ids := make([]string, len(summaries))
	for i, summary := range summaries {
		ids[i] = summary.ID
	}
	return ids
}
