package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/progress"
)

const msgSubmitted = "Submitted"

// Submit pushes each cached record and its images to the remote partner. Both
// phases are always attempted and the record is marked submitted only when
// both succeed. A missing remote client aborts the whole task.
func Submit(ctx context.Context, d Deps, codes []string) (Result, error) {
	res := Result{TotalCount: len(codes), Targets: codes}
	d.emit(progress.Event{Stage: progress.StageSubmitStart, TotalCount: len(codes)})
	if err := d.requireRemote("submit"); err != nil {
		d.abort(ctx, crawler.OpSubmit, codes, err, &res)
		d.finish(progress.StageSubmitFinished, res, err.Error())
		return res, err
	}
	if d.Images == nil {
		err := crawler.NewError(crawler.KindImageIO, "submit", "", errors.New("no image store configured"))
		d.abort(ctx, crawler.OpSubmit, codes, err, &res)
		d.finish(progress.StageSubmitFinished, res, err.Error())
		return res, err
	}

	for i, code := range codes {
		if d.interrupted(ctx, codes[i:], &res) {
			break
		}
		d.emit(progress.Event{Stage: progress.StageSubmitItemStart, Code: code})
		status, message := d.submitItem(ctx, code)
		if status == progress.ItemFailed {
			res.fail(code)
		} else {
			res.succeed()
		}
		d.emitItem(progress.StageSubmitItemResult, code, status, message)
	}

	d.log().Info("submit finished",
		zap.Int("success", res.SuccessCount),
		zap.Int("errors", res.ErrorCount),
		zap.Int("total", res.TotalCount),
	)
	d.finish(progress.StageSubmitFinished, res, stopReason(ctx))
	return res, nil
}

func (d Deps) submitItem(ctx context.Context, code string) (progress.ItemStatus, string) {
	ctx, span := tracer.Start(ctx, "pipeline.submit", trace.WithAttributes(attribute.String("code", code)))
	defer span.End()

	fail := func(message string, err error) (progress.ItemStatus, string) {
		d.log().Error("submit failed", zap.String("code", code), zap.String("reason", message), zap.Error(err))
		d.auditFailure(ctx, crawler.OpSubmit, code, message)
		return progress.ItemFailed, message
	}

	rec, err := d.Store.GetRecord(ctx, code)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return fail(fmt.Sprintf("Failed to find record for code: %s", code), err)
		}
		return fail(fmt.Sprintf("Failed to find record for code: %s: %v", code, err), err)
	}

	stored, err := d.Images.Count(ctx, code)
	if err != nil {
		return fail(fmt.Sprintf("Failed to read local images for code: %s. Error: %v", code, err), err)
	}
	if stored != rec.LocalImageCount {
		return fail(fmt.Sprintf("Image count mismatch for code: %s. Expected %d, found %d",
			code, rec.LocalImageCount, stored), nil)
	}
	images, err := d.Images.Read(ctx, code, rec.LocalImageCount)
	if err != nil {
		return fail(fmt.Sprintf("Failed to read local images for code: %s. Error: %v", code, err), err)
	}
	if len(images) != rec.LocalImageCount {
		return fail(fmt.Sprintf("Image count mismatch for code: %s. Expected %d, found %d",
			code, rec.LocalImageCount, len(images)), nil)
	}

	metaErr := d.Remote.PostRecord(ctx, rec)
	imageErr := d.Remote.PostImages(ctx, code, images)
	if message := submitFailure(metaErr, imageErr); message != "" {
		span.RecordError(errors.Join(metaErr, imageErr))
		return fail(message, errors.Join(metaErr, imageErr))
	}

	rec.Submitted = true
	rec.UpdatedAt = d.now()
	if err := d.Store.UpdateRecord(ctx, rec); err != nil {
		return fail(fmt.Sprintf("Submitted but failed to mark record: %v", err), err)
	}
	d.auditSuccess(ctx, crawler.OpSubmit, code)
	d.log().Info("submitted record", zap.String("code", code), zap.Int("images", len(images)))
	return progress.ItemSuccess, msgSubmitted
}

// submitFailure names the failing phase(s), or returns "" when both passed.
func submitFailure(metaErr, imageErr error) string {
	switch {
	case metaErr != nil && imageErr != nil:
		return fmt.Sprintf("Failed to submit record metadata and images: %v; %v", metaErr, imageErr)
	case metaErr != nil:
		return fmt.Sprintf("Failed to submit record metadata: %v", metaErr)
	case imageErr != nil:
		return fmt.Sprintf("Failed to submit record images: %v", imageErr)
	default:
		return ""
	}
}
