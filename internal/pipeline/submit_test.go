package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/progress"
)

func (h *harness) seedCached(t *testing.T, code string, images int) {
	t.Helper()
	full := fullRecord(code, images, 1)
	h.seedRecord(t, cachedFrom(full, true))
	imgs, err := h.crawler.CrawlImages(context.Background(), full)
	require.NoError(t, err)
	require.NoError(t, h.images.Save(context.Background(), code, imgs))
}

func TestSubmitMarksSubmittedWhenBothPhasesSucceed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedCached(t, "A-1", 3)

	res, err := Submit(context.Background(), h.deps, []string{"A-1"})
	require.NoError(t, err)
	require.Equal(t, 1, res.SuccessCount)
	require.Equal(t, 3, h.remote.imageCounts["A-1"])

	rec, err := h.store.GetRecord(context.Background(), "A-1")
	require.NoError(t, err)
	require.True(t, rec.Submitted)

	require.Equal(t, []progress.Stage{
		progress.StageSubmitStart,
		progress.StageSubmitItemStart,
		progress.StageSubmitItemResult,
		progress.StageSubmitFinished,
	}, h.recorder.Stages())
}

func TestSubmitImagePhaseFailureLeavesRecordUnsubmitted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedCached(t, "A-1", 2)
	h.remote.imageErr = errors.New("413 payload too large")

	res, err := Submit(context.Background(), h.deps, []string{"A-1"})
	require.NoError(t, err)
	require.Equal(t, 1, res.ErrorCount)
	require.Equal(t, []string{"A-1"}, h.remote.records, "metadata phase is still attempted")

	rec, err := h.store.GetRecord(context.Background(), "A-1")
	require.NoError(t, err)
	require.False(t, rec.Submitted)

	results := itemEvents(h.recorder.Events(), progress.StageSubmitItemResult)
	require.Len(t, results, 1)
	require.Equal(t, progress.ItemFailed, results[0].Status)
	require.Equal(t, "Failed to submit record images: 413 payload too large", results[0].Message)

	ops := h.operations(t)
	require.Len(t, ops, 1)
	require.Equal(t, crawler.OpSubmit, ops[0].Kind)
	require.Equal(t, crawler.OpFailed, ops[0].Status)
}

func TestSubmitFailureMessages(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", submitFailure(nil, nil))
	require.Equal(t, "Failed to submit record metadata: a", submitFailure(errors.New("a"), nil))
	require.Equal(t, "Failed to submit record metadata and images: a; b",
		submitFailure(errors.New("a"), errors.New("b")))
}

func TestSubmitPrechecks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	full := fullRecord("SHORT-1", 3, 1)
	h.seedRecord(t, cachedFrom(full, true))
	require.NoError(t, h.images.Save(context.Background(), "SHORT-1", []crawler.Image{{Name: "SHORT-1"}}))

	res, err := Submit(context.Background(), h.deps, []string{"NONE-1", "SHORT-1"})
	require.NoError(t, err)
	require.Equal(t, 2, res.ErrorCount)
	require.Empty(t, h.remote.records, "nothing is pushed when prechecks fail")

	results := itemEvents(h.recorder.Events(), progress.StageSubmitItemResult)
	require.Equal(t, "Failed to find record for code: NONE-1", results[0].Message)
	require.Equal(t, "Image count mismatch for code: SHORT-1. Expected 3, found 1", results[1].Message)
}

func TestSubmitWithoutRemoteIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.deps.Remote = nil

	res, err := Submit(context.Background(), h.deps, []string{"A-1", "B-1"})
	require.ErrorIs(t, err, crawler.ErrAuthMissing)
	require.Equal(t, crawler.KindAuth, crawler.KindOf(err))
	require.True(t, crawler.IsFatal(err))
	require.Equal(t, []string{"A-1", "B-1"}, res.FailedIDs)

	last, ok := h.recorder.Last()
	require.True(t, ok)
	require.Equal(t, progress.StageSubmitFinished, last.Stage)
	require.Equal(t, 2, last.ErrorCount)
	require.Equal(t, 2, last.TotalCount)
	require.Len(t, h.operations(t), 2)
}
