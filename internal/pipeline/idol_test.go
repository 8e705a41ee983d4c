package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/progress"
)

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

func TestIdolUploadsImages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.remote.idols = []crawler.Idol{
		{ID: "1", Name: "Aoi", ImageLink: "https://img.example/1.jpg"},
		{ID: "2", Name: "Mei", ImageLink: "https://img.example/2.jpg"},
	}
	for _, idol := range h.remote.idols {
		h.crawler.idolImages[idol.ImageLink] = crawler.Image{ContentType: "image/jpeg", Data: jpegBytes}
	}

	res, err := Idol(context.Background(), h.deps)
	require.NoError(t, err)
	require.Equal(t, 2, res.SuccessCount)
	require.Equal(t, []string{"1", "2"}, h.remote.uploads)

	require.Equal(t, []progress.Stage{
		progress.StageIdolStart,
		progress.StageIdolProgress,
		progress.StageIdolProgress,
		progress.StageIdolComplete,
	}, h.recorder.Stages())
	events := h.recorder.Events()
	require.Equal(t, 2, events[2].Processed)
	require.Equal(t, "Uploaded image for Mei", events[2].Message)
}

func TestIdolRejectsHTMLAndReportsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.remote.idols = []crawler.Idol{
		{ID: "1", Name: "Aoi", ImageLink: "https://img.example/1.jpg"},
		{ID: "2", Name: "Mei", ImageLink: "https://img.example/2.jpg"},
		{ID: "3", Name: "Rin", ImageLink: "https://img.example/3.jpg"},
	}
	h.crawler.idolImages["https://img.example/1.jpg"] = crawler.Image{ContentType: "text/html", Data: []byte("<html>")}
	h.crawler.idolImages["https://img.example/2.jpg"] = crawler.Image{ContentType: "image/jpeg", Data: jpegBytes}
	h.crawler.idolErr["https://img.example/3.jpg"] = errors.New("404")

	res, err := Idol(context.Background(), h.deps)
	require.Error(t, err)
	require.Equal(t, 1, res.SuccessCount)
	require.Equal(t, 2, res.ErrorCount)
	require.Equal(t, []string{"2"}, h.remote.uploads, "html payloads are never uploaded")

	events := h.recorder.Events()
	require.Equal(t, "Failed Aoi: rejected html payload", events[1].Message)

	last, _ := h.recorder.Last()
	require.Equal(t, progress.StageIdolFailed, last.Stage)
	require.Contains(t, last.Message, "1/3 successful")
}

func TestIdolListingFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.remote.idolsErr = errors.New("unauthorized")

	_, err := Idol(context.Background(), h.deps)
	require.Error(t, err)
	require.Equal(t, []progress.Stage{progress.StageIdolFailed}, h.recorder.Stages())
}
