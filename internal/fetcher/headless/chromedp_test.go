package headless

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/fetcher"
)

func TestNewRendererFromCrawlConfig(t *testing.T) {
	t.Parallel()

	r := NewRenderer(Options{}, crawler.CrawlConfig{Headless: true, LoadTimeoutSeconds: 7})
	t.Cleanup(func() { _ = r.Close() })
	assert.Equal(t, 7*time.Second, r.timeout)
	assert.Equal(t, defaultSettleDelay, r.opts.SettleDelay)
	assert.False(t, r.attached)

	r = NewRenderer(Options{SettleDelay: time.Second}, crawler.CrawlConfig{WebdriverPort: 9515})
	t.Cleanup(func() { _ = r.Close() })
	assert.Equal(t, defaultLoadTimeout, r.timeout)
	assert.Equal(t, time.Second, r.opts.SettleDelay)
	assert.True(t, r.attached)
	assert.Equal(t, "ws://127.0.0.1:9515", debuggerURL(9515))
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRenderer(Options{}, crawler.CrawlConfig{Headless: true})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestFetchWithoutBrowser(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	r := NewRenderer(Options{}, crawler.CrawlConfig{WebdriverPort: port, LoadTimeoutSeconds: 2})
	t.Cleanup(func() { _ = r.Close() })

	_, err = r.Fetch(context.Background(), fetcher.Request{URL: "https://catalog.example/ABC-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attach to browser")

	// The start failure sticks for the session.
	_, again := r.Fetch(context.Background(), fetcher.Request{URL: "https://catalog.example/ABC-2"})
	assert.Equal(t, err, again)
}

func TestRenderSlotsShared(t *testing.T) {
	t.Parallel()

	assert.Nil(t, NewSlots(0))
	slots := NewSlots(1)
	first := NewRenderer(Options{Slots: slots}, crawler.CrawlConfig{Headless: true})
	second := NewRenderer(Options{Slots: slots}, crawler.CrawlConfig{Headless: true})
	t.Cleanup(func() {
		_ = first.Close()
		_ = second.Close()
	})

	require.NoError(t, first.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := second.acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	first.release()
	require.NoError(t, second.acquire(context.Background()))
	second.release()
}

func TestDocumentKeepsFirstDocumentResponse(t *testing.T) {
	t.Parallel()

	doc := &document{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 500},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			Headers: network.Headers{"content-type": "text/html", "x-count": 3},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200},
	})
	doc.observe("not an event")

	resp, err := doc.response("https://catalog.example/GONE-1", "", "<html></html>")
	require.Error(t, err)
	assert.True(t, fetcher.Missing(err))
	var se *fetcher.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "https://catalog.example/GONE-1", se.URL)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Headers.Get("Content-Type"))
	assert.Equal(t, "3", resp.Headers.Get("X-Count"))
	assert.True(t, resp.Rendered)
}

func TestDocumentDefaultsWithoutResponse(t *testing.T) {
	t.Parallel()

	doc := &document{}
	resp, err := doc.response("https://catalog.example/ABC-1", "https://catalog.example/abc-1", "<html>ok</html>")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://catalog.example/abc-1", resp.URL)
	assert.NotNil(t, resp.Headers)
	assert.Equal(t, "<html>ok</html>", string(resp.Body))
}
