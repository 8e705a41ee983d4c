// Package collyfetcher is the plain HTTP fetcher of a crawl session. Each
// Fetcher owns one Colly collector configured from the session's settings.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/luneth-sync/internal/fetcher"
)

const (
	defaultTimeout = 15 * time.Second
	responseKey    = "luneth.response"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout bounds one request, robots.txt included. Zero means 15s.
	Timeout time.Duration
}

// Fetcher implements fetcher.Fetcher. Fetches are serialized because a crawl
// session requests one document at a time.
type Fetcher struct {
	mu        sync.Mutex
	collector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots

	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = newRobotsTransport(transport)
	}
	c.WithTransport(transport)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.SetRequestTimeout(timeout)

	c.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(responseKey, fetcher.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
		})
	})
	return &Fetcher{collector: c}
}

// Fetch issues a GET for req.URL. Non-2xx pages come back with their body
// and a *fetcher.StatusError.
func (f *Fetcher) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.collector.Context = ctx
	defer func() { f.collector.Context = context.Background() }()

	reqCtx := colly.NewContext()
	err := f.collector.Request(http.MethodGet, req.URL, nil, reqCtx, req.Headers.Clone())
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fetcher.Response{}, fmt.Errorf("fetch %s: %w", req.URL, ctxErr)
	}
	if err != nil {
		return fetcher.Response{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	resp, ok := reqCtx.GetAny(responseKey).(fetcher.Response)
	if !ok {
		return fetcher.Response{}, fmt.Errorf("fetch %s: no response received", req.URL)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return resp, &fetcher.StatusError{URL: resp.URL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
}
