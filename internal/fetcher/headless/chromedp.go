// Package headless renders script-driven catalog pages in Chrome via chromedp.
// A Renderer owns one browser for the lifetime of a crawl session.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/fetcher"
)

const (
	defaultLoadTimeout = 45 * time.Second
	defaultSettleDelay = 500 * time.Millisecond
)

// Options are the site-level renderer settings.
type Options struct {
	UserAgent string
	// Slots, when set, is shared by every renderer of the process and caps
	// how many pages render at once.
	Slots chan struct{}
	// SettleDelay is how long to wait after the body is ready.
	SettleDelay time.Duration
}

// NewSlots returns a render slot pool of size n, or nil when n <= 0.
func NewSlots(n int) chan struct{} {
	if n <= 0 {
		return nil
	}
	return make(chan struct{}, n)
}

// Renderer implements fetcher.Fetcher with a browser configured from one
// session's crawler.CrawlConfig: Headless picks the window mode, LoadTimeout
// bounds each page and WebdriverPort attaches to an already running browser.
type Renderer struct {
	opts     Options
	timeout  time.Duration
	attached bool

	allocCancel   context.CancelFunc
	browser       context.Context
	browserCancel context.CancelFunc

	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
}

// NewRenderer prepares a browser for job. The browser starts on first use.
func NewRenderer(opts Options, job crawler.CrawlConfig) *Renderer {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	timeout := job.LoadTimeout()
	if timeout <= 0 {
		timeout = defaultLoadTimeout
	}
	allocCtx, allocCancel := newAllocator(job)
	browser, browserCancel := chromedp.NewContext(allocCtx)
	return &Renderer{
		opts:          opts,
		timeout:       timeout,
		attached:      job.WebdriverPort != 0,
		allocCancel:   allocCancel,
		browser:       browser,
		browserCancel: browserCancel,
	}
}

func newAllocator(job crawler.CrawlConfig) (context.Context, context.CancelFunc) {
	if job.WebdriverPort != 0 {
		return chromedp.NewRemoteAllocator(context.Background(), debuggerURL(job.WebdriverPort))
	}
	mode := chromedp.Flag("headless", false)
	if job.Headless {
		mode = chromedp.Flag("headless", "new")
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		mode,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1366, 900),
	)
	return chromedp.NewExecAllocator(context.Background(), opts...)
}

func debuggerURL(port uint16) string {
	return fmt.Sprintf("ws://127.0.0.1:%d", port)
}

// Close shuts the browser down. An attached browser is left running; only
// this session's tabs are closed.
func (r *Renderer) Close() error {
	r.closeOnce.Do(func() {
		r.browserCancel()
		r.allocCancel()
	})
	return nil
}

// Fetch renders req.URL in a new tab and returns the resulting DOM.
func (r *Renderer) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	if err := r.acquire(ctx); err != nil {
		return fetcher.Response{}, err
	}
	defer r.release()

	if err := r.start(); err != nil {
		return fetcher.Response{}, err
	}

	tab, closeTab := chromedp.NewContext(r.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, r.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &document{}
	chromedp.ListenTarget(tab, doc.observe)

	var html, location string
	err := chromedp.Run(tab,
		r.prepare(req.Headers),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.opts.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return fetcher.Response{}, fmt.Errorf("render %s: %w", req.URL, err)
	}
	return doc.response(req.URL, location, html)
}

func (r *Renderer) start() error {
	r.startOnce.Do(func() {
		if err := chromedp.Run(r.browser); err != nil {
			if r.attached {
				r.startErr = fmt.Errorf("attach to browser: %w", err)
			} else {
				r.startErr = fmt.Errorf("launch browser: %w", err)
			}
		}
	})
	return r.startErr
}

func (r *Renderer) prepare(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if r.opts.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.opts.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) == 0 {
			return nil
		}
		extra := make(network.Headers, len(headers))
		for key := range headers {
			extra[key] = headers.Get(key)
		}
		if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
			return fmt.Errorf("set headers: %w", err)
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.opts.Slots == nil {
		return nil
	}
	select {
	case r.opts.Slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for render slot: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.opts.Slots == nil {
		return
	}
	<-r.opts.Slots
}

// document records the main document response of one tab. Only the first
// document response counts; later ones come from frames.
type document struct {
	mu      sync.Mutex
	seen    bool
	status  int
	headers http.Header
}

func (d *document) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(e.Response.Status)
	d.headers = make(http.Header, len(e.Response.Headers))
	for key, value := range e.Response.Headers {
		d.headers.Set(key, fmt.Sprint(value))
	}
}

// response builds the Fetch result. A tab that never reported its document
// is treated as a 200.
func (d *document) response(requestURL, location, html string) (fetcher.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := fetcher.Response{
		URL:        location,
		StatusCode: d.status,
		Headers:    d.headers,
		Body:       []byte(html),
		Rendered:   true,
	}
	if resp.URL == "" {
		resp.URL = requestURL
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return resp, &fetcher.StatusError{URL: resp.URL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
