// Package catalog implements crawler.Crawler against the catalog site. Pages
// are fetched over plain HTTP first and promoted to a browser render when the
// response looks script-driven or the plain fetch fails.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/detector"
	"github.com/JakeFAU/luneth-sync/internal/fetcher"
	collyfetcher "github.com/JakeFAU/luneth-sync/internal/fetcher/colly"
	"github.com/JakeFAU/luneth-sync/internal/fetcher/headless"
	"github.com/JakeFAU/luneth-sync/internal/metrics"
	"github.com/JakeFAU/luneth-sync/internal/policy/ratelimit"
)

const defaultImageType = "image/jpeg"

// Config holds the site-level crawler settings.
type Config struct {
	BaseURL       string
	UserAgent     string
	RespectRobots bool
	// Render enables browser promotion. Without it only plain HTTP is used.
	Render              bool
	MaxParallelRenders  int
	RenderBodyThreshold int
	Selectors           Selectors
}

// Renderer is a fetcher that owns browser resources.
type Renderer interface {
	fetcher.Fetcher
	Close() error
}

// Factory starts crawl sessions. It implements crawler.CrawlerFactory.
type Factory struct {
	base      *url.URL
	cfg       Config
	selectors Selectors
	detector  *detector.Heuristic
	logger    *zap.Logger

	newStatic   func(crawler.CrawlConfig) fetcher.Fetcher
	newRenderer func(crawler.CrawlConfig) (Renderer, error)
	renderSlots chan struct{}
}

// NewFactory validates cfg and builds a Factory backed by Colly and chromedp.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := parseBase(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	f := &Factory{
		base:      base,
		cfg:       cfg,
		selectors: cfg.Selectors.withDefaults(),
		detector:  detector.NewHeuristic(cfg.RenderBodyThreshold),
		logger:    logger,
	}
	f.newStatic = func(job crawler.CrawlConfig) fetcher.Fetcher {
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.UserAgent,
			RespectRobots: cfg.RespectRobots,
			Timeout:       job.LoadTimeout(),
		})
	}
	if cfg.Render {
		f.renderSlots = headless.NewSlots(cfg.MaxParallelRenders)
		f.newRenderer = func(job crawler.CrawlConfig) (Renderer, error) {
			return headless.NewRenderer(headless.Options{
				UserAgent: cfg.UserAgent,
				Slots:     f.renderSlots,
			}, job), nil
		}
	}
	return f, nil
}

func parseBase(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("catalog base url is required")
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse catalog base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("catalog base url %q must include scheme and host", raw)
	}
	return u, nil
}

// Start opens a session configured by the per-job knobs.
func (f *Factory) Start(_ context.Context, job crawler.CrawlConfig) (crawler.Crawler, error) {
	s := &Session{
		base:      f.base,
		selectors: f.selectors,
		detector:  f.detector,
		limiter:   ratelimit.FromDelay(job.RequestDelay()),
		static:    f.newStatic(job),
		logger:    f.logger,
	}
	if f.cfg.UserAgent != "" {
		s.headers = http.Header{"User-Agent": {f.cfg.UserAgent}}
	}
	if f.newRenderer != nil {
		renderer, err := f.newRenderer(job)
		if err != nil {
			return nil, fmt.Errorf("start renderer: %w", err)
		}
		s.renderer = renderer
	}
	f.logger.Debug("crawl session started",
		zap.Bool("headless", job.Headless),
		zap.Duration("request_delay", job.RequestDelay()),
		zap.Bool("render", s.renderer != nil),
	)
	return s, nil
}

// Session is one task's crawl session. It is not safe for concurrent use.
type Session struct {
	base      *url.URL
	selectors Selectors
	detector  *detector.Heuristic
	limiter   *ratelimit.Limiter
	static    fetcher.Fetcher
	renderer  Renderer
	headers   http.Header
	logger    *zap.Logger
}

// CrawlPage fetches one listing page and returns the items on it.
func (s *Session) CrawlPage(ctx context.Context, pageURL string) ([]crawler.ItemSummary, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	body, err := s.document(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return parseListing(body, u, s.selectors)
}

// CrawlCode fetches and parses the record page for code.
func (s *Session) CrawlCode(ctx context.Context, code string) (crawler.FullRecord, error) {
	code = crawler.NormalizeCode(code)
	if code == "" {
		return crawler.FullRecord{}, errors.New("empty code")
	}
	u := s.base.ResolveReference(&url.URL{Path: code})
	body, err := s.document(ctx, u.String())
	if err != nil {
		return crawler.FullRecord{}, err
	}
	return parseRecord(body, u, code, s.selectors)
}

// CrawlImages downloads every image of record, named as the image store
// expects. The first failure aborts the download.
func (s *Session) CrawlImages(ctx context.Context, record crawler.FullRecord) ([]crawler.Image, error) {
	names := crawler.ImageNames(record.ID, record.ImageCount())
	images := make([]crawler.Image, 0, len(names))
	for i, link := range record.ImageURLs {
		img, err := s.download(ctx, link)
		if err != nil {
			return nil, fmt.Errorf("image %s: %w", names[i], err)
		}
		if detector.IsHTMLPayload(img) {
			return nil, fmt.Errorf("image %s: html payload from %s", names[i], link)
		}
		img.Name = names[i]
		images = append(images, img)
	}
	return images, nil
}

// CrawlIdolImage downloads an idol portrait. The payload is returned as
// served; callers decide whether it is usable.
func (s *Session) CrawlIdolImage(ctx context.Context, link string) (crawler.Image, error) {
	if strings.TrimSpace(link) == "" {
		return crawler.Image{}, errors.New("empty image link")
	}
	return s.download(ctx, resolve(s.base, link))
}

// Close releases the browser, if one was started.
func (s *Session) Close() error {
	if s.renderer == nil {
		return nil
	}
	if err := s.renderer.Close(); err != nil {
		return fmt.Errorf("close renderer: %w", err)
	}
	return nil
}

// document returns the HTML of rawURL, rendering it when needed. A missing
// page is final; a blocked or failed plain fetch is retried in the browser.
func (s *Session) document(ctx context.Context, rawURL string) ([]byte, error) {
	if err := s.limiter.Wait(ctx, rawURL); err != nil {
		return nil, err
	}
	resp, err := s.static.Fetch(ctx, fetcher.Request{URL: rawURL, Headers: s.headers})
	switch {
	case err == nil && !s.detector.ShouldRender(resp.StatusCode, resp.Body):
		metrics.ObserveCrawl(rawURL, "success", len(resp.Body))
		return resp.Body, nil
	case fetcher.Missing(err):
		metrics.ObserveCrawl(rawURL, "missing", 0)
		return nil, crawler.NewError(crawler.KindCrawl, "fetch", rawURL, err)
	case s.renderer == nil || ctx.Err() != nil:
		if err != nil {
			metrics.ObserveCrawl(rawURL, "error", 0)
			return nil, crawler.NewError(crawler.KindCrawl, "fetch", rawURL, err)
		}
		metrics.ObserveCrawl(rawURL, "success", len(resp.Body))
		return resp.Body, nil
	}

	s.logger.Debug("promoting to rendered fetch",
		zap.String("url", rawURL),
		zap.Int("status", fetcher.Status(err)),
		zap.Bool("blocked", fetcher.Blocked(err)),
		zap.NamedError("static_error", err),
	)
	rendered, rerr := s.renderer.Fetch(ctx, fetcher.Request{URL: rawURL, Headers: s.headers})
	if rerr != nil {
		metrics.ObserveCrawl(rawURL, "error", 0)
		if err == nil && resp.StatusCode == http.StatusOK {
			s.logger.Warn("render failed, using static body", zap.String("url", rawURL), zap.Error(rerr))
			return resp.Body, nil
		}
		return nil, crawler.NewError(crawler.KindCrawl, "render", rawURL, errors.Join(err, rerr))
	}
	metrics.ObserveCrawl(rawURL, "rendered", len(rendered.Body))
	return rendered.Body, nil
}

// download fetches a binary asset over plain HTTP.
func (s *Session) download(ctx context.Context, rawURL string) (crawler.Image, error) {
	if err := s.limiter.Wait(ctx, rawURL); err != nil {
		return crawler.Image{}, err
	}
	start := time.Now()
	resp, err := s.static.Fetch(ctx, fetcher.Request{URL: rawURL, Headers: s.headers})
	if err != nil {
		metrics.ObserveCrawl(rawURL, "error", 0)
		return crawler.Image{}, fmt.Errorf("download %s: %w", rawURL, err)
	}
	metrics.ObserveCrawl(rawURL, "success", len(resp.Body))
	ct := resp.ContentType()
	if ct == "" {
		ct = defaultImageType
	}
	s.logger.Debug("downloaded asset",
		zap.String("url", rawURL),
		zap.Int("bytes", len(resp.Body)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return crawler.Image{ContentType: ct, Data: resp.Body}, nil
}
