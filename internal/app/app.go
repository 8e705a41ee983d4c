// Package app holds the long-lived services of one engine instance. It
// replaces process-wide singletons: every adapter (CLI, HTTP) owns a Context
// and passes it explicitly.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/audit"
	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/dedup"
	"github.com/JakeFAU/luneth-sync/internal/progress"
	"github.com/JakeFAU/luneth-sync/internal/task"
)

// Connector builds an authenticated RemoteClient from client credentials.
type Connector interface {
	Connect(ctx context.Context, baseURL, clientID, clientSecret string) (crawler.RemoteClient, error)
}

// Options carries the collaborators a Context is built from. Store is
// required; the rest fall back to inert defaults.
type Options struct {
	Store        crawler.Store
	Images       crawler.ImageStore
	Crawlers     crawler.CrawlerFactory
	Connector    Connector
	Emitter      progress.Emitter
	Clock        crawler.Clock
	IDs          crawler.IDGenerator
	Logger       *zap.Logger
	MaxPageDepth int
}

// Context holds all the shared, long-lived services for the application.
type Context struct {
	store        crawler.Store
	images       crawler.ImageStore
	crawlers     crawler.CrawlerFactory
	connector    Connector
	emitter      progress.Emitter
	clock        crawler.Clock
	ids          crawler.IDGenerator
	logger       *zap.Logger
	maxPageDepth int

	dedup *dedup.Cache
	audit *audit.Log

	mu        sync.RWMutex
	remote    crawler.RemoteClient
	remoteURL string
}

// New builds a Context from opts.
func New(opts Options) (*Context, error) {
	if opts.Store == nil {
		return nil, errors.New("app: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = progress.Nop{}
	}
	return &Context{
		store:        opts.Store,
		images:       opts.Images,
		crawlers:     opts.Crawlers,
		connector:    opts.Connector,
		emitter:      emitter,
		clock:        opts.Clock,
		ids:          opts.IDs,
		logger:       logger,
		maxPageDepth: opts.MaxPageDepth,
		dedup:        dedup.New(opts.Store, logger),
		audit:        audit.New(opts.Store, opts.Clock, logger),
	}, nil
}

// Logger returns the shared logger.
func (c *Context) Logger() *zap.Logger {
	return c.logger
}

// Store exposes the persistence layer.
func (c *Context) Store() crawler.Store {
	return c.store
}

// TaskEnv snapshots the services a task runs against, including the remote
// client configured at this moment.
func (c *Context) TaskEnv() task.Env {
	c.mu.RLock()
	remote := c.remote
	c.mu.RUnlock()
	return task.Env{
		Store:        c.store,
		Images:       c.images,
		Crawlers:     c.crawlers,
		Remote:       remote,
		Dedup:        c.dedup,
		Audit:        c.audit,
		Emitter:      c.emitter,
		Clock:        c.clock,
		Logger:       c.logger,
		MaxPageDepth: c.maxPageDepth,
	}
}

// NewTask assigns an ID to kind and validates it.
func (c *Context) NewTask(kind task.Kind) (*task.Task, error) {
	if err := task.Validate(kind); err != nil {
		return nil, err
	}
	if c.ids == nil {
		return nil, errors.New("app: no id generator configured")
	}
	id, err := c.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}
	return task.New(id, kind), nil
}

// MarkViewed flags the record as viewed.
func (c *Context) MarkViewed(ctx context.Context, code string) error {
	return c.interact(ctx, code, crawler.OpViewed, func(rec *crawler.CachedRecord) { rec.Viewed = true })
}

// MarkLiked flags the record as liked.
func (c *Context) MarkLiked(ctx context.Context, code string) error {
	return c.interact(ctx, code, crawler.OpLiked, func(rec *crawler.CachedRecord) { rec.Liked = true })
}

// MarkUnliked clears the liked flag.
func (c *Context) MarkUnliked(ctx context.Context, code string) error {
	return c.interact(ctx, code, crawler.OpUnliked, func(rec *crawler.CachedRecord) { rec.Liked = false })
}

func (c *Context) interact(ctx context.Context, code string, kind crawler.OperationKind, apply func(*crawler.CachedRecord)) error {
	code = crawler.NormalizeCode(code)
	rec, err := c.store.GetRecord(ctx, code)
	if err != nil {
		msg := "Record not found"
		if !errors.Is(err, crawler.ErrNotFound) {
			msg = fmt.Sprintf("Failed to load record: %v", err)
		}
		if aerr := c.audit.Failure(ctx, kind, code, crawler.ActorUser, msg); aerr != nil {
			err = errors.Join(err, aerr)
		}
		return fmt.Errorf("%s %s: %w", strings.ToLower(string(kind)), code, err)
	}
	apply(&rec)
	rec.UpdatedAt = c.now()
	if err := c.store.UpdateRecord(ctx, rec); err != nil {
		if aerr := c.audit.Failure(ctx, kind, code, crawler.ActorUser, fmt.Sprintf("Failed to save: %v", err)); aerr != nil {
			err = errors.Join(err, aerr)
		}
		return crawler.NewError(crawler.KindPersist, strings.ToLower(string(kind)), code, err)
	}
	if err := c.audit.Success(ctx, kind, code, crawler.ActorUser); err != nil {
		return err
	}
	c.logger.Info("record interaction", zap.String("code", code), zap.String("operation", string(kind)))
	return nil
}

// ExistIDs refreshes the dedup snapshot and returns it sorted.
func (c *Context) ExistIDs(ctx context.Context) []string {
	c.dedup.Refresh(ctx)
	return c.dedup.Sorted()
}

// QueryRecords returns one page of records plus the total matching count.
func (c *Context) QueryRecords(ctx context.Context, filter crawler.RecordFilter, offset, limit int) ([]crawler.CachedRecord, int, error) {
	records, err := c.store.QueryRecords(ctx, filter, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query records: %w", err)
	}
	total, err := c.store.CountRecords(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}
	return records, total, nil
}

// Operations lists the newest operation history rows.
func (c *Context) Operations(ctx context.Context, limit int) ([]crawler.OperationHistoryEntry, error) {
	ops, err := c.store.ListOperations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// Tasks lists the newest task history rows.
func (c *Context) Tasks(ctx context.Context, limit int) ([]crawler.TaskHistoryEntry, error) {
	tasks, err := c.store.ListTasks(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Task loads one task history row.
func (c *Context) Task(ctx context.Context, id string) (crawler.TaskHistoryEntry, error) {
	entry, err := c.store.GetTask(ctx, id)
	if err != nil {
		return crawler.TaskHistoryEntry{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return entry, nil
}

// SetClientAuth configures the remote client. An empty baseURL clears it.
func (c *Context) SetClientAuth(ctx context.Context, baseURL, clientID, clientSecret string) error {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		c.ClearClientAuth()
		return nil
	}
	normalized, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return crawler.NewError(crawler.KindAuth, "set client auth", "", err)
	}
	if c.connector == nil {
		return crawler.NewError(crawler.KindAuth, "set client auth", "", errors.New("no remote connector configured"))
	}
	client, err := c.connector.Connect(ctx, normalized, clientID, clientSecret)
	if err != nil {
		return crawler.NewError(crawler.KindAuth, "set client auth", "", err)
	}
	c.mu.Lock()
	c.remote = client
	c.remoteURL = normalized
	c.mu.Unlock()
	c.logger.Info("remote client configured", zap.String("base_url", normalized))
	return nil
}

// ClearClientAuth drops the configured remote client.
func (c *Context) ClearClientAuth() {
	c.mu.Lock()
	c.remote = nil
	c.remoteURL = ""
	c.mu.Unlock()
}

// Remote returns the configured client or a KindAuth error.
func (c *Context) Remote() (crawler.RemoteClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.remote == nil {
		return nil, crawler.NewError(crawler.KindAuth, "remote", "", crawler.ErrAuthMissing)
	}
	return c.remote, nil
}

// RemoteURL reports the configured base URL, or "" when unset.
func (c *Context) RemoteURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteURL
}

// Close releases the store.
func (c *Context) Close() error {
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

func (c *Context) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now()
}

// NormalizeBaseURL appends a trailing slash and requires a scheme and host.
func NormalizeBaseURL(raw string) (string, error) {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid url %q: scheme and host are required", raw)
	}
	return parsed.String(), nil
}
