package crawler

import (
	"context"
	"time"
)

// Crawler is an active crawl session. Implementations are not safe for
// concurrent use; a session belongs to one task.
type Crawler interface {
	CrawlPage(ctx context.Context, url string) ([]ItemSummary, error)
	CrawlCode(ctx context.Context, code string) (FullRecord, error)
	CrawlImages(ctx context.Context, record FullRecord) ([]Image, error)
	CrawlIdolImage(ctx context.Context, link string) (Image, error)
	Close() error
}

// CrawlerFactory starts crawl sessions.
type CrawlerFactory interface {
	Start(ctx context.Context, cfg CrawlConfig) (Crawler, error)
}

// RecordStore persists cached records.
type RecordStore interface {
	InsertRecord(ctx context.Context, rec CachedRecord) error
	GetRecord(ctx context.Context, id string) (CachedRecord, error)
	UpdateRecord(ctx context.Context, rec CachedRecord) error
	QueryRecords(ctx context.Context, filter RecordFilter, offset, limit int) ([]CachedRecord, error)
	CountRecords(ctx context.Context, filter RecordFilter) (int, error)
	RecordIDs(ctx context.Context) ([]string, error)
}

// RemoteStore persists slim remote catalog rows.
type RemoteStore interface {
	InsertRemote(ctx context.Context, summary RemoteSummary) error
	RemoteIDs(ctx context.Context) ([]string, error)
}

// HistoryStore persists the audit trail.
type HistoryStore interface {
	AppendOperation(ctx context.Context, entry OperationHistoryEntry) error
	ListOperations(ctx context.Context, limit int) ([]OperationHistoryEntry, error)
	CreateTask(ctx context.Context, entry TaskHistoryEntry) error
	UpdateTask(ctx context.Context, entry TaskHistoryEntry) error
	GetTask(ctx context.Context, taskID string) (TaskHistoryEntry, error)
	ListTasks(ctx context.Context, limit int) ([]TaskHistoryEntry, error)
}

// Store is the full persistence surface consumed by the engine.
type Store interface {
	RecordStore
	RemoteStore
	HistoryStore
	Close() error
}

// RemoteClient is the authenticated sync partner.
type RemoteClient interface {
	PullSummaries(ctx context.Context) ([]RemoteSummary, error)
	PostRecord(ctx context.Context, rec CachedRecord) error
	PostImages(ctx context.Context, id string, images []Image) error
	IdolsWithoutImage(ctx context.Context) ([]Idol, error)
	PostIdolImage(ctx context.Context, idol Idol, image Image) error
}

// ImageStore saves and reads record images grouped by record id.
type ImageStore interface {
	Save(ctx context.Context, id string, images []Image) error
	Read(ctx context.Context, id string, count int) ([]Image, error)
	Count(ctx context.Context, id string) (int, error)
	RemoveDir(ctx context.Context, id string) error
}

// Publisher pushes task completion notices to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
