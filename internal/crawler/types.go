package crawler

import (
	"fmt"
	"strings"
	"time"
)

// MagnetLink is one shared download link scraped from a record page.
type MagnetLink struct {
	Name string `json:"name"`
	Link string `json:"link"`
	Size string `json:"size,omitempty"`
	Date string `json:"date,omitempty"`
}

// Record holds the metadata scraped for one identifier. Entity maps are keyed
// by display name and hold the entity's link on the source site.
type Record struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Cover       string            `json:"cover"`
	ReleaseDate string            `json:"release_date"`
	Length      string            `json:"length"`
	Director    map[string]string `json:"director"`
	Studio      map[string]string `json:"studio"`
	Label       map[string]string `json:"label"`
	Series      map[string]string `json:"series"`
	Genres      map[string]string `json:"genres"`
	Idols       map[string]string `json:"idols"`
	MagnetLinks []MagnetLink      `json:"magnet_links"`
}

// FullRecord is the crawler's view of a record: metadata plus the image links
// that make up its gallery. ImageURLs[0] is the display image.
type FullRecord struct {
	Record
	ImageURLs []string `json:"image_urls"`
}

// ImageCount is the number of images the source declares for the record.
func (r FullRecord) ImageCount() int {
	return len(r.ImageURLs)
}

// CachedRecord is a locally persisted record plus user and sync flags.
type CachedRecord struct {
	Record
	LocalImageCount int       `json:"local_image_count"`
	Viewed          bool      `json:"viewed"`
	Liked           bool      `json:"liked"`
	Submitted       bool      `json:"submitted"`
	CachedLocally   bool      `json:"cached_locally"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewCachedRecord converts a freshly crawled record into its cached form.
func NewCachedRecord(full FullRecord, cached bool, now time.Time) CachedRecord {
	return CachedRecord{
		Record:          full.Record,
		LocalImageCount: full.ImageCount(),
		CachedLocally:   cached,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// RemoteSummary is the slim catalog projection pulled from the remote partner.
type RemoteSummary struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Date     string   `json:"date"`
	Duration string   `json:"duration"`
	Director string   `json:"director"`
	Studio   string   `json:"studio"`
	Label    string   `json:"label"`
	Series   string   `json:"series"`
	Genres   []string `json:"genres"`
	Idols    []string `json:"idols"`
	HasLinks bool     `json:"has_links"`
	Links    []string `json:"links"`
}

// ItemSummary is one entry discovered on a listing page.
type ItemSummary struct {
	Code  string `json:"code"`
	Title string `json:"title"`
	Link  string `json:"link"`
	Date  string `json:"date,omitempty"`
}

// Image is one binary blob belonging to a record or an idol.
type Image struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// ImageNames lists the file names of a record with count images: the display
// image is named after the record and samples are suffixed _0 through _{count-2}.
func ImageNames(id string, count int) []string {
	if count <= 0 {
		return []string{}
	}
	names := make([]string, 0, count)
	names = append(names, id)
	for i := 0; i < count-1; i++ {
		names = append(names, fmt.Sprintf("%s_%d", id, i))
	}
	return names
}

// Idol is a remote idol entry lacking an image.
type Idol struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ImageLink string `json:"image_link"`
}

// CrawlConfig holds the per-job crawler knobs supplied at launch.
type CrawlConfig struct {
	Headless            bool   `json:"headless" mapstructure:"headless"`
	LoadTimeoutSeconds  uint64 `json:"load_timeout" mapstructure:"load_timeout_seconds"`
	RequestDelaySeconds uint64 `json:"request_delay" mapstructure:"request_delay_seconds"`
	WebdriverPort       uint16 `json:"webdriver_port" mapstructure:"webdriver_port"`
}

// LoadTimeout converts LoadTimeoutSeconds into a duration.
func (c CrawlConfig) LoadTimeout() time.Duration {
	return time.Duration(c.LoadTimeoutSeconds) * time.Second
}

// RequestDelay converts RequestDelaySeconds into a duration.
func (c CrawlConfig) RequestDelay() time.Duration {
	return time.Duration(c.RequestDelaySeconds) * time.Second
}

// RecordFilter narrows QueryRecords. Nil fields match everything.
type RecordFilter struct {
	Viewed    *bool
	Liked     *bool
	Submitted *bool
	Cached    *bool
}

// Matches reports whether rec satisfies every set field.
func (f RecordFilter) Matches(rec CachedRecord) bool {
	switch {
	case f.Viewed != nil && *f.Viewed != rec.Viewed:
		return false
	case f.Liked != nil && *f.Liked != rec.Liked:
		return false
	case f.Submitted != nil && *f.Submitted != rec.Submitted:
		return false
	case f.Cached != nil && *f.Cached != rec.CachedLocally:
		return false
	}
	return true
}

// OperationKind labels one audited operation.
type OperationKind string

// Operation kinds written to the operation history.
const (
	OpCrawlRecord OperationKind = "CRAWL_RECORD"
	OpCrawlPage   OperationKind = "CRAWL_PAGE"
	OpViewed      OperationKind = "VIEWED"
	OpLiked       OperationKind = "LIKED"
	OpUnliked     OperationKind = "UNLIKED"
	OpSubmit      OperationKind = "SUBMIT"
	OpCreate      OperationKind = "CREATE"
	OpUpdate      OperationKind = "UPDATE"
	OpDelete      OperationKind = "DELETE"
)

// OperationStatus is the outcome of an audited operation.
type OperationStatus string

// Operation outcomes.
const (
	OpSuccess OperationStatus = "SUCCESS"
	OpFailed  OperationStatus = "FAILED"
)

// Actors recorded on operation history rows.
const (
	ActorCrawl = "crawl"
	ActorUser  = "user"
)

// OperationHistoryEntry is one append-only audit row.
type OperationHistoryEntry struct {
	ID        int64           `json:"id"`
	TargetID  string          `json:"target_id"`
	Kind      OperationKind   `json:"operation"`
	Status    OperationStatus `json:"status"`
	Actor     string          `json:"actor"`
	Error     string          `json:"error_message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskKind groups task history rows.
type TaskKind string

// Task history kinds.
const (
	TaskCrawl  TaskKind = "CRAWL"
	TaskSubmit TaskKind = "SUBMIT"
	TaskUpdate TaskKind = "UPDATE"
	TaskPull   TaskKind = "PULL"
)

// TaskStatus is the lifecycle state of a task history row.
type TaskStatus string

// Task history statuses.
const (
	TaskPending TaskStatus = "PENDING"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskFailed  TaskStatus = "FAILED"
	TaskAborted TaskStatus = "ABORTED"
)

// Terminal reports whether the status closes the task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskAborted:
		return true
	default:
		return false
	}
}

// TaskHistoryEntry records one task invocation.
type TaskHistoryEntry struct {
	TaskID      string     `json:"task_id"`
	Kind        TaskKind   `json:"task_kind"`
	Status      TaskStatus `json:"status"`
	TargetIDs   []string   `json:"target_ids"`
	FailedIDs   []string   `json:"failed_ids"`
	TotalCount  int        `json:"total_count"`
	FailedCount int        `json:"failed_count"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
}

// NewTaskHistoryEntry builds a pending entry over targets.
func NewTaskHistoryEntry(id string, kind TaskKind, targets []string, now time.Time) TaskHistoryEntry {
	ids := append([]string(nil), targets...)
	return TaskHistoryEntry{
		TaskID:     id,
		Kind:       kind,
		Status:     TaskPending,
		TargetIDs:  ids,
		FailedIDs:  []string{},
		TotalCount: len(ids),
		StartTime:  now,
	}
}

// ApplyStatus moves the entry to status. Terminal statuses set EndTime once.
func (e *TaskHistoryEntry) ApplyStatus(status TaskStatus, failed []string, now time.Time) {
	e.Status = status
	e.FailedIDs = append([]string(nil), failed...)
	e.FailedCount = len(e.FailedIDs)
	if status.Terminal() {
		if e.EndTime == nil {
			end := now
			e.EndTime = &end
		}
		return
	}
	e.EndTime = nil
}

// AddTargets appends ids not already targeted and recounts TotalCount. Tasks
// whose targets are discovered while running record them this way.
func (e *TaskHistoryEntry) AddTargets(ids []string) {
	seen := make(map[string]struct{}, len(e.TargetIDs))
	for _, id := range e.TargetIDs {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		e.TargetIDs = append(e.TargetIDs, id)
	}
	e.TotalCount = len(e.TargetIDs)
}

// NormalizeCode trims and upper-cases an identifier.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
