package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/luneth-sync/internal/audit"
	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/dedup"
	"github.com/JakeFAU/luneth-sync/internal/progress"
	"github.com/JakeFAU/luneth-sync/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeCrawler struct {
	mu         sync.Mutex
	records    map[string]crawler.FullRecord
	crawlErr   map[string]error
	pages      map[string][]crawler.ItemSummary
	pageErr    map[string]error
	imageErr   error
	idolImages map[string]crawler.Image
	idolErr    map[string]error

	// onPage and onCode run after each call is recorded.
	onPage func(url string)
	onCode func(code string)

	codeCalls []string
	pageCalls []string
}

func newFakeCrawler() *fakeCrawler {
	return &fakeCrawler{
		records:    map[string]crawler.FullRecord{},
		crawlErr:   map[string]error{},
		pages:      map[string][]crawler.ItemSummary{},
		pageErr:    map[string]error{},
		idolImages: map[string]crawler.Image{},
		idolErr:    map[string]error{},
	}
}

func (f *fakeCrawler) CrawlPage(_ context.Context, url string) ([]crawler.ItemSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls = append(f.pageCalls, url)
	if f.onPage != nil {
		f.onPage(url)
	}
	if err := f.pageErr[url]; err != nil {
		return nil, err
	}
	return f.pages[url], nil
}

func (f *fakeCrawler) CrawlCode(_ context.Context, code string) (crawler.FullRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeCalls = append(f.codeCalls, code)
	if f.onCode != nil {
		f.onCode(code)
	}
	if err := f.crawlErr[code]; err != nil {
		return crawler.FullRecord{}, err
	}
	rec, ok := f.records[code]
	if !ok {
		rec = fullRecord(code, 2, 1)
	}
	return rec, nil
}

func (f *fakeCrawler) CrawlImages(_ context.Context, rec crawler.FullRecord) ([]crawler.Image, error) {
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	names := crawler.ImageNames(rec.ID, rec.ImageCount())
	images := make([]crawler.Image, 0, len(names))
	for _, name := range names {
		images = append(images, crawler.Image{Name: name, ContentType: "image/jpeg", Data: []byte(name)})
	}
	return images, nil
}

func (f *fakeCrawler) CrawlIdolImage(_ context.Context, link string) (crawler.Image, error) {
	if err := f.idolErr[link]; err != nil {
		return crawler.Image{}, err
	}
	return f.idolImages[link], nil
}

func (f *fakeCrawler) Close() error { return nil }

func (f *fakeCrawler) crawledCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.codeCalls...)
}

type fakeRemote struct {
	mu          sync.Mutex
	summaries   []crawler.RemoteSummary
	pullErr     error
	recordErr   error
	imageErr    error
	idols       []crawler.Idol
	idolsErr    error
	uploadErr   error
	records     []string
	imageCounts map[string]int
	uploads     []string
}

func (r *fakeRemote) PullSummaries(context.Context) ([]crawler.RemoteSummary, error) {
	return r.summaries, r.pullErr
}

func (r *fakeRemote) PostRecord(_ context.Context, rec crawler.CachedRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec.ID)
	return r.recordErr
}

func (r *fakeRemote) PostImages(_ context.Context, id string, images []crawler.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.imageCounts == nil {
		r.imageCounts = map[string]int{}
	}
	r.imageCounts[id] = len(images)
	return r.imageErr
}

func (r *fakeRemote) IdolsWithoutImage(context.Context) ([]crawler.Idol, error) {
	return r.idols, r.idolsErr
}

func (r *fakeRemote) PostIdolImage(_ context.Context, idol crawler.Idol, _ crawler.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads = append(r.uploads, idol.ID)
	return r.uploadErr
}

// insertFailingStore rejects every record insert.
type insertFailingStore struct {
	*memory.Store
}

func (insertFailingStore) InsertRecord(context.Context, crawler.CachedRecord) error {
	return errors.New("disk full")
}

// remoteFailingStore rejects remote inserts for one ID.
type remoteFailingStore struct {
	*memory.Store
	failID string
}

func (s remoteFailingStore) InsertRemote(ctx context.Context, summary crawler.RemoteSummary) error {
	if summary.ID == s.failID {
		return errors.New("constraint violated")
	}
	return s.Store.InsertRemote(ctx, summary)
}

type harness struct {
	deps     Deps
	store    *memory.Store
	images   *memory.ImageStore
	crawler  *fakeCrawler
	remote   *fakeRemote
	recorder *progress.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	images := memory.NewImageStore()
	fc := newFakeCrawler()
	remote := &fakeRemote{}
	rec := progress.NewRecorder()
	clock := fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return &harness{
		deps: Deps{
			TaskID:  progress.UUIDToBytes(uuid.New()),
			Store:   store,
			Images:  images,
			Crawler: fc,
			Remote:  remote,
			Dedup:   dedup.New(store, nil),
			Audit:   audit.New(store, clock, nil),
			Emitter: rec,
			Clock:   clock,
		},
		store:    store,
		images:   images,
		crawler:  fc,
		remote:   remote,
		recorder: rec,
	}
}

func fullRecord(code string, images, links int) crawler.FullRecord {
	rec := crawler.FullRecord{Record: crawler.Record{ID: code, Title: "title " + code}}
	for i := 0; i < images; i++ {
		rec.ImageURLs = append(rec.ImageURLs, fmt.Sprintf("https://img.example/%s/%d.jpg", code, i))
	}
	for i := 0; i < links; i++ {
		rec.MagnetLinks = append(rec.MagnetLinks, crawler.MagnetLink{Name: fmt.Sprintf("link-%d", i), Link: fmt.Sprintf("magnet:?xt=%s-%d", code, i)})
	}
	return rec
}

func (h *harness) seedRecord(t *testing.T, rec crawler.CachedRecord) {
	t.Helper()
	if err := h.store.InsertRecord(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func (h *harness) operations(t *testing.T) []crawler.OperationHistoryEntry {
	t.Helper()
	ops, err := h.store.ListOperations(context.Background(), 0)
	if err != nil {
		t.Fatalf("list operations: %v", err)
	}
	return ops
}

func itemEvents(events []progress.Event, stage progress.Stage) []progress.Event {
	var out []progress.Event
	for _, evt := range events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}
