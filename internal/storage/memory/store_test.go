package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
)

func TestStoreRecordLifecycle(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rec := crawler.CachedRecord{
		Record:    crawler.Record{ID: "ABC-1", MagnetLinks: []crawler.MagnetLink{{Name: "a", Link: "magnet:a"}}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	require.NoError(t, store.InsertRecord(ctx, rec))
	require.ErrorIs(t, store.InsertRecord(ctx, rec), crawler.ErrAlreadyExists)

	got, err := store.GetRecord(ctx, "ABC-1")
	require.NoError(t, err)
	got.MagnetLinks[0].Name = "modified"
	again, err := store.GetRecord(ctx, "ABC-1")
	require.NoError(t, err)
	require.Equal(t, "a", again.MagnetLinks[0].Name, "GetRecord must return a copy")

	again.Viewed = true
	require.NoError(t, store.UpdateRecord(ctx, again))
	_, err = store.GetRecord(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.ErrorIs(t, store.UpdateRecord(ctx, crawler.CachedRecord{Record: crawler.Record{ID: "nope"}}), crawler.ErrNotFound)
}

func TestStoreQueryRecords(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"A-1", "B-2", "C-3"} {
		rec := crawler.CachedRecord{
			Record:    crawler.Record{ID: id},
			Liked:     i != 1,
			UpdatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, store.InsertRecord(ctx, rec))
	}

	liked := true
	recs, err := store.QueryRecords(ctx, crawler.RecordFilter{Liked: &liked}, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "C-3", recs[0].ID)
	require.Equal(t, "A-1", recs[1].ID)

	count, err := store.CountRecords(ctx, crawler.RecordFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, count)

	page, err := store.QueryRecords(ctx, crawler.RecordFilter{}, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "B-2", page[0].ID)

	empty, err := store.QueryRecords(ctx, crawler.RecordFilter{}, 5, 1)
	require.NoError(t, err)
	require.Empty(t, empty)

	ids, err := store.RecordIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A-1", "B-2", "C-3"}, ids)
}

func TestStoreRemoteAndHistory(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.InsertRemote(ctx, crawler.RemoteSummary{ID: "R-1"}))
	require.ErrorIs(t, store.InsertRemote(ctx, crawler.RemoteSummary{ID: "R-1"}), crawler.ErrAlreadyExists)
	ids, err := store.RemoteIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"R-1"}, ids)

	for _, target := range []string{"X", "Y", "Z"} {
		require.NoError(t, store.AppendOperation(ctx, crawler.OperationHistoryEntry{TargetID: target}))
	}
	ops, err := store.ListOperations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, "Z", ops[0].TargetID)
	require.Equal(t, int64(3), ops[0].ID)

	now := time.Now().UTC()
	entry := crawler.NewTaskHistoryEntry("t-1", crawler.TaskCrawl, []string{"X"}, now)
	require.NoError(t, store.CreateTask(ctx, entry))
	require.ErrorIs(t, store.CreateTask(ctx, entry), crawler.ErrAlreadyExists)
	entry.ApplyStatus(crawler.TaskFailed, []string{"X"}, now)
	require.NoError(t, store.UpdateTask(ctx, entry))

	got, err := store.GetTask(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskFailed, got.Status)
	require.NotNil(t, got.EndTime)
	require.Equal(t, 1, got.FailedCount)

	tasks, err := store.ListTasks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	_, err = store.GetTask(ctx, "t-2")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestImageStore(t *testing.T) {
	t.Parallel()

	store := NewImageStore()
	ctx := context.Background()
	images := []crawler.Image{
		{Name: "ABC-1", Data: []byte("cover")},
		{Name: "ABC-1_0", Data: []byte("s0")},
	}
	require.NoError(t, store.Save(ctx, "ABC-1", images))
	require.True(t, store.Exists("ABC-1"))

	count, err := store.Count(ctx, "ABC-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	read, err := store.Read(ctx, "ABC-1", 2)
	require.NoError(t, err)
	require.Equal(t, []byte("s0"), read[1].Data)

	_, err = store.Read(ctx, "ABC-1", 3)
	require.ErrorIs(t, err, crawler.ErrNotFound)

	require.NoError(t, store.RemoveDir(ctx, "ABC-1"))
	require.NoError(t, store.RemoveDir(ctx, "ABC-1"))
	require.False(t, store.Exists("ABC-1"))
}
