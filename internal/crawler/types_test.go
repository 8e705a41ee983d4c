package crawler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskHistoryEntryEndTime(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entry := NewTaskHistoryEntry("t", TaskCrawl, []string{"A", "B"}, start)
	require.Equal(t, TaskPending, entry.Status)
	require.Equal(t, 2, entry.TotalCount)
	require.Nil(t, entry.EndTime)

	entry.ApplyStatus(TaskFailed, []string{"B"}, start.Add(time.Minute))
	require.NotNil(t, entry.EndTime)
	require.Equal(t, 1, entry.FailedCount)
	first := *entry.EndTime

	entry.ApplyStatus(TaskAborted, nil, start.Add(time.Hour))
	require.Equal(t, first, *entry.EndTime, "end time is set once")
	require.Equal(t, 0, entry.FailedCount)

	entry.ApplyStatus(TaskPending, nil, start)
	require.Nil(t, entry.EndTime)
}

func TestTaskHistoryEntryAddTargets(t *testing.T) {
	t.Parallel()

	entry := NewTaskHistoryEntry("t", TaskCrawl, nil, time.Now())
	require.Equal(t, 0, entry.TotalCount)

	entry.AddTargets([]string{"A", "B", "A"})
	entry.AddTargets([]string{"B", "C"})
	require.Equal(t, []string{"A", "B", "C"}, entry.TargetIDs)
	require.Equal(t, 3, entry.TotalCount)
}

func TestImageNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"X-1", "X-1_0", "X-1_1"}, ImageNames("X-1", 3))
	require.Equal(t, []string{"X-1"}, ImageNames("X-1", 1))
	require.Empty(t, ImageNames("X-1", 0))
}

func TestRecordFilterMatches(t *testing.T) {
	t.Parallel()

	yes, no := true, false
	rec := CachedRecord{Viewed: true, CachedLocally: false}
	require.True(t, RecordFilter{}.Matches(rec))
	require.True(t, RecordFilter{Viewed: &yes}.Matches(rec))
	require.False(t, RecordFilter{Cached: &yes}.Matches(rec))
	require.True(t, RecordFilter{Cached: &no, Viewed: &yes}.Matches(rec))
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewError(KindCrawl, "crawl", "A", nil))

	err := NewError(KindAuth, "submit", "", ErrAuthMissing)
	require.ErrorIs(t, err, ErrAuthMissing)
	require.Equal(t, KindAuth, KindOf(err))
	require.True(t, IsFatal(err))
	require.Equal(t, "submit: client authentication is not set", err.Error())

	wrapped := errors.Join(NewError(KindPersist, "insert", "A-1", errors.New("disk")))
	require.Equal(t, KindPersist, KindOf(wrapped))
	require.False(t, IsFatal(wrapped))
	require.Contains(t, wrapped.Error(), "insert A-1: disk")
	require.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestNormalizeCode(t *testing.T) {
	t.Parallel()
	require.Equal(t, "ABC-123", NormalizeCode("  abc-123 "))
}
