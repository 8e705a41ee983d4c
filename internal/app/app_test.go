package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/luneth-sync/internal/app"
	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/storage/memory"
	"github.com/JakeFAU/luneth-sync/internal/task"
)

// MockConnector mocks the app.Connector interface.
type MockConnector struct {
	mock.Mock
}

// Connect satisfies the app.Connector interface for the mock.
func (m *MockConnector) Connect(ctx context.Context, baseURL, clientID, clientSecret string) (crawler.RemoteClient, error) {
	args := m.Called(ctx, baseURL, clientID, clientSecret)
	client, _ := args.Get(0).(crawler.RemoteClient)
	return client, args.Error(1)
}

type nopRemote struct{}

func (nopRemote) PullSummaries(context.Context) ([]crawler.RemoteSummary, error)   { return nil, nil }
func (nopRemote) PostRecord(context.Context, crawler.CachedRecord) error           { return nil }
func (nopRemote) PostImages(context.Context, string, []crawler.Image) error        { return nil }
func (nopRemote) IdolsWithoutImage(context.Context) ([]crawler.Idol, error)        { return nil, nil }
func (nopRemote) PostIdolImage(context.Context, crawler.Idol, crawler.Image) error { return nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type staticIDs struct{ id string }

func (s staticIDs) NewID() (string, error) { return s.id, nil }

var testNow = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

func newContext(t *testing.T, connector app.Connector) (*app.Context, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	ctx, err := app.New(app.Options{
		Store:     store,
		Images:    memory.NewImageStore(),
		Connector: connector,
		Clock:     fixedClock{now: testNow},
		IDs:       staticIDs{id: "0190c1c6-2f35-7b6f-9a3e-5f4f3a2b1c0d"},
	})
	require.NoError(t, err)
	return ctx, store
}

func seed(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	require.NoError(t, store.InsertRecord(context.Background(), crawler.CachedRecord{
		Record:    crawler.Record{ID: id},
		CreatedAt: testNow.Add(-time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}))
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := app.New(app.Options{})
	require.Error(t, err)
}

func TestRecordInteractions(t *testing.T) {
	t.Parallel()

	appCtx, store := newContext(t, nil)
	seed(t, store, "ABC-123")
	ctx := context.Background()

	require.NoError(t, appCtx.MarkViewed(ctx, "abc-123"))
	require.NoError(t, appCtx.MarkLiked(ctx, "ABC-123"))

	rec, err := store.GetRecord(ctx, "ABC-123")
	require.NoError(t, err)
	assert.True(t, rec.Viewed)
	assert.True(t, rec.Liked)
	assert.Equal(t, testNow, rec.UpdatedAt)

	require.NoError(t, appCtx.MarkUnliked(ctx, "ABC-123"))
	rec, err = store.GetRecord(ctx, "ABC-123")
	require.NoError(t, err)
	assert.False(t, rec.Liked)

	ops, err := appCtx.Operations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, crawler.OpUnliked, ops[0].Kind)
	for _, op := range ops {
		assert.Equal(t, crawler.ActorUser, op.Actor)
		assert.Equal(t, crawler.OpSuccess, op.Status)
	}
}

func TestRecordInteractionMissingRecord(t *testing.T) {
	t.Parallel()

	appCtx, _ := newContext(t, nil)
	ctx := context.Background()

	err := appCtx.MarkViewed(ctx, "XYZ-999")
	require.Error(t, err)
	assert.True(t, errors.Is(err, crawler.ErrNotFound))

	ops, err := appCtx.Operations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, crawler.OpFailed, ops[0].Status)
	assert.Equal(t, "Record not found", ops[0].Error)
	assert.Equal(t, "XYZ-999", ops[0].TargetID)
}

func TestExistIDsAndQueries(t *testing.T) {
	t.Parallel()

	appCtx, store := newContext(t, nil)
	ctx := context.Background()
	seed(t, store, "BBB-002")
	seed(t, store, "AAA-001")
	require.NoError(t, store.InsertRemote(ctx, crawler.RemoteSummary{ID: "CCC-003"}))

	assert.Equal(t, []string{"AAA-001", "BBB-002", "CCC-003"}, appCtx.ExistIDs(ctx))

	records, total, err := appCtx.QueryRecords(ctx, crawler.RecordFilter{}, 0, 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 2, total)
}

func TestSetClientAuth(t *testing.T) {
	t.Parallel()

	connector := new(MockConnector)
	connector.On("Connect", mock.Anything, "https://sync.example.com/api/", "id", "secret").
		Return(nopRemote{}, nil).Once()
	appCtx, _ := newContext(t, connector)
	ctx := context.Background()

	_, err := appCtx.Remote()
	require.Error(t, err)
	assert.Equal(t, crawler.KindAuth, crawler.KindOf(err))
	assert.True(t, errors.Is(err, crawler.ErrAuthMissing))

	require.NoError(t, appCtx.SetClientAuth(ctx, "https://sync.example.com/api", "id", "secret"))
	assert.Equal(t, "https://sync.example.com/api/", appCtx.RemoteURL())
	remote, err := appCtx.Remote()
	require.NoError(t, err)
	assert.NotNil(t, remote)
	assert.NotNil(t, appCtx.TaskEnv().Remote)

	require.NoError(t, appCtx.SetClientAuth(ctx, "", "", ""))
	_, err = appCtx.Remote()
	require.Error(t, err)
	assert.Nil(t, appCtx.TaskEnv().Remote)
	connector.AssertExpectations(t)
}

func TestSetClientAuthFailures(t *testing.T) {
	t.Parallel()

	connector := new(MockConnector)
	connector.On("Connect", mock.Anything, "https://sync.example.com/", "id", "bad").
		Return(nil, errors.New("invalid_client")).Once()
	appCtx, _ := newContext(t, connector)
	ctx := context.Background()

	err := appCtx.SetClientAuth(ctx, "not a url", "id", "secret")
	require.Error(t, err)
	assert.Equal(t, crawler.KindAuth, crawler.KindOf(err))

	err = appCtx.SetClientAuth(ctx, "https://sync.example.com", "id", "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_client")
	assert.Empty(t, appCtx.RemoteURL())
	connector.AssertExpectations(t)
}

func TestNormalizeBaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://example.com", want: "https://example.com/"},
		{in: "http://example.com/sync/", want: "http://example.com/sync/"},
		{in: "example.com", wantErr: true},
		{in: "/relative", wantErr: true},
	}
	for _, tt := range tests {
		got, err := app.NormalizeBaseURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewTask(t *testing.T) {
	t.Parallel()

	appCtx, _ := newContext(t, nil)

	tk, err := appCtx.NewTask(task.Batch{Codes: []string{"ABC-123"}})
	require.NoError(t, err)
	assert.Equal(t, "0190c1c6-2f35-7b6f-9a3e-5f4f3a2b1c0d", tk.ID)
	assert.Equal(t, task.StateCreated, tk.State)

	_, err = appCtx.NewTask(task.Submit{})
	require.Error(t, err)
}
