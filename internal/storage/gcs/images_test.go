package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	gcsclient "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/storage/gcs"
)

// newTestImageStore creates an ImageStore pointed at a test server.
func newTestImageStore(t *testing.T, handler http.Handler) *gcs.ImageStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := gcsclient.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, gcs.Config{Bucket: "test-bucket", Prefix: "images"})
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	assert.Error(t, err)

	client, err := gcsclient.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = gcs.New(client, gcs.Config{})
	assert.Error(t, err)
}

func TestImageStoreSave(t *testing.T) {
	var uploaded []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		name := r.URL.Query().Get("name")
		uploaded = append(uploaded, name)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "jpeg-bytes")
		fmt.Fprintln(w, `{ "name": "`+name+`" }`)
	})
	store := newTestImageStore(t, handler)

	err := store.Save(context.Background(), "ABC-123", []crawler.Image{
		{Name: "ABC-123", Data: []byte("jpeg-bytes")},
		{Name: "ABC-123_0", Data: []byte("jpeg-bytes")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"images/ABC-123/ABC-123.jpg", "images/ABC-123/ABC-123_0.jpg"}, uploaded)
}

func TestImageStoreSaveError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := newTestImageStore(t, handler)

	err := store.Save(context.Background(), "ABC-123", []crawler.Image{{Name: "ABC-123", Data: []byte("x")}})
	assert.Error(t, err)
}

func TestImageStoreRejectsInvalidNames(t *testing.T) {
	store := newTestImageStore(t, http.NotFoundHandler())

	assert.Error(t, store.Save(context.Background(), "../ABC", []crawler.Image{{Name: "x"}}))
	assert.Error(t, store.Save(context.Background(), "ABC-123", []crawler.Image{{Name: "a/b"}}))
}

func TestImageStoreCount(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/test-bucket/o")
		assert.Equal(t, "images/ABC-123/", r.URL.Query().Get("prefix"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"kind":"storage#objects","items":[
			{"name":"images/ABC-123/ABC-123.jpg","bucket":"test-bucket"},
			{"name":"images/ABC-123/ABC-123_0.jpg","bucket":"test-bucket"},
			{"name":"images/ABC-123/notes.txt","bucket":"test-bucket"}
		]}`)
	})
	store := newTestImageStore(t, handler)

	n, err := store.Count(context.Background(), "ABC-123")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
