package fetcher

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponseContentType(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		headers http.Header
		want    string
	}{
		"nil headers":     {headers: nil, want: ""},
		"plain":           {headers: http.Header{"Content-Type": {"image/jpeg"}}, want: "image/jpeg"},
		"with parameters": {headers: http.Header{"Content-Type": {"Text/HTML; charset=utf-8"}}, want: "text/html"},
		"missing":         {headers: http.Header{}, want: ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Response{Headers: tc.headers}.ContentType())
		})
	}
}

func TestStatusErrorClassification(t *testing.T) {
	t.Parallel()

	notFound := fmt.Errorf("fetch page: %w", &StatusError{URL: "https://catalog.example/X-1", StatusCode: http.StatusNotFound})
	assert.Equal(t, "fetch page: https://catalog.example/X-1: status 404: Not Found", notFound.Error())
	assert.Equal(t, http.StatusNotFound, Status(notFound))
	assert.True(t, Missing(notFound))
	assert.False(t, Blocked(notFound))

	throttled := &StatusError{StatusCode: http.StatusTooManyRequests}
	assert.True(t, Blocked(throttled))
	assert.False(t, Missing(throttled))

	plain := errors.New("connection refused")
	assert.Zero(t, Status(plain))
	assert.False(t, Missing(plain))
	assert.False(t, Blocked(plain))
}
