// Package fetcher defines the transport contract shared by the static and
// headless page fetchers.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Request describes one page or asset download.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is the result of a Fetch.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	// Rendered is set when the body is a browser-rendered DOM.
	Rendered bool
}

// ContentType returns the media type of the response without parameters.
func (r Response) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	ct := r.Headers.Get("Content-Type")
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// Fetcher downloads a single URL. A page served with a non-2xx status is
// returned together with a *StatusError.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// StatusError reports a page served with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Status returns the HTTP status carried by err, or 0.
func Status(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Missing reports whether err says the page does not exist.
func Missing(err error) bool {
	switch Status(err) {
	case http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// Blocked reports whether err looks like bot protection or throttling, where
// a browser render may still get through.
func Blocked(err error) bool {
	switch Status(err) {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}
