package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/JakeFAU/luneth-sync/internal/metrics"
)

const (
	robotsPath     = "/robots.txt"
	robotsAllowAll = "User-agent: *\nAllow: /"
	robotsTries    = 4
)

// robotsTransport retries robots.txt while the catalog host is unreachable or
// failing. Once the tries run out it serves an allow-all policy and counts
// the fallback. Every other request passes straight through.
type robotsTransport struct {
	base       http.RoundTripper
	tries      uint
	newBackOff func() backoff.BackOff
}

func newRobotsTransport(base http.RoundTripper) *robotsTransport {
	return &robotsTransport{
		base:  base,
		tries: robotsTries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !strings.EqualFold(req.URL.Path, robotsPath) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL, err)
		}
		return resp, nil
	}

	var fatal error
	resp, err := backoff.Retry(req.Context(), func() (*http.Response, error) {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err != nil {
			if !transient(err) {
				fatal = err
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("robots.txt status %d", resp.StatusCode)
		}
		return resp, nil
	}, backoff.WithBackOff(t.newBackOff()), backoff.WithMaxTries(t.tries))
	switch {
	case err == nil:
		return resp, nil
	case fatal != nil:
		return nil, fmt.Errorf("fetch robots.txt: %w", fatal)
	case req.Context().Err() != nil:
		return nil, fmt.Errorf("fetch robots.txt: %w", req.Context().Err())
	}
	metrics.ObserveRobotsFallback(req.URL.Host)
	return allowAll(req), nil
}

func allowAll(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(robotsAllowAll)),
		ContentLength: int64(len(robotsAllowAll)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

// transient reports whether err is a timeout worth retrying.
func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
