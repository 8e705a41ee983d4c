// Package detector inspects fetched payloads: it decides when a listing or
// record page needs a headless render and rejects image downloads that are
// really HTML error pages.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
)

// Heuristic implements rule-based render promotion.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var renderMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("challenge-platform"),
	[]byte("cf-browser-verification"),
}

// ShouldRender reports whether a plain HTTP response must be re-fetched
// through the headless renderer before parsing.
func (h *Heuristic) ShouldRender(statusCode int, body []byte) bool {
	if statusCode == http.StatusForbidden || statusCode == http.StatusServiceUnavailable {
		return true
	}
	if statusCode != http.StatusOK {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range renderMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// IsHTMLPayload reports whether an image download is actually an HTML page,
// judged by the declared content type or by sniffing the body.
func IsHTMLPayload(img crawler.Image) bool {
	if strings.Contains(strings.ToLower(img.ContentType), "html") {
		return true
	}
	if len(img.Data) == 0 {
		return false
	}
	return strings.HasPrefix(http.DetectContentType(img.Data), "text/html")
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag: count the rest of the document.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		nextSearch := total
		if relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage > 0 && scriptCoverage*100/total >= 25
}
