// Package remote is the HTTP client for the sync partner. Requests are
// authorized with OAuth2 client credentials.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/metrics"
)

// Endpoint paths relative to the base URL.
const (
	pathRecordsSlim  = "records/slim"
	pathRecords      = "records"
	pathIdolsNoImage = "idols/without-image"

	defaultTokenPath = "oauth/token"
	defaultTimeout   = 30 * time.Second
	defaultRetries   = 3
	maxErrorBody     = 4 << 10
)

// Config describes one remote partner.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	// TokenPath is resolved against BaseURL.
	TokenPath string
	Timeout   time.Duration
	// AuthRetries bounds Authenticate attempts.
	AuthRetries int
}

// Client implements crawler.RemoteClient.
type Client struct {
	base        *url.URL
	http        *http.Client
	tokens      oauth2.TokenSource
	hasher      crawler.Hasher
	logger      *zap.Logger
	authRetries uint
	newBackOff  func() backoff.BackOff
}

// New builds a Client. No request is made until Authenticate or an API call.
func New(ctx context.Context, cfg Config, hasher crawler.Hasher, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote base url is required")
	}
	base, err := url.Parse(ensureSlash(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote base url %q needs scheme and host", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tokenPath := strings.TrimPrefix(cfg.TokenPath, "/")
	if tokenPath == "" {
		tokenPath = defaultTokenPath
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.AuthRetries
	if retries <= 0 {
		retries = defaultRetries
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base.ResolveReference(&url.URL{Path: tokenPath}).String(),
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// The token source outlives the caller's request.
	tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	tokens := cc.TokenSource(tokenCtx)
	httpClient := oauth2.NewClient(tokenCtx, tokens)
	httpClient.Timeout = timeout

	return &Client{
		base:        base,
		http:        httpClient,
		tokens:      tokens,
		hasher:      hasher,
		logger:      logger,
		authRetries: uint(retries),
		newBackOff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}, nil
}

// Authenticate fetches a token, retrying with exponential backoff.
func (c *Client) Authenticate(ctx context.Context) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		attempt++
		tok, err := c.tokens.Token()
		if err != nil {
			c.logger.Warn("remote authentication attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		return tok, nil
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.authRetries))
	metrics.ObserveRemote("token", err)
	if err != nil {
		return fmt.Errorf("authenticate after %d attempts: %w", attempt, err)
	}
	c.logger.Info("remote authenticated", zap.String("base_url", c.base.String()))
	return nil
}

// PullSummaries downloads the slim catalog.
func (c *Client) PullSummaries(ctx context.Context) ([]crawler.RemoteSummary, error) {
	var out []crawler.RemoteSummary
	if err := c.do(ctx, http.MethodGet, pathRecordsSlim, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostRecord uploads record metadata.
func (c *Client) PostRecord(ctx context.Context, rec crawler.CachedRecord) error {
	return c.do(ctx, http.MethodPost, pathRecords, rec.Record, nil)
}

type imagePayload struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256,omitempty"`
	Data        []byte `json:"data"`
}

type imagesPayload struct {
	Images []imagePayload `json:"images"`
}

// PostImages uploads a record's images with per-image checksums.
func (c *Client) PostImages(ctx context.Context, id string, images []crawler.Image) error {
	body := imagesPayload{Images: make([]imagePayload, 0, len(images))}
	for _, img := range images {
		p, err := c.payload(img)
		if err != nil {
			return err
		}
		body.Images = append(body.Images, p)
	}
	return c.do(ctx, http.MethodPost, pathRecords+"/"+url.PathEscape(id)+"/images", body, nil)
}

// IdolsWithoutImage lists idols still lacking an image.
func (c *Client) IdolsWithoutImage(ctx context.Context) ([]crawler.Idol, error) {
	var out []crawler.Idol
	if err := c.do(ctx, http.MethodGet, pathIdolsNoImage, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostIdolImage uploads one idol image.
func (c *Client) PostIdolImage(ctx context.Context, idol crawler.Idol, image crawler.Image) error {
	p, err := c.payload(image)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "idols/"+url.PathEscape(idol.ID)+"/image", p, nil)
}

func (c *Client) payload(img crawler.Image) (imagePayload, error) {
	p := imagePayload{Name: img.Name, ContentType: img.ContentType, Data: img.Data}
	if c.hasher != nil {
		sum, err := c.hasher.Hash(img.Data)
		if err != nil {
			return imagePayload{}, fmt.Errorf("hash image %s: %w", img.Name, err)
		}
		p.SHA256 = sum
	}
	return p, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (err error) {
	endpoint := endpointLabel(path)
	defer func() { metrics.ObserveRemote(endpoint, err) }()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", endpoint, err)
		}
		body = bytes.NewReader(raw)
	}
	target := c.base.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// endpointLabel collapses path parameters so metrics stay low-cardinality.
func endpointLabel(path string) string {
	switch {
	case strings.HasPrefix(path, pathRecords+"/") && strings.HasSuffix(path, "/images"):
		return "record_images"
	case strings.HasPrefix(path, "idols/") && strings.HasSuffix(path, "/image"):
		return "idol_image"
	case path == pathRecordsSlim:
		return "records_slim"
	case path == pathIdolsNoImage:
		return "idols_without_image"
	default:
		return strings.ReplaceAll(path, "/", "_")
	}
}

func ensureSlash(raw string) string {
	if strings.HasSuffix(raw, "/") {
		return raw
	}
	return raw + "/"
}

// Connector builds authenticated clients for app.Context.SetClientAuth.
type Connector struct {
	TokenPath   string
	Timeout     time.Duration
	AuthRetries int
	Hasher      crawler.Hasher
	Logger      *zap.Logger
}

// Connect builds a Client for the credentials and authenticates it.
func (c Connector) Connect(ctx context.Context, baseURL, clientID, clientSecret string) (crawler.RemoteClient, error) {
	client, err := New(ctx, Config{
		BaseURL:      baseURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenPath:    c.TokenPath,
		Timeout:      c.Timeout,
		AuthRetries:  c.AuthRetries,
	}, c.Hasher, c.Logger)
	if err != nil {
		return nil, err
	}
	if err := client.Authenticate(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
