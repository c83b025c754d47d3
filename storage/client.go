package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// defaultEndpoint is the production Lumen Storage endpoint. The JSON API
	// lives under /storage/v1, uploads under /upload/storage/v1, and media
	// downloads under /download/storage/v1.
	defaultEndpoint = "https://api.lumenstorage.dev"

	// userAgent identifies this client library in requests.
	userAgent = "lumen-go-storage/1.0"
)

// TokenSource supplies bearer tokens for request authorization. How tokens
// are minted (service-account exchange, workload identity, a static secret
// in tests) is outside the scope of this library.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type staticTokenSource string

func (s staticTokenSource) Token(ctx context.Context) (string, error) { return string(s), nil }

// StaticTokenSource returns a TokenSource that always yields tok. Intended
// for tests and emulators.
func StaticTokenSource(tok string) TokenSource { return staticTokenSource(tok) }

// Client is a client for the Lumen Storage service. It is safe for
// concurrent use by multiple goroutines.
type Client struct {
	hc       *http.Client
	endpoint *url.URL
	ts       TokenSource
	retry    *retryConfig
	logger   *slog.Logger
}

// Option configures a Client at construction time.
type Option func(*clientSettings)

type clientSettings struct {
	endpoint string
	hc       *http.Client
	ts       TokenSource
	logger   *slog.Logger
	retry    []RetryOption
}

// WithEndpoint overrides the service endpoint, e.g. to point the client at
// an emulator. The value is the scheme://host[:port] base; API prefixes are
// appended by the client.
func WithEndpoint(endpoint string) Option {
	return func(s *clientSettings) { s.endpoint = endpoint }
}

// WithHTTPClient supplies the underlying *http.Client. The client's
// transport is used as-is; per-attempt timeouts come from the retry config,
// not from http.Client.Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *clientSettings) { s.hc = hc }
}

// WithTokenSource supplies the credential source used to authorize
// requests. Without one, requests are sent unauthenticated (emulator use).
func WithTokenSource(ts TokenSource) Option {
	return func(s *clientSettings) { s.ts = ts }
}

// WithLogger attaches a structured logger. The client logs retry decisions
// and transfer diagnostics at debug level; it never logs object data.
func WithLogger(l *slog.Logger) Option {
	return func(s *clientSettings) { s.logger = l }
}

// WithRetry sets the client-wide retry policy. Individual handles may
// override it via their Retryer methods.
func WithRetry(opts ...RetryOption) Option {
	return func(s *clientSettings) { s.retry = opts }
}

// NewClient creates a new Lumen Storage client.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	s := &clientSettings{endpoint: defaultEndpoint}
	for _, o := range opts {
		o(s)
	}

	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("storage: parsing endpoint %q: %w", s.endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("storage: endpoint %q must include scheme and host", s.endpoint)
	}

	hc := s.hc
	if hc == nil {
		hc = &http.Client{Transport: http.DefaultTransport}
	}

	rc := defaultRetryConfig()
	for _, ro := range s.retry {
		ro.apply(rc)
	}

	return &Client{
		hc:       hc,
		endpoint: u,
		ts:       s.ts,
		retry:    rc,
		logger:   s.logger,
	}, nil
}

// Close releases resources associated with the client. The underlying
// http.Client is shared infrastructure and is left open.
func (c *Client) Close() error {
	return nil
}

// Bucket returns a BucketHandle for the named bucket. No network calls are
// made.
func (c *Client) Bucket(name string) *BucketHandle {
	return &BucketHandle{c: c, name: name, retry: c.retry}
}

// apiCall describes a single JSON API request/response cycle. It is the
// shared request shape behind every resource operation: one method, one
// escaped resource path, optional query parameters, an optional JSON body,
// and an optional JSON result.
type apiCall struct {
	method string
	path   string // escaped path below the endpoint, e.g. /storage/v1/b/foo
	params url.Values
	header http.Header
	body   any // marshaled to JSON when non-nil
	result any // unmarshaled from JSON when non-nil

	// idempotent is the call site's classification of this specific
	// operation, including any caller-supplied preconditions.
	idempotent bool
	// op names the operation for logs, e.g. "storage.objects.get".
	op string
}

// do executes an apiCall with the given retry config, marshaling the body
// once and replaying it on each attempt.
func (c *Client) do(ctx context.Context, rc *retryConfig, call *apiCall) error {
	var payload []byte
	if call.body != nil {
		var err error
		payload, err = json.Marshal(call.body)
		if err != nil {
			return fmt.Errorf("storage: encoding %s request: %w", call.op, err)
		}
	}

	return runWithRetry(ctx, rc, c.logger, call.idempotent, call.op, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := c.newRequest(ctx, call.method, call.path, call.params, body)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, vs := range call.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		res, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode > 299 {
			return errorFromResponse(res)
		}
		if call.result != nil {
			if err := json.NewDecoder(res.Body).Decode(call.result); err != nil {
				return fmt.Errorf("storage: decoding %s response: %w", call.op, err)
			}
		} else {
			// Drain so the connection can be reused.
			io.Copy(io.Discard, res.Body) //nolint:errcheck
		}
		return nil
	})
}

// newRequest builds an authorized request against the configured endpoint.
// path must already be escaped.
func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values, body io.Reader) (*http.Request, error) {
	raw := strings.TrimSuffix(c.endpoint.String(), "/") + path
	if len(params) > 0 {
		raw += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, raw, body)
	if err != nil {
		return nil, fmt.Errorf("storage: building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if c.ts != nil {
		tok, err := c.ts.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: fetching token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

// escape escapes a path segment, including any slashes, so object names
// with "/" in them stay a single segment on the wire.
func escape(s string) string {
	return url.PathEscape(s)
}

// timeRFC3339 formats t for the wire, dropping the zero value entirely.
func timeRFC3339(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTimeRFC3339 is the lenient inverse of timeRFC3339.
func parseTimeRFC3339(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
