// Package http is the transport layer shared by the payment managers: request
// execution with timeouts and idempotency keys, x402 header encoding, and
// decoding of backend error bodies.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	cedros "github.com/cedros-pay/cedros-go"
)

// DefaultTimeout bounds a single request when no other timeout is configured.
const DefaultTimeout = 15 * time.Second

// ============================================================================
// Fetch
// ============================================================================

// Request is a fully resolved HTTP request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a buffered HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v interface{}) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body (status %d)", r.StatusCode)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// Fetch performs req with a timeout derived from ctx. A context that is
// already done fails before any network activity. Failures before a response
// is read are returned as *cedros.TransportError.
func Fetch(ctx context.Context, client *http.Client, req Request, timeout time.Duration) (*Response, error) {
	op := req.Method + " " + req.URL
	if err := ctx.Err(); err != nil {
		return nil, cedros.NewTransportError(op, err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Header {
		// Assigned directly so names like X-PAYMENT keep their casing.
		httpReq.Header[k] = v
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, cedros.NewTransportError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cedros.NewTransportError(op, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// ============================================================================
// Requester
// ============================================================================

// RouteResolver turns an API path into an absolute URL.
type RouteResolver interface {
	BuildURL(ctx context.Context, path string) (string, error)
}

// StaticRoutes resolves paths against a fixed base URL.
type StaticRoutes string

func (s StaticRoutes) BuildURL(_ context.Context, path string) (string, error) {
	if len(path) == 0 || path[0] != '/' {
		path = "/" + path
	}
	return string(s) + path, nil
}

// Requester sends JSON requests to a Cedros backend.
type Requester struct {
	routes     RouteResolver
	httpClient *http.Client
	timeout    time.Duration
	logger     zerolog.Logger
	newKey     func() string
}

// RequesterOption configures a Requester.
type RequesterOption func(*Requester)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) RequesterOption {
	return func(r *Requester) {
		r.httpClient = client
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) RequesterOption {
	return func(r *Requester) {
		r.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) RequesterOption {
	return func(r *Requester) {
		r.logger = logger
	}
}

// WithKeyGenerator replaces the idempotency key generator.
func WithKeyGenerator(gen func() string) RequesterOption {
	return func(r *Requester) {
		r.newKey = gen
	}
}

// NewRequester creates a Requester resolving paths through routes.
func NewRequester(routes RouteResolver, opts ...RequesterOption) *Requester {
	r := &Requester{
		routes:     routes,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		logger:     zerolog.Nop(),
		newKey:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewIdempotencyKey returns a fresh idempotency key.
func (r *Requester) NewIdempotencyKey() string {
	return r.newKey()
}

type requestConfig struct {
	header http.Header
	query  url.Values
}

// RequestOption customizes a single request.
type RequestOption func(*requestConfig)

// WithHeader sets a header verbatim, without canonicalizing its name.
func WithHeader(name, value string) RequestOption {
	return func(c *requestConfig) {
		c.header[name] = []string{value}
	}
}

// WithIdempotencyKey sets the idempotency key instead of generating one.
func WithIdempotencyKey(key string) RequestOption {
	return WithHeader(cedros.HeaderIdempotencyKey, key)
}

// WithBearerToken sets an Authorization bearer token.
func WithBearerToken(token string) RequestOption {
	return WithHeader(cedros.HeaderAuthorization, "Bearer "+token)
}

// WithQuery appends query parameters.
func WithQuery(values url.Values) RequestOption {
	return func(c *requestConfig) {
		for k, vs := range values {
			for _, v := range vs {
				c.query.Add(k, v)
			}
		}
	}
}

// Do sends a request to path. A non-nil body is JSON encoded. Every POST
// carries an Idempotency-Key, generated when the caller supplied none.
// Non-2xx responses are returned as-is; interpretation is left to the caller.
func (r *Requester) Do(ctx context.Context, method, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, cedros.NewTransportError(method+" "+path, err)
	}

	cfg := requestConfig{header: http.Header{}, query: url.Values{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	target, err := r.routes.BuildURL(ctx, path)
	if err != nil {
		return nil, cedros.NewTransportError(method+" "+path, err)
	}
	if len(cfg.query) > 0 {
		target += "?" + cfg.query.Encode()
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
		cfg.header[cedros.HeaderContentType] = []string{"application/json"}
	}
	if method == http.MethodPost {
		if _, ok := cfg.header[cedros.HeaderIdempotencyKey]; !ok {
			cfg.header[cedros.HeaderIdempotencyKey] = []string{r.newKey()}
		}
	}
	cfg.header["Accept"] = []string{"application/json"}

	start := time.Now()
	resp, err := Fetch(ctx, r.httpClient, Request{
		Method: method,
		URL:    target,
		Header: cfg.header,
		Body:   payload,
	}, r.timeout)
	if err != nil {
		r.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, err
	}

	r.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request completed")
	return resp, nil
}
