// Package discovery resolves the route prefix a Cedros backend is mounted
// under by probing its health endpoint.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cedros "github.com/cedros-pay/cedros-go"
)

const (
	DefaultHealthPath       = "/cedros-health"
	DefaultMaxRetries       = 2
	DefaultInitialBackoff   = 100 * time.Millisecond
	DefaultAttemptTimeout   = 2 * time.Second
	DefaultNegativeCacheTTL = 60 * time.Second
)

// HealthResponse is the body returned by the health endpoint.
type HealthResponse struct {
	Status      string `json:"status,omitempty"`
	RoutePrefix string `json:"routePrefix"`
}

// RouteDiscovery caches the route prefix of one backend. A failed probe is
// cached as "no prefix" for the negative TTL.
type RouteDiscovery struct {
	serverURL        string
	httpClient       *http.Client
	healthPath       string
	maxRetries       int
	initialBackoff   time.Duration
	attemptTimeout   time.Duration
	negativeCacheTTL time.Duration
	now              func() time.Time
	logger           zerolog.Logger

	mu            sync.Mutex
	prefix        string
	resolved      bool
	negativeUntil time.Time
	inFlight      chan struct{}
}

// Option configures RouteDiscovery.
type Option func(*RouteDiscovery)

// WithHTTPClient sets the HTTP client used for probes.
func WithHTTPClient(client *http.Client) Option {
	return func(d *RouteDiscovery) {
		d.httpClient = client
	}
}

// WithHealthPath overrides the probed path.
func WithHealthPath(path string) Option {
	return func(d *RouteDiscovery) {
		d.healthPath = path
	}
}

// WithMaxRetries sets the number of retries after the first probe attempt.
func WithMaxRetries(n int) Option {
	return func(d *RouteDiscovery) {
		d.maxRetries = n
	}
}

// WithInitialBackoff sets the delay before the first retry; it doubles each retry.
func WithInitialBackoff(backoff time.Duration) Option {
	return func(d *RouteDiscovery) {
		d.initialBackoff = backoff
	}
}

// WithAttemptTimeout bounds each probe attempt.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(d *RouteDiscovery) {
		d.attemptTimeout = timeout
	}
}

// WithNegativeCacheTTL sets how long a failed probe is remembered.
func WithNegativeCacheTTL(ttl time.Duration) Option {
	return func(d *RouteDiscovery) {
		d.negativeCacheTTL = ttl
	}
}

// WithClock overrides the time source used for the negative cache.
func WithClock(now func() time.Time) Option {
	return func(d *RouteDiscovery) {
		d.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *RouteDiscovery) {
		d.logger = logger
	}
}

// New creates a RouteDiscovery for serverURL.
func New(serverURL string, opts ...Option) *RouteDiscovery {
	d := &RouteDiscovery{
		serverURL:        strings.TrimRight(serverURL, "/"),
		httpClient:       http.DefaultClient,
		healthPath:       DefaultHealthPath,
		maxRetries:       DefaultMaxRetries,
		initialBackoff:   DefaultInitialBackoff,
		attemptTimeout:   DefaultAttemptTimeout,
		negativeCacheTTL: DefaultNegativeCacheTTL,
		now:              time.Now,
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ServerURL returns the normalized server URL.
func (d *RouteDiscovery) ServerURL() string {
	return d.serverURL
}

// DiscoverPrefix returns the backend's route prefix, probing at most once
// concurrently. An empty prefix is returned when discovery fails; the only
// error is the caller's context ending while it waits.
func (d *RouteDiscovery) DiscoverPrefix(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d.mu.Lock()
	if d.resolved {
		prefix := d.prefix
		d.mu.Unlock()
		return prefix, nil
	}
	if d.now().Before(d.negativeUntil) {
		d.mu.Unlock()
		return "", nil
	}

	wait := d.inFlight
	if wait == nil {
		wait = make(chan struct{})
		d.inFlight = wait
		go d.probe(context.WithoutCancel(ctx), wait)
	}
	d.mu.Unlock()

	select {
	case <-wait:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved {
		return d.prefix, nil
	}
	return "", nil
}

// BuildURL joins the server URL, discovered prefix and path.
func (d *RouteDiscovery) BuildURL(ctx context.Context, path string) (string, error) {
	prefix, err := d.DiscoverPrefix(ctx)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return d.serverURL + prefix + path, nil
}

// Reset clears both the cached prefix and the negative cache. A probe already
// in flight still publishes its result.
func (d *RouteDiscovery) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prefix = ""
	d.resolved = false
	d.negativeUntil = time.Time{}
}

func (d *RouteDiscovery) probe(ctx context.Context, done chan struct{}) {
	prefix, err := d.fetchWithRetry(ctx)

	d.mu.Lock()
	if err != nil {
		d.prefix = ""
		d.resolved = false
		d.negativeUntil = d.now().Add(d.negativeCacheTTL)
		d.logger.Warn().
			Err(err).
			Str("server", d.serverURL).
			Dur("negativeTTL", d.negativeCacheTTL).
			Msg("route discovery failed, using no prefix")
	} else {
		d.prefix = prefix
		d.resolved = true
		d.negativeUntil = time.Time{}
		d.logger.Debug().
			Str("server", d.serverURL).
			Str("prefix", prefix).
			Msg("route prefix discovered")
	}
	d.inFlight = nil
	d.mu.Unlock()
	close(done)
}

// clientError marks a 4xx response, which is never retried.
type clientError struct {
	status int
}

func (e *clientError) Error() string {
	return fmt.Sprintf("health endpoint returned %d", e.status)
}

func (d *RouteDiscovery) fetchWithRetry(ctx context.Context) (string, error) {
	var lastErr error
	backoff := d.initialBackoff
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			backoff *= 2
		}

		prefix, err := d.fetchOnce(ctx)
		if err == nil {
			return prefix, nil
		}
		lastErr = err

		var ce *clientError
		if errors.As(err, &ce) {
			return "", err
		}
		d.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("route discovery attempt failed")
	}
	return "", lastErr
}

func (d *RouteDiscovery) fetchOnce(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.serverURL+d.healthPath, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create health request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", cedros.NewTransportError("health", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", cedros.NewTransportError("health", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", &clientError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &cedros.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return "", fmt.Errorf("failed to decode health response: %w", err)
	}
	return normalizePrefix(health.RoutePrefix), nil
}

// normalizePrefix returns "" or a prefix with a leading and no trailing slash.
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return "/" + prefix
}
