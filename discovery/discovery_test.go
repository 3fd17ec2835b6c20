package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func healthServer(t *testing.T, calls *int32, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultHealthPath {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(calls, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDiscoverPrefixSingleProbe(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	server := healthServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","routePrefix":"/api"}`))
	})

	d := New(server.URL + "/")

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prefix, err := d.DiscoverPrefix(context.Background())
			assert.NoError(t, err)
			results[i] = prefix
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, prefix := range results {
		assert.Equal(t, "/api", prefix)
	}

	url, err := d.BuildURL(context.Background(), "paywall/v1/quote")
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/api/paywall/v1/quote", url)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDiscoverPrefixNegativeCacheOn4xx(t *testing.T) {
	var calls int32
	server := healthServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	d := New(server.URL, WithClock(clock.Now), WithInitialBackoff(time.Millisecond))

	prefix, err := d.DiscoverPrefix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", prefix)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")

	clock.Advance(30 * time.Second)
	prefix, err = d.DiscoverPrefix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", prefix)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	url, err := d.BuildURL(context.Background(), "/paywall/v1/quote")
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/paywall/v1/quote", url)

	clock.Advance(31 * time.Second)
	_, err = d.DiscoverPrefix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDiscoverPrefixRetriesServerErrors(t *testing.T) {
	var calls int32
	server := healthServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&calls) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"routePrefix":"v2/"}`))
	})

	d := New(server.URL, WithInitialBackoff(time.Millisecond))
	prefix, err := d.DiscoverPrefix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/v2", prefix)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDiscoverPrefixExhaustedRetries(t *testing.T) {
	var calls int32
	server := healthServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	d := New(server.URL, WithInitialBackoff(time.Millisecond), WithMaxRetries(2))
	prefix, err := d.DiscoverPrefix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", prefix)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	_, _ = d.DiscoverPrefix(context.Background())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDiscoverPrefixCancelledWaiter(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	server := healthServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"routePrefix":""}`))
	})
	defer close(release)

	d := New(server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.DiscoverPrefix(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestResetForcesNewProbe(t *testing.T) {
	var calls int32
	server := healthServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"routePrefix":"/api"}`))
	})

	d := New(server.URL)
	_, err := d.DiscoverPrefix(context.Background())
	require.NoError(t, err)
	d.Reset()
	_, err = d.DiscoverPrefix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
