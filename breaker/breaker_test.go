package breaker

import (
	"context"
	"errors"
	"sync"
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

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

var errBoom = errors.New("boom")

func fail(context.Context) error {
	return errBoom
}

func succeed(context.Context) error {
	return nil
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{Name: "quote", FailureThreshold: 3, Cooldown: 60 * time.Second, Window: 60 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, fail)
		require.ErrorIs(t, err, errBoom, "failure %d must surface the original error", i)
	}
	assert.Equal(t, StateOpen, b.State())

	invoked := false
	err := b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked)
	assert.ErrorIs(t, err, ErrOpen)

	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, 60*time.Second, openErr.RetryAfter)
	assert.Equal(t, "quote", openErr.Name)
	assert.Equal(t, uint64(1), b.Stats().Rejections)
}

func TestBreakerFailuresOutsideWindowDoNotCount(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 3, Cooldown: time.Minute, Window: 10 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	clock.Advance(11 * time.Second)
	_ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Stats().Failures)
	assert.Equal(t, uint64(3), b.Stats().TotalFailures)
}

func TestBreakerSuccessClearsWindow(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 3}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, Cooldown: time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())
	clock.Advance(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.Equal(t, StateHalfOpen, b.State())

	invoked := false
	err := b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, Cooldown: 5 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(5 * time.Second)

	err := b.Execute(ctx, fail)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(4 * time.Second)
	err = b.Execute(ctx, succeed)
	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, time.Second, openErr.RetryAfter)
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 2, Cooldown: time.Second}, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		err := b.Execute(ctx, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().TotalFailures)
	assert.Zero(t, b.Stats().Successes)

	require.Error(t, b.Execute(context.Background(), fail))
	require.Error(t, b.Execute(context.Background(), fail))
	require.Equal(t, StateOpen, b.State())
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := b.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), succeed), "abandoned probe must not block the next one")
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerDo(t *testing.T) {
	b := New(Config{})
	v, err := Do(context.Background(), b, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Do(context.Background(), b, func(context.Context) (int, error) {
		return 7, errBoom
	})
	assert.ErrorIs(t, err, errBoom)
}

func TestBreakerTripAndReset(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{}, WithClock(clock.Now))

	b.Trip()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(context.Background(), succeed), ErrOpen)

	b.Reset()
	stats := b.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.Rejections)
	assert.Zero(t, stats.TotalFailures)
	require.NoError(t, b.Execute(context.Background(), succeed))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
}
