package retry

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cedros "github.com/cedros-pay/cedros-go"
)

// recordingSleep captures requested delays without waiting.
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestExecutor(r *recordingSleep) *Executor {
	return NewExecutor(WithSleep(r.sleep), WithRandSource(rand.NewSource(1)))
}

var errTransient = &cedros.StatusError{StatusCode: 503}

func TestExecuteRetriesUntilExhausted(t *testing.T) {
	rec := &recordingSleep{}
	e := newTestExecutor(rec)
	p := Policy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, BackoffFactor: 2, MaxDelay: 250 * time.Millisecond, Jitter: true}

	calls := 0
	err := e.Execute(context.Background(), p, func(context.Context) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
	require.Len(t, rec.delays, 3)
	for i, d := range rec.delays {
		full := p.Delay(i)
		assert.GreaterOrEqual(t, d, full/2, "delay %d", i)
		assert.LessOrEqual(t, d, full, "delay %d", i)
		assert.LessOrEqual(t, d, p.MaxDelay)
	}
}

func TestExecuteSucceedsOnFourthAttempt(t *testing.T) {
	rec := &recordingSleep{}
	e := newTestExecutor(rec)
	p := Policy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, BackoffFactor: 2, MaxDelay: 300 * time.Millisecond}

	calls := 0
	err := e.Execute(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 4 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	require.Len(t, rec.delays, 3)
	for i := 1; i < len(rec.delays); i++ {
		assert.GreaterOrEqual(t, rec.delays[i], rec.delays[i-1])
	}
	for _, d := range rec.delays {
		assert.LessOrEqual(t, d, p.MaxDelay)
	}
}

func TestPolicyDelaySchedule(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   []time.Duration
	}{
		{
			name:   "quick",
			policy: Quick,
			want:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second},
		},
		{
			name:   "aggressive",
			policy: Aggressive,
			want:   []time.Duration{500 * time.Millisecond, 750 * time.Millisecond, 1125 * time.Millisecond},
		},
		{
			name:   "none",
			policy: None,
			want:   []time.Duration{0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var prev time.Duration
			for i, want := range tt.want {
				got := tt.policy.Delay(i)
				assert.Equal(t, want, got, "attempt %d", i)
				assert.GreaterOrEqual(t, got, prev)
				prev = got
			}
		})
	}
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	rec := &recordingSleep{}
	e := newTestExecutor(rec)

	calls := 0
	final := cedros.NewPaymentError(cedros.ErrCodeInvalidSignature, "bad signature", nil)
	err := e.Execute(context.Background(), Standard, func(context.Context) error {
		calls++
		return final
	})

	assert.Same(t, final, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestExecuteHonoursShouldRetry(t *testing.T) {
	rec := &recordingSleep{}
	e := newTestExecutor(rec)
	p := Quick
	p.ShouldRetry = func(err error, attempt int) bool { return attempt < 1 }

	calls := 0
	_ = e.Execute(context.Background(), p, func(context.Context) error {
		calls++
		return errTransient
	})
	assert.Equal(t, 2, calls)
}

func TestExecuteSucceedsAfterRetry(t *testing.T) {
	rec := &recordingSleep{}
	e := newTestExecutor(rec)

	var attempts []int
	p := Quick
	p.OnRetry = func(err error, attempt int, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	v, err := Do(context.Background(), e, p, func(context.Context) (string, error) {
		if len(attempts) < 2 {
			return "", errTransient
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, []int{0, 1}, attempts)
}

func TestExecuteNoneInvokesOnce(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), nil, None, func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExecutor()
	p := Policy{MaxRetries: 3, InitialDelay: time.Hour, BackoffFactor: 2}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- e.Execute(ctx, p, func(context.Context) error {
			calls++
			return errTransient
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, errTransient))
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not observe cancellation")
	}
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := NewExecutor().Execute(ctx, Quick, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}
