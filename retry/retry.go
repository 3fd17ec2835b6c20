// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cedros "github.com/cedros-pay/cedros-go"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	// BackoffFactor multiplies the delay after each attempt.
	BackoffFactor float64 `mapstructure:"backoff_factor" yaml:"backoff_factor"`
	// MaxDelay caps a single delay.
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	// Jitter spreads each delay uniformly over [delay/2, delay].
	Jitter bool `mapstructure:"jitter" yaml:"jitter"`

	// ShouldRetry vetoes a retry. Defaults to cedros.IsRetryable.
	ShouldRetry func(err error, attempt int) bool `yaml:"-"`
	// OnRetry observes each scheduled retry.
	OnRetry func(err error, attempt int, delay time.Duration) `yaml:"-"`
}

// Presets.
var (
	Quick = Policy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		MaxDelay:      5 * time.Second,
		Jitter:        true,
	}
	Standard = Policy{
		MaxRetries:    3,
		InitialDelay:  2 * time.Second,
		BackoffFactor: 2,
		MaxDelay:      10 * time.Second,
		Jitter:        true,
	}
	Aggressive = Policy{
		MaxRetries:    5,
		InitialDelay:  500 * time.Millisecond,
		BackoffFactor: 1.5,
		MaxDelay:      10 * time.Second,
		Jitter:        true,
	}
	Patient = Policy{
		MaxRetries:    5,
		InitialDelay:  5 * time.Second,
		BackoffFactor: 2,
		MaxDelay:      30 * time.Second,
		Jitter:        true,
	}
	// None never retries. Used for payment verification, which is not safe
	// to replay blindly.
	None = Policy{}
)

// Delay returns the un-jittered delay scheduled after a failed attempt
// (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.InitialDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p Policy) shouldRetry(err error, attempt int) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err, attempt)
	}
	return cedros.IsRetryable(err)
}

// Executor runs operations under a Policy.
type Executor struct {
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	rand *rand.Rand
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used to report retries.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithSleep replaces the wait between attempts. The function must return
// ctx.Err() when ctx is cancelled before d elapses.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithRandSource seeds the jitter generator.
func WithRandSource(src rand.Source) Option {
	return func(e *Executor) {
		e.rand = rand.New(src)
	}
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		logger: zerolog.Nop(),
		sleep:  sleepContext,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultExecutor = NewExecutor()

// Execute runs op until it succeeds, the policy gives up, or ctx is done.
// The last operation error is returned unchanged.
func (e *Executor) Execute(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !p.shouldRetry(err, attempt) {
			return err
		}

		delay := e.jitter(p, p.Delay(attempt))
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, delay)
		}
		e.logger.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Int("maxRetries", p.MaxRetries).
			Dur("delay", delay).
			Msg("retrying operation")

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Do is the value-returning form of Execute. A nil executor uses a shared
// default.
func Do[T any](ctx context.Context, e *Executor, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if e == nil {
		e = defaultExecutor
	}
	var result T
	err := e.Execute(ctx, p, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (e *Executor) jitter(p Policy, d time.Duration) time.Duration {
	if !p.Jitter || d <= 0 {
		return d
	}
	e.mu.Lock()
	f := 0.5 + e.rand.Float64()*0.5
	e.mu.Unlock()
	return time.Duration(float64(d) * f)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
