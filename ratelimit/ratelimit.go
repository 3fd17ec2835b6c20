// Package ratelimit gates how often a call site may attempt a network call.
// It uses a continuously refilling token bucket and never blocks.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines a bucket of MaxRequests tokens refilled evenly over Window.
type Config struct {
	MaxRequests int           `mapstructure:"max_requests" yaml:"max_requests"`
	Window      time.Duration `mapstructure:"window" yaml:"window"`
}

// Presets
var (
	// PaymentSubmission limits payment submissions to 10 per minute.
	PaymentSubmission = Config{MaxRequests: 10, Window: time.Minute}
	// Quote limits quote requests to 30 per minute.
	Quote = Config{MaxRequests: 30, Window: time.Minute}
	// General limits other calls to 100 per minute.
	General = Config{MaxRequests: 100, Window: time.Minute}
)

func (c Config) normalized() Config {
	if c.MaxRequests < 1 {
		c.MaxRequests = 1
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}

// refillRate returns tokens per second.
func (c Config) refillRate() rate.Limit {
	return rate.Limit(float64(c.MaxRequests) / c.Window.Seconds())
}

// Limiter is a token bucket owned by a single call site.
type Limiter struct {
	mu     sync.Mutex
	config Config
	bucket *rate.Limiter
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a full bucket. Invalid configs are clamped to 1 request per minute minimum.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		config: cfg.normalized(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.bucket = l.newBucket()
	return l
}

func (l *Limiter) newBucket() *rate.Limiter {
	b := rate.NewLimiter(l.config.refillRate(), l.config.MaxRequests)
	// Anchor the bucket to the limiter's clock so refill is measured from it.
	b.SetLimitAt(l.now(), l.config.refillRate())
	return b
}

// Config returns the normalized configuration.
func (l *Limiter) Config() Config {
	return l.config
}

// TryConsume takes one token if available.
func (l *Limiter) TryConsume() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket.AllowN(l.now(), 1)
}

// AvailableTokens returns the number of whole tokens available now.
func (l *Limiter) AvailableTokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(math.Floor(l.tokensLocked()))
}

// TimeUntilRefill returns how long until the next whole token is available.
// Zero when a token is available now.
func (l *Limiter) TimeUntilRefill() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	tokens := l.tokensLocked()
	if tokens >= 1 {
		return 0
	}
	missing := 1 - tokens
	seconds := missing / float64(l.config.refillRate())
	return time.Duration(math.Ceil(seconds * float64(time.Second)))
}

// Reset refills the bucket to capacity.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bucket = l.newBucket()
}

func (l *Limiter) tokensLocked() float64 {
	tokens := l.bucket.TokensAt(l.now())
	if tokens < 0 {
		return 0
	}
	if capacity := float64(l.config.MaxRequests); tokens > capacity {
		return capacity
	}
	return tokens
}
