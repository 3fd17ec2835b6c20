package paywall

import (
	"github.com/rs/zerolog"

	cedros "github.com/cedros-pay/cedros-go"
	"github.com/cedros-pay/cedros-go/breaker"
	"github.com/cedros-pay/cedros-go/ratelimit"
	"github.com/cedros-pay/cedros-go/retry"
)

type options struct {
	limiter       *ratelimit.Limiter
	submitLimiter *ratelimit.Limiter
	breaker       *breaker.Breaker
	executor      *retry.Executor
	logger        zerolog.Logger
	readPolicy    *retry.Policy
	settlements   *cedros.SettlementCache
	hooks         submitHooks
}

// Option configures a payment manager.
type Option func(*options)

// WithLimiter sets the limiter for quotes and other read-style calls.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}

// WithSubmitLimiter sets the limiter for payment submissions.
func WithSubmitLimiter(l *ratelimit.Limiter) Option {
	return func(o *options) {
		o.submitLimiter = l
	}
}

// WithBreaker sets the circuit breaker shared by all of the manager's calls.
func WithBreaker(b *breaker.Breaker) Option {
	return func(o *options) {
		o.breaker = b
	}
}

// WithExecutor sets the retry executor.
func WithExecutor(e *retry.Executor) Option {
	return func(o *options) {
		o.executor = e
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRetryPolicy overrides the policy used for quotes and session creation.
// Payment submissions never retry.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) {
		o.readPolicy = &p
	}
}

// WithSettlementCache deduplicates submissions of identical signed payloads.
// Only the x402 manager uses it.
func WithSettlementCache(c *cedros.SettlementCache) Option {
	return func(o *options) {
		o.settlements = c
	}
}

func buildOptions(name string, limiter, submit ratelimit.Config, opts []Option) options {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("manager", name).Logger()
	if o.limiter == nil {
		o.limiter = ratelimit.New(limiter)
	}
	if o.submitLimiter == nil {
		o.submitLimiter = ratelimit.New(submit)
	}
	if o.breaker == nil {
		o.breaker = breaker.New(breaker.DefaultConfig(name), breaker.WithLogger(o.logger))
	}
	if o.executor == nil {
		o.executor = retry.NewExecutor(retry.WithLogger(o.logger))
	}
	return o
}

func (o options) policy(fallback retry.Policy) retry.Policy {
	if o.readPolicy != nil {
		return *o.readPolicy
	}
	return fallback
}

// guards returns the read and submit guards. Both share one breaker.
func (o options) guards() (read, submit *Guard) {
	read = NewGuard(o.limiter, o.breaker, o.executor, o.logger)
	submit = NewGuard(o.submitLimiter, o.breaker, o.executor, o.logger)
	return read, submit
}
