// Package breaker stops calling a failing dependency and recovers through a
// single timed probe.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrOpen matches every rejection raised by a breaker.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned without invoking the operation while the breaker is
// open or its half-open probe is busy.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if e.Name == "" {
		return fmt.Sprintf("circuit breaker is %s, retry in %ds", e.State, secs)
	}
	return fmt.Sprintf("circuit breaker %q is %s, retry in %ds", e.Name, e.State, secs)
}

func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Config controls thresholds for state transitions.
type Config struct {
	// Name labels log lines and errors.
	Name string `mapstructure:"name" yaml:"name"`
	// FailureThreshold is the number of failures within Window that opens the breaker.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	// Window is the sliding window failures are counted in.
	Window time.Duration `mapstructure:"window" yaml:"window"`
}

// DefaultConfig returns the defaults used by the payment managers.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		Window:           60 * time.Second,
	}
}

// Stats is a point-in-time snapshot safe to serialize.
type Stats struct {
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	TotalFailures uint64    `json:"totalFailures"`
	Successes     uint64    `json:"successes"`
	Rejections    uint64    `json:"rejections"`
	LastFailureAt time.Time `json:"lastFailureAt,omitempty"`
	LastSuccessAt time.Time `json:"lastSuccessAt,omitempty"`
	OpenUntil     time.Time `json:"openUntil,omitempty"`
}

// Breaker tracks failures and controls access to a dependency.
type Breaker struct {
	mu sync.Mutex

	config Config
	now    func() time.Time
	logger zerolog.Logger

	state         State
	failures      []time.Time
	openUntil     time.Time
	probeInFlight bool

	successes     uint64
	totalFailures uint64
	rejections    uint64
	lastFailure   time.Time
	lastSuccess   time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithLogger sets the logger used for state transitions.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// New constructs a breaker. Zero config fields fall back to DefaultConfig.
func New(config Config, opts ...Option) *Breaker {
	defaults := DefaultConfig(config.Name)
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}

	b := &Breaker{
		config: config,
		now:    time.Now,
		logger: zerolog.Nop(),
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn under breaker protection. fn's error is always returned
// unchanged; only preemptive rejections produce an *OpenError. An error
// returned after ctx is done is the caller giving up and is not counted.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	switch {
	case err == nil:
		b.onSuccess(probe)
	case ctx.Err() != nil:
		b.onAbandon(probe)
	default:
		b.onFailure(probe)
	}
	return err
}

// Do is the value-returning form of Execute.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// admit decides whether a call may proceed. probe is true when the caller
// owns the half-open trial.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateOpen:
		if now.Before(b.openUntil) {
			b.rejections++
			return false, b.openErrorLocked(now)
		}
		b.transitionLocked(StateHalfOpen)
		b.probeInFlight = true
		return true, nil
	case StateHalfOpen:
		if b.probeInFlight {
			b.rejections++
			return false, b.openErrorLocked(now)
		}
		b.probeInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) onSuccess(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	b.lastSuccess = b.now()
	if probe {
		b.probeInFlight = false
	}

	switch b.state {
	case StateHalfOpen:
		if probe {
			b.failures = b.failures[:0]
			b.transitionLocked(StateClosed)
		}
	case StateClosed:
		b.failures = b.failures[:0]
	}
}

func (b *Breaker) onFailure(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.totalFailures++
	b.lastFailure = now
	b.failures = append(b.failures, now)
	b.pruneLocked(now)
	if probe {
		b.probeInFlight = false
	}

	switch b.state {
	case StateHalfOpen:
		if probe {
			b.openLocked(now)
		}
	case StateClosed:
		if len(b.failures) >= b.config.FailureThreshold {
			b.openLocked(now)
		}
	}
}

// onAbandon releases a probe whose caller went away. The breaker stays
// half-open so the next call probes again.
func (b *Breaker) onAbandon(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.config.Window)
	keep := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	b.failures = keep
}

func (b *Breaker) openLocked(now time.Time) {
	b.openUntil = now.Add(b.config.Cooldown)
	b.probeInFlight = false
	b.transitionLocked(StateOpen)
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	if from == to {
		return
	}
	evt := b.logger.Info()
	if to == StateOpen {
		evt = b.logger.Warn()
	}
	evt.Str("breaker", b.config.Name).
		Str("from", from.String()).
		Str("to", to.String()).
		Int("failures", len(b.failures)).
		Msg("circuit breaker state change")
}

func (b *Breaker) openErrorLocked(now time.Time) *OpenError {
	retryAfter := b.openUntil.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &OpenError{Name: b.config.Name, State: b.state, RetryAfter: retryAfter}
}

// State returns the current state. An open breaker whose cooldown elapsed is
// still reported OPEN until the next call moves it to HALF_OPEN.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(b.now())
	return Stats{
		State:         b.state,
		Failures:      len(b.failures),
		TotalFailures: b.totalFailures,
		Successes:     b.successes,
		Rejections:    b.rejections,
		LastFailureAt: b.lastFailure,
		LastSuccessAt: b.lastSuccess,
		OpenUntil:     b.openUntil,
	}
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionLocked(StateClosed)
	b.failures = nil
	b.openUntil = time.Time{}
	b.probeInFlight = false
	b.successes = 0
	b.totalFailures = 0
	b.rejections = 0
	b.lastFailure = time.Time{}
	b.lastSuccess = time.Time{}
}

// Trip forces the breaker open with a fresh cooldown.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openLocked(b.now())
}
