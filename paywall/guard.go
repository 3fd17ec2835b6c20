// Package paywall implements the payment rails spoken with a Cedros backend:
// x402 crypto payments, Stripe checkout sessions, subscriptions and credits.
//
// Every network operation runs behind the same guard: a rate limiter that
// denies locally, a circuit breaker, then a retry executor.
package paywall

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	cedros "github.com/cedros-pay/cedros-go"
	"github.com/cedros-pay/cedros-go/breaker"
	cedroshttp "github.com/cedros-pay/cedros-go/http"
	"github.com/cedros-pay/cedros-go/ratelimit"
	"github.com/cedros-pay/cedros-go/retry"
)

// Guard wraps operations in rate limiting, circuit breaking and retries.
type Guard struct {
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	executor *retry.Executor
	logger   zerolog.Logger
}

// NewGuard creates a guard. A nil limiter disables rate limiting.
func NewGuard(limiter *ratelimit.Limiter, b *breaker.Breaker, executor *retry.Executor, logger zerolog.Logger) *Guard {
	if b == nil {
		b = breaker.New(breaker.DefaultConfig("default"))
	}
	if executor == nil {
		executor = retry.NewExecutor(retry.WithLogger(logger))
	}
	return &Guard{
		limiter:  limiter,
		breaker:  b,
		executor: executor,
		logger:   logger,
	}
}

// Breaker returns the guard's circuit breaker.
func (g *Guard) Breaker() *breaker.Breaker {
	return g.breaker
}

// Limiter returns the guard's rate limiter, which may be nil.
func (g *Guard) Limiter() *ratelimit.Limiter {
	return g.limiter
}

// guarded runs op behind the limiter, breaker and retry policy, in that order.
func guarded[T any](ctx context.Context, g *Guard, policy retry.Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if g.limiter != nil && !g.limiter.TryConsume() {
		wait := g.limiter.TimeUntilRefill()
		g.logger.Warn().Dur("retryAfter", wait).Msg("rate limit exceeded")
		return zero, &cedros.PaymentError{
			Code:      cedros.ErrCodeRateLimitExceeded,
			Message:   "Too many requests, please wait a moment",
			Retryable: true,
			Details:   map[string]interface{}{"retryAfterMs": wait.Milliseconds()},
		}
	}

	result, err := breaker.Do(ctx, g.breaker, func(ctx context.Context) (T, error) {
		return retry.Do(ctx, g.executor, policy, op)
	})
	if err != nil {
		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			g.logger.Warn().
				Str("breaker", openErr.Name).
				Dur("retryAfter", openErr.RetryAfter).
				Msg("request rejected by circuit breaker")
			return zero, &cedros.PaymentError{
				Code:      cedros.ErrCodeServiceUnavailable,
				Message:   "Service temporarily unavailable",
				Retryable: true,
			}
		}
		return zero, err
	}
	return result, nil
}

// send issues one request under the guard. Responses the server or status
// marks retryable become errors, so they are retried and counted by the
// breaker. Other 5xx responses are counted by the breaker but not retried.
// Every non-retryable response is returned for the caller to interpret.
func (g *Guard) send(ctx context.Context, policy retry.Policy, do func(context.Context) (*cedroshttp.Response, error)) (*cedroshttp.Response, error) {
	resp, err := guarded(ctx, g, policy, func(ctx context.Context) (*cedroshttp.Response, error) {
		resp, err := do(ctx)
		if err != nil {
			return nil, err
		}
		if resp.OK() {
			return resp, nil
		}
		pe := cedroshttp.ParseErrorResponse(resp.StatusCode, resp.Body)
		if pe.Retryable {
			return nil, pe
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &serverFailure{resp: resp, err: pe}
		}
		return resp, nil
	})
	var sf *serverFailure
	if errors.As(err, &sf) {
		return sf.resp, nil
	}
	return resp, err
}

// serverFailure carries a non-retryable 5xx response through the breaker.
// It unwraps to the parsed PaymentError, whose Retryable flag is false, so
// retry policies stop on it.
type serverFailure struct {
	resp *cedroshttp.Response
	err  *cedros.PaymentError
}

func (e *serverFailure) Error() string { return e.err.Error() }

func (e *serverFailure) Unwrap() error { return e.err }

// expectOK converts a non-2xx response into a PaymentError.
func expectOK(resp *cedroshttp.Response) error {
	if resp.OK() {
		return nil
	}
	return cedroshttp.ParseErrorResponse(resp.StatusCode, resp.Body)
}

// failure converts err into a failed PaymentResult with a best-effort code.
func failure(err error) cedros.PaymentResult {
	res := cedros.FailedResult(err)
	if res.ErrorCode != "" {
		return res
	}
	var te *cedros.TransportError
	switch {
	case errors.As(err, &te) && te.Kind == cedros.KindCanceled:
		res.ErrorCode = cedros.ErrCodeNetworkError
		res.Error = "request cancelled"
	case errors.As(err, &te):
		res.ErrorCode = cedros.ErrCodeNetworkError
	default:
		res.ErrorCode = cedros.ErrCodeInternalError
	}
	return res
}

func wrapLocal(code cedros.ErrorCode, format string, err error) error {
	return &cedros.PaymentError{
		Code:    code,
		Message: fmt.Sprintf(format, err),
	}
}
