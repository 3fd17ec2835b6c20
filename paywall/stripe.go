package paywall

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	cedros "github.com/cedros-pay/cedros-go"
	cedroshttp "github.com/cedros-pay/cedros-go/http"
	"github.com/cedros-pay/cedros-go/ratelimit"
	"github.com/cedros-pay/cedros-go/retry"
)

const (
	PathStripeSession = "/paywall/v1/stripe-session"
	PathCartCheckout  = "/paywall/v1/cart/checkout"
)

// StripeSessionRequest creates a hosted checkout for one resource.
type StripeSessionRequest struct {
	Resource      string            `json:"resource"`
	CustomerEmail string            `json:"customerEmail,omitempty"`
	CouponCode    string            `json:"couponCode,omitempty"`
	SuccessURL    string            `json:"successUrl,omitempty"`
	CancelURL     string            `json:"cancelUrl,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// CartCheckoutRequest creates a hosted checkout for a cart.
type CartCheckoutRequest struct {
	Items         []cedros.CartItem `json:"items"`
	CustomerEmail string            `json:"customerEmail,omitempty"`
	CouponCode    string            `json:"couponCode,omitempty"`
	SuccessURL    string            `json:"successUrl,omitempty"`
	CancelURL     string            `json:"cancelUrl,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// StripeSession is a checkout session created by the backend. Redirecting
// the user to URL is up to the caller.
type StripeSession struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url,omitempty"`
}

// StripeManager creates card checkout sessions.
type StripeManager struct {
	requester *cedroshttp.Requester
	guard     *Guard
	policy    retry.Policy
	logger    zerolog.Logger
}

// NewStripeManager creates a manager using the General limiter and
// retry.Standard. Retries reuse one idempotency key, so the backend creates
// at most one session per call.
func NewStripeManager(requester *cedroshttp.Requester, opts ...Option) *StripeManager {
	o := buildOptions("stripe", ratelimit.General, ratelimit.General, opts)
	guard, _ := o.guards()
	return &StripeManager{
		requester: requester,
		guard:     guard,
		policy:    o.policy(retry.Standard),
		logger:    o.logger,
	}
}

// Guard returns the manager's guard.
func (m *StripeManager) Guard() *Guard {
	return m.guard
}

// CreateSession creates a checkout session for a single resource.
func (m *StripeManager) CreateSession(ctx context.Context, req StripeSessionRequest) (*StripeSession, error) {
	if req.Resource == "" {
		return nil, cedros.NewPaymentError(cedros.ErrCodeInvalidResource, "resource is required", nil)
	}
	return createSession(ctx, m.requester, m.guard, m.policy, PathStripeSession, req)
}

// CreateCartSession creates a checkout session for a cart.
func (m *StripeManager) CreateCartSession(ctx context.Context, req CartCheckoutRequest) (*StripeSession, error) {
	if err := validateItems(req.Items); err != nil {
		return nil, err
	}
	return createSession(ctx, m.requester, m.guard, m.policy, PathCartCheckout, req)
}

func createSession(ctx context.Context, requester *cedroshttp.Requester, guard *Guard, policy retry.Policy, path string, body interface{}) (*StripeSession, error) {
	key := requester.NewIdempotencyKey()
	resp, err := guard.send(ctx, policy, func(ctx context.Context) (*cedroshttp.Response, error) {
		return requester.Do(ctx, http.MethodPost, path, body, cedroshttp.WithIdempotencyKey(key))
	})
	if err != nil {
		return nil, err
	}
	if err := expectOK(resp); err != nil {
		return nil, err
	}

	var session StripeSession
	if err := resp.DecodeJSON(&session); err != nil {
		return nil, wrapLocal(cedros.ErrCodeStripeError, "malformed checkout session: %v", err)
	}
	if session.SessionID == "" {
		return nil, cedros.NewPaymentError(cedros.ErrCodeStripeError, "checkout session has no id", nil)
	}
	guard.logger.Debug().Str("path", path).Str("session", session.SessionID).Msg("checkout session created")
	return &session, nil
}
