package paywall

import (
	"context"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	cedros "github.com/cedros-pay/cedros-go"
	cedroshttp "github.com/cedros-pay/cedros-go/http"
	"github.com/cedros-pay/cedros-go/ratelimit"
	"github.com/cedros-pay/cedros-go/retry"
)

const (
	PathSubscriptionQuote   = "/paywall/v1/subscription/quote"
	PathSubscriptionStatus  = "/paywall/v1/subscription/status"
	PathSubscriptionSession = "/paywall/v1/subscription/stripe-session"
)

// BillingInterval is the renewal period of a subscription.
type BillingInterval string

const (
	IntervalDaily   BillingInterval = "daily"
	IntervalWeekly  BillingInterval = "weekly"
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
	IntervalCustom  BillingInterval = "custom"
)

// SubscriptionQuoteRequest asks for the crypto requirement of a plan.
type SubscriptionQuoteRequest struct {
	Resource     string          `json:"resource"`
	Interval     BillingInterval `json:"interval"`
	IntervalDays int             `json:"intervalDays,omitempty"`
	CouponCode   string          `json:"couponCode,omitempty"`
}

// SubscriptionTerms describes the period a subscription payment covers.
type SubscriptionTerms struct {
	Interval        BillingInterval `json:"interval"`
	IntervalDays    int             `json:"intervalDays,omitempty"`
	DurationSeconds int64           `json:"durationSeconds,omitempty"`
	PeriodStart     string          `json:"periodStart,omitempty"`
	PeriodEnd       string          `json:"periodEnd,omitempty"`
}

// SubscriptionQuote is a validated requirement plus the period it pays for.
type SubscriptionQuote struct {
	Requirement  cedros.PaymentRequirement
	Subscription *SubscriptionTerms
}

// SubscriptionStatusRequest identifies a subscriber.
type SubscriptionStatusRequest struct {
	Resource string
	UserID   string
}

// SubscriptionStatus is the backend's view of a subscription.
type SubscriptionStatus struct {
	Active            bool            `json:"active"`
	Status            string          `json:"status"`
	ExpiresAt         string          `json:"expiresAt,omitempty"`
	CurrentPeriodEnd  string          `json:"currentPeriodEnd,omitempty"`
	Interval          BillingInterval `json:"interval,omitempty"`
	CancelAtPeriodEnd bool            `json:"cancelAtPeriodEnd,omitempty"`
}

// SubscriptionSessionRequest creates a card checkout for a subscription.
type SubscriptionSessionRequest struct {
	Resource      string            `json:"resource"`
	Interval      BillingInterval   `json:"interval"`
	IntervalDays  int               `json:"intervalDays,omitempty"`
	TrialDays     int               `json:"trialDays,omitempty"`
	CustomerEmail string            `json:"customerEmail,omitempty"`
	CouponCode    string            `json:"couponCode,omitempty"`
	SuccessURL    string            `json:"successUrl,omitempty"`
	CancelURL     string            `json:"cancelUrl,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// SubscriptionManager handles subscription quotes, status and sessions.
type SubscriptionManager struct {
	requester *cedroshttp.Requester
	guard     *Guard
	policy    retry.Policy
	logger    zerolog.Logger
}

// NewSubscriptionManager creates a manager using the Quote limiter and
// retry.Quick.
func NewSubscriptionManager(requester *cedroshttp.Requester, opts ...Option) *SubscriptionManager {
	o := buildOptions("subscription", ratelimit.Quote, ratelimit.PaymentSubmission, opts)
	guard, _ := o.guards()
	return &SubscriptionManager{
		requester: requester,
		guard:     guard,
		policy:    o.policy(retry.Quick),
		logger:    o.logger,
	}
}

// Guard returns the manager's guard.
func (m *SubscriptionManager) Guard() *Guard {
	return m.guard
}

type subscriptionQuoteEnvelope struct {
	quoteEnvelope
	Subscription *SubscriptionTerms `json:"subscription,omitempty"`
}

// RequestQuote fetches the crypto requirement for a subscription period.
func (m *SubscriptionManager) RequestQuote(ctx context.Context, req SubscriptionQuoteRequest) (*SubscriptionQuote, error) {
	if req.Resource == "" {
		return nil, cedros.NewPaymentError(cedros.ErrCodeInvalidResource, "resource is required", nil)
	}
	if err := validateInterval(req.Interval, req.IntervalDays); err != nil {
		return nil, err
	}

	resp, err := m.guard.send(ctx, m.policy, func(ctx context.Context) (*cedroshttp.Response, error) {
		return m.requester.Do(ctx, http.MethodPost, PathSubscriptionQuote, req)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		if err := expectOK(resp); err != nil {
			return nil, err
		}
	}

	var env subscriptionQuoteEnvelope
	if err := resp.DecodeJSON(&env); err != nil {
		return nil, wrapLocal(cedros.ErrCodeInvalidRequirement, "malformed subscription quote: %v", err)
	}
	requirement, err := decodeRequirement(env.requirementJSON())
	if err != nil {
		return nil, err
	}
	return &SubscriptionQuote{Requirement: *requirement, Subscription: env.Subscription}, nil
}

// CheckStatus returns the subscription status of a user for a resource.
func (m *SubscriptionManager) CheckStatus(ctx context.Context, req SubscriptionStatusRequest) (*SubscriptionStatus, error) {
	if req.Resource == "" {
		return nil, cedros.NewPaymentError(cedros.ErrCodeInvalidResource, "resource is required", nil)
	}
	if req.UserID == "" {
		return nil, cedros.NewPaymentError(cedros.ErrCodeMissingField, "userId is required",
			map[string]interface{}{"field": "userId"})
	}

	query := url.Values{"resource": {req.Resource}, "userId": {req.UserID}}
	resp, err := m.guard.send(ctx, m.policy, func(ctx context.Context) (*cedroshttp.Response, error) {
		return m.requester.Do(ctx, http.MethodGet, PathSubscriptionStatus, nil, cedroshttp.WithQuery(query))
	})
	if err != nil {
		return nil, err
	}
	if err := expectOK(resp); err != nil {
		return nil, err
	}

	var status SubscriptionStatus
	if err := resp.DecodeJSON(&status); err != nil {
		return nil, wrapLocal(cedros.ErrCodeInternalError, "malformed subscription status: %v", err)
	}
	return &status, nil
}

// CreateStripeSession creates a recurring card checkout session.
func (m *SubscriptionManager) CreateStripeSession(ctx context.Context, req SubscriptionSessionRequest) (*StripeSession, error) {
	if req.Resource == "" {
		return nil, cedros.NewPaymentError(cedros.ErrCodeInvalidResource, "resource is required", nil)
	}
	if err := validateInterval(req.Interval, req.IntervalDays); err != nil {
		return nil, err
	}
	return createSession(ctx, m.requester, m.guard, m.policy, PathSubscriptionSession, req)
}

func validateInterval(interval BillingInterval, days int) error {
	switch interval {
	case IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalYearly:
		return nil
	case IntervalCustom:
		if days < 1 {
			return cedros.NewPaymentError(cedros.ErrCodeInvalidField, "custom interval requires intervalDays >= 1",
				map[string]interface{}{"field": "intervalDays"})
		}
		return nil
	default:
		return cedros.NewPaymentError(cedros.ErrCodeInvalidField, "unknown billing interval "+string(interval),
			map[string]interface{}{"field": "interval"})
	}
}
