package paywall

import (
	"context"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	cedros "github.com/cedros-pay/cedros-go"
	"github.com/cedros-pay/cedros-go/breaker"
	cedroshttp "github.com/cedros-pay/cedros-go/http"
	"github.com/cedros-pay/cedros-go/ratelimit"
	"github.com/cedros-pay/cedros-go/retry"
)

const (
	PathCreditsQuote     = "/paywall/v1/credits/quote"
	PathCreditsHold      = "/paywall/v1/credits/hold"
	PathCreditsAuthorize = "/paywall/v1/credits/authorize"
	PathCreditsRelease   = "/paywall/v1/credits/release/"
)

// CreditsRequest identifies the resource paid for with credits. AuthToken is
// sent as a bearer token and never serialized into the body.
type CreditsRequest struct {
	Resource   string            `json:"resource"`
	CouponCode string            `json:"couponCode,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	AuthToken  string            `json:"-"`
}

// CreditsQuote is the credit price of a resource, in atomic units.
type CreditsQuote struct {
	Resource  string `json:"resource"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// CreditsHold reserves credits until it is authorized or released.
type CreditsHold struct {
	HoldID    string `json:"holdId"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

type authorizeBody struct {
	HoldID   string            `json:"holdId"`
	Resource string            `json:"resource"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CreditsManager pays for resources from a prepaid credits balance.
type CreditsManager struct {
	requester    *cedroshttp.Requester
	readGuard    *Guard
	submitGuard  *Guard
	releaseGuard *Guard
	policy       retry.Policy
	logger       zerolog.Logger
}

// NewCreditsManager creates a manager. Quotes and holds use the Quote limiter
// and retry.Quick; authorization uses the PaymentSubmission limiter and never
// retries.
func NewCreditsManager(requester *cedroshttp.Requester, opts ...Option) *CreditsManager {
	o := buildOptions("credits", ratelimit.Quote, ratelimit.PaymentSubmission, opts)
	read, submit := o.guards()
	// Compensating releases skip the rate limiter and have their own breaker.
	release := NewGuard(nil,
		breaker.New(breaker.DefaultConfig("credits-release"), breaker.WithLogger(o.logger)),
		o.executor, o.logger)
	return &CreditsManager{
		requester:    requester,
		readGuard:    read,
		submitGuard:  submit,
		releaseGuard: release,
		policy:       o.policy(retry.Quick),
		logger:       o.logger,
	}
}

// Guard returns the guard used for quotes and holds.
func (m *CreditsManager) Guard() *Guard {
	return m.readGuard
}

func checkCreditsRequest(req CreditsRequest) error {
	if req.Resource == "" {
		return cedros.NewPaymentError(cedros.ErrCodeInvalidResource, "resource is required", nil)
	}
	if req.AuthToken == "" {
		return cedros.NewPaymentError(cedros.ErrCodeUnauthorized, "credits require an auth token", nil)
	}
	return nil
}

// RequestQuote returns the credit price of a resource.
func (m *CreditsManager) RequestQuote(ctx context.Context, req CreditsRequest) (*CreditsQuote, error) {
	if err := checkCreditsRequest(req); err != nil {
		return nil, err
	}

	resp, err := m.readGuard.send(ctx, m.policy, func(ctx context.Context) (*cedroshttp.Response, error) {
		return m.requester.Do(ctx, http.MethodPost, PathCreditsQuote, req, cedroshttp.WithBearerToken(req.AuthToken))
	})
	if err != nil {
		return nil, err
	}
	if err := expectOK(resp); err != nil {
		return nil, err
	}

	var quote CreditsQuote
	if err := resp.DecodeJSON(&quote); err != nil {
		return nil, wrapLocal(cedros.ErrCodeInvalidAmount, "malformed credits quote: %v", err)
	}
	if quote.Amount < 0 {
		return nil, cedros.NewPaymentError(cedros.ErrCodeInvalidAmount, "credits quote amount is negative", nil)
	}
	return &quote, nil
}

// CreateHold reserves credits for a resource.
func (m *CreditsManager) CreateHold(ctx context.Context, req CreditsRequest) (*CreditsHold, error) {
	if err := checkCreditsRequest(req); err != nil {
		return nil, err
	}

	key := m.requester.NewIdempotencyKey()
	resp, err := m.readGuard.send(ctx, m.policy, func(ctx context.Context) (*cedroshttp.Response, error) {
		return m.requester.Do(ctx, http.MethodPost, PathCreditsHold, req,
			cedroshttp.WithBearerToken(req.AuthToken),
			cedroshttp.WithIdempotencyKey(key))
	})
	if err != nil {
		return nil, err
	}
	if err := expectOK(resp); err != nil {
		return nil, err
	}

	var hold CreditsHold
	if err := resp.DecodeJSON(&hold); err != nil {
		return nil, wrapLocal(cedros.ErrCodeInternalError, "malformed credits hold: %v", err)
	}
	if hold.HoldID == "" {
		return nil, cedros.NewPaymentError(cedros.ErrCodeInternalError, "credits hold has no id", nil)
	}
	return &hold, nil
}

// AuthorizePayment captures a hold. It is never retried and reports
// failures in the result.
func (m *CreditsManager) AuthorizePayment(ctx context.Context, holdID string, req CreditsRequest) cedros.PaymentResult {
	if holdID == "" {
		return failure(cedros.NewPaymentError(cedros.ErrCodeHoldNotFound, "hold id is required", nil))
	}
	if err := checkCreditsRequest(req); err != nil {
		return failure(err)
	}

	body := authorizeBody{HoldID: holdID, Resource: req.Resource, Metadata: req.Metadata}
	resp, err := m.submitGuard.send(ctx, retry.None, func(ctx context.Context) (*cedroshttp.Response, error) {
		return m.requester.Do(ctx, http.MethodPost, PathCreditsAuthorize, body, cedroshttp.WithBearerToken(req.AuthToken))
	})
	if err != nil {
		return failure(err)
	}
	if err := expectOK(resp); err != nil {
		return failure(err)
	}
	return cedros.PaymentResult{
		Success:       true,
		TransactionID: transactionID(resp.Body, holdID),
	}
}

// ReleaseHold returns held credits to the balance.
func (m *CreditsManager) ReleaseHold(ctx context.Context, holdID, authToken string) error {
	return m.releaseHold(ctx, m.readGuard, holdID, authToken)
}

func (m *CreditsManager) releaseHold(ctx context.Context, guard *Guard, holdID, authToken string) error {
	if holdID == "" {
		return cedros.NewPaymentError(cedros.ErrCodeHoldNotFound, "hold id is required", nil)
	}

	key := m.requester.NewIdempotencyKey()
	path := PathCreditsRelease + url.PathEscape(holdID)
	resp, err := guard.send(ctx, m.policy, func(ctx context.Context) (*cedroshttp.Response, error) {
		return m.requester.Do(ctx, http.MethodPost, path, nil,
			cedroshttp.WithBearerToken(authToken),
			cedroshttp.WithIdempotencyKey(key))
	})
	if err != nil {
		return err
	}
	return expectOK(resp)
}

// ProcessPayment places a hold, authorizes it, and releases the hold if
// authorization fails.
func (m *CreditsManager) ProcessPayment(ctx context.Context, req CreditsRequest) cedros.PaymentResult {
	hold, err := m.CreateHold(ctx, req)
	if err != nil {
		return failure(err)
	}

	result := m.AuthorizePayment(ctx, hold.HoldID, req)
	if result.Success {
		return result
	}

	if err := m.releaseHold(context.WithoutCancel(ctx), m.releaseGuard, hold.HoldID, req.AuthToken); err != nil {
		m.logger.Error().
			Err(err).
			Str("hold", hold.HoldID).
			Msg("failed to release credits hold after authorization failure")
	}
	return result
}
