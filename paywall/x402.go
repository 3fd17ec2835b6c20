package paywall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	cedros "github.com/cedros-pay/cedros-go"
	cedroshttp "github.com/cedros-pay/cedros-go/http"
	"github.com/cedros-pay/cedros-go/ratelimit"
	"github.com/cedros-pay/cedros-go/retry"
)

// Backend endpoints, relative to the discovered route prefix.
const (
	PathQuote              = "/paywall/v1/quote"
	PathCartQuote          = "/paywall/v1/cart/quote"
	PathVerify             = "/paywall/v1/verify"
	PathGaslessTransaction = "/paywall/v1/gasless-transaction"
)

// QuoteRequest asks for the requirement of a single resource.
type QuoteRequest struct {
	Resource   string `json:"resource"`
	CouponCode string `json:"couponCode,omitempty"`
}

// CartQuoteRequest asks for one requirement covering several items.
type CartQuoteRequest struct {
	Items      []cedros.CartItem `json:"items"`
	CouponCode string            `json:"couponCode,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SubmitRequest is a signed transaction ready for verification.
type SubmitRequest struct {
	Requirement  cedros.PaymentRequirement
	Transaction  cedros.SignedTransaction
	Payer        string
	Resource     string
	ResourceType cedros.ResourceType
	Metadata     map[string]string
}

// GaslessRequest asks the backend to build a transaction it will co-sign.
type GaslessRequest struct {
	Resource     string              `json:"resource"`
	ResourceType cedros.ResourceType `json:"resourceType,omitempty"`
	Payer        string              `json:"payer"`
	FeePayer     string              `json:"feePayer"`
	CouponCode   string              `json:"couponCode,omitempty"`
}

// GaslessTransaction is the unsigned transaction built by the backend.
type GaslessTransaction struct {
	// Transaction is base64 encoded.
	Transaction string `json:"transaction"`
	FeePayer    string `json:"feePayer,omitempty"`
	Blockhash   string `json:"blockhash,omitempty"`
}

// PayRequest describes a complete payment. Items, when set, turns it into a
// cart payment and Resource is ignored.
type PayRequest struct {
	Resource   string
	Items      []cedros.CartItem
	CouponCode string
	Metadata   map[string]string
}

// quoteEnvelope is the body of a 402 quote response.
type quoteEnvelope struct {
	X402Version int               `json:"x402Version,omitempty"`
	Crypto      json.RawMessage   `json:"crypto,omitempty"`
	Accepts     []json.RawMessage `json:"accepts,omitempty"`
	CartID      string            `json:"cartId,omitempty"`
	ExpiresAt   string            `json:"expiresAt,omitempty"`
}

func (e quoteEnvelope) requirementJSON() json.RawMessage {
	if len(e.Crypto) > 0 && string(e.Crypto) != "null" {
		return e.Crypto
	}
	if len(e.Accepts) > 0 {
		return e.Accepts[0]
	}
	return nil
}

// X402Manager runs the x402 quote, submit and settle protocol.
type X402Manager struct {
	requester   *cedroshttp.Requester
	quoteGuard  *Guard
	submitGuard *Guard
	quotePolicy retry.Policy
	settlements *cedros.SettlementCache
	hooks       submitHooks
	logger      zerolog.Logger
}

// NewX402Manager creates a manager. Quotes default to the Quote limiter and
// retry.Quick; submissions use the PaymentSubmission limiter and never retry.
func NewX402Manager(requester *cedroshttp.Requester, opts ...Option) *X402Manager {
	o := buildOptions("x402", ratelimit.Quote, ratelimit.PaymentSubmission, opts)
	quoteGuard, submitGuard := o.guards()
	return &X402Manager{
		requester:   requester,
		quoteGuard:  quoteGuard,
		submitGuard: submitGuard,
		quotePolicy: o.policy(retry.Quick),
		settlements: o.settlements,
		hooks:       o.hooks,
		logger:      o.logger,
	}
}

// Guard returns the guard applied to quotes. Its breaker is shared with
// submissions.
func (m *X402Manager) Guard() *Guard {
	return m.quoteGuard
}

// RequestQuote fetches and validates the requirement for a resource.
func (m *X402Manager) RequestQuote(ctx context.Context, req QuoteRequest) (*cedros.PaymentRequirement, error) {
	if req.Resource == "" {
		return nil, cedros.NewPaymentError(cedros.ErrCodeInvalidResource, "resource is required", nil)
	}

	resp, err := m.quoteGuard.send(ctx, m.quotePolicy, func(ctx context.Context) (*cedroshttp.Response, error) {
		return m.requester.Do(ctx, http.MethodPost, PathQuote, req)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		if err := expectOK(resp); err != nil {
			return nil, err
		}
		return nil, cedros.NewPaymentError(cedros.ErrCodeInvalidRequirement,
			fmt.Sprintf("quote for %q returned status %d without a payment requirement", req.Resource, resp.StatusCode), nil)
	}

	var env quoteEnvelope
	if err := resp.DecodeJSON(&env); err != nil {
		return nil, wrapLocal(cedros.ErrCodeInvalidRequirement, "malformed quote response: %v", err)
	}
	requirement, err := decodeRequirement(env.requirementJSON())
	if err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("resource", req.Resource).
		Str("amount", requirement.MaxAmountRequired).
		Str("network", string(requirement.Network)).
		Bool("gasless", requirement.IsGasless()).
		Msg("quote received")
	return requirement, nil
}

// RequestCartQuote fetches one requirement for a cart. The returned CartID
// must be used as the resource when paying.
func (m *X402Manager) RequestCartQuote(ctx context.Context, req CartQuoteRequest) (*cedros.CartQuote, error) {
	if err := validateItems(req.Items); err != nil {
		return nil, err
	}

	resp, err := m.quoteGuard.send(ctx, m.quotePolicy, func(ctx context.Context) (*cedroshttp.Response, error) {
		return m.requester.Do(ctx, http.MethodPost, PathCartQuote, req)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		if err := expectOK(resp); err != nil {
			return nil, err
		}
	}

	var env quoteEnvelope
	if err := resp.DecodeJSON(&env); err != nil {
		return nil, wrapLocal(cedros.ErrCodeInvalidRequirement, "malformed cart quote response: %v", err)
	}
	if env.CartID == "" {
		return nil, cedros.NewPaymentError(cedros.ErrCodeInvalidRequirement, "cart quote is missing cartId", nil)
	}
	requirement, err := decodeRequirement(env.requirementJSON())
	if err != nil {
		return nil, err
	}

	return &cedros.CartQuote{
		CartID:      env.CartID,
		ExpiresAt:   env.ExpiresAt,
		Requirement: *requirement,
	}, nil
}

// BuildGaslessTransaction asks the backend for an unsigned transaction with
// the designated fee payer.
func (m *X402Manager) BuildGaslessTransaction(ctx context.Context, req GaslessRequest) (*GaslessTransaction, error) {
	if req.Payer == "" {
		return nil, cedros.NewPaymentError(cedros.ErrCodeInvalidWallet, "payer wallet is required", nil)
	}

	key := m.requester.NewIdempotencyKey()
	resp, err := m.quoteGuard.send(ctx, m.quotePolicy, func(ctx context.Context) (*cedroshttp.Response, error) {
		return m.requester.Do(ctx, http.MethodPost, PathGaslessTransaction, req, cedroshttp.WithIdempotencyKey(key))
	})
	if err != nil {
		return nil, err
	}
	if err := expectOK(resp); err != nil {
		return nil, err
	}

	var tx GaslessTransaction
	if err := resp.DecodeJSON(&tx); err != nil {
		return nil, wrapLocal(cedros.ErrCodeInvalidTransaction, "malformed gasless transaction: %v", err)
	}
	if tx.Transaction == "" {
		return nil, cedros.NewPaymentError(cedros.ErrCodeInvalidTransaction, "gasless transaction is empty", nil)
	}
	return &tx, nil
}

// SubmitPayment sends the signed transaction to the verify endpoint with a
// fresh idempotency key. It is never retried. Failures are reported in the
// result, not as an error.
func (m *X402Manager) SubmitPayment(ctx context.Context, req SubmitRequest) cedros.PaymentResult {
	resourceType := req.ResourceType
	if resourceType == "" {
		resourceType = cedros.ResourceTypeRegular
	}
	resource := req.Resource
	if resource == "" {
		resource = req.Requirement.Resource
	}

	payload := cedros.PaymentPayload{
		X402Version: cedros.X402Version,
		Scheme:      req.Requirement.Scheme,
		Network:     req.Requirement.Network,
		Payload: cedros.PayloadData{
			Signature:    req.Transaction.Signature,
			Transaction:  req.Transaction.Transaction,
			Payer:        req.Payer,
			FeePayer:     req.Requirement.Extra.FeePayer,
			Resource:     resource,
			ResourceType: resourceType,
			Metadata:     req.Metadata,
		},
	}
	if err := cedros.ValidatePaymentPayload(payload); err != nil {
		return failure(wrapLocal(cedros.ErrCodeInvalidPaymentProof, "invalid payment payload: %v", err))
	}

	header, err := cedroshttp.EncodePaymentHeader(payload)
	if err != nil {
		return failure(wrapLocal(cedros.ErrCodeInvalidPaymentProof, "%v", err))
	}

	sc := SubmitContext{Ctx: ctx, Requirement: req.Requirement, Payload: payload, Timestamp: time.Now()}
	if err := m.runBefore(sc); err != nil {
		result := failure(err)
		m.runAfter(sc, result)
		return result
	}

	var result cedros.PaymentResult
	if m.settlements == nil {
		result = m.verify(ctx, header, resource, payload.Payload.Signature)
	} else {
		result = m.verifyOnce(ctx, header, resource, payload.Payload.Signature)
	}
	m.runAfter(sc, result)
	return result
}

func (m *X402Manager) verify(ctx context.Context, header, resource, signature string) cedros.PaymentResult {
	key := m.requester.NewIdempotencyKey()
	resp, err := m.submitGuard.send(ctx, retry.None, func(ctx context.Context) (*cedroshttp.Response, error) {
		return m.requester.Do(ctx, http.MethodPost, PathVerify, nil,
			cedroshttp.WithHeader(cedros.HeaderPayment, header),
			cedroshttp.WithIdempotencyKey(key))
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("resource", resource).Msg("payment submission failed")
		return failure(err)
	}

	return m.settle(resp, signature)
}

// verifyOnce submits header unless the same payload already settled or is
// being submitted by another caller.
func (m *X402Manager) verifyOnce(ctx context.Context, header, resource, signature string) cedros.PaymentResult {
	key := cedros.GenerateSettlementKey([]byte(header))
	for {
		status, cached, done := m.settlements.CheckAndMark(key)
		switch status {
		case cedros.StatusCached:
			m.logger.Debug().Str("resource", resource).Msg("payment already settled, using cached result")
			return *cached

		case cedros.StatusInFlight:
			res, err := m.settlements.WaitForResult(ctx, key, done)
			if err != nil {
				return failure(cedros.NewTransportError("verify", err))
			}
			if res != nil {
				return *res
			}
			continue
		}

		result := m.verify(ctx, header, resource, signature)
		if result.Success {
			m.settlements.Complete(key, result, done)
		} else {
			m.settlements.Fail(key, done)
		}
		return result
	}
}

// settle interprets a verify response. A malformed settlement header is
// ignored on success and fatal otherwise.
func (m *X402Manager) settle(resp *cedroshttp.Response, fallbackTxID string) cedros.PaymentResult {
	if !resp.OK() {
		return failure(cedroshttp.ParseErrorResponse(resp.StatusCode, resp.Body))
	}

	settlement, err := cedroshttp.SettlementFromHeader(resp.Header)
	if err != nil {
		m.logger.Warn().Err(err).Msg("ignoring malformed settlement header")
		settlement = nil
	}

	result := cedros.PaymentResult{
		Success:       true,
		TransactionID: transactionID(resp.Body, fallbackTxID),
		Settlement:    settlement,
	}
	if settlement != nil && !settlement.Success {
		result.Success = false
		result.ErrorCode = cedros.ErrCodeTransactionFailed
		result.Error = settlement.Error
		if result.Error == "" {
			result.Error = "payment was not settled"
		}
	}
	return result
}

// transactionID returns the body's signature field when the body is JSON.
func transactionID(body []byte, fallback string) string {
	var parsed struct {
		Signature     string `json:"signature"`
		TransactionID string `json:"transactionId"`
	}
	if len(body) == 0 || json.Unmarshal(body, &parsed) != nil {
		return fallback
	}
	if parsed.Signature != "" {
		return parsed.Signature
	}
	if parsed.TransactionID != "" {
		return parsed.TransactionID
	}
	return fallback
}

// Pay runs a whole attempt: quote, flow selection, transaction, submission.
// The returned attempt is always terminal; failures are in its Result.
func (m *X402Manager) Pay(ctx context.Context, req PayRequest, builder cedros.TransactionBuilder) *Attempt {
	attempt := NewAttempt()
	result := m.pay(ctx, attempt, req, builder)
	if err := attempt.finish(result); err != nil {
		m.logger.Error().Err(err).Msg("payment attempt ended in an unexpected state")
	}
	return attempt
}

func (m *X402Manager) pay(ctx context.Context, attempt *Attempt, req PayRequest, builder cedros.TransactionBuilder) cedros.PaymentResult {
	if err := attempt.transition(AttemptQuoteRequested); err != nil {
		return failure(err)
	}

	resource := req.Resource
	resourceType := cedros.ResourceTypeRegular
	var requirement cedros.PaymentRequirement
	if len(req.Items) > 0 {
		quote, err := m.RequestCartQuote(ctx, CartQuoteRequest{Items: req.Items, CouponCode: req.CouponCode, Metadata: req.Metadata})
		if err != nil {
			return failure(err)
		}
		requirement = quote.Requirement
		resource = quote.CartID
		resourceType = cedros.ResourceTypeCart
		if err := attempt.quoted(requirement, quote.CartID); err != nil {
			return failure(err)
		}
	} else {
		quoted, err := m.RequestQuote(ctx, QuoteRequest{Resource: req.Resource, CouponCode: req.CouponCode})
		if err != nil {
			return failure(err)
		}
		requirement = *quoted
		if err := attempt.quoted(requirement, ""); err != nil {
			return failure(err)
		}
	}

	flow := SelectFlow(requirement)
	signed, err := m.prepare(ctx, flow, requirement, resource, resourceType, req.CouponCode, builder)
	if err != nil {
		return failure(err)
	}
	if err := attempt.submitting(flow); err != nil {
		return failure(err)
	}

	return m.SubmitPayment(ctx, SubmitRequest{
		Requirement:  requirement,
		Transaction:  signed,
		Payer:        builder.PayerAddress(),
		Resource:     resource,
		ResourceType: resourceType,
		Metadata:     req.Metadata,
	})
}

// prepare produces the signed transaction for the selected flow.
func (m *X402Manager) prepare(ctx context.Context, flow PaymentFlow, requirement cedros.PaymentRequirement, resource string, resourceType cedros.ResourceType, coupon string, builder cedros.TransactionBuilder) (cedros.SignedTransaction, error) {
	switch f := flow.(type) {
	case GaslessPayment:
		tx, err := m.BuildGaslessTransaction(ctx, GaslessRequest{
			Resource:     resource,
			ResourceType: resourceType,
			Payer:        builder.PayerAddress(),
			FeePayer:     f.FeePayer,
			CouponCode:   coupon,
		})
		if err != nil {
			return cedros.SignedTransaction{}, err
		}
		raw, err := base64.StdEncoding.DecodeString(tx.Transaction)
		if err != nil {
			return cedros.SignedTransaction{}, wrapLocal(cedros.ErrCodeInvalidTransaction, "gasless transaction is not base64: %v", err)
		}
		signed, err := builder.PartiallySignTransaction(ctx, raw)
		if err != nil {
			return cedros.SignedTransaction{}, wrapLocal(cedros.ErrCodeInvalidSignature, "failed to sign gasless transaction: %v", err)
		}
		return signed, nil

	case StandardPayment:
		raw, err := builder.BuildTransaction(ctx, requirement)
		if err != nil {
			return cedros.SignedTransaction{}, wrapLocal(cedros.ErrCodeInvalidTransaction, "failed to build transaction: %v", err)
		}
		signed, err := builder.SignTransaction(ctx, raw)
		if err != nil {
			return cedros.SignedTransaction{}, wrapLocal(cedros.ErrCodeInvalidSignature, "failed to sign transaction: %v", err)
		}
		return signed, nil

	default:
		return cedros.SignedTransaction{}, fmt.Errorf("unsupported payment flow %T", flow)
	}
}

// decodeRequirement validates raw requirement JSON and decodes it.
func decodeRequirement(raw json.RawMessage) (*cedros.PaymentRequirement, error) {
	if len(raw) == 0 {
		return nil, cedros.NewPaymentError(cedros.ErrCodeInvalidRequirement, "quote response carries no payment requirement", nil)
	}
	if err := cedros.ValidateRequirementJSON(raw); err != nil {
		return nil, err
	}
	var requirement cedros.PaymentRequirement
	if err := json.Unmarshal(raw, &requirement); err != nil {
		return nil, wrapLocal(cedros.ErrCodeInvalidRequirement, "malformed payment requirement: %v", err)
	}
	if err := cedros.ValidateRequirement(requirement); err != nil {
		return nil, err
	}
	return &requirement, nil
}

func validateItems(items []cedros.CartItem) error {
	if len(items) == 0 {
		return cedros.NewPaymentError(cedros.ErrCodeMissingField, "cart must contain at least one item", nil)
	}
	for i, item := range items {
		if item.Resource == "" {
			return cedros.NewPaymentError(cedros.ErrCodeInvalidResource,
				fmt.Sprintf("cart item %d has no resource", i), nil)
		}
		if item.Quantity < 1 {
			return cedros.NewPaymentError(cedros.ErrCodeInvalidField,
				fmt.Sprintf("cart item %d quantity must be at least 1", i),
				map[string]interface{}{"field": "quantity"})
		}
	}
	return nil
}
