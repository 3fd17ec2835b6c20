package paywall

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cedros "github.com/cedros-pay/cedros-go"
	"github.com/cedros-pay/cedros-go/breaker"
	cedroshttp "github.com/cedros-pay/cedros-go/http"
	"github.com/cedros-pay/cedros-go/ratelimit"
	"github.com/cedros-pay/cedros-go/test/mocks/merchant"
)

func testRequester(m *merchant.Server) *cedroshttp.Requester {
	return cedroshttp.NewRequester(cedroshttp.StaticRoutes(m.URL()))
}

func TestStripeCreateSession(t *testing.T) {
	m := merchant.New()
	defer m.Close()
	s := NewStripeManager(testRequester(m), testOptions()...)

	session, err := s.CreateSession(context.Background(), StripeSessionRequest{
		Resource:   "article-1",
		SuccessURL: "https://shop.example/ok",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	assert.Contains(t, session.URL, session.SessionID)

	_, err = s.CreateSession(context.Background(), StripeSessionRequest{})
	pe, ok := cedros.AsPaymentError(err)
	require.True(t, ok)
	assert.Equal(t, cedros.ErrCodeInvalidResource, pe.Code)
}

func TestStripeRetriesReuseIdempotencyKey(t *testing.T) {
	m := merchant.New()
	defer m.Close()
	s := NewStripeManager(testRequester(m), testOptions()...)

	m.FailNext(PathStripeSession, 2, http.StatusBadGateway, gin.H{"error": "stripe unreachable"})
	_, err := s.CreateSession(context.Background(), StripeSessionRequest{Resource: "article-1"})
	require.NoError(t, err)

	keys := m.IdempotencyKeys(PathStripeSession)
	require.Len(t, keys, 3)
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, keys[1], keys[2])
}

func TestStripeCartSession(t *testing.T) {
	m := merchant.New()
	defer m.Close()
	s := NewStripeManager(testRequester(m), testOptions()...)

	session, err := s.CreateCartSession(context.Background(), CartCheckoutRequest{
		Items: []cedros.CartItem{{Resource: "a", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	assert.Equal(t, 1, m.Calls(PathCartCheckout))

	_, err = s.CreateCartSession(context.Background(), CartCheckoutRequest{
		Items: []cedros.CartItem{{Resource: "a", Quantity: 0}},
	})
	assert.Error(t, err)
	assert.Equal(t, 1, m.Calls(PathCartCheckout))
}

func TestSubscriptionQuoteAndStatus(t *testing.T) {
	m := merchant.New(merchant.WithPrice("pro-plan", 9_990_000))
	defer m.Close()
	s := NewSubscriptionManager(testRequester(m), testOptions()...)
	ctx := context.Background()

	quote, err := s.RequestQuote(ctx, SubscriptionQuoteRequest{Resource: "pro-plan", Interval: IntervalMonthly})
	require.NoError(t, err)
	assert.Equal(t, "9990000", quote.Requirement.MaxAmountRequired)
	require.NotNil(t, quote.Subscription)
	assert.Equal(t, IntervalMonthly, quote.Subscription.Interval)

	status, err := s.CheckStatus(ctx, SubscriptionStatusRequest{Resource: "pro-plan", UserID: "user-1"})
	require.NoError(t, err)
	assert.False(t, status.Active)

	m.SetSubscription("pro-plan", "user-1", gin.H{
		"active":           true,
		"status":           "active",
		"interval":         "monthly",
		"currentPeriodEnd": "2026-12-01T00:00:00Z",
	})
	status, err = s.CheckStatus(ctx, SubscriptionStatusRequest{Resource: "pro-plan", UserID: "user-1"})
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, IntervalMonthly, status.Interval)
	assert.Equal(t, "2026-12-01T00:00:00Z", status.CurrentPeriodEnd)
}

func TestSubscriptionValidation(t *testing.T) {
	m := merchant.New()
	defer m.Close()
	s := NewSubscriptionManager(testRequester(m), testOptions()...)
	ctx := context.Background()

	_, err := s.RequestQuote(ctx, SubscriptionQuoteRequest{Resource: "pro-plan", Interval: IntervalCustom})
	assert.Error(t, err)

	_, err = s.RequestQuote(ctx, SubscriptionQuoteRequest{Resource: "pro-plan", Interval: "fortnightly"})
	assert.Error(t, err)

	_, err = s.CheckStatus(ctx, SubscriptionStatusRequest{Resource: "pro-plan"})
	assert.Error(t, err)

	session, err := s.CreateStripeSession(ctx, SubscriptionSessionRequest{
		Resource:     "pro-plan",
		Interval:     IntervalCustom,
		IntervalDays: 14,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)

	assert.Zero(t, m.Calls(PathSubscriptionQuote))
	assert.Zero(t, m.Calls(PathSubscriptionStatus))
}

func TestCreditsProcessPayment(t *testing.T) {
	m := merchant.New(merchant.WithPrice("article-1", 300), merchant.WithCreditsBalance(1000))
	defer m.Close()
	c := NewCreditsManager(testRequester(m), testOptions()...)
	req := CreditsRequest{Resource: "article-1", AuthToken: merchant.DefaultAuthToken}

	quote, err := c.RequestQuote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(300), quote.Amount)

	res := c.ProcessPayment(context.Background(), req)
	require.True(t, res.Success, res.Error)
	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, int64(700), m.CreditsBalance())
	assert.Empty(t, m.ReleasedHolds())
}

func TestCreditsReleasesHoldOnAuthorizationFailure(t *testing.T) {
	m := merchant.New(merchant.WithPrice("article-1", 300), merchant.WithCreditsBalance(100))
	defer m.Close()
	c := NewCreditsManager(testRequester(m), testOptions()...)

	res := c.ProcessPayment(context.Background(), CreditsRequest{Resource: "article-1", AuthToken: merchant.DefaultAuthToken})
	assert.False(t, res.Success)
	assert.Equal(t, cedros.ErrCodeInsufficientCredits, res.ErrorCode)
	assert.Len(t, m.ReleasedHolds(), 1)
	assert.Equal(t, int64(100), m.CreditsBalance())
}

func TestCreditsReleaseBypassesLimiterAndBreaker(t *testing.T) {
	m := merchant.New(merchant.WithPrice("article-1", 300), merchant.WithCreditsBalance(1000))
	defer m.Close()
	b := breaker.New(breaker.Config{Name: "credits", FailureThreshold: 1, Cooldown: time.Hour})
	c := NewCreditsManager(testRequester(m), testOptions(
		WithLimiter(ratelimit.New(ratelimit.Config{MaxRequests: 1, Window: time.Hour})),
		WithBreaker(b),
	)...)

	m.FailNext(PathCreditsAuthorize, 1, http.StatusInternalServerError, gin.H{"error": "db down"})
	res := c.ProcessPayment(context.Background(), CreditsRequest{Resource: "article-1", AuthToken: merchant.DefaultAuthToken})
	assert.False(t, res.Success)
	require.Equal(t, breaker.StateOpen, b.State())
	assert.Zero(t, c.Guard().Limiter().AvailableTokens())

	assert.Len(t, m.ReleasedHolds(), 1)
	assert.Equal(t, int64(1000), m.CreditsBalance())
}

func TestCreditsAuthorizeNeverRetries(t *testing.T) {
	m := merchant.New()
	defer m.Close()
	c := NewCreditsManager(testRequester(m), testOptions()...)
	req := CreditsRequest{Resource: "article-1", AuthToken: merchant.DefaultAuthToken}

	hold, err := c.CreateHold(context.Background(), req)
	require.NoError(t, err)

	m.FailNext(PathCreditsAuthorize, 1, http.StatusInternalServerError, gin.H{"error": "db down"})
	res := c.AuthorizePayment(context.Background(), hold.HoldID, req)
	assert.False(t, res.Success)
	assert.Equal(t, 1, m.Calls(PathCreditsAuthorize))

	require.NoError(t, c.ReleaseHold(context.Background(), hold.HoldID, req.AuthToken))
	err = c.ReleaseHold(context.Background(), hold.HoldID, req.AuthToken)
	pe, ok := cedros.AsPaymentError(err)
	require.True(t, ok)
	assert.Equal(t, cedros.ErrCodeHoldNotFound, pe.Code)
}

func TestCreditsRequireAuth(t *testing.T) {
	m := merchant.New()
	defer m.Close()
	c := NewCreditsManager(testRequester(m), testOptions()...)

	_, err := c.RequestQuote(context.Background(), CreditsRequest{Resource: "article-1"})
	pe, ok := cedros.AsPaymentError(err)
	require.True(t, ok)
	assert.Equal(t, cedros.ErrCodeUnauthorized, pe.Code)

	_, err = c.RequestQuote(context.Background(), CreditsRequest{Resource: "article-1", AuthToken: "wrong"})
	pe, ok = cedros.AsPaymentError(err)
	require.True(t, ok)
	assert.Equal(t, cedros.ErrCodeUnauthorized, pe.Code)
	assert.Equal(t, http.StatusUnauthorized, pe.HTTPStatus)
}
