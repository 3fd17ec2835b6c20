// Package merchant is an in-memory Cedros backend for tests. It serves the
// paywall endpoints with gin and records every call it receives.
package merchant

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	cedros "github.com/cedros-pay/cedros-go"
	cedroshttp "github.com/cedros-pay/cedros-go/http"
)

// Default values served by the mock.
const (
	DefaultPayTo     = "MerchantWa11et11111111111111111111111111111"
	DefaultAsset     = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	DefaultFeePayer  = "FeePayer11111111111111111111111111111111111"
	DefaultAuthToken = "test-token"
	GaslessTxBytes   = "unsigned-gasless-transaction"
)

// RequirementStyle selects how a 402 quote carries its requirement.
type RequirementStyle int

const (
	StyleCrypto RequirementStyle = iota
	StyleAccepts
)

type injectedFailure struct {
	status    int
	body      gin.H
	remaining int
}

type subscriptionKey struct {
	resource string
	userID   string
}

type hold struct {
	id       string
	resource string
	amount   int64
}

// Server is a fake merchant backend.
type Server struct {
	mu sync.Mutex

	server      *httptest.Server
	routePrefix string
	healthCode  int
	style       RequirementStyle
	gasless     bool
	prices      map[string]int64
	balance     int64

	calls         map[string]int
	keys          map[string][]string
	payments      []cedros.PaymentPayload
	signatures    map[string]bool
	failures      map[string]*injectedFailure
	holds         map[string]hold
	released      []string
	subscriptions map[subscriptionKey]gin.H
	nextID        int
}

// Option configures the mock.
type Option func(*Server)

// WithRoutePrefix mounts the paywall routes under prefix.
func WithRoutePrefix(prefix string) Option {
	return func(s *Server) {
		s.routePrefix = prefix
	}
}

// WithHealthStatus makes the health endpoint answer with status and no prefix.
func WithHealthStatus(status int) Option {
	return func(s *Server) {
		s.healthCode = status
	}
}

// WithRequirementStyle selects the 402 body layout.
func WithRequirementStyle(style RequirementStyle) Option {
	return func(s *Server) {
		s.style = style
	}
}

// WithGasless makes quotes designate DefaultFeePayer.
func WithGasless() Option {
	return func(s *Server) {
		s.gasless = true
	}
}

// WithPrice sets the price of a resource in atomic units.
func WithPrice(resource string, amount int64) Option {
	return func(s *Server) {
		s.prices[resource] = amount
	}
}

// WithCreditsBalance sets the credits balance of DefaultAuthToken.
func WithCreditsBalance(balance int64) Option {
	return func(s *Server) {
		s.balance = balance
	}
}

// New starts a mock merchant. Call Close when done.
func New(opts ...Option) *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		healthCode:    http.StatusOK,
		prices:        map[string]int64{},
		balance:       1_000_000,
		calls:         map[string]int{},
		keys:          map[string][]string{},
		signatures:    map[string]bool{},
		failures:      map[string]*injectedFailure{},
		holds:         map[string]hold{},
		subscriptions: map[subscriptionKey]gin.H{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = httptest.NewServer(s.router())
	return s
}

// URL returns the server base URL.
func (s *Server) URL() string {
	return s.server.URL
}

// Close shuts the server down.
func (s *Server) Close() {
	s.server.Close()
}

// Calls returns how many requests reached route (e.g. "/paywall/v1/verify").
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// IdempotencyKeys returns the keys seen on route, in order.
func (s *Server) IdempotencyKeys(route string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys[route]...)
}

// Payments returns every decoded X-PAYMENT payload received.
func (s *Server) Payments() []cedros.PaymentPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cedros.PaymentPayload(nil), s.payments...)
}

// ReleasedHolds returns the ids of released credit holds.
func (s *Server) ReleasedHolds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}

// CreditsBalance returns the remaining credits balance.
func (s *Server) CreditsBalance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// FailNext makes the next n requests to route answer status with body.
func (s *Server) FailNext(route string, n, status int, body gin.H) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = &injectedFailure{status: status, body: body, remaining: n}
}

// SetSubscription sets the status returned for a resource and user.
func (s *Server) SetSubscription(resource, userID string, status gin.H) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[subscriptionKey{resource, userID}] = status
}

// Requirement returns the requirement quoted for resource.
func (s *Server) Requirement(resource string) cedros.PaymentRequirement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requirementLocked(resource)
}

func (s *Server) requirementLocked(resource string) cedros.PaymentRequirement {
	decimals := 6
	req := cedros.PaymentRequirement{
		Scheme:            "solana-spl-transfer",
		Network:           "devnet",
		MaxAmountRequired: strconv.FormatInt(s.priceLocked(resource), 10),
		Resource:          resource,
		Description:       "Access to " + resource,
		MimeType:          "application/json",
		PayTo:             DefaultPayTo,
		Asset:             DefaultAsset,
		MaxTimeoutSeconds: 300,
		Extra: cedros.RequirementExtra{
			Memo:        "cedros:" + resource,
			Decimals:    &decimals,
			TokenSymbol: "USDC",
		},
	}
	if s.gasless {
		req.Extra.FeePayer = DefaultFeePayer
	}
	return req
}

func (s *Server) priceLocked(resource string) int64 {
	if p, ok := s.prices[resource]; ok {
		return p
	}
	return 1_000_000
}

func (s *Server) newIDLocked(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s_%d", prefix, s.nextID)
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(s.record())

	r.GET("/cedros-health", s.handleHealth)

	g := r.Group(s.routePrefix + "/paywall/v1")
	g.POST("/quote", s.handleQuote)
	g.POST("/cart/quote", s.handleCartQuote)
	g.POST("/cart/checkout", s.handleCheckout)
	g.POST("/stripe-session", s.handleCheckout)
	g.POST("/gasless-transaction", s.handleGasless)
	g.POST("/verify", s.handleVerify)
	g.POST("/subscription/quote", s.handleSubscriptionQuote)
	g.GET("/subscription/status", s.handleSubscriptionStatus)
	g.POST("/subscription/stripe-session", s.handleCheckout)

	credits := g.Group("/credits", s.requireAuth)
	credits.POST("/quote", s.handleCreditsQuote)
	credits.POST("/hold", s.handleCreditsHold)
	credits.POST("/authorize", s.handleCreditsAuthorize)
	credits.POST("/release/:holdId", s.handleCreditsRelease)
	return r
}

// record counts calls and applies injected failures.
func (s *Server) record() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := strings.TrimPrefix(c.Request.URL.Path, s.routePrefix)
		if strings.HasPrefix(route, "/paywall/v1/credits/release/") {
			route = "/paywall/v1/credits/release"
		}

		s.mu.Lock()
		s.calls[route]++
		if key := c.GetHeader(cedros.HeaderIdempotencyKey); key != "" {
			s.keys[route] = append(s.keys[route], key)
		}
		f := s.failures[route]
		var status int
		var body gin.H
		if f != nil && f.remaining > 0 {
			f.remaining--
			status, body = f.status, f.body
		}
		s.mu.Unlock()

		if status != 0 {
			c.AbortWithStatusJSON(status, body)
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.healthCode != http.StatusOK {
		c.AbortWithStatus(s.healthCode)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "routePrefix": s.routePrefix})
}

func (s *Server) quoteBody(requirement cedros.PaymentRequirement) gin.H {
	body := gin.H{
		"x402Version": cedros.X402Version,
		"error":       "payment required",
	}
	if s.style == StyleAccepts {
		body["accepts"] = []cedros.PaymentRequirement{requirement}
	} else {
		body["crypto"] = requirement
	}
	return body
}

func errorBody(code cedros.ErrorCode, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

func (s *Server) handleQuote(c *gin.Context) {
	var req struct {
		Resource   string `json:"resource"`
		CouponCode string `json:"couponCode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Resource == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(cedros.ErrCodeInvalidResource, "resource is required"))
		return
	}

	s.mu.Lock()
	requirement := s.requirementLocked(req.Resource)
	s.mu.Unlock()
	c.JSON(http.StatusPaymentRequired, s.quoteBody(requirement))
}

func (s *Server) handleCartQuote(c *gin.Context) {
	var req struct {
		Items []cedros.CartItem `json:"items"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Items) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(cedros.ErrCodeMissingField, "items are required"))
		return
	}

	s.mu.Lock()
	cartID := s.newIDLocked("cart")
	var total int64
	for _, item := range req.Items {
		total += s.priceLocked(item.Resource) * int64(item.Quantity)
	}
	requirement := s.requirementLocked(cartID)
	requirement.MaxAmountRequired = strconv.FormatInt(total, 10)
	s.mu.Unlock()

	body := s.quoteBody(requirement)
	body["cartId"] = cartID
	body["expiresAt"] = time.Now().Add(15 * time.Minute).UTC().Format(time.RFC3339)
	c.JSON(http.StatusPaymentRequired, body)
}

func (s *Server) handleCheckout(c *gin.Context) {
	var req map[string]interface{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(cedros.ErrCodeInvalidField, err.Error()))
		return
	}
	s.mu.Lock()
	id := s.newIDLocked("cs_test")
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"sessionId": id,
		"url":       "https://checkout.stripe.com/c/pay/" + id,
	})
}

func (s *Server) handleGasless(c *gin.Context) {
	var req struct {
		Payer    string `json:"payer"`
		FeePayer string `json:"feePayer"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Payer == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(cedros.ErrCodeInvalidWallet, "payer is required"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": base64.StdEncoding.EncodeToString([]byte(GaslessTxBytes)),
		"feePayer":    req.FeePayer,
	})
}

func (s *Server) handleVerify(c *gin.Context) {
	header := c.GetHeader(cedros.HeaderPayment)
	payload, err := cedroshttp.DecodePaymentHeader(header)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(cedros.ErrCodeInvalidPaymentProof, err.Error()))
		return
	}

	s.mu.Lock()
	s.payments = append(s.payments, payload)
	replay := s.signatures[payload.Payload.Signature]
	s.signatures[payload.Payload.Signature] = true
	s.mu.Unlock()

	if replay {
		c.AbortWithStatusJSON(http.StatusConflict, errorBody(cedros.ErrCodePaymentAlreadyUsed, "payment already used"))
		return
	}

	settlement, err := cedroshttp.EncodeSettlementHeader(cedros.SettlementResult{
		Success:   true,
		TxHash:    payload.Payload.Signature,
		NetworkID: string(payload.Network),
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(cedros.ErrCodeInternalError, err.Error()))
		return
	}
	c.Header(cedros.HeaderPaymentResponse, settlement)
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"signature": payload.Payload.Signature,
		"resource":  payload.Payload.Resource,
	})
}

func (s *Server) handleSubscriptionQuote(c *gin.Context) {
	var req struct {
		Resource     string `json:"resource"`
		Interval     string `json:"interval"`
		IntervalDays int    `json:"intervalDays"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Resource == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(cedros.ErrCodeInvalidResource, "resource is required"))
		return
	}

	s.mu.Lock()
	requirement := s.requirementLocked(req.Resource)
	s.mu.Unlock()

	body := s.quoteBody(requirement)
	body["subscription"] = gin.H{
		"interval":        req.Interval,
		"intervalDays":    req.IntervalDays,
		"durationSeconds": 30 * 24 * 3600,
	}
	c.JSON(http.StatusPaymentRequired, body)
}

func (s *Server) handleSubscriptionStatus(c *gin.Context) {
	key := subscriptionKey{c.Query("resource"), c.Query("userId")}
	s.mu.Lock()
	status, ok := s.subscriptions[key]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"active": false, "status": "none"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) requireAuth(c *gin.Context) {
	if c.GetHeader(cedros.HeaderAuthorization) != "Bearer "+DefaultAuthToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(cedros.ErrCodeUnauthorized, "invalid auth token"))
		return
	}
	c.Next()
}

type creditsBody struct {
	Resource string `json:"resource"`
	HoldID   string `json:"holdId"`
}

func (s *Server) handleCreditsQuote(c *gin.Context) {
	var req creditsBody
	if err := c.ShouldBindJSON(&req); err != nil || req.Resource == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(cedros.ErrCodeInvalidResource, "resource is required"))
		return
	}
	s.mu.Lock()
	amount := s.priceLocked(req.Resource)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"resource": req.Resource, "amount": amount, "currency": "credits"})
}

func (s *Server) handleCreditsHold(c *gin.Context) {
	var req creditsBody
	if err := c.ShouldBindJSON(&req); err != nil || req.Resource == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(cedros.ErrCodeInvalidResource, "resource is required"))
		return
	}
	s.mu.Lock()
	h := hold{id: s.newIDLocked("hold"), resource: req.Resource, amount: s.priceLocked(req.Resource)}
	s.holds[h.id] = h
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"holdId":    h.id,
		"amount":    h.amount,
		"currency":  "credits",
		"expiresAt": time.Now().Add(5 * time.Minute).UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCreditsAuthorize(c *gin.Context) {
	var req creditsBody
	if err := c.ShouldBindJSON(&req); err != nil || req.HoldID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(cedros.ErrCodeMissingField, "holdId is required"))
		return
	}

	s.mu.Lock()
	h, ok := s.holds[req.HoldID]
	var funded bool
	if ok && s.balance >= h.amount {
		funded = true
		s.balance -= h.amount
		delete(s.holds, h.id)
	}
	s.mu.Unlock()

	switch {
	case !ok:
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody(cedros.ErrCodeHoldNotFound, "hold not found"))
	case !funded:
		c.AbortWithStatusJSON(http.StatusPaymentRequired, errorBody(cedros.ErrCodeInsufficientCredits, "insufficient credits"))
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "transactionId": "credits_" + h.id})
	}
}

func (s *Server) handleCreditsRelease(c *gin.Context) {
	id := c.Param("holdId")
	s.mu.Lock()
	_, ok := s.holds[id]
	if ok {
		delete(s.holds, id)
		s.released = append(s.released, id)
	}
	s.mu.Unlock()

	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody(cedros.ErrCodeHoldNotFound, "hold not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true, "holdId": id})
}
