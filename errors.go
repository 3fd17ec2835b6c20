package cedros

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine-readable error code shared with the backend.
type ErrorCode string

// Insufficient funds
const (
	ErrCodeInsufficientFundsSOL   ErrorCode = "insufficient_funds_sol"
	ErrCodeInsufficientFundsToken ErrorCode = "insufficient_funds_token"
)

// Transaction state
const (
	ErrCodeTransactionNotFound     ErrorCode = "transaction_not_found"
	ErrCodeTransactionNotConfirmed ErrorCode = "transaction_not_confirmed"
	ErrCodeTransactionFailed       ErrorCode = "transaction_failed"
	ErrCodeTransactionExpired      ErrorCode = "transaction_expired"
	ErrCodeInvalidSignature        ErrorCode = "invalid_signature"
	ErrCodeInvalidTransaction      ErrorCode = "invalid_transaction"
	ErrCodePaymentAlreadyUsed      ErrorCode = "payment_already_used"
	ErrCodeAmountMismatch          ErrorCode = "amount_mismatch"
	ErrCodeInvalidRecipient        ErrorCode = "invalid_recipient"
	ErrCodeInvalidTokenMint        ErrorCode = "invalid_token_mint"
)

// Validation
const (
	ErrCodeMissingField        ErrorCode = "missing_field"
	ErrCodeInvalidField        ErrorCode = "invalid_field"
	ErrCodeInvalidAmount       ErrorCode = "invalid_amount"
	ErrCodeInvalidWallet       ErrorCode = "invalid_wallet"
	ErrCodeInvalidResource     ErrorCode = "invalid_resource"
	ErrCodeInvalidRequirement  ErrorCode = "invalid_requirement"
	ErrCodeInvalidPaymentProof ErrorCode = "invalid_payment_proof"
)

// Coupons
const (
	ErrCodeInvalidCoupon        ErrorCode = "invalid_coupon"
	ErrCodeCouponExpired        ErrorCode = "coupon_expired"
	ErrCodeCouponUsageLimit     ErrorCode = "coupon_usage_limit_reached"
	ErrCodeCouponNotApplicable  ErrorCode = "coupon_not_applicable"
	ErrCodeCouponWrongPayMethod ErrorCode = "coupon_wrong_payment_method"
)

// Not found
const (
	ErrCodeResourceNotFound ErrorCode = "resource_not_found"
	ErrCodeCartNotFound     ErrorCode = "cart_not_found"
	ErrCodeSessionNotFound  ErrorCode = "session_not_found"
	ErrCodeHoldNotFound     ErrorCode = "hold_not_found"
)

// External services
const (
	ErrCodeStripeError  ErrorCode = "stripe_error"
	ErrCodeRPCError     ErrorCode = "rpc_error"
	ErrCodeNetworkError ErrorCode = "network_error"
)

// Internal, local and credits conditions
const (
	ErrCodeInternalError       ErrorCode = "internal_error"
	ErrCodeConfigError         ErrorCode = "config_error"
	ErrCodeServiceUnavailable  ErrorCode = "service_unavailable"
	ErrCodeRateLimitExceeded   ErrorCode = "rate_limit_exceeded"
	ErrCodeInsufficientCredits ErrorCode = "insufficient_credits"
	ErrCodeUnauthorized        ErrorCode = "unauthorized"
)

// PaymentError is the structured error reported by the backend or raised
// locally by the managers.
type PaymentError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Retryable  bool                   `json:"retryable"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// UserMessage returns the user-facing text for the error's code.
func (e *PaymentError) UserMessage() ErrorMessage {
	return UserErrorMessage(e.Code)
}

// NewPaymentError creates a non-retryable payment error.
func NewPaymentError(code ErrorCode, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// AsPaymentError unwraps err into a *PaymentError.
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ErrorMessage is the user-facing rendering of an error code.
type ErrorMessage struct {
	Message       string
	Action        string
	TechnicalHint string
}

var genericErrorMessage = ErrorMessage{
	Message:       "Something went wrong with your payment.",
	Action:        "Please try again. If the problem persists, contact support.",
	TechnicalHint: "Unrecognized error code",
}

var errorMessages = map[ErrorCode]ErrorMessage{
	ErrCodeInsufficientFundsSOL: {
		Message:       "Not enough SOL to cover transaction fees.",
		Action:        "Add a small amount of SOL to your wallet and try again.",
		TechnicalHint: "Payer balance below fee + rent requirement",
	},
	ErrCodeInsufficientFundsToken: {
		Message:       "Not enough tokens to complete this payment.",
		Action:        "Add funds to your wallet or choose another payment method.",
		TechnicalHint: "Source token account balance below maxAmountRequired",
	},
	ErrCodeTransactionNotFound: {
		Message:       "We could not find your transaction on the network.",
		Action:        "Wait a moment and try again.",
		TechnicalHint: "Signature not found by RPC",
	},
	ErrCodeTransactionNotConfirmed: {
		Message:       "Your transaction has not been confirmed yet.",
		Action:        "Wait a few seconds, then check your wallet before retrying.",
		TechnicalHint: "Commitment level not reached",
	},
	ErrCodeTransactionFailed: {
		Message:       "Your transaction failed on the network.",
		Action:        "Check your wallet balance and try again.",
		TechnicalHint: "Transaction executed with an error",
	},
	ErrCodeTransactionExpired: {
		Message:       "Your transaction expired before it was processed.",
		Action:        "Please try the payment again.",
		TechnicalHint: "Blockhash expired or maxTimeoutSeconds exceeded",
	},
	ErrCodeInvalidSignature: {
		Message:       "The payment signature is invalid.",
		Action:        "Reconnect your wallet and try again.",
		TechnicalHint: "Signature verification failed",
	},
	ErrCodeInvalidTransaction: {
		Message:       "The payment transaction is invalid.",
		Action:        "Please try the payment again.",
		TechnicalHint: "Transaction structure rejected by backend",
	},
	ErrCodePaymentAlreadyUsed: {
		Message:       "This payment has already been used.",
		Action:        "Start a new payment.",
		TechnicalHint: "Replay of a settled signature",
	},
	ErrCodeAmountMismatch: {
		Message:       "The payment amount does not match the price.",
		Action:        "Refresh the page and try again.",
		TechnicalHint: "Transferred amount differs from quote",
	},
	ErrCodeInvalidRecipient: {
		Message:       "The payment was sent to the wrong recipient.",
		Action:        "Refresh the page and try again.",
		TechnicalHint: "Destination does not match payTo",
	},
	ErrCodeInvalidTokenMint: {
		Message:       "The payment used an unsupported token.",
		Action:        "Pay with the token shown at checkout.",
		TechnicalHint: "Mint does not match asset",
	},
	ErrCodeMissingField: {
		Message:       "Some required payment information is missing.",
		Action:        "Refresh the page and try again.",
		TechnicalHint: "Request missing a required field",
	},
	ErrCodeInvalidField: {
		Message:       "Some payment information is invalid.",
		Action:        "Refresh the page and try again.",
		TechnicalHint: "Request field failed validation",
	},
	ErrCodeInvalidAmount: {
		Message:       "The payment amount is invalid.",
		Action:        "Refresh the page and try again.",
		TechnicalHint: "Amount is not a positive integer string",
	},
	ErrCodeInvalidWallet: {
		Message:       "The wallet address is invalid.",
		Action:        "Reconnect your wallet and try again.",
		TechnicalHint: "Address is not a valid base58 public key",
	},
	ErrCodeInvalidResource: {
		Message:       "This item is not available for purchase.",
		Action:        "Check the item and try again.",
		TechnicalHint: "Unknown or malformed resource id",
	},
	ErrCodeInvalidRequirement: {
		Message:       "We received an invalid price quote.",
		Action:        "Refresh the page and try again.",
		TechnicalHint: "PaymentRequirement failed structural validation",
	},
	ErrCodeInvalidPaymentProof: {
		Message:       "The payment proof could not be verified.",
		Action:        "Please try the payment again.",
		TechnicalHint: "X-PAYMENT header rejected",
	},
	ErrCodeInvalidCoupon: {
		Message:       "This coupon code is not valid.",
		Action:        "Check the code or continue without a coupon.",
		TechnicalHint: "Coupon lookup failed",
	},
	ErrCodeCouponExpired: {
		Message:       "This coupon has expired.",
		Action:        "Continue without the coupon.",
		TechnicalHint: "Coupon past its expiry",
	},
	ErrCodeCouponUsageLimit: {
		Message:       "This coupon has reached its usage limit.",
		Action:        "Continue without the coupon.",
		TechnicalHint: "Coupon redemption count exhausted",
	},
	ErrCodeCouponNotApplicable: {
		Message:       "This coupon does not apply to this item.",
		Action:        "Continue without the coupon.",
		TechnicalHint: "Coupon scope excludes resource",
	},
	ErrCodeCouponWrongPayMethod: {
		Message:       "This coupon is not valid for this payment method.",
		Action:        "Choose a different payment method or remove the coupon.",
		TechnicalHint: "Coupon restricted to another rail",
	},
	ErrCodeResourceNotFound: {
		Message:       "This item could not be found.",
		Action:        "Check the item and try again.",
		TechnicalHint: "Resource id not configured on backend",
	},
	ErrCodeCartNotFound: {
		Message:       "Your cart could not be found.",
		Action:        "Refresh your cart and try again.",
		TechnicalHint: "Cart id unknown or expired",
	},
	ErrCodeSessionNotFound: {
		Message:       "Your checkout session could not be found.",
		Action:        "Start checkout again.",
		TechnicalHint: "Stripe session id unknown",
	},
	ErrCodeHoldNotFound: {
		Message:       "Your credits reservation has expired.",
		Action:        "Please try the payment again.",
		TechnicalHint: "Credits hold id unknown or released",
	},
	ErrCodeStripeError: {
		Message:       "Card payment is temporarily unavailable.",
		Action:        "Try again in a moment or pay with crypto.",
		TechnicalHint: "Upstream card processor error",
	},
	ErrCodeRPCError: {
		Message:       "The blockchain network is not responding.",
		Action:        "Try again in a moment.",
		TechnicalHint: "Solana RPC request failed",
	},
	ErrCodeNetworkError: {
		Message:       "We could not reach the payment server.",
		Action:        "Check your connection and try again.",
		TechnicalHint: "Transport-level failure",
	},
	ErrCodeInternalError: {
		Message:       "Something went wrong on our side.",
		Action:        "Please try again later.",
		TechnicalHint: "Backend internal error",
	},
	ErrCodeConfigError: {
		Message:       "Payments are not configured correctly.",
		Action:        "Contact the site owner.",
		TechnicalHint: "Backend or SDK misconfiguration",
	},
	ErrCodeServiceUnavailable: {
		Message:       "Service temporarily unavailable.",
		Action:        "Please try again in a minute.",
		TechnicalHint: "Circuit breaker open",
	},
	ErrCodeRateLimitExceeded: {
		Message:       "Too many attempts.",
		Action:        "Wait a moment before trying again.",
		TechnicalHint: "Local rate limit exceeded",
	},
	ErrCodeInsufficientCredits: {
		Message:       "You do not have enough credits.",
		Action:        "Top up your credits or choose another payment method.",
		TechnicalHint: "Credits balance below price",
	},
	ErrCodeUnauthorized: {
		Message:       "Please sign in to continue.",
		Action:        "Sign in and try again.",
		TechnicalHint: "Missing or invalid bearer token",
	},
}

// UserErrorMessage returns the fixed user-facing text for code, or a generic
// message for unknown codes.
func UserErrorMessage(code ErrorCode) ErrorMessage {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return genericErrorMessage
}
