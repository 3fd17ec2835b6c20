package cedros

import "strings"

// X402Version is the x402 protocol version spoken with the Cedros backend.
// Version 1 carries the payment in the X-PAYMENT header.
const X402Version = 1

// Header names used on the wire. HeaderPayment is written verbatim; it is
// never canonicalized.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderContentType     = "Content-Type"
	HeaderAuthorization   = "Authorization"
)

// Network identifies a Solana cluster as reported by the backend
// (e.g. "mainnet-beta", "devnet").
type Network string

// IsMainnet reports whether the network is Solana mainnet.
func (n Network) IsMainnet() bool {
	switch strings.ToLower(string(n)) {
	case "mainnet", "mainnet-beta", "solana", "solana-mainnet":
		return true
	}
	return false
}

// ResourceType distinguishes single resources from carts on submission.
type ResourceType string

const (
	ResourceTypeRegular ResourceType = "regular"
	ResourceTypeCart    ResourceType = "cart"
)

// RequirementExtra holds optional scheme-specific requirement fields.
type RequirementExtra struct {
	Memo                  string `json:"memo,omitempty"`
	FeePayer              string `json:"feePayer,omitempty"`
	RecipientTokenAccount string `json:"recipientTokenAccount,omitempty"`
	Decimals              *int   `json:"decimals,omitempty"`
	TokenSymbol           string `json:"tokenSymbol,omitempty"`
}

// PaymentRequirement is the quote issued by the backend in a 402 response.
type PaymentRequirement struct {
	Scheme            string           `json:"scheme"`
	Network           Network          `json:"network"`
	MaxAmountRequired string           `json:"maxAmountRequired"`
	Resource          string           `json:"resource"`
	Description       string           `json:"description,omitempty"`
	MimeType          string           `json:"mimeType,omitempty"`
	PayTo             string           `json:"payTo"`
	Asset             string           `json:"asset"`
	MaxTimeoutSeconds int              `json:"maxTimeoutSeconds"`
	Extra             RequirementExtra `json:"extra,omitempty"`
}

// IsGasless reports whether the backend designated a fee payer for this requirement.
func (r PaymentRequirement) IsGasless() bool {
	return r.Extra.FeePayer != ""
}

// PayloadData is the scheme-specific body of a payment payload.
type PayloadData struct {
	Signature    string            `json:"signature"`
	Transaction  string            `json:"transaction"`
	Payer        string            `json:"payer,omitempty"`
	FeePayer     string            `json:"feePayer,omitempty"`
	Resource     string            `json:"resource,omitempty"`
	ResourceType ResourceType      `json:"resourceType,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// PaymentPayload is the signed proof sent in the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int         `json:"x402Version"`
	Scheme      string      `json:"scheme"`
	Network     Network     `json:"network"`
	Payload     PayloadData `json:"payload"`
}

// SettlementResult is the decoded X-PAYMENT-RESPONSE header.
type SettlementResult struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	NetworkID string `json:"networkId,omitempty"`

	// Raw keeps every field the backend sent, including unknown ones.
	Raw map[string]interface{} `json:"-"`
}

// PaymentResult is the outcome of a payment submission. Failures are reported
// here rather than as Go errors so orchestrations can continue after them.
type PaymentResult struct {
	Success       bool              `json:"success"`
	TransactionID string            `json:"transactionId,omitempty"`
	Settlement    *SettlementResult `json:"settlement,omitempty"`
	Error         string            `json:"error,omitempty"`
	ErrorCode     ErrorCode         `json:"errorCode,omitempty"`
}

// FailedResult builds an unsuccessful PaymentResult from an error.
func FailedResult(err error) PaymentResult {
	if err == nil {
		return PaymentResult{Success: false, Error: "unknown error", ErrorCode: ErrCodeInternalError}
	}
	res := PaymentResult{Success: false, Error: err.Error()}
	if pe, ok := AsPaymentError(err); ok {
		res.Error = pe.Message
		res.ErrorCode = pe.Code
	}
	return res
}

// CartItem is one line of a cart quote.
type CartItem struct {
	Resource string            `json:"resource"`
	Quantity int               `json:"quantity"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CartQuote is a requirement issued for a whole cart. CartID must be echoed
// back as the resource on submission.
type CartQuote struct {
	CartID      string             `json:"cartId"`
	ExpiresAt   string             `json:"expiresAt,omitempty"`
	Requirement PaymentRequirement `json:"requirement"`
}

// SignedTransaction is a serialized transaction together with the signature
// contributed by the payer.
type SignedTransaction struct {
	// Transaction is the base64 wire encoding.
	Transaction string
	// Signature is the payer's base58 signature.
	Signature string
}
