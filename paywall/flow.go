package paywall

import cedros "github.com/cedros-pay/cedros-go"

// PaymentFlow is how the transaction for an attempt is produced. It is either
// StandardPayment or GaslessPayment.
type PaymentFlow interface {
	Name() string
	paymentFlow()
}

// StandardPayment: the client builds the transaction, pays the fees and signs
// it fully.
type StandardPayment struct{}

// GaslessPayment: the backend builds the transaction with FeePayer as fee
// payer; the client adds only its own signature and the backend co-signs.
type GaslessPayment struct {
	FeePayer string
}

func (StandardPayment) Name() string { return "standard" }
func (GaslessPayment) Name() string  { return "gasless" }

func (StandardPayment) paymentFlow() {}
func (GaslessPayment) paymentFlow()  {}

// SelectFlow picks the flow designated by the requirement.
func SelectFlow(req cedros.PaymentRequirement) PaymentFlow {
	if req.IsGasless() {
		return GaslessPayment{FeePayer: req.Extra.FeePayer}
	}
	return StandardPayment{}
}
