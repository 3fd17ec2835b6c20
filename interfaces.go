package cedros

import "context"

// ============================================================================
// Collaborator interfaces
// ============================================================================

// TransactionBuilder builds and signs on-chain payment transactions on behalf
// of the payer's wallet. The payment managers only call it; they never hold
// keys.
type TransactionBuilder interface {
	// PayerAddress returns the payer's public address.
	PayerAddress() string

	// BuildTransaction builds an unsigned transfer satisfying the requirement,
	// with the payer as fee payer. Returns the serialized transaction.
	BuildTransaction(ctx context.Context, requirement PaymentRequirement) ([]byte, error)

	// SignTransaction fully signs a serialized transaction with the payer wallet.
	SignTransaction(ctx context.Context, tx []byte) (SignedTransaction, error)

	// PartiallySignTransaction adds only the payer's signature to a transaction
	// that the fee payer will co-sign later (gasless flow).
	PartiallySignTransaction(ctx context.Context, tx []byte) (SignedTransaction, error)
}

// TransactionBuilderFunc adapts a set of functions to TransactionBuilder.
// Useful for tests and for wallets that sign out of process.
type TransactionBuilderFunc struct {
	Payer   string
	Build   func(ctx context.Context, requirement PaymentRequirement) ([]byte, error)
	Sign    func(ctx context.Context, tx []byte) (SignedTransaction, error)
	Partial func(ctx context.Context, tx []byte) (SignedTransaction, error)
}

func (f TransactionBuilderFunc) PayerAddress() string { return f.Payer }

func (f TransactionBuilderFunc) BuildTransaction(ctx context.Context, requirement PaymentRequirement) ([]byte, error) {
	return f.Build(ctx, requirement)
}

func (f TransactionBuilderFunc) SignTransaction(ctx context.Context, tx []byte) (SignedTransaction, error) {
	return f.Sign(ctx, tx)
}

func (f TransactionBuilderFunc) PartiallySignTransaction(ctx context.Context, tx []byte) (SignedTransaction, error) {
	if f.Partial == nil {
		return f.Sign(ctx, tx)
	}
	return f.Partial(ctx, tx)
}
