// Package svm provides ready-made Solana signers for the svm mechanism.
package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"

	cedrossvm "github.com/cedros-pay/cedros-go/mechanisms/svm"
)

// SignTransactionFunc signs a transaction in place, for wallets that keep
// keys out of process.
type SignTransactionFunc func(ctx context.Context, tx *solana.Transaction) error

// ClientSigner implements cedrossvm.ClientSvmSigner with a signing callback.
type ClientSigner struct {
	publicKey       solana.PublicKey
	signTransaction SignTransactionFunc
}

// NewClientSigner creates a signer from a public key and signing callback.
func NewClientSigner(publicKey solana.PublicKey, signFunc SignTransactionFunc) (cedrossvm.ClientSvmSigner, error) {
	if publicKey.IsZero() {
		return nil, fmt.Errorf("public key is required")
	}
	if signFunc == nil {
		return nil, fmt.Errorf("sign callback is required")
	}
	return &ClientSigner{
		publicKey:       publicKey,
		signTransaction: signFunc,
	}, nil
}

// NewClientSignerFromPrivateKey creates a signer from a base58 private key.
//
// Example:
//
//	signer, err := svm.NewClientSignerFromPrivateKey(os.Getenv("CEDROS_WALLET_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	builder, err := cedrossvm.NewBuilder(signer, rpc.New(cedrossvm.DevnetRPCURL))
func NewClientSignerFromPrivateKey(privateKeyBase58 string) (cedrossvm.ClientSvmSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewClientSigner(privateKey.PublicKey(), func(ctx context.Context, tx *solana.Transaction) error {
		return signWithPrivateKey(privateKey, tx)
	})
}

// Address returns the signer's public key.
func (s *ClientSigner) Address() solana.PublicKey {
	return s.publicKey
}

// SignTransaction places the signer's signature at its account index,
// leaving other signatures untouched.
func (s *ClientSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.signTransaction(ctx, tx)
}

func signWithPrivateKey(privateKey solana.PrivateKey, tx *solana.Transaction) error {
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	idx, err := tx.GetAccountIndex(privateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("failed to get account index: %w", err)
	}
	required := int(tx.Message.Header.NumRequiredSignatures)
	if int(idx) >= required {
		return fmt.Errorf("%s is not a required signer", privateKey.PublicKey())
	}

	signature, err := privateKey.Sign(message)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	if len(tx.Signatures) < required {
		sigs := make([]solana.Signature, required)
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}
	tx.Signatures[idx] = signature
	return nil
}
