package svm

import (
	"context"
	"errors"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferFrom(t *testing.T, feePayer, from solana.PublicKey) *solana.Transaction {
	t.Helper()
	tx, err := solana.NewTransactionBuilder().
		AddInstruction(system.NewTransferInstruction(1, from, solana.NewWallet().PublicKey()).Build()).
		SetRecentBlockHash(solana.Hash{9}).
		SetFeePayer(feePayer).
		Build()
	require.NoError(t, err)
	return tx
}

func TestNewClientSignerValidates(t *testing.T) {
	_, err := NewClientSigner(solana.PublicKey{}, func(context.Context, *solana.Transaction) error { return nil })
	assert.Error(t, err)

	_, err = NewClientSigner(solana.NewWallet().PublicKey(), nil)
	assert.Error(t, err)

	_, err = NewClientSignerFromPrivateKey("not-a-key")
	assert.Error(t, err)
}

func TestSignerPlacesSignatureAtAccountIndex(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	signer, err := NewClientSignerFromPrivateKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), signer.Address())

	feePayer := solana.NewWallet().PublicKey()
	tx := transferFrom(t, feePayer, key.PublicKey())

	require.NoError(t, signer.SignTransaction(context.Background(), tx))
	require.Len(t, tx.Signatures, 2)
	assert.Equal(t, solana.Signature{}, tx.Signatures[0])
	assert.NotEqual(t, solana.Signature{}, tx.Signatures[1])

	message, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	assert.True(t, tx.Signatures[1].Verify(key.PublicKey(), message))
}

func TestSignerRejectsNonSigner(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	signer, err := NewClientSignerFromPrivateKey(key.String())
	require.NoError(t, err)

	payer := solana.NewWallet().PublicKey()
	tx := transferFrom(t, payer, payer)

	assert.Error(t, signer.SignTransaction(context.Background(), tx))
}

func TestSignerHonoursCancellation(t *testing.T) {
	called := false
	signer, err := NewClientSigner(solana.NewWallet().PublicKey(), func(context.Context, *solana.Transaction) error {
		called = true
		return errors.New("unreachable")
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, signer.SignTransaction(ctx, &solana.Transaction{}), context.Canceled)
	assert.False(t, called)
}
