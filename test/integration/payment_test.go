package integration_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cedros "github.com/cedros-pay/cedros-go"
	"github.com/cedros-pay/cedros-go/managers"
	"github.com/cedros-pay/cedros-go/mechanisms/svm"
	"github.com/cedros-pay/cedros-go/paywall"
	svmsigner "github.com/cedros-pay/cedros-go/signers/svm"
	"github.com/cedros-pay/cedros-go/test/mocks/merchant"
)

// chainStub answers blockhash requests. Quotes from the mock merchant carry
// decimals, so mint lookups are never needed.
type chainStub struct {
	mu           sync.Mutex
	accountCalls int
}

func (c *chainStub) GetAccountInfo(context.Context, solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountCalls++
	return nil, rpc.ErrNotFound
}

func (c *chainStub) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{9}, LastValidBlockHeight: 1},
	}, nil
}

func setup(t *testing.T, bundleOpts []managers.BundleOption, opts ...merchant.Option) (*merchant.Server, *managers.Bundle, svm.ClientSvmSigner, *chainStub) {
	t.Helper()
	m := merchant.New(opts...)
	t.Cleanup(m.Close)

	chain := &chainStub{}
	bundleOpts = append([]managers.BundleOption{
		managers.WithRPCFactory(func(string) svm.RPCClient { return chain }),
	}, bundleOpts...)
	cache := managers.NewCache(managers.WithFactory(managers.DefaultFactory(bundleOpts...)))
	t.Cleanup(func() { _ = cache.Close() })

	bundle, err := cache.Acquire(context.Background(), managers.Config{
		ServerURL: m.URL(),
		Network:   "devnet",
	})
	require.NoError(t, err)

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	signer, err := svmsigner.NewClientSignerFromPrivateKey(key.String())
	require.NoError(t, err)
	return m, bundle, signer, chain
}

func transferAmount(t *testing.T, tx *solana.Transaction) uint64 {
	t.Helper()
	for _, ix := range tx.Message.Instructions {
		program := tx.Message.AccountKeys[ix.ProgramIDIndex]
		if program.Equals(solana.TokenProgramID) && len(ix.Data) == 10 && ix.Data[0] == 12 {
			return binary.LittleEndian.Uint64(ix.Data[1:9])
		}
	}
	t.Fatal("no TransferChecked instruction")
	return 0
}

func TestStandardPaymentEndToEnd(t *testing.T) {
	m, bundle, signer, chain := setup(t, nil, merchant.WithPrice("article-1", 2_500_000))

	attempt, err := bundle.Pay(context.Background(), paywall.PayRequest{Resource: "article-1"}, signer)
	require.NoError(t, err)

	result := attempt.Result()
	require.True(t, result.Success, result.Error)
	assert.Equal(t, paywall.AttemptSettled, attempt.State())
	assert.Equal(t, paywall.StandardPayment{}, attempt.Flow())
	require.NotNil(t, result.Settlement)
	assert.True(t, result.Settlement.Success)
	assert.Zero(t, chain.accountCalls)

	payments := m.Payments()
	require.Len(t, payments, 1)
	payload := payments[0]
	assert.Equal(t, "article-1", payload.Payload.Resource)
	assert.Equal(t, signer.Address().String(), payload.Payload.Payer)
	assert.Equal(t, payload.Payload.Signature, result.Settlement.TxHash)

	tx, err := svm.DecodeTransaction(payload.Payload.Transaction)
	require.NoError(t, err)
	require.NoError(t, tx.VerifySignatures())
	assert.Equal(t, signer.Address(), tx.Message.AccountKeys[0])
	assert.Equal(t, uint64(2_500_000), transferAmount(t, tx))
	assert.Equal(t, tx.Signatures[0].String(), payload.Payload.Signature)
}

func TestCartPaymentEndToEnd(t *testing.T) {
	m, bundle, signer, _ := setup(t, nil, merchant.WithPrice("a", 100), merchant.WithPrice("b", 250))

	attempt, err := bundle.Pay(context.Background(), paywall.PayRequest{
		Items: []cedros.CartItem{{Resource: "a", Quantity: 2}, {Resource: "b", Quantity: 1}},
	}, signer)
	require.NoError(t, err)
	require.True(t, attempt.Result().Success, attempt.Result().Error)
	assert.NotEmpty(t, attempt.CartID())

	payments := m.Payments()
	require.Len(t, payments, 1)
	assert.Equal(t, cedros.ResourceTypeCart, payments[0].Payload.ResourceType)
	assert.Equal(t, attempt.CartID(), payments[0].Payload.Resource)

	tx, err := svm.DecodeTransaction(payments[0].Payload.Transaction)
	require.NoError(t, err)
	assert.Equal(t, uint64(450), transferAmount(t, tx))
}

// Identical payments share one signed header, so with settlement dedup the
// bundle submits it once and hands the result to every caller.
func TestIdenticalConcurrentPaymentsSettleOnceWithDedup(t *testing.T) {
	m, bundle, signer, _ := setup(t, []managers.BundleOption{managers.WithSettlementDedup(time.Minute)})

	var wg sync.WaitGroup
	results := make([]cedros.PaymentResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			attempt, err := bundle.Pay(context.Background(), paywall.PayRequest{Resource: "article-1"}, signer)
			if err != nil {
				results[i] = cedros.FailedResult(err)
				return
			}
			results[i] = attempt.Result()
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.True(t, r.Success, r.Error)
	}
	assert.Len(t, m.Payments(), 1)
}
