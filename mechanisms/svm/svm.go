// Package svm builds and signs Solana payment transactions for the x402
// exact scheme. It implements cedros.TransactionBuilder on top of a
// caller-supplied signer and RPC client.
package svm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	cedros "github.com/cedros-pay/cedros-go"
)

const (
	SchemeExact       = "exact"
	SchemeSPLTransfer = "solana-spl-transfer"

	// DefaultComputeUnitLimit covers the compute budget, transfer and memo instructions.
	DefaultComputeUnitLimit uint32 = 6500

	// DefaultComputeUnitPrice is the priority fee in micro-lamports per unit.
	DefaultComputeUnitPrice uint64 = 1

	MainnetRPCURL = "https://api.mainnet-beta.solana.com"
	DevnetRPCURL  = "https://api.devnet.solana.com"
	TestnetRPCURL = "https://api.testnet.solana.com"
)

// MemoProgramAddress is the SPL memo program.
var MemoProgramAddress = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// classicMints are owned by the classic token program, so a quote that
// carries their decimals needs no mint lookup.
var classicMints = map[solana.PublicKey]bool{
	solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"): true, // USDC mainnet
	solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"): true, // USDC devnet
}

// NetworkConfig describes a Solana cluster.
type NetworkConfig struct {
	Name   string
	RPCURL string
}

var networks = map[string]NetworkConfig{
	"mainnet":        {Name: "mainnet-beta", RPCURL: MainnetRPCURL},
	"mainnet-beta":   {Name: "mainnet-beta", RPCURL: MainnetRPCURL},
	"solana":         {Name: "mainnet-beta", RPCURL: MainnetRPCURL},
	"solana-mainnet": {Name: "mainnet-beta", RPCURL: MainnetRPCURL},
	"devnet":         {Name: "devnet", RPCURL: DevnetRPCURL},
	"solana-devnet":  {Name: "devnet", RPCURL: DevnetRPCURL},
	"testnet":        {Name: "testnet", RPCURL: TestnetRPCURL},
	"solana-testnet": {Name: "testnet", RPCURL: TestnetRPCURL},
}

// GetNetworkConfig resolves a backend network name to its cluster.
func GetNetworkConfig(network cedros.Network) (NetworkConfig, error) {
	cfg, ok := networks[strings.ToLower(string(network))]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("unsupported network: %s", network)
	}
	return cfg, nil
}

// IsSupportedScheme reports whether the builder can pay requirements quoted
// under scheme. An empty scheme is treated as a plain SPL transfer.
func IsSupportedScheme(scheme string) bool {
	switch scheme {
	case "", SchemeExact, SchemeSPLTransfer:
		return true
	}
	return false
}

// IsValidNetwork reports whether the network names a known Solana cluster.
func IsValidNetwork(network cedros.Network) bool {
	_, err := GetNetworkConfig(network)
	return err == nil
}

// ClientSvmSigner signs transactions on behalf of the payer.
type ClientSvmSigner interface {
	// Address returns the payer's public key.
	Address() solana.PublicKey

	// SignTransaction adds the payer's signature at its account index.
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// RPCClient is the subset of the Solana JSON-RPC API the builder needs.
// *rpc.Client satisfies it.
type RPCClient interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

var _ RPCClient = (*rpc.Client)(nil)

// EncodeTransaction serializes a transaction to base64 wire format.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction parses a base64 wire-format transaction.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("transaction is not base64: %w", err)
	}
	return decodeWire(raw)
}

func decodeWire(raw []byte) (*solana.Transaction, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("transaction is empty")
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// associatedTokenAddress derives the associated token account for owner
// under the given token program (Token or Token-2022).
func associatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{
		owner[:],
		tokenProgram[:],
		mint[:],
	}, solana.SPLAssociatedTokenAccountProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive token account: %w", err)
	}
	return addr, nil
}
