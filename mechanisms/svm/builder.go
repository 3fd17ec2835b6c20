package svm

import (
	"context"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	cedros "github.com/cedros-pay/cedros-go"
)

// Builder implements cedros.TransactionBuilder for SPL token transfers.
type Builder struct {
	signer           ClientSvmSigner
	rpc              RPCClient
	logger           zerolog.Logger
	computeUnitLimit uint32
	computeUnitPrice uint64
	commitment       rpc.CommitmentType
}

var _ cedros.TransactionBuilder = (*Builder)(nil)

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the builder's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// WithComputeUnitLimit overrides DefaultComputeUnitLimit.
func WithComputeUnitLimit(units uint32) Option {
	return func(b *Builder) {
		b.computeUnitLimit = units
	}
}

// WithComputeUnitPrice overrides DefaultComputeUnitPrice.
func WithComputeUnitPrice(microLamports uint64) Option {
	return func(b *Builder) {
		b.computeUnitPrice = microLamports
	}
}

// WithCommitment sets the commitment used to fetch the recent blockhash.
func WithCommitment(commitment rpc.CommitmentType) Option {
	return func(b *Builder) {
		b.commitment = commitment
	}
}

// NewBuilder creates a builder signing with signer and reading chain state
// through client.
func NewBuilder(signer ClientSvmSigner, client RPCClient, opts ...Option) (*Builder, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if client == nil {
		return nil, fmt.Errorf("rpc client is required")
	}
	b := &Builder{
		signer:           signer,
		rpc:              client,
		logger:           zerolog.Nop(),
		computeUnitLimit: DefaultComputeUnitLimit,
		computeUnitPrice: DefaultComputeUnitPrice,
		commitment:       rpc.CommitmentFinalized,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// PayerAddress returns the signer's base58 address.
func (b *Builder) PayerAddress() string {
	return b.signer.Address().String()
}

// BuildTransaction builds an unsigned TransferChecked transaction paying the
// requirement. The payer pays fees unless the requirement names a fee payer.
func (b *Builder) BuildTransaction(ctx context.Context, requirement cedros.PaymentRequirement) ([]byte, error) {
	if !IsSupportedScheme(requirement.Scheme) {
		return nil, fmt.Errorf("unsupported scheme: %s", requirement.Scheme)
	}
	if !IsValidNetwork(requirement.Network) {
		return nil, fmt.Errorf("unsupported network: %s", requirement.Network)
	}

	amount, err := cedros.ParseAmount(requirement.MaxAmountRequired)
	if err != nil {
		return nil, err
	}
	mint, err := solana.PublicKeyFromBase58(requirement.Asset)
	if err != nil {
		return nil, fmt.Errorf("invalid asset address: %w", err)
	}
	payTo, err := solana.PublicKeyFromBase58(requirement.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid payTo address: %w", err)
	}

	payer := b.signer.Address()
	feePayer := payer
	if requirement.IsGasless() {
		feePayer, err = solana.PublicKeyFromBase58(requirement.Extra.FeePayer)
		if err != nil {
			return nil, fmt.Errorf("invalid feePayer address: %w", err)
		}
	}

	decimals, tokenProgram, err := b.mintInfo(ctx, mint, requirement.Extra.Decimals)
	if err != nil {
		return nil, err
	}

	source, err := associatedTokenAddress(payer, mint, tokenProgram)
	if err != nil {
		return nil, err
	}
	var destination solana.PublicKey
	if requirement.Extra.RecipientTokenAccount != "" {
		destination, err = solana.PublicKeyFromBase58(requirement.Extra.RecipientTokenAccount)
		if err != nil {
			return nil, fmt.Errorf("invalid recipientTokenAccount: %w", err)
		}
	} else {
		destination, err = associatedTokenAddress(payTo, mint, tokenProgram)
		if err != nil {
			return nil, err
		}
	}

	latest, err := b.rpc.GetLatestBlockhash(ctx, b.commitment)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if latest == nil || latest.Value == nil {
		return nil, fmt.Errorf("rpc returned no blockhash")
	}

	cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(b.computeUnitLimit).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute limit instruction: %w", err)
	}
	cuPrice, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(b.computeUnitPrice).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute price instruction: %w", err)
	}
	transfer, err := transferChecked(tokenProgram, amount, decimals, source, mint, destination, payer)
	if err != nil {
		return nil, err
	}

	txb := solana.NewTransactionBuilder().
		AddInstruction(cuLimit).
		AddInstruction(cuPrice).
		AddInstruction(transfer)
	if requirement.Extra.Memo != "" {
		txb = txb.AddInstruction(solana.NewInstruction(MemoProgramAddress, solana.AccountMetaSlice{}, []byte(requirement.Extra.Memo)))
	}
	tx, err := txb.
		SetRecentBlockHash(latest.Value.Blockhash).
		SetFeePayer(feePayer).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	b.logger.Debug().
		Str("payer", payer.String()).
		Str("feePayer", feePayer.String()).
		Str("mint", mint.String()).
		Uint64("amount", amount).
		Msg("built transfer transaction")
	return raw, nil
}

// SignTransaction signs with the payer and requires every signature to be
// present afterwards.
func (b *Builder) SignTransaction(ctx context.Context, raw []byte) (cedros.SignedTransaction, error) {
	return b.sign(ctx, raw, true)
}

// PartiallySignTransaction adds only the payer's signature. The fee payer's
// slot stays empty for the backend to co-sign.
func (b *Builder) PartiallySignTransaction(ctx context.Context, raw []byte) (cedros.SignedTransaction, error) {
	return b.sign(ctx, raw, false)
}

func (b *Builder) sign(ctx context.Context, raw []byte, full bool) (cedros.SignedTransaction, error) {
	tx, err := decodeWire(raw)
	if err != nil {
		return cedros.SignedTransaction{}, err
	}

	payer := b.signer.Address()
	required := int(tx.Message.Header.NumRequiredSignatures)
	idx, err := tx.GetAccountIndex(payer)
	if err != nil || int(idx) >= required {
		return cedros.SignedTransaction{}, fmt.Errorf("payer %s is not a required signer", payer)
	}
	if len(tx.Signatures) < required {
		sigs := make([]solana.Signature, required)
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}

	if err := b.signer.SignTransaction(ctx, tx); err != nil {
		return cedros.SignedTransaction{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if tx.Signatures[idx] == (solana.Signature{}) {
		return cedros.SignedTransaction{}, fmt.Errorf("signer did not sign for %s", payer)
	}
	if full {
		for i := 0; i < required; i++ {
			if tx.Signatures[i] == (solana.Signature{}) {
				return cedros.SignedTransaction{}, fmt.Errorf("missing signature for %s", tx.Message.AccountKeys[i])
			}
		}
	}

	encoded, err := EncodeTransaction(tx)
	if err != nil {
		return cedros.SignedTransaction{}, err
	}
	return cedros.SignedTransaction{
		Transaction: encoded,
		Signature:   tx.Signatures[idx].String(),
	}, nil
}

// mintInfo returns the mint's decimals and owning token program. Decimals
// quoted by the backend are used as is, but the owner is still read from
// chain unless the mint is a known classic mint.
func (b *Builder) mintInfo(ctx context.Context, mint solana.PublicKey, quoted *int) (uint8, solana.PublicKey, error) {
	if quoted != nil {
		if *quoted < 0 || *quoted > 255 {
			return 0, solana.PublicKey{}, fmt.Errorf("invalid decimals: %d", *quoted)
		}
		if classicMints[mint] {
			return uint8(*quoted), solana.TokenProgramID, nil
		}
	}

	account, err := b.rpc.GetAccountInfo(ctx, mint)
	if err != nil {
		return 0, solana.PublicKey{}, fmt.Errorf("failed to get mint account: %w", err)
	}
	if account == nil || account.Value == nil {
		return 0, solana.PublicKey{}, fmt.Errorf("mint account %s not found", mint)
	}
	program := account.Value.Owner
	if !program.Equals(solana.TokenProgramID) && !program.Equals(solana.Token2022ProgramID) {
		return 0, solana.PublicKey{}, fmt.Errorf("asset was not created by a known token program")
	}
	if quoted != nil {
		return uint8(*quoted), program, nil
	}

	var data token.Mint
	if err := bin.NewBinDecoder(account.Value.Data.GetBinary()).Decode(&data); err != nil {
		return 0, solana.PublicKey{}, fmt.Errorf("failed to decode mint data: %w", err)
	}
	return data.Decimals, program, nil
}

// transferChecked builds a TransferChecked instruction addressed to the
// mint's token program.
func transferChecked(program solana.PublicKey, amount uint64, decimals uint8, source, mint, destination, owner solana.PublicKey) (solana.Instruction, error) {
	ix, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetMintAccount(mint).
		SetDestinationAccount(destination).
		SetOwnerAccount(owner).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
	}
	if program.Equals(solana.TokenProgramID) {
		return ix, nil
	}
	data, err := ix.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer instruction: %w", err)
	}
	return solana.NewInstruction(program, ix.Accounts(), data), nil
}
