package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	// LamportsPerSOL is the conversion rate between SOL and lamports.
	LamportsPerSOL = 1_000_000_000

	// DefaultFeeLamports approximates the fee of a single token transfer
	// (0.000005 SOL). Used as the floor for fee-readiness checks.
	DefaultFeeLamports = 5_000
)

// Receipt is returned for every successful ledger mutation. ID is unique per
// transaction; for on-chain ledgers it equals the transaction signature.
type Receipt struct {
	ID        string
	Signature solana.Signature
	Slot      uint64
}

// Error wraps any failure surfaced by a ledger implementation. Operations
// that fail with a ledger error leave no controller state behind and are safe
// to retry.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ledger: %s", e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsError reports whether err originated from a ledger implementation.
func IsError(err error) bool {
	var le *Error
	return errors.As(err, &le)
}

// Client moves tokens between two named accounts atomically and answers
// balance queries. Transfers are all-or-nothing: on error no funds moved.
type Client interface {
	// Transfer moves amount tokens from one token account to another.
	// authority is the owner allowed to debit the source account.
	Transfer(ctx context.Context, from, to solana.PublicKey, amount uint64, authority solana.PublicKey) (*Receipt, error)

	// TokenBalance returns the token balance of a token account.
	TokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error)

	// NativeBalance returns the native (fee currency) balance of an owner
	// account in lamports.
	NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error)
}

// Funder grants native currency to an account so it can pay transaction
// fees. On devnet this is an airdrop.
type Funder interface {
	RequestAirdrop(ctx context.Context, recipient solana.PublicKey, lamports uint64) (solana.Signature, error)
}

// Account is the on-ledger representation of a provisioned user: a signing
// identity plus the token account holding the user's demo tokens.
type Account struct {
	UserID       string
	Owner        solana.PublicKey
	TokenAccount solana.PublicKey
}

// Provisioner creates or looks up the ledger accounts backing a user
// identity. Wallet generation and key custody live behind this interface;
// the staking core only consumes the resulting Account.
type Provisioner interface {
	Provision(ctx context.Context, userID string) (Account, error)
}
