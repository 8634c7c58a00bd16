package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/stakehouse/utils/pkg/retry"
)

// SolanaRPC wraps the solana-go RPC client methods used by the ledger.
type SolanaRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error)
	RequestAirdrop(ctx context.Context, account solana.PublicKey, lamports uint64, commitment solanarpc.CommitmentType) (solana.Signature, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment solanarpc.CommitmentType) (uint64, error)
}

type SolanaConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	RPC    SolanaRPC

	// Commitment used for reads and preflight. Defaults to confirmed,
	// matching the original devnet client.
	Commitment solanarpc.CommitmentType

	// Retry applies to transaction submission only; confirmation is polled
	// separately up to ConfirmTimeout.
	Retry          retry.Config
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

func (cfg *SolanaConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return nil
}

// Solana is a Client backed by an SPL token on a Solana cluster. Signing keys
// for demo accounts are held in an in-process keyring, registered at
// provision time.
type Solana struct {
	log *slog.Logger
	cfg SolanaConfig

	mu      sync.RWMutex
	keyring map[solana.PublicKey]solana.PrivateKey
}

func NewSolana(cfg SolanaConfig) (*Solana, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Solana{
		log:     cfg.Logger,
		cfg:     cfg,
		keyring: make(map[solana.PublicKey]solana.PrivateKey),
	}, nil
}

// RegisterSigner adds a private key to the demo keyring so the ledger can
// sign transfers authorized by the corresponding public key.
func (s *Solana) RegisterSigner(key solana.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyring[key.PublicKey()] = key
}

func (s *Solana) signer(authority solana.PublicKey) (solana.PrivateKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keyring[authority]
	return key, ok
}

func (s *Solana) Transfer(ctx context.Context, from, to solana.PublicKey, amount uint64, authority solana.PublicKey) (*Receipt, error) {
	key, ok := s.signer(authority)
	if !ok {
		return nil, &Error{Reason: fmt.Sprintf("no signer registered for authority %s", authority)}
	}

	ix := token.NewTransferInstruction(amount, from, to, authority, nil).Build()
	sig, err := s.sendInstructions(ctx, key, ix)
	if err != nil {
		return nil, err
	}

	slot, err := s.confirm(ctx, sig)
	if err != nil {
		return nil, err
	}

	s.log.Debug("solana ledger: transfer confirmed", "from", from, "to", to, "amount", amount, "signature", sig)
	return &Receipt{ID: sig.String(), Signature: sig, Slot: slot}, nil
}

func (s *Solana) TokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	res, err := s.cfg.RPC.GetTokenAccountBalance(ctx, account, s.cfg.Commitment)
	if err != nil {
		return 0, &Error{Reason: "failed to get token account balance", Err: err}
	}
	if res == nil || res.Value == nil {
		return 0, &Error{Reason: fmt.Sprintf("empty token balance result for %s", account)}
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, &Error{Reason: fmt.Sprintf("malformed token amount %q", res.Value.Amount), Err: err}
	}
	return amount, nil
}

func (s *Solana) NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	res, err := s.cfg.RPC.GetBalance(ctx, owner, s.cfg.Commitment)
	if err != nil {
		return 0, &Error{Reason: "failed to get native balance", Err: err}
	}
	return res.Value, nil
}

func (s *Solana) RequestAirdrop(ctx context.Context, recipient solana.PublicKey, lamports uint64) (solana.Signature, error) {
	var sig solana.Signature
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		var sendErr error
		sig, sendErr = s.cfg.RPC.RequestAirdrop(ctx, recipient, lamports, s.cfg.Commitment)
		return sendErr
	})
	if err != nil {
		return solana.Signature{}, &Error{Reason: "airdrop request failed", Err: err}
	}
	if _, err := s.confirm(ctx, sig); err != nil {
		return solana.Signature{}, err
	}
	s.log.Debug("solana ledger: airdrop confirmed", "recipient", recipient, "lamports", lamports, "signature", sig)
	return sig, nil
}

// sendInstructions assembles, signs, and submits a transaction paid for and
// signed by payer plus any additional registered keys the message requires.
func (s *Solana) sendInstructions(ctx context.Context, payer solana.PrivateKey, instructions ...solana.Instruction) (solana.Signature, error) {
	blockhash, err := s.cfg.RPC.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, &Error{Reason: "failed to get latest blockhash", Err: err}
	}

	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		return solana.Signature{}, &Error{Reason: "failed to build transaction", Err: err}
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key == payer.PublicKey() {
			return &payer
		}
		if k, ok := s.signer(key); ok {
			return &k
		}
		return nil
	}); err != nil {
		return solana.Signature{}, &Error{Reason: "failed to sign transaction", Err: err}
	}

	var sig solana.Signature
	err = retry.Do(ctx, s.cfg.Retry, func() error {
		var sendErr error
		sig, sendErr = s.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
			PreflightCommitment: s.cfg.Commitment,
		})
		return sendErr
	})
	if err != nil {
		return solana.Signature{}, &Error{Reason: "failed to send transaction", Err: err}
	}
	return sig, nil
}

// confirm polls signature status until the configured commitment is reached
// or ConfirmTimeout elapses.
func (s *Solana) confirm(ctx context.Context, sig solana.Signature) (uint64, error) {
	deadline := s.cfg.Clock.Now().Add(s.cfg.ConfirmTimeout)

	for {
		res, err := s.cfg.RPC.GetSignatureStatuses(ctx, false, sig)
		if err == nil && res != nil && len(res.Value) > 0 && res.Value[0] != nil {
			status := res.Value[0]
			if status.Err != nil {
				return 0, &Error{Reason: fmt.Sprintf("transaction %s failed: %v", sig, status.Err)}
			}
			if status.ConfirmationStatus == solanarpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == solanarpc.ConfirmationStatusFinalized {
				return status.Slot, nil
			}
		}
		if err != nil {
			s.log.Debug("solana ledger: signature status poll failed", "signature", sig, "error", err)
		}

		if !s.cfg.Clock.Now().Before(deadline) {
			return 0, &Error{Reason: fmt.Sprintf("timed out waiting for confirmation of %s", sig)}
		}
		select {
		case <-ctx.Done():
			return 0, &Error{Reason: "confirmation cancelled", Err: ctx.Err()}
		case <-s.cfg.Clock.After(s.cfg.PollInterval):
		}
	}
}
