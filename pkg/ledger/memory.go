package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// MemoryConfig configures the in-memory ledger.
type MemoryConfig struct {
	Logger *slog.Logger
}

func (cfg *MemoryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Memory is an in-process ledger used for tests and demo runs. It implements
// both Client and Funder. All operations are atomic under a single mutex.
type Memory struct {
	log *slog.Logger

	mu     sync.Mutex
	tokens map[solana.PublicKey]uint64           // token account -> token balance
	native map[solana.PublicKey]uint64           // owner -> lamports
	owners map[solana.PublicKey]solana.PublicKey // token account -> owner authority
}

func NewMemory(cfg MemoryConfig) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Memory{
		log:    cfg.Logger,
		tokens: make(map[solana.PublicKey]uint64),
		native: make(map[solana.PublicKey]uint64),
		owners: make(map[solana.PublicKey]solana.PublicKey),
	}, nil
}

// CreateTokenAccount registers a fresh token account owned by owner and
// returns its address.
func (m *Memory) CreateTokenAccount(owner solana.PublicKey) solana.PublicKey {
	account := solana.NewWallet().PublicKey()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[account] = 0
	m.owners[account] = owner
	return account
}

// Mint credits tokens to a token account out of thin air. Demo-only faucet
// standing in for an SPL mint-to.
func (m *Memory) Mint(account solana.PublicKey, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[account] += amount
}

// SetNativeBalance sets the lamport balance of an owner account.
func (m *Memory) SetNativeBalance(owner solana.PublicKey, lamports uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.native[owner] = lamports
}

func (m *Memory) Transfer(ctx context.Context, from, to solana.PublicKey, amount uint64, authority solana.PublicKey) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.owners[from]
	if !ok {
		return nil, &Error{Reason: fmt.Sprintf("unknown source account %s", from)}
	}
	if owner != authority {
		return nil, &Error{Reason: fmt.Sprintf("authority %s does not own source account %s", authority, from)}
	}
	if _, ok := m.owners[to]; !ok {
		return nil, &Error{Reason: fmt.Sprintf("unknown destination account %s", to)}
	}
	if m.tokens[from] < amount {
		return nil, &Error{Reason: fmt.Sprintf("insufficient token balance in %s: have %d, need %d", from, m.tokens[from], amount)}
	}

	m.tokens[from] -= amount
	m.tokens[to] += amount

	receipt := &Receipt{
		ID:        uuid.NewString(),
		Signature: fakeSignature(),
	}
	m.log.Debug("memory ledger: transfer", "from", from, "to", to, "amount", amount, "signature", receipt.Signature)
	return receipt, nil
}

func (m *Memory) TokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.owners[account]; !ok {
		return 0, &Error{Reason: fmt.Sprintf("unknown token account %s", account)}
	}
	return m.tokens[account], nil
}

func (m *Memory) NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.native[owner], nil
}

func (m *Memory) RequestAirdrop(ctx context.Context, recipient solana.PublicKey, lamports uint64) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.native[recipient] += lamports
	sig := fakeSignature()
	m.log.Debug("memory ledger: airdrop", "recipient", recipient, "lamports", lamports, "signature", sig)
	return sig, nil
}

// fakeSignature produces a random but well-formed transaction signature so
// demo output and receipts look like the real thing.
func fakeSignature() solana.Signature {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	sig, err := solana.SignatureFromBase58(base58.Encode(buf))
	if err != nil {
		panic(fmt.Sprintf("failed to build fake signature: %v", err))
	}
	return sig
}

// MemoryProvisioner creates users against a Memory ledger: a fresh wallet, a
// token account, and a demo token grant transferred from the admin account.
type MemoryProvisionerConfig struct {
	Logger            *slog.Logger
	Ledger            *Memory
	AdminOwner        solana.PublicKey
	AdminTokenAccount solana.PublicKey
	GrantTokens       uint64
}

func (cfg *MemoryProvisionerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.AdminOwner.IsZero() {
		return errors.New("admin owner is required")
	}
	if cfg.AdminTokenAccount.IsZero() {
		return errors.New("admin token account is required")
	}
	return nil
}

type MemoryProvisioner struct {
	log *slog.Logger
	cfg MemoryProvisionerConfig
}

func NewMemoryProvisioner(cfg MemoryProvisionerConfig) (*MemoryProvisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MemoryProvisioner{log: cfg.Logger, cfg: cfg}, nil
}

func (p *MemoryProvisioner) Provision(ctx context.Context, userID string) (Account, error) {
	owner := solana.NewWallet().PublicKey()
	tokenAccount := p.cfg.Ledger.CreateTokenAccount(owner)

	if p.cfg.GrantTokens > 0 {
		_, err := p.cfg.Ledger.Transfer(ctx, p.cfg.AdminTokenAccount, tokenAccount, p.cfg.GrantTokens, p.cfg.AdminOwner)
		if err != nil {
			return Account{}, fmt.Errorf("failed to grant demo tokens: %w", err)
		}
	}

	p.log.Info("provisioned user account", "user_id", userID, "owner", owner, "token_account", tokenAccount, "grant", p.cfg.GrantTokens)
	return Account{UserID: userID, Owner: owner, TokenAccount: tokenAccount}, nil
}
