package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
)

// SolanaProvisionerConfig configures user provisioning against a Solana
// cluster.
type SolanaProvisionerConfig struct {
	Logger            *slog.Logger
	Client            *Solana
	Payer             solana.PrivateKey
	Mint              solana.PublicKey
	AdminTokenAccount solana.PublicKey

	// GrantTokens is transferred from the admin token account to every new
	// user, mirroring the demo's 200-token seed.
	GrantTokens uint64
}

func (cfg *SolanaProvisionerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("solana client is required")
	}
	if cfg.Payer == nil {
		return errors.New("payer key is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if cfg.AdminTokenAccount.IsZero() {
		return errors.New("admin token account is required")
	}
	return nil
}

// SolanaProvisioner creates a wallet and associated token account per user
// and seeds it with demo tokens. Generated keys are registered with the
// ledger's keyring so the user can later authorize stakes.
type SolanaProvisioner struct {
	log *slog.Logger
	cfg SolanaProvisionerConfig
}

func NewSolanaProvisioner(cfg SolanaProvisionerConfig) (*SolanaProvisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SolanaProvisioner{log: cfg.Logger, cfg: cfg}, nil
}

func (p *SolanaProvisioner) Provision(ctx context.Context, userID string) (Account, error) {
	wallet := solana.NewWallet()
	p.cfg.Client.RegisterSigner(wallet.PrivateKey)

	tokenAccount, err := p.cfg.Client.EnsureTokenAccount(ctx, p.cfg.Payer, wallet.PublicKey(), p.cfg.Mint)
	if err != nil {
		return Account{}, fmt.Errorf("failed to create token account for %s: %w", userID, err)
	}

	if p.cfg.GrantTokens > 0 {
		if _, err := p.cfg.Client.Transfer(ctx, p.cfg.AdminTokenAccount, tokenAccount, p.cfg.GrantTokens, p.cfg.Payer.PublicKey()); err != nil {
			return Account{}, fmt.Errorf("failed to grant demo tokens to %s: %w", userID, err)
		}
	}

	p.log.Info("provisioned user account", "user_id", userID, "owner", wallet.PublicKey(), "token_account", tokenAccount, "grant", p.cfg.GrantTokens)
	return Account{UserID: userID, Owner: wallet.PublicKey(), TokenAccount: tokenAccount}, nil
}
