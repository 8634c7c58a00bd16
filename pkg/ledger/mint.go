package ledger

import (
	"context"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// TokenDetails describes a freshly created demo token.
type TokenDetails struct {
	Mint              solana.PublicKey
	AdminTokenAccount solana.PublicKey
	AdminOwner        solana.PublicKey
	InitialSupply     uint64
}

// CreateToken bootstraps a demo token on the cluster: creates the mint,
// the admin's associated token account, and mints the initial supply to it.
// Plumbing around the staking core; callable once at demo setup.
func (s *Solana) CreateToken(ctx context.Context, payer solana.PrivateKey, decimals uint8, initialSupply uint64) (*TokenDetails, error) {
	mint := solana.NewWallet()
	s.RegisterSigner(mint.PrivateKey)
	s.RegisterSigner(payer)

	rent, err := s.cfg.RPC.GetMinimumBalanceForRentExemption(ctx, token.MINT_SIZE, s.cfg.Commitment)
	if err != nil {
		return nil, &Error{Reason: "failed to get rent exemption for mint", Err: err}
	}

	createMint := system.NewCreateAccountInstruction(
		rent,
		token.MINT_SIZE,
		solana.TokenProgramID,
		payer.PublicKey(),
		mint.PublicKey(),
	).Build()
	initMint := token.NewInitializeMintInstruction(
		decimals,
		payer.PublicKey(),
		solana.PublicKey{}, // no freeze authority
		mint.PublicKey(),
		solana.SysVarRentPubkey,
	).Build()

	sig, err := s.sendInstructions(ctx, payer, createMint, initMint)
	if err != nil {
		return nil, err
	}
	if _, err := s.confirm(ctx, sig); err != nil {
		return nil, err
	}
	s.log.Info("created token mint", "mint", mint.PublicKey(), "signature", sig)

	adminTokenAccount, err := s.EnsureTokenAccount(ctx, payer, payer.PublicKey(), mint.PublicKey())
	if err != nil {
		return nil, err
	}

	if initialSupply > 0 {
		mintTo := token.NewMintToInstruction(
			initialSupply,
			mint.PublicKey(),
			adminTokenAccount,
			payer.PublicKey(),
			nil,
		).Build()
		sig, err = s.sendInstructions(ctx, payer, mintTo)
		if err != nil {
			return nil, err
		}
		if _, err := s.confirm(ctx, sig); err != nil {
			return nil, err
		}
		s.log.Info("minted initial supply", "mint", mint.PublicKey(), "supply", initialSupply, "signature", sig)
	}

	return &TokenDetails{
		Mint:              mint.PublicKey(),
		AdminTokenAccount: adminTokenAccount,
		AdminOwner:        payer.PublicKey(),
		InitialSupply:     initialSupply,
	}, nil
}

// EnsureTokenAccount creates the associated token account for owner/mint if
// needed and returns its address. Creation errors for an already existing
// account are surfaced as ledger errors; callers bootstrapping fresh wallets
// never hit that case.
func (s *Solana) EnsureTokenAccount(ctx context.Context, payer solana.PrivateKey, owner, mint solana.PublicKey) (solana.PublicKey, error) {
	address, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, &Error{Reason: "failed to derive associated token address", Err: err}
	}

	if _, err := s.TokenBalance(ctx, address); err == nil {
		return address, nil
	}

	ix := associatedtokenaccount.NewCreateInstruction(payer.PublicKey(), owner, mint).Build()
	sig, err := s.sendInstructions(ctx, payer, ix)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if _, err := s.confirm(ctx, sig); err != nil {
		return solana.PublicKey{}, err
	}

	s.log.Debug("created associated token account", "owner", owner, "mint", mint, "address", address)
	return address, nil
}
