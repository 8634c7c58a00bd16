package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/stakehouse/pkg/ledger"
	"github.com/malbeclabs/stakehouse/pkg/sponsor"
	"github.com/malbeclabs/stakehouse/pkg/staking"
	"github.com/malbeclabs/stakehouse/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run walks the full staking lifecycle against the in-memory ledger: token
// bootstrap, user provisioning, parameter setup, stake, the failure modes,
// and a claim with reward payout.
func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	usersFlag := flag.Int("users", 2, "number of demo users to provision")
	grantTokensFlag := flag.Uint64("grant-tokens", 200, "tokens granted to each demo user")
	stakeAmountFlag := flag.Uint64("stake-amount", 100, "tokens each user stakes")
	apyFlag := flag.Float64("apy", 0.1, "reward rate as a fraction (0.1 = 10%)")
	flag.Parse()

	log := logger.New(*verboseFlag)
	ctx := context.Background()

	mem, err := ledger.NewMemory(ledger.MemoryConfig{Logger: log})
	if err != nil {
		return err
	}

	admin := solana.NewWallet().PublicKey()
	adminTokenAccount := mem.CreateTokenAccount(admin)
	mem.Mint(adminTokenAccount, 1_000_000)
	log.Info("demo: token economy bootstrapped", "admin", admin, "supply", 1_000_000)

	registry, err := staking.NewMemoryRegistry(staking.MemoryRegistryConfig{Logger: log})
	if err != nil {
		return err
	}
	params, err := staking.NewParameterStore(staking.ParameterStoreConfig{Logger: log})
	if err != nil {
		return err
	}
	feeSponsor, err := sponsor.New(sponsor.Config{Logger: log, Funder: mem})
	if err != nil {
		return err
	}
	engine, err := staking.NewEngine(staking.EngineConfig{
		Logger:         log,
		Registry:       registry,
		Params:         params,
		Ledger:         mem,
		Sponsor:        feeSponsor,
		Custodian:      adminTokenAccount,
		CustodianOwner: admin,
	})
	if err != nil {
		return err
	}
	provisioner, err := ledger.NewMemoryProvisioner(ledger.MemoryProvisionerConfig{
		Logger:            log,
		Ledger:            mem,
		AdminOwner:        admin,
		AdminTokenAccount: adminTokenAccount,
		GrantTokens:       *grantTokensFlag,
	})
	if err != nil {
		return err
	}

	// Provision users and register their records.
	var userIDs []string
	for i := 1; i <= *usersFlag; i++ {
		userID := fmt.Sprintf("user-%d", i)
		account, err := provisioner.Provision(ctx, userID)
		if err != nil {
			return err
		}
		if err := registry.Register(ctx, staking.UserStakeRecord{
			UserID:    account.UserID,
			Owner:     account.Owner,
			Principal: account.TokenAccount,
		}); err != nil {
			return err
		}
		userIDs = append(userIDs, userID)
	}

	// Staking is rejected until the admin opens a window.
	if _, err := engine.Stake(ctx, userIDs[0], *stakeAmountFlag); err != nil {
		log.Info("demo: stake before parameters are set rejected as expected", "error", err)
	}

	// Zero lock duration so the claim succeeds within the demo run.
	if err := params.Set(staking.StakingParameters{
		WindowStart:      time.Now().Add(-10 * time.Second),
		WindowEnd:        time.Now().Add(1000 * time.Second),
		LockDurationDays: 0,
		APY:              *apyFlag,
	}); err != nil {
		return err
	}

	for _, userID := range userIDs {
		receipt, err := engine.Stake(ctx, userID, *stakeAmountFlag)
		if err != nil {
			return fmt.Errorf("stake for %s failed: %w", userID, err)
		}
		log.Info("demo: staked",
			"user_id", userID,
			"amount", receipt.Amount,
			"apy", receipt.APY,
			"signature", receipt.Transaction.Signature)
	}

	// Double staking is rejected while a stake is outstanding.
	if _, err := engine.Stake(ctx, userIDs[0], *stakeAmountFlag); err != nil {
		log.Info("demo: double stake rejected as expected", "error", err)
	}

	for _, userID := range userIDs {
		receipt, err := engine.Claim(ctx, userID)
		if err != nil {
			return fmt.Errorf("claim for %s failed: %w", userID, err)
		}
		log.Info("demo: claimed",
			"user_id", userID,
			"staked", receipt.Staked,
			"reward", receipt.Reward,
			"payout", receipt.Payout,
			"signature", receipt.Transaction.Signature)
	}

	// A second claim finds nothing outstanding.
	if _, err := engine.Claim(ctx, userIDs[0]); err != nil {
		log.Info("demo: repeat claim rejected as expected", "error", err)
	}

	records, err := registry.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		balance, err := mem.TokenBalance(ctx, rec.Principal)
		if err != nil {
			return err
		}
		log.Info("demo: final state",
			"user_id", rec.UserID,
			"state", rec.State().String(),
			"balance", balance,
			"can_stake", rec.CanStake)
	}
	return nil
}
