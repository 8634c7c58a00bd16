package staking

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/stakehouse/pkg/ledger"
	"github.com/malbeclabs/stakehouse/pkg/sponsor"
	stakehousetesting "github.com/malbeclabs/stakehouse/utils/pkg/testing"
)

type mockLedger struct {
	transferFunc      func(ctx context.Context, from, to solana.PublicKey, amount uint64, authority solana.PublicKey) (*ledger.Receipt, error)
	tokenBalanceFunc  func(ctx context.Context, account solana.PublicKey) (uint64, error)
	nativeBalanceFunc func(ctx context.Context, owner solana.PublicKey) (uint64, error)
	transfers         int
}

func (m *mockLedger) Transfer(ctx context.Context, from, to solana.PublicKey, amount uint64, authority solana.PublicKey) (*ledger.Receipt, error) {
	m.transfers++
	if m.transferFunc != nil {
		return m.transferFunc(ctx, from, to, amount, authority)
	}
	return &ledger.Receipt{ID: "tx-1", Signature: solana.Signature{1}}, nil
}

func (m *mockLedger) TokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	if m.tokenBalanceFunc != nil {
		return m.tokenBalanceFunc(ctx, account)
	}
	return 1_000, nil
}

func (m *mockLedger) NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	if m.nativeBalanceFunc != nil {
		return m.nativeBalanceFunc(ctx, owner)
	}
	return ledger.LamportsPerSOL, nil
}

type mockSponsor struct {
	ensureFunc func(ctx context.Context, recipient solana.PublicKey, nativeBalance, minRequired uint64, lastTopUp time.Time) (sponsor.Outcome, error)
	calls      int
}

func (m *mockSponsor) EnsureFeeReady(ctx context.Context, recipient solana.PublicKey, nativeBalance, minRequired uint64, lastTopUp time.Time) (sponsor.Outcome, error) {
	m.calls++
	if m.ensureFunc != nil {
		return m.ensureFunc(ctx, recipient, nativeBalance, minRequired, lastTopUp)
	}
	return sponsor.Outcome{Kind: sponsor.OutcomeReady}, nil
}

type engineFixture struct {
	engine   *Engine
	registry *MemoryRegistry
	params   *ParameterStore
	ledger   *mockLedger
	sponsor  *mockSponsor
	clock    *clockwork.FakeClock
}

func newEngineFixture(t *testing.T) *engineFixture {
	clock := clockwork.NewFakeClock()
	log := stakehousetesting.NewLogger()

	registry, err := NewMemoryRegistry(MemoryRegistryConfig{Logger: log, Clock: clock})
	require.NoError(t, err)
	params, err := NewParameterStore(ParameterStoreConfig{Logger: log, Clock: clock})
	require.NoError(t, err)

	ml := &mockLedger{}
	ms := &mockSponsor{}
	engine, err := NewEngine(EngineConfig{
		Logger:         log,
		Clock:          clock,
		Registry:       registry,
		Params:         params,
		Ledger:         ml,
		Sponsor:        ms,
		Custodian:      solana.NewWallet().PublicKey(),
		CustodianOwner: solana.NewWallet().PublicKey(),
	})
	require.NoError(t, err)

	return &engineFixture{
		engine:   engine,
		registry: registry,
		params:   params,
		ledger:   ml,
		sponsor:  ms,
		clock:    clock,
	}
}

func (f *engineFixture) registerUser(t *testing.T, userID string) UserStakeRecord {
	rec := newTestRecord(userID)
	require.NoError(t, f.registry.Register(context.Background(), rec))
	return rec
}

// openWindow activates parameters whose window surrounds the fake clock's
// current time.
func (f *engineFixture) openWindow(t *testing.T, lockDays int, apy float64) StakingParameters {
	params := StakingParameters{
		WindowStart:      f.clock.Now().Add(-10 * time.Second),
		WindowEnd:        f.clock.Now().Add(1000 * time.Second),
		LockDurationDays: lockDays,
		APY:              apy,
	}
	require.NoError(t, f.params.Set(params))
	return params
}

func TestStakehouse_Staking_NewEngine(t *testing.T) {
	t.Parallel()

	t.Run("returns error when dependencies are missing", func(t *testing.T) {
		t.Parallel()

		engine, err := NewEngine(EngineConfig{})
		require.Error(t, err)
		require.Nil(t, engine)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when custodian is missing", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		_, err := NewEngine(EngineConfig{
			Logger:   stakehousetesting.NewLogger(),
			Registry: f.registry,
			Params:   f.params,
			Ledger:   f.ledger,
			Sponsor:  f.sponsor,
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "custodian account is required")
	})
}

func TestStakehouse_Staking_Engine_Stake(t *testing.T) {
	t.Parallel()

	t.Run("happy path updates the record and returns a receipt", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		params := f.openWindow(t, 30, 0.1)

		receipt, err := f.engine.Stake(context.Background(), "alice", 200)
		require.NoError(t, err)
		require.Equal(t, uint64(200), receipt.Amount)
		require.Equal(t, 30, receipt.LockDurationDays)
		require.Equal(t, 0.1, receipt.APY)
		require.Equal(t, params.WindowEnd, receipt.StakeEnd)
		require.NotNil(t, receipt.Transaction)
		require.Equal(t, 1, f.ledger.transfers)

		rec, err := f.registry.Get(context.Background(), "alice")
		require.NoError(t, err)
		require.Equal(t, uint64(200), rec.StakedAmount)
		require.False(t, rec.CanStake, "outstanding stake must gate re-staking")
		require.Equal(t, f.clock.Now(), rec.StakeStart)
		require.Equal(t, StateStaked, rec.State())
	})

	t.Run("rejects zero amounts", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		f.openWindow(t, 0, 0.1)

		_, err := f.engine.Stake(context.Background(), "alice", 0)
		require.ErrorIs(t, err, ErrInvalidAmount)
		require.Zero(t, f.ledger.transfers)
	})

	t.Run("rejects unknown users", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.openWindow(t, 0, 0.1)

		_, err := f.engine.Stake(context.Background(), "nobody", 100)
		require.ErrorIs(t, err, ErrUnknownUser)
	})

	t.Run("rejects a second stake while one is outstanding", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		f.openWindow(t, 30, 0.1)

		_, err := f.engine.Stake(context.Background(), "alice", 100)
		require.NoError(t, err)

		_, err = f.engine.Stake(context.Background(), "alice", 50)
		require.ErrorIs(t, err, ErrAlreadyStaked)
		require.Equal(t, 1, f.ledger.transfers, "rejected stake must not touch the ledger")
	})

	t.Run("rejects when token balance does not cover the amount", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		f.openWindow(t, 0, 0.1)
		f.ledger.tokenBalanceFunc = func(ctx context.Context, account solana.PublicKey) (uint64, error) {
			return 50, nil
		}

		_, err := f.engine.Stake(context.Background(), "alice", 100)
		require.ErrorIs(t, err, ErrInsufficientFunds)
		require.Zero(t, f.ledger.transfers)
		require.Zero(t, f.sponsor.calls, "balance check precedes fee readiness")
	})

	t.Run("aborts on fee cooldown without touching the ledger", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		f.openWindow(t, 0, 0.1)
		f.sponsor.ensureFunc = func(ctx context.Context, recipient solana.PublicKey, nativeBalance, minRequired uint64, lastTopUp time.Time) (sponsor.Outcome, error) {
			return sponsor.Outcome{Kind: sponsor.OutcomeCooling, Remaining: 17 * time.Minute}, nil
		}

		_, err := f.engine.Stake(context.Background(), "alice", 100)
		var cooldownErr *FeeCooldownError
		require.ErrorAs(t, err, &cooldownErr)
		require.Equal(t, 17*time.Minute, cooldownErr.Remaining)
		require.Zero(t, f.ledger.transfers)
	})

	t.Run("records a fee grant even when the window check fails afterwards", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		// No parameters set: the window check fails after sponsorship.
		grantedAt := f.clock.Now()
		f.sponsor.ensureFunc = func(ctx context.Context, recipient solana.PublicKey, nativeBalance, minRequired uint64, lastTopUp time.Time) (sponsor.Outcome, error) {
			return sponsor.Outcome{Kind: sponsor.OutcomeGranted, GrantedAt: grantedAt}, nil
		}

		_, err := f.engine.Stake(context.Background(), "alice", 100)
		require.ErrorIs(t, err, ErrOutsideStakingWindow)

		rec, err := f.registry.Get(context.Background(), "alice")
		require.NoError(t, err)
		require.Equal(t, grantedAt, rec.LastFeeTopUp, "grant cooldown starts at grant time")
		require.Zero(t, rec.StakedAmount)
	})

	t.Run("rejects stakes outside the window", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		require.NoError(t, f.params.Set(StakingParameters{
			WindowStart: f.clock.Now().Add(time.Hour),
			WindowEnd:   f.clock.Now().Add(2 * time.Hour),
			APY:         0.1,
		}))

		_, err := f.engine.Stake(context.Background(), "alice", 100)
		require.ErrorIs(t, err, ErrOutsideStakingWindow)
		require.Zero(t, f.ledger.transfers)

		f.clock.Advance(3 * time.Hour)
		_, err = f.engine.Stake(context.Background(), "alice", 100)
		require.ErrorIs(t, err, ErrOutsideStakingWindow)
		require.Zero(t, f.ledger.transfers)
	})

	t.Run("window boundaries are inclusive", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		f.registerUser(t, "bob")
		require.NoError(t, f.params.Set(StakingParameters{
			WindowStart: f.clock.Now(),
			WindowEnd:   f.clock.Now().Add(time.Hour),
			APY:         0.1,
		}))

		_, err := f.engine.Stake(context.Background(), "alice", 100)
		require.NoError(t, err, "staking exactly at window start succeeds")

		f.clock.Advance(time.Hour)
		_, err = f.engine.Stake(context.Background(), "bob", 100)
		require.NoError(t, err, "staking exactly at window end succeeds")
	})

	t.Run("ledger failure leaves the record untouched and is retryable", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		f.openWindow(t, 30, 0.1)

		fail := true
		f.ledger.transferFunc = func(ctx context.Context, from, to solana.PublicKey, amount uint64, authority solana.PublicKey) (*ledger.Receipt, error) {
			if fail {
				return nil, &ledger.Error{Reason: "rpc unavailable"}
			}
			return &ledger.Receipt{ID: "tx-2", Signature: solana.Signature{2}}, nil
		}

		_, err := f.engine.Stake(context.Background(), "alice", 100)
		require.Error(t, err)
		require.True(t, ledger.IsError(err))

		rec, err := f.registry.Get(context.Background(), "alice")
		require.NoError(t, err)
		require.Zero(t, rec.StakedAmount)
		require.True(t, rec.CanStake)

		fail = false
		receipt, err := f.engine.Stake(context.Background(), "alice", 100)
		require.NoError(t, err)
		require.Equal(t, uint64(100), receipt.Amount)
	})

	t.Run("first stake snapshots terms and re-stakes retain them", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		f.openWindow(t, 0, 0.1)

		_, err := f.engine.Stake(context.Background(), "alice", 100)
		require.NoError(t, err)
		_, err = f.engine.Claim(context.Background(), "alice")
		require.NoError(t, err)

		// Admin changes the global terms; alice's snapshot must survive.
		newParams := StakingParameters{
			WindowStart:      f.clock.Now().Add(-time.Second),
			WindowEnd:        f.clock.Now().Add(2000 * time.Second),
			LockDurationDays: 90,
			APY:              0.5,
		}
		require.NoError(t, f.params.Set(newParams))

		receipt, err := f.engine.Stake(context.Background(), "alice", 100)
		require.NoError(t, err)
		require.Equal(t, 0, receipt.LockDurationDays, "lock duration snapshotted at first stake")
		require.Equal(t, 0.1, receipt.APY, "apy snapshotted at first stake")
		require.Equal(t, newParams.WindowEnd, receipt.StakeEnd, "window end tracks the active parameters")

		// A brand-new staker picks up the new terms.
		f.registerUser(t, "bob")
		bobReceipt, err := f.engine.Stake(context.Background(), "bob", 100)
		require.NoError(t, err)
		require.Equal(t, 90, bobReceipt.LockDurationDays)
		require.Equal(t, 0.5, bobReceipt.APY)
	})
}

func TestStakehouse_Staking_Engine_Claim(t *testing.T) {
	t.Parallel()

	t.Run("rejects when nothing is staked", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")

		_, err := f.engine.Claim(context.Background(), "alice")
		require.ErrorIs(t, err, ErrNothingToClaim)
		require.Zero(t, f.ledger.transfers)
	})

	t.Run("rejects before the lock elapses with days rounded up", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		f.openWindow(t, 30, 0.1)

		_, err := f.engine.Stake(context.Background(), "alice", 100)
		require.NoError(t, err)

		f.clock.Advance(time.Hour)
		_, err = f.engine.Claim(context.Background(), "alice")
		var lockErr *LockNotElapsedError
		require.ErrorAs(t, err, &lockErr)
		require.Equal(t, 30, lockErr.RemainingDays)

		f.clock.Advance(29 * 24 * time.Hour)
		_, err = f.engine.Claim(context.Background(), "alice")
		require.ErrorAs(t, err, &lockErr)
		require.Equal(t, 1, lockErr.RemainingDays, "partial days round up")
		require.Equal(t, 1, f.ledger.transfers, "failed claims perform no transfer")
	})

	t.Run("succeeds exactly at lock end", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		f.openWindow(t, 30, 0.1)

		_, err := f.engine.Stake(context.Background(), "alice", 100)
		require.NoError(t, err)

		f.clock.Advance(30 * 24 * time.Hour)
		receipt, err := f.engine.Claim(context.Background(), "alice")
		require.NoError(t, err)
		require.Equal(t, uint64(110), receipt.Payout)
	})

	t.Run("pays principal plus flat-rate reward", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		f.openWindow(t, 0, 0.1)

		_, err := f.engine.Stake(context.Background(), "alice", 200)
		require.NoError(t, err)

		receipt, err := f.engine.Claim(context.Background(), "alice")
		require.NoError(t, err)
		require.Equal(t, uint64(200), receipt.Staked)
		require.Equal(t, uint64(20), receipt.Reward)
		require.Equal(t, uint64(220), receipt.Payout)

		rec, err := f.registry.Get(context.Background(), "alice")
		require.NoError(t, err)
		require.Zero(t, rec.StakedAmount)
		require.True(t, rec.CanStake)
		require.Equal(t, StateClaimed, rec.State())
	})

	t.Run("ledger failure keeps the stake claimable and retry pays the same", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		f.openWindow(t, 0, 0.25)

		_, err := f.engine.Stake(context.Background(), "alice", 100)
		require.NoError(t, err)

		fail := true
		f.ledger.transferFunc = func(ctx context.Context, from, to solana.PublicKey, amount uint64, authority solana.PublicKey) (*ledger.Receipt, error) {
			if fail {
				return nil, &ledger.Error{Reason: "rpc unavailable"}
			}
			return &ledger.Receipt{ID: "tx-3", Signature: solana.Signature{3}}, nil
		}

		_, err = f.engine.Claim(context.Background(), "alice")
		require.Error(t, err)
		require.True(t, ledger.IsError(err))

		rec, err := f.registry.Get(context.Background(), "alice")
		require.NoError(t, err)
		require.Equal(t, uint64(100), rec.StakedAmount, "failed claim must not consume the stake")
		require.False(t, rec.CanStake)

		fail = false
		receipt, err := f.engine.Claim(context.Background(), "alice")
		require.NoError(t, err)
		require.Equal(t, uint64(125), receipt.Payout)
	})

	t.Run("second claim finds nothing", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t)
		f.registerUser(t, "alice")
		f.openWindow(t, 0, 0.1)

		_, err := f.engine.Stake(context.Background(), "alice", 100)
		require.NoError(t, err)
		_, err = f.engine.Claim(context.Background(), "alice")
		require.NoError(t, err)

		_, err = f.engine.Claim(context.Background(), "alice")
		require.ErrorIs(t, err, ErrNothingToClaim)
	})
}

// TestStakehouse_Staking_Engine_EndToEnd runs the full lifecycle against the
// in-memory ledger and a real sponsor instead of mocks.
func TestStakehouse_Staking_Engine_EndToEnd(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	log := stakehousetesting.NewLogger()

	mem, err := ledger.NewMemory(ledger.MemoryConfig{Logger: log})
	require.NoError(t, err)

	admin := solana.NewWallet().PublicKey()
	adminTokenAccount := mem.CreateTokenAccount(admin)
	mem.Mint(adminTokenAccount, 1_000)

	registry, err := NewMemoryRegistry(MemoryRegistryConfig{Logger: log, Clock: clock})
	require.NoError(t, err)
	params, err := NewParameterStore(ParameterStoreConfig{Logger: log, Clock: clock})
	require.NoError(t, err)
	feeSponsor, err := sponsor.New(sponsor.Config{Logger: log, Clock: clock, Funder: mem})
	require.NoError(t, err)

	engine, err := NewEngine(EngineConfig{
		Logger:         log,
		Clock:          clock,
		Registry:       registry,
		Params:         params,
		Ledger:         mem,
		Sponsor:        feeSponsor,
		Custodian:      adminTokenAccount,
		CustodianOwner: admin,
	})
	require.NoError(t, err)

	// Provision a user with the demo 200-token grant.
	provisioner, err := ledger.NewMemoryProvisioner(ledger.MemoryProvisionerConfig{
		Logger:            log,
		Ledger:            mem,
		AdminOwner:        admin,
		AdminTokenAccount: adminTokenAccount,
		GrantTokens:       200,
	})
	require.NoError(t, err)
	account, err := provisioner.Provision(context.Background(), "alice")
	require.NoError(t, err)
	require.NoError(t, registry.Register(context.Background(), UserStakeRecord{
		UserID:    account.UserID,
		Owner:     account.Owner,
		Principal: account.TokenAccount,
	}))

	require.NoError(t, params.Set(StakingParameters{
		WindowStart:      clock.Now().Add(-10 * time.Second),
		WindowEnd:        clock.Now().Add(1000 * time.Second),
		LockDurationDays: 0,
		APY:              0.1,
	}))

	// The user has no lamports, so the first stake triggers a sponsored
	// airdrop before the transfer.
	stakeReceipt, err := engine.Stake(context.Background(), "alice", 100)
	require.NoError(t, err)
	require.Equal(t, uint64(100), stakeReceipt.Amount)

	userBalance, err := mem.TokenBalance(context.Background(), account.TokenAccount)
	require.NoError(t, err)
	require.Equal(t, uint64(100), userBalance)

	custodyBalance, err := mem.TokenBalance(context.Background(), adminTokenAccount)
	require.NoError(t, err)
	require.Equal(t, uint64(900), custodyBalance)

	rec, err := registry.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.False(t, rec.LastFeeTopUp.IsZero(), "under-funded user received a fee grant")

	// Zero lock duration: claim immediately.
	claimReceipt, err := engine.Claim(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(110), claimReceipt.Payout)

	userBalance, err = mem.TokenBalance(context.Background(), account.TokenAccount)
	require.NoError(t, err)
	require.Equal(t, uint64(210), userBalance, "principal plus 10% reward")

	rec, err = registry.Get(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, rec.CanStake)

	_, err = engine.Claim(context.Background(), "alice")
	require.ErrorIs(t, err, ErrNothingToClaim)
}
