package staking

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/stakehouse/pkg/ledger"
	"github.com/malbeclabs/stakehouse/pkg/metrics"
	"github.com/malbeclabs/stakehouse/pkg/sponsor"
)

// FeeSponsor decides fee readiness for an upcoming transaction. Satisfied by
// *sponsor.Sponsor.
type FeeSponsor interface {
	EnsureFeeReady(ctx context.Context, recipient solana.PublicKey, nativeBalance, minRequired uint64, lastTopUp time.Time) (sponsor.Outcome, error)
}

// StakeReceipt is returned by a successful stake.
type StakeReceipt struct {
	UserID           string
	Amount           uint64
	StakeStart       time.Time
	StakeEnd         time.Time
	LockDurationDays int
	APY              float64
	Transaction      *ledger.Receipt
}

// ClaimReceipt is returned by a successful claim.
type ClaimReceipt struct {
	UserID      string
	Staked      uint64
	Reward      uint64
	Payout      uint64
	Transaction *ledger.Receipt
}

type EngineConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Registry Registry
	Params   *ParameterStore
	Ledger   ledger.Client
	Sponsor  FeeSponsor

	// Custodian is the token account holding staked funds; CustodianOwner
	// is the authority allowed to pay out of it.
	Custodian      solana.PublicKey
	CustodianOwner solana.PublicKey

	// MinFeeLamports is the native balance a user needs before the engine
	// lets a transfer through without sponsorship.
	MinFeeLamports uint64
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Params == nil {
		return errors.New("parameter store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Sponsor == nil {
		return errors.New("fee sponsor is required")
	}
	if cfg.Custodian.IsZero() {
		return errors.New("custodian account is required")
	}
	if cfg.CustodianOwner.IsZero() {
		return errors.New("custodian owner is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MinFeeLamports == 0 {
		cfg.MinFeeLamports = ledger.DefaultFeeLamports
	}
	return nil
}

// Engine drives the staking lifecycle state machine. It is stateless apart
// from the injected registry and parameter store, so it may be invoked
// concurrently across users; per-user serialization comes from the registry.
type Engine struct {
	log *slog.Logger
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

// Stake locks amount tokens for userID. Preconditions are checked in order
// (first failure wins): outstanding stake, token balance, fee readiness,
// staking window. No registry state is mutated before the ledger transfer
// succeeds, except recording a fee grant that was actually issued.
func (e *Engine) Stake(ctx context.Context, userID string, amount uint64) (*StakeReceipt, error) {
	if amount == 0 {
		metrics.StakeOperationsTotal.WithLabelValues("invalid_amount").Inc()
		return nil, ErrInvalidAmount
	}

	var receipt *StakeReceipt
	err := e.cfg.Registry.Mutate(ctx, userID, func(rec *UserStakeRecord) error {
		if rec.StakedAmount > 0 {
			return ErrAlreadyStaked
		}

		balance, err := e.cfg.Ledger.TokenBalance(ctx, rec.Principal)
		if err != nil {
			return err
		}
		if balance < amount {
			return ErrInsufficientFunds
		}

		native, err := e.cfg.Ledger.NativeBalance(ctx, rec.Owner)
		if err != nil {
			return err
		}
		outcome, err := e.cfg.Sponsor.EnsureFeeReady(ctx, rec.Owner, native, e.cfg.MinFeeLamports, rec.LastFeeTopUp)
		if err != nil {
			return err
		}
		switch outcome.Kind {
		case sponsor.OutcomeGranted:
			// The grant happened; its cooldown starts now regardless of
			// whether the stake itself goes through.
			rec.LastFeeTopUp = outcome.GrantedAt
		case sponsor.OutcomeCooling:
			return &FeeCooldownError{Remaining: outcome.Remaining}
		}

		params, ok := e.cfg.Params.Get()
		now := e.cfg.Clock.Now()
		if !ok || now.Before(params.WindowStart) || now.After(params.WindowEnd) {
			return ErrOutsideStakingWindow
		}

		start := e.cfg.Clock.Now()
		tx, err := e.cfg.Ledger.Transfer(ctx, rec.Principal, e.cfg.Custodian, amount, rec.Owner)
		metrics.LedgerCallDuration.WithLabelValues("stake").Observe(e.cfg.Clock.Since(start).Seconds())
		if err != nil {
			return err
		}

		if rec.StakeStart.IsZero() {
			// First-time stakers adopt the currently configured terms;
			// returning users keep the terms from their first stake.
			rec.LockDurationDays = params.LockDurationDays
			rec.APY = params.APY
		}
		rec.StakedAmount = amount
		rec.StakeStart = now
		rec.StakeEnd = params.WindowEnd
		rec.CanStake = false

		receipt = &StakeReceipt{
			UserID:           userID,
			Amount:           amount,
			StakeStart:       rec.StakeStart,
			StakeEnd:         rec.StakeEnd,
			LockDurationDays: rec.LockDurationDays,
			APY:              rec.APY,
			Transaction:      tx,
		}
		return nil
	})

	metrics.StakeOperationsTotal.WithLabelValues(statusLabel(err)).Inc()
	if err != nil {
		e.log.Debug("stake rejected", "user_id", userID, "amount", amount, "error", err)
		return nil, err
	}

	metrics.TokensStakedTotal.Add(float64(amount))
	e.log.Info("stake accepted",
		"user_id", userID,
		"amount", amount,
		"lock_duration_days", receipt.LockDurationDays,
		"apy", receipt.APY,
		"signature", receipt.Transaction.Signature)
	return receipt, nil
}

// Claim pays out a matured stake plus its flat-rate reward and resets the
// user to the stakeable state. A ledger failure leaves the stake untouched,
// so Claim is safely re-invocable.
func (e *Engine) Claim(ctx context.Context, userID string) (*ClaimReceipt, error) {
	var receipt *ClaimReceipt
	err := e.cfg.Registry.Mutate(ctx, userID, func(rec *UserStakeRecord) error {
		if rec.StakedAmount == 0 {
			return ErrNothingToClaim
		}

		now := e.cfg.Clock.Now()
		lockEnd := rec.LockEnd()
		if now.Before(lockEnd) {
			remaining := int(math.Ceil(lockEnd.Sub(now).Seconds() / 86400))
			return &LockNotElapsedError{RemainingDays: remaining}
		}

		reward := uint64(math.Round(float64(rec.StakedAmount) * rec.APY))
		payout := rec.StakedAmount + reward

		start := e.cfg.Clock.Now()
		tx, err := e.cfg.Ledger.Transfer(ctx, e.cfg.Custodian, rec.Principal, payout, e.cfg.CustodianOwner)
		metrics.LedgerCallDuration.WithLabelValues("claim").Observe(e.cfg.Clock.Since(start).Seconds())
		if err != nil {
			return err
		}

		receipt = &ClaimReceipt{
			UserID:      userID,
			Staked:      rec.StakedAmount,
			Reward:      reward,
			Payout:      payout,
			Transaction: tx,
		}
		rec.StakedAmount = 0
		rec.CanStake = true
		return nil
	})

	metrics.ClaimOperationsTotal.WithLabelValues(statusLabel(err)).Inc()
	if err != nil {
		e.log.Debug("claim rejected", "user_id", userID, "error", err)
		return nil, err
	}

	metrics.TokensPaidOutTotal.Add(float64(receipt.Payout))
	e.log.Info("claim paid out",
		"user_id", userID,
		"staked", receipt.Staked,
		"reward", receipt.Reward,
		"payout", receipt.Payout,
		"signature", receipt.Transaction.Signature)
	return receipt, nil
}

func statusLabel(err error) string {
	var cooldownErr *FeeCooldownError
	var lockErr *LockNotElapsedError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyStaked):
		return "already_staked"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.As(err, &cooldownErr):
		return "fee_cooldown"
	case errors.Is(err, ErrOutsideStakingWindow):
		return "outside_window"
	case errors.Is(err, ErrNothingToClaim):
		return "nothing_to_claim"
	case errors.As(err, &lockErr):
		return "lock_not_elapsed"
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	case ledger.IsError(err):
		return "ledger_error"
	default:
		return "error"
	}
}
