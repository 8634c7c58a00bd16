package staking

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidParameters is returned when an admin submits a parameter set
	// that fails validation.
	ErrInvalidParameters = errors.New("invalid staking parameters")

	// ErrAlreadyStaked is returned when a user with an outstanding stake
	// tries to stake again before claiming.
	ErrAlreadyStaked = errors.New("user already has an active stake")

	// ErrInvalidAmount is returned for zero stake amounts, which would be
	// indistinguishable from the unstaked state.
	ErrInvalidAmount = errors.New("stake amount must be positive")

	// ErrInsufficientFunds is returned when a user's token balance does not
	// cover the requested stake.
	ErrInsufficientFunds = errors.New("insufficient token balance")

	// ErrOutsideStakingWindow is returned when the current time falls outside
	// the admin-configured staking window.
	ErrOutsideStakingWindow = errors.New("staking window is not open")

	// ErrNothingToClaim is returned when a claim finds no outstanding stake.
	ErrNothingToClaim = errors.New("no tokens staked to claim")

	// ErrUnknownUser is returned when no record exists for a user identity;
	// accounts are provisioned by a collaborator before staking.
	ErrUnknownUser = errors.New("unknown user")

	// ErrUserExists is returned when registering a user identity twice.
	ErrUserExists = errors.New("user already registered")
)

// FeeCooldownError is returned when a fee top-up is still on cooldown. The
// operation performed no transfer and may be retried after Remaining.
type FeeCooldownError struct {
	Remaining time.Duration
}

func (e *FeeCooldownError) Error() string {
	return fmt.Sprintf("fee top-up on cooldown for another %s", e.Remaining)
}

// LockNotElapsedError is returned when a claim arrives before the lock
// duration has passed. RemainingDays is rounded up to whole days.
type LockNotElapsedError struct {
	RemainingDays int
}

func (e *LockNotElapsedError) Error() string {
	return fmt.Sprintf("lock duration not elapsed, %d day(s) remaining", e.RemainingDays)
}
