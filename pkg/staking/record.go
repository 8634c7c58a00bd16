package staking

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// StakeState is the lifecycle state of a user record. The cycle is
// Unstaked -> Staked -> Claimed -> Staked -> ... with no terminal state.
type StakeState int

const (
	// StateUnstaked means the user has never staked.
	StateUnstaked StakeState = iota
	// StateStaked means a stake is outstanding, locked or claimable.
	StateStaked
	// StateClaimed means a previous stake was claimed; the user may stake
	// again and retains the terms snapshotted at their first stake.
	StateClaimed
)

func (s StakeState) String() string {
	switch s {
	case StateUnstaked:
		return "unstaked"
	case StateStaked:
		return "staked"
	case StateClaimed:
		return "claimed"
	default:
		return "unknown"
	}
}

// UserStakeRecord is the single source of truth for one user's staking
// lifecycle. Records are created at provisioning time and never deleted.
type UserStakeRecord struct {
	UserID string

	// Owner is the user's signing identity and fee payer.
	Owner solana.PublicKey
	// Principal is the token account holding the user's tokens.
	Principal solana.PublicKey

	// StakedAmount is zero when no stake is outstanding.
	StakedAmount uint64

	// LockDurationDays and APY are snapshotted from the global parameters at
	// the user's first stake and retained across later cycles.
	LockDurationDays int
	APY              float64

	// StakeStart is the time of the most recent stake; StakeEnd is the
	// staking-window end captured at that moment.
	StakeStart time.Time
	StakeEnd   time.Time

	// CanStake is false while a stake is outstanding.
	CanStake bool

	// LastFeeTopUp starts the fee-sponsorship cooldown window.
	LastFeeTopUp time.Time

	CreatedAt time.Time
}

// State derives the tagged lifecycle state, distinguishing "never staked"
// from "just claimed".
func (r *UserStakeRecord) State() StakeState {
	switch {
	case r.StakedAmount > 0:
		return StateStaked
	case !r.StakeStart.IsZero():
		return StateClaimed
	default:
		return StateUnstaked
	}
}

// LockEnd is the earliest instant a claim may succeed.
func (r *UserStakeRecord) LockEnd() time.Time {
	return r.StakeStart.Add(time.Duration(r.LockDurationDays) * 24 * time.Hour)
}
