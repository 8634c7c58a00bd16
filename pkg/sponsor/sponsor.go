// Package sponsor decides whether a user can pay transaction fees and tops
// up under-funded accounts from a rate-limited faucet.
package sponsor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/stakehouse/pkg/ledger"
	"github.com/malbeclabs/stakehouse/pkg/metrics"
)

// DefaultCooldown limits each user to one fee grant per hour.
const DefaultCooldown = time.Hour

// OutcomeKind classifies a fee-readiness decision.
type OutcomeKind int

const (
	// OutcomeReady means the account already holds enough native balance.
	OutcomeReady OutcomeKind = iota
	// OutcomeGranted means a top-up was issued just now.
	OutcomeGranted
	// OutcomeCooling means the user must wait before another top-up; the
	// caller must abort the operation.
	OutcomeCooling
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeReady:
		return "ready"
	case OutcomeGranted:
		return "granted"
	case OutcomeCooling:
		return "cooling"
	default:
		return "unknown"
	}
}

// Outcome reports a fee-readiness decision. GrantedAt is set for granted
// outcomes and becomes the start of the next cooldown window. Remaining is
// set for cooling outcomes.
type Outcome struct {
	Kind      OutcomeKind
	GrantedAt time.Time
	Remaining time.Duration
	Signature solana.Signature
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Funder ledger.Funder

	// Cooldown is the minimum interval between grants per user.
	Cooldown time.Duration
	// TopUpLamports is the size of each grant.
	TopUpLamports uint64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Funder == nil {
		return errors.New("funder is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.TopUpLamports == 0 {
		cfg.TopUpLamports = ledger.LamportsPerSOL
	}
	return nil
}

// Sponsor is stateless: the last-grant timestamp lives on the caller's user
// record, which keeps all per-user state serialized in one place.
type Sponsor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Sponsor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sponsor{log: cfg.Logger, cfg: cfg}, nil
}

// EnsureFeeReady checks that recipient can pay an upcoming fee of at least
// minRequired lamports. lastTopUp is the recipient's previous grant time
// (zero if never granted). The cooldown clock starts at grant time and is
// evaluated with >=, so a grant exactly one cooldown after the previous one
// succeeds.
func (s *Sponsor) EnsureFeeReady(ctx context.Context, recipient solana.PublicKey, nativeBalance, minRequired uint64, lastTopUp time.Time) (Outcome, error) {
	if nativeBalance >= minRequired {
		metrics.FeeGrantsTotal.WithLabelValues(OutcomeReady.String()).Inc()
		return Outcome{Kind: OutcomeReady}, nil
	}

	now := s.cfg.Clock.Now()
	if !lastTopUp.IsZero() && now.Sub(lastTopUp) < s.cfg.Cooldown {
		remaining := s.cfg.Cooldown - now.Sub(lastTopUp)
		metrics.FeeGrantsTotal.WithLabelValues(OutcomeCooling.String()).Inc()
		s.log.Debug("fee top-up on cooldown", "recipient", recipient, "remaining", remaining)
		return Outcome{Kind: OutcomeCooling, Remaining: remaining}, nil
	}

	sig, err := s.cfg.Funder.RequestAirdrop(ctx, recipient, s.cfg.TopUpLamports)
	if err != nil {
		return Outcome{}, err
	}

	metrics.FeeGrantsTotal.WithLabelValues(OutcomeGranted.String()).Inc()
	s.log.Info("fee top-up granted", "recipient", recipient, "lamports", s.cfg.TopUpLamports, "signature", sig)
	return Outcome{Kind: OutcomeGranted, GrantedAt: now, Signature: sig}, nil
}
