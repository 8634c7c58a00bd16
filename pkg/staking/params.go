package staking

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// StakingParameters is the admin-configured, process-wide staking policy.
// One set is active at a time; replacing it affects only subsequent stakes.
type StakingParameters struct {
	// WindowStart and WindowEnd bound the period during which staking is
	// permitted.
	WindowStart time.Time
	WindowEnd   time.Time

	// LockDurationDays is the minimum time a stake stays locked before it
	// can be claimed.
	LockDurationDays int

	// APY is a fraction (0.1 = 10%) applied flat to the full lock duration.
	APY float64
}

// ParameterVersion is an audit entry recording when a parameter set was
// activated.
type ParameterVersion struct {
	Params StakingParameters
	SetAt  time.Time
}

type ParameterStoreConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
}

func (cfg *ParameterStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ParameterStore holds the single active parameter set plus a timestamped
// history for audit. Read-only to everything but the admin surface.
type ParameterStore struct {
	log *slog.Logger
	cfg ParameterStoreConfig

	mu      sync.RWMutex
	current *StakingParameters
	history []ParameterVersion
}

func NewParameterStore(cfg ParameterStoreConfig) (*ParameterStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ParameterStore{log: cfg.Logger, cfg: cfg}, nil
}

// Set validates and activates a new parameter set, replacing the previous
// one for all subsequent stakes. Existing stakes keep the terms captured at
// their own stake time.
func (s *ParameterStore) Set(p StakingParameters) error {
	if !p.WindowStart.Before(p.WindowEnd) {
		return fmt.Errorf("%w: window start %s must be before window end %s", ErrInvalidParameters, p.WindowStart.UTC(), p.WindowEnd.UTC())
	}
	if p.LockDurationDays < 0 {
		return fmt.Errorf("%w: lock duration must not be negative, got %d days", ErrInvalidParameters, p.LockDurationDays)
	}
	if math.IsNaN(p.APY) || p.APY < 0 {
		return fmt.Errorf("%w: apy must be a non-negative fraction, got %v", ErrInvalidParameters, p.APY)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &p
	s.history = append(s.history, ParameterVersion{Params: p, SetAt: s.cfg.Clock.Now()})

	s.log.Info("staking parameters updated",
		"window_start", p.WindowStart.UTC(),
		"window_end", p.WindowEnd.UTC(),
		"lock_duration_days", p.LockDurationDays,
		"apy", p.APY)
	return nil
}

// Get returns the active parameters, or false if no admin action has
// occurred yet.
func (s *ParameterStore) Get() (StakingParameters, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return StakingParameters{}, false
	}
	return *s.current, true
}

// History returns all parameter versions in activation order.
func (s *ParameterStore) History() []ParameterVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ParameterVersion, len(s.history))
	copy(out, s.history)
	return out
}
