package staking

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Registry stores per-user staking records and serializes access per user.
//
// Mutate runs fn with exclusive access to one record; the read-check-write
// sequence inside fn is atomic with respect to other mutations of the same
// user. Mutate persists whatever state fn leaves on the record even when fn
// returns an error, so fn must only touch fields whose changes should
// survive the failure (e.g. a fee grant that already happened).
type Registry interface {
	Get(ctx context.Context, userID string) (UserStakeRecord, error)
	List(ctx context.Context) ([]UserStakeRecord, error)
	Register(ctx context.Context, rec UserStakeRecord) error
	Mutate(ctx context.Context, userID string, fn func(*UserStakeRecord) error) error
}

type MemoryRegistryConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
}

func (cfg *MemoryRegistryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type registryEntry struct {
	mu  sync.Mutex
	rec UserStakeRecord
}

// MemoryRegistry is the default in-process registry. A per-entry mutex
// serializes each user's lifecycle; different users proceed in parallel.
type MemoryRegistry struct {
	log *slog.Logger
	cfg MemoryRegistryConfig

	mu      sync.RWMutex
	entries map[string]*registryEntry
	order   []string
}

func NewMemoryRegistry(cfg MemoryRegistryConfig) (*MemoryRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MemoryRegistry{
		log:     cfg.Logger,
		cfg:     cfg,
		entries: make(map[string]*registryEntry),
	}, nil
}

func (r *MemoryRegistry) Register(ctx context.Context, rec UserStakeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[rec.UserID]; ok {
		return ErrUserExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.cfg.Clock.Now()
	}
	rec.CanStake = true
	r.entries[rec.UserID] = &registryEntry{rec: rec}
	r.order = append(r.order, rec.UserID)

	r.log.Debug("registered user record", "user_id", rec.UserID, "principal", rec.Principal)
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, userID string) (UserStakeRecord, error) {
	r.mu.RLock()
	entry, ok := r.entries[userID]
	r.mu.RUnlock()
	if !ok {
		return UserStakeRecord{}, ErrUnknownUser
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]UserStakeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UserStakeRecord, 0, len(r.order))
	for _, userID := range r.order {
		entry := r.entries[userID]
		entry.mu.Lock()
		out = append(out, entry.rec)
		entry.mu.Unlock()
	}
	return out, nil
}

func (r *MemoryRegistry) Mutate(ctx context.Context, userID string, fn func(*UserStakeRecord) error) error {
	r.mu.RLock()
	entry, ok := r.entries[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownUser
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(&entry.rec)
}
