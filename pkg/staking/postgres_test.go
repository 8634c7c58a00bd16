package staking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	stakehousetesting "github.com/malbeclabs/stakehouse/utils/pkg/testing"
)

// TestStakehouse_Staking_PostgresRegistry exercises the registry contract
// against a real PostgreSQL instance, including the row-lock serialization
// that the in-memory registry provides with a mutex.
func TestStakehouse_Staking_PostgresRegistry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	t.Parallel()

	log := stakehousetesting.NewLogger()
	ctx := context.Background()

	pg, err := stakehousetesting.NewPostgres(ctx, log, nil)
	require.NoError(t, err)
	t.Cleanup(pg.Close)

	require.NoError(t, RunMigrations(log, pg.ConnStr()))

	pool := stakehousetesting.NewTestPool(t, pg)
	registry, err := NewPostgresRegistry(PostgresRegistryConfig{
		Logger: log,
		Clock:  clockwork.NewRealClock(),
		Pool:   pool,
	})
	require.NoError(t, err)

	t.Run("get returns ErrUnknownUser for missing records", func(t *testing.T) {
		_, err := registry.Get(ctx, "pg-nobody")
		require.ErrorIs(t, err, ErrUnknownUser)
	})

	t.Run("register then get round-trips all fields", func(t *testing.T) {
		rec := newTestRecord("pg-alice")
		require.NoError(t, registry.Register(ctx, rec))

		got, err := registry.Get(ctx, "pg-alice")
		require.NoError(t, err)
		require.Equal(t, rec.UserID, got.UserID)
		require.Equal(t, rec.Owner, got.Owner)
		require.Equal(t, rec.Principal, got.Principal)
		require.True(t, got.CanStake)
		require.False(t, got.CreatedAt.IsZero())
		require.True(t, got.StakeStart.IsZero(), "null timestamps come back zero")
		require.True(t, got.LastFeeTopUp.IsZero())
		require.Equal(t, StateUnstaked, got.State())
	})

	t.Run("register twice fails", func(t *testing.T) {
		rec := newTestRecord("pg-dup")
		require.NoError(t, registry.Register(ctx, rec))
		require.ErrorIs(t, registry.Register(ctx, newTestRecord("pg-dup")), ErrUserExists)
	})

	t.Run("list orders by registration time", func(t *testing.T) {
		for _, id := range []string{"pg-list-1", "pg-list-2", "pg-list-3"} {
			require.NoError(t, registry.Register(ctx, newTestRecord(id)))
			time.Sleep(5 * time.Millisecond)
		}

		records, err := registry.List(ctx)
		require.NoError(t, err)

		var ids []string
		for _, rec := range records {
			if rec.UserID == "pg-list-1" || rec.UserID == "pg-list-2" || rec.UserID == "pg-list-3" {
				ids = append(ids, rec.UserID)
			}
		}
		require.Equal(t, []string{"pg-list-1", "pg-list-2", "pg-list-3"}, ids)
	})

	t.Run("mutate persists changes", func(t *testing.T) {
		require.NoError(t, registry.Register(ctx, newTestRecord("pg-bob")))

		stakeStart := time.Now().UTC().Truncate(time.Microsecond)
		err := registry.Mutate(ctx, "pg-bob", func(rec *UserStakeRecord) error {
			rec.StakedAmount = 250
			rec.LockDurationDays = 30
			rec.APY = 0.1
			rec.StakeStart = stakeStart
			rec.CanStake = false
			return nil
		})
		require.NoError(t, err)

		rec, err := registry.Get(ctx, "pg-bob")
		require.NoError(t, err)
		require.Equal(t, uint64(250), rec.StakedAmount)
		require.Equal(t, 30, rec.LockDurationDays)
		require.Equal(t, 0.1, rec.APY)
		require.Equal(t, stakeStart, rec.StakeStart)
		require.False(t, rec.CanStake)
		require.Equal(t, StateStaked, rec.State())
	})

	t.Run("mutate persists changes made before a returned error", func(t *testing.T) {
		require.NoError(t, registry.Register(ctx, newTestRecord("pg-carol")))

		sentinel := errors.New("validation failed downstream")
		topUp := time.Now().UTC().Truncate(time.Microsecond)
		err := registry.Mutate(ctx, "pg-carol", func(rec *UserStakeRecord) error {
			rec.LastFeeTopUp = topUp
			return sentinel
		})
		require.ErrorIs(t, err, sentinel)

		rec, err := registry.Get(ctx, "pg-carol")
		require.NoError(t, err)
		require.Equal(t, topUp, rec.LastFeeTopUp)
		require.Zero(t, rec.StakedAmount)
	})

	t.Run("mutate for unknown user fails without calling fn", func(t *testing.T) {
		called := false
		err := registry.Mutate(ctx, "pg-nobody", func(rec *UserStakeRecord) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, ErrUnknownUser)
		require.False(t, called)
	})

	t.Run("concurrent mutations of one user serialize on the row lock", func(t *testing.T) {
		require.NoError(t, registry.Register(ctx, newTestRecord("pg-racer")))

		const workers = 16
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = registry.Mutate(ctx, "pg-racer", func(rec *UserStakeRecord) error {
					rec.StakedAmount++
					return nil
				})
			}()
		}
		wg.Wait()

		rec, err := registry.Get(ctx, "pg-racer")
		require.NoError(t, err)
		require.Equal(t, uint64(workers), rec.StakedAmount)
	})
}
