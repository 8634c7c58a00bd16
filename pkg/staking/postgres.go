package staking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

type PostgresRegistryConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Pool   *pgxpool.Pool
}

func (cfg *PostgresRegistryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// PostgresRegistry persists user stake records in PostgreSQL. Per-user
// serialization is provided by a row lock (SELECT ... FOR UPDATE) held for
// the duration of Mutate, so concurrent operations on the same user queue on
// the database while different users proceed in parallel.
type PostgresRegistry struct {
	log *slog.Logger
	cfg PostgresRegistryConfig
}

func NewPostgresRegistry(cfg PostgresRegistryConfig) (*PostgresRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PostgresRegistry{log: cfg.Logger, cfg: cfg}, nil
}

const recordColumns = `user_id, owner, principal, staked_amount, lock_duration_days, apy, stake_start, stake_end, can_stake, last_fee_top_up, created_at`

func (r *PostgresRegistry) Register(ctx context.Context, rec UserStakeRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.cfg.Clock.Now()
	}
	rec.CanStake = true

	_, err := r.cfg.Pool.Exec(ctx, `
		INSERT INTO user_stake_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.UserID,
		rec.Owner.String(),
		rec.Principal.String(),
		int64(rec.StakedAmount),
		rec.LockDurationDays,
		rec.APY,
		nullableTime(rec.StakeStart),
		nullableTime(rec.StakeEnd),
		rec.CanStake,
		nullableTime(rec.LastFeeTopUp),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrUserExists
		}
		return fmt.Errorf("failed to insert user record: %w", err)
	}

	r.log.Debug("registered user record", "user_id", rec.UserID, "principal", rec.Principal)
	return nil
}

func (r *PostgresRegistry) Get(ctx context.Context, userID string) (UserStakeRecord, error) {
	row := r.cfg.Pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM user_stake_records
		WHERE user_id = $1`, userID)
	return scanRecord(row)
}

func (r *PostgresRegistry) List(ctx context.Context) ([]UserStakeRecord, error) {
	rows, err := r.cfg.Pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM user_stake_records
		ORDER BY created_at, user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query user records: %w", err)
	}
	defer rows.Close()

	var out []UserStakeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user records: %w", err)
	}
	return out, nil
}

// Mutate loads the record under a row lock, runs fn, and writes the record
// back. The write-back happens even when fn returns a domain error, matching
// the registry contract; only database failures roll the transaction back.
func (r *PostgresRegistry) Mutate(ctx context.Context, userID string, fn func(*UserStakeRecord) error) error {
	tx, err := r.cfg.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM user_stake_records
		WHERE user_id = $1
		FOR UPDATE`, userID)
	rec, err := scanRecord(row)
	if err != nil {
		return err
	}

	fnErr := fn(&rec)

	_, err = tx.Exec(ctx, `
		UPDATE user_stake_records
		SET staked_amount = $2,
		    lock_duration_days = $3,
		    apy = $4,
		    stake_start = $5,
		    stake_end = $6,
		    can_stake = $7,
		    last_fee_top_up = $8
		WHERE user_id = $1`,
		rec.UserID,
		int64(rec.StakedAmount),
		rec.LockDurationDays,
		rec.APY,
		nullableTime(rec.StakeStart),
		nullableTime(rec.StakeEnd),
		rec.CanStake,
		nullableTime(rec.LastFeeTopUp),
	)
	if err != nil {
		return fmt.Errorf("failed to update user record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit user record: %w", err)
	}
	return fnErr
}

func scanRecord(row pgx.Row) (UserStakeRecord, error) {
	var (
		rec          UserStakeRecord
		owner        string
		principal    string
		stakedAmount int64
		stakeStart   *time.Time
		stakeEnd     *time.Time
		lastTopUp    *time.Time
	)
	err := row.Scan(
		&rec.UserID,
		&owner,
		&principal,
		&stakedAmount,
		&rec.LockDurationDays,
		&rec.APY,
		&stakeStart,
		&stakeEnd,
		&rec.CanStake,
		&lastTopUp,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserStakeRecord{}, ErrUnknownUser
	}
	if err != nil {
		return UserStakeRecord{}, fmt.Errorf("failed to scan user record: %w", err)
	}

	rec.Owner, err = solana.PublicKeyFromBase58(owner)
	if err != nil {
		return UserStakeRecord{}, fmt.Errorf("malformed owner key %q: %w", owner, err)
	}
	rec.Principal, err = solana.PublicKeyFromBase58(principal)
	if err != nil {
		return UserStakeRecord{}, fmt.Errorf("malformed principal key %q: %w", principal, err)
	}
	rec.StakedAmount = uint64(stakedAmount)
	rec.StakeStart = timeOrZero(stakeStart)
	rec.StakeEnd = timeOrZero(stakeEnd)
	rec.LastFeeTopUp = timeOrZero(lastTopUp)
	return rec, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
