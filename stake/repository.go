package stake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no stake account exists for the owner.
	ErrNotFound = errors.New("stake: account not found")

	// ErrExists is returned when the owner already has a stake account.
	ErrExists = errors.New("stake: account already exists")

	// ErrFrozen is returned when the account is frozen.
	ErrFrozen = errors.New("stake: account frozen")

	// ErrAgentsActive is returned when stake is withdrawn while agents
	// are still deployed against it.
	ErrAgentsActive = errors.New("stake: active agents outstanding")

	// ErrInsufficientStake is returned when the withdrawal exceeds the
	// staked balance.
	ErrInsufficientStake = errors.New("stake: insufficient staked amount")

	// ErrNoAgents is returned when an undeploy would drop the agent
	// counter below zero.
	ErrNoAgents = errors.New("stake: no deployed agents")
)

const accountColumns = `owner_id, staked_amount, reputation, active_agents, is_frozen, frozen_at, updated_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, ownerID string, now time.Time) (Account, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO stakes (owner_id, staked_amount, reputation, active_agents, is_frozen, updated_at)
		VALUES ($1, 0, $2, 0, false, $3)
		RETURNING `+accountColumns,
		ownerID, startingReputation, now)

	a, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrExists
		}
		return Account{}, fmt.Errorf("stake: insert account: %w", err)
	}
	return a, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, ownerID string) (Account, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM stakes
		WHERE owner_id = $1
		FOR UPDATE`,
		ownerID)

	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("stake: get account for update: %w", err)
	}
	return a, nil
}

func (r *PGRepository) AddStake(ctx context.Context, tx pgx.Tx, ownerID string, amount int64, now time.Time) (Account, error) {
	row := tx.QueryRow(ctx, `
		UPDATE stakes
		SET staked_amount = staked_amount + $2, updated_at = $3
		WHERE owner_id = $1 AND NOT is_frozen
		RETURNING `+accountColumns,
		ownerID, amount, now)

	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, r.classify(ctx, tx, ownerID, 0)
		}
		return Account{}, fmt.Errorf("stake: add stake: %w", err)
	}
	return a, nil
}

// SubtractStake applies the withdrawal guards in a single conditional
// update; the classification query names which guard rejected it.
func (r *PGRepository) SubtractStake(ctx context.Context, tx pgx.Tx, ownerID string, amount int64, now time.Time) (Account, error) {
	row := tx.QueryRow(ctx, `
		UPDATE stakes
		SET staked_amount = staked_amount - $2, updated_at = $3
		WHERE owner_id = $1 AND NOT is_frozen AND active_agents = 0 AND staked_amount >= $2
		RETURNING `+accountColumns,
		ownerID, amount, now)

	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, r.classify(ctx, tx, ownerID, amount)
		}
		return Account{}, fmt.Errorf("stake: subtract stake: %w", err)
	}
	return a, nil
}

func (r *PGRepository) SetFrozen(ctx context.Context, tx pgx.Tx, ownerID string, now time.Time) (Account, error) {
	row := tx.QueryRow(ctx, `
		UPDATE stakes
		SET is_frozen = true, frozen_at = $2, updated_at = $2
		WHERE owner_id = $1 AND NOT is_frozen
		RETURNING `+accountColumns,
		ownerID, now)

	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, r.classify(ctx, tx, ownerID, 0)
		}
		return Account{}, fmt.Errorf("stake: freeze account: %w", err)
	}
	return a, nil
}

func (r *PGRepository) AdjustAgents(ctx context.Context, tx pgx.Tx, ownerID string, delta int, now time.Time) (Account, error) {
	row := tx.QueryRow(ctx, `
		UPDATE stakes
		SET active_agents = active_agents + $2, updated_at = $3
		WHERE owner_id = $1 AND NOT is_frozen AND active_agents + $2 >= 0
		RETURNING `+accountColumns,
		ownerID, delta, now)

	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, r.classify(ctx, tx, ownerID, 0)
		}
		return Account{}, fmt.Errorf("stake: adjust agents: %w", err)
	}
	return a, nil
}

// classify re-reads the row to report which guard a conditional update
// tripped over.
func (r *PGRepository) classify(ctx context.Context, tx pgx.Tx, ownerID string, amount int64) error {
	var (
		frozen  bool
		agents  int
		balance int64
	)
	err := tx.QueryRow(ctx, `
		SELECT is_frozen, active_agents, staked_amount
		FROM stakes
		WHERE owner_id = $1`,
		ownerID).Scan(&frozen, &agents, &balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("stake: classify account: %w", err)
	}
	switch {
	case frozen:
		return ErrFrozen
	case agents > 0 && amount > 0:
		return ErrAgentsActive
	case amount > 0 && balance < amount:
		return ErrInsufficientStake
	default:
		return ErrNoAgents
	}
}

func (r *PGRepository) GetByOwner(ctx context.Context, ownerID string) (Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM stakes
		WHERE owner_id = $1`,
		ownerID)

	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("stake: get account: %w", err)
	}
	return a, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(
		&a.OwnerID,
		&a.StakedAmount,
		&a.Reputation,
		&a.ActiveAgents,
		&a.IsFrozen,
		&a.FrozenAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	return a, nil
}
