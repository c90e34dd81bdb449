// Package custody implements the asset transfer gateway over the custody
// ledger. A transfer is an atomic balance movement between two custody
// accounts on a single ledger; it always runs inside the caller's
// transaction, so a failed transfer aborts the whole enclosing operation.
package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrInsufficientFunds signals the source account cannot cover the amount.
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	// ErrUnauthorized signals the source account was never provisioned.
	ErrUnauthorized = errors.New("custody: source account not provisioned")
	// ErrInvalidAmount signals a non-positive transfer amount.
	ErrInvalidAmount = errors.New("custody: amount must be positive")
)

// Gateway executes balance movements between custody accounts.
type Gateway interface {
	Transfer(ctx context.Context, tx pgx.Tx, from, to, ledgerID string, amount int64) error
}

// Querier covers the read surface shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGGateway is the Postgres-backed gateway implementation.
type PGGateway struct{}

func NewGateway() *PGGateway {
	return &PGGateway{}
}

// Transfer debits the source account and credits the destination on the
// given ledger. The debit carries the balance guard, so two racing
// transfers can never overdraw the source. The credit upserts: escrow
// accounts come into existence on their first credit.
func (g *PGGateway) Transfer(ctx context.Context, tx pgx.Tx, from, to, ledgerID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return fmt.Errorf("custody: transfer to self on ledger %s", ledgerID)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE custody_accounts
		SET balance = balance - $3, updated_at = now()
		WHERE owner_id = $1 AND ledger_id = $2 AND balance >= $3
	`, from, ledgerID, amount)
	if err != nil {
		return fmt.Errorf("custody: debit %s on %s: %w", from, ledgerID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM custody_accounts WHERE owner_id = $1 AND ledger_id = $2)
		`, from, ledgerID).Scan(&exists); err != nil {
			return fmt.Errorf("custody: check source account: %w", err)
		}
		if !exists {
			return ErrUnauthorized
		}
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO custody_accounts (owner_id, ledger_id, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, ledger_id)
		DO UPDATE SET balance = custody_accounts.balance + EXCLUDED.balance, updated_at = now()
	`, to, ledgerID, amount); err != nil {
		return fmt.Errorf("custody: credit %s on %s: %w", to, ledgerID, err)
	}

	return nil
}

// Balance reads a single custody account. A missing account reads as zero.
func Balance(ctx context.Context, q Querier, ownerID, ledgerID string) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `
		SELECT balance FROM custody_accounts WHERE owner_id = $1 AND ledger_id = $2
	`, ownerID, ledgerID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("custody: read balance: %w", err)
	}
	return balance, nil
}

// Provision creates or tops up a custody account. Account provisioning is
// owned by an external system in production; this is used by bootstrap and
// tests.
func Provision(ctx context.Context, tx pgx.Tx, ownerID, ledgerID string, balance int64) error {
	if balance < 0 {
		return ErrInvalidAmount
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO custody_accounts (owner_id, ledger_id, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, ledger_id)
		DO UPDATE SET balance = custody_accounts.balance + EXCLUDED.balance, updated_at = now()
	`, ownerID, ledgerID, balance); err != nil {
		return fmt.Errorf("custody: provision account: %w", err)
	}
	return nil
}
