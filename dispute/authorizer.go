package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Authorizer answers whether a participant may adjudicate disputes.
type Authorizer interface {
	CanAdjudicate(ctx context.Context, participantID string) (bool, error)
}

// PGAuthorizer grants adjudication to the marketplace authority and to
// participants holding the arbiter role.
type PGAuthorizer struct {
	pool *pgxpool.Pool
}

func NewAuthorizer(pool *pgxpool.Pool) *PGAuthorizer {
	return &PGAuthorizer{pool: pool}
}

func (a *PGAuthorizer) CanAdjudicate(ctx context.Context, participantID string) (bool, error) {
	if participantID == "" {
		return false, nil
	}

	var isAuthority bool
	err := a.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM marketplace WHERE authority = $1)`,
		participantID,
	).Scan(&isAuthority)
	if err != nil {
		return false, fmt.Errorf("dispute: check authority: %w", err)
	}
	if isAuthority {
		return true, nil
	}

	var role string
	err = a.pool.QueryRow(ctx,
		`SELECT role::text FROM participants WHERE id = $1`,
		participantID,
	).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("dispute: check role: %w", err)
	}
	return role == "arbiter", nil
}
