// Package marketplace holds the singleton registry record carrying the
// marketplace authority. Every privileged operation resolves its
// authorization context through this record.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentmarket/keys"
)

var (
	// ErrAlreadyInitialized signals the marketplace singleton already exists.
	ErrAlreadyInitialized = errors.New("marketplace: already initialized")
	// ErrNotInitialized signals no marketplace record exists yet.
	ErrNotInitialized = errors.New("marketplace: not initialized")
)

// Record is the marketplace registry row. The authority is immutable after
// initialization.
type Record struct {
	ID        string
	Authority string
	CreatedAt time.Time
}

type Registry struct {
	pool *pgxpool.Pool
}

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Init creates the singleton marketplace record. A second call fails
// regardless of the authority supplied.
func (r *Registry) Init(ctx context.Context, authority string) (Record, error) {
	if authority == "" {
		return Record{}, fmt.Errorf("marketplace: authority required")
	}

	id := keys.Derive(keys.TagMarketplace)

	var rec Record
	err := r.pool.QueryRow(ctx, `
		INSERT INTO marketplace (id, authority)
		VALUES ($1, $2)
		RETURNING id, authority, created_at
	`, id, authority).Scan(&rec.ID, &rec.Authority, &rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyInitialized
		}
		return Record{}, fmt.Errorf("marketplace: init: %w", err)
	}
	return rec, nil
}

// Get returns the singleton record.
func (r *Registry) Get(ctx context.Context) (Record, error) {
	var rec Record
	err := r.pool.QueryRow(ctx,
		`SELECT id, authority, created_at FROM marketplace LIMIT 1`,
	).Scan(&rec.ID, &rec.Authority, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotInitialized
		}
		return Record{}, fmt.Errorf("marketplace: get: %w", err)
	}
	return rec, nil
}

// IsAuthority reports whether the participant is the marketplace authority.
func (r *Registry) IsAuthority(ctx context.Context, participantID string) (bool, error) {
	rec, err := r.Get(ctx)
	if err != nil {
		return false, err
	}
	return rec.Authority == participantID, nil
}
