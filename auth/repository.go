package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrParticipantNotFound signals that the participant does not exist.
	ErrParticipantNotFound = errors.New("auth: participant not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateParticipant(ctx context.Context, params CreateParticipantParams) (Participant, error)
	GetParticipantByEmail(ctx context.Context, email string) (Participant, error)
	GetParticipantByID(ctx context.Context, participantID string) (Participant, error)
}

// CreateParticipantParams contains write parameters for creating participants.
type CreateParticipantParams struct {
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const participantColumns = `id, email, display_name, password_hash, role, created_at, updated_at`

// CreateParticipant inserts a new participant with hashed password.
func (r *PGRepository) CreateParticipant(ctx context.Context, params CreateParticipantParams) (Participant, error) {
	const insertSQL = `
		INSERT INTO participants (email, display_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + participantColumns

	p, err := scanParticipant(r.pool.QueryRow(ctx, insertSQL, params.Email, params.DisplayName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Participant{}, ErrDuplicateEmail
		}
		return Participant{}, fmt.Errorf("auth: create participant: %w", err)
	}

	return p, nil
}

// GetParticipantByEmail retrieves a participant by email address.
func (r *PGRepository) GetParticipantByEmail(ctx context.Context, email string) (Participant, error) {
	const selectSQL = `
		SELECT ` + participantColumns + `
		FROM participants
		WHERE email = $1`

	p, err := scanParticipant(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrParticipantNotFound
		}
		return Participant{}, fmt.Errorf("auth: get participant by email: %w", err)
	}

	return p, nil
}

// GetParticipantByID retrieves a participant by ID.
func (r *PGRepository) GetParticipantByID(ctx context.Context, participantID string) (Participant, error) {
	const selectSQL = `
		SELECT ` + participantColumns + `
		FROM participants
		WHERE id = $1`

	p, err := scanParticipant(r.pool.QueryRow(ctx, selectSQL, participantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrParticipantNotFound
		}
		return Participant{}, fmt.Errorf("auth: get participant by id: %w", err)
	}

	return p, nil
}

func scanParticipant(row pgx.Row) (Participant, error) {
	var p Participant
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.DisplayName,
		&p.PasswordHash,
		&p.Role,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Participant{}, err
	}
	return p, nil
}
