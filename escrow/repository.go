package escrow

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
	// ErrNotFound signals the escrow does not exist.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidState signals a disposition gate rejected the operation.
	ErrInvalidState = errors.New("escrow: invalid escrow state")
	// ErrExists signals the listing already has a bound escrow.
	ErrExists = errors.New("escrow: already exists for listing")
)

const escrowColumns = `id, listing_id, transaction_id, amount, currency, status::text, release_time, created_at, updated_at`

// PGRepository is the pgx-backed escrow store. All status flips are
// conditional updates: the check and the flip are one atomic step, which is
// what makes release/refund at-most-once under racing callers.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts the empty active escrow paired with a new listing.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, escrowID, listingID, currency string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrows (id, listing_id, amount, currency, status)
		VALUES ($1, $2, 0, $3, 'active')
	`, escrowID, listingID, currency)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrExists
		}
		return fmt.Errorf("escrow: create: %w", err)
	}
	return nil
}

// BindTransaction rebinds an active, still-unbound escrow to a transaction,
// setting the held amount and release time.
func (r *PGRepository) BindTransaction(ctx context.Context, tx pgx.Tx, escrowID, transactionID string, amount int64, currency string, releaseTime time.Time) (Escrow, error) {
	row := tx.QueryRow(ctx, `
		UPDATE escrows
		SET transaction_id = $2, amount = $3, currency = $4, release_time = $5, updated_at = now()
		WHERE id = $1 AND status = 'active' AND transaction_id IS NULL
		RETURNING `+escrowColumns, escrowID, transactionID, amount, currency, releaseTime)

	e, err := scanEscrow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, r.classify(ctx, tx, escrowID)
		}
		return Escrow{}, fmt.Errorf("escrow: bind transaction: %w", err)
	}
	return e, nil
}

// MarkReleased flips active -> released. It reports whether this call won
// the flip; a false return with nil error means another caller already
// settled the escrow.
func (r *PGRepository) MarkReleased(ctx context.Context, tx pgx.Tx, escrowID string) (bool, error) {
	return r.flip(ctx, tx, escrowID, StatusReleased)
}

// MarkRefunded flips active -> refunded.
func (r *PGRepository) MarkRefunded(ctx context.Context, tx pgx.Tx, escrowID string) (bool, error) {
	return r.flip(ctx, tx, escrowID, StatusRefunded)
}

func (r *PGRepository) flip(ctx context.Context, tx pgx.Tx, escrowID string, to Status) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE escrows
		SET status = $2::escrow_status, updated_at = now()
		WHERE id = $1 AND status = 'active'
	`, escrowID, to)
	if err != nil {
		return false, fmt.Errorf("escrow: flip to %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		err := r.classify(ctx, tx, escrowID)
		if errors.Is(err, ErrInvalidState) {
			// Already settled by a racing caller.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *PGRepository) classify(ctx context.Context, tx pgx.Tx, escrowID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, escrowID).Scan(&exists); err != nil {
		return fmt.Errorf("escrow: classify: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidState
}

// GetForUpdate locks and returns the escrow row.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, escrowID string) (Escrow, error) {
	row := tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, escrowID)
	e, err := scanEscrow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get for update: %w", err)
	}
	return e, nil
}

// GetByTransactionForUpdate locks and returns the escrow bound to the
// transaction.
func (r *PGRepository) GetByTransactionForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (Escrow, error) {
	row := tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE transaction_id = $1 FOR UPDATE`, transactionID)
	e, err := scanEscrow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get by transaction: %w", err)
	}
	return e, nil
}

// GetByID reads an escrow outside any transaction.
func (r *PGRepository) GetByID(ctx context.Context, escrowID string) (Escrow, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, escrowID)
	e, err := scanEscrow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get by id: %w", err)
	}
	return e, nil
}

func scanEscrow(row pgx.Row) (Escrow, error) {
	var (
		e             Escrow
		transactionID *string
		releaseTime   *time.Time
	)
	err := row.Scan(&e.ID, &e.ListingID, &transactionID, &e.Amount, &e.Currency, &e.Status, &releaseTime, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Escrow{}, err
	}
	e.TransactionID = transactionID
	e.ReleaseTime = releaseTime
	return e, nil
}
