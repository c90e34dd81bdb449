package trade

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
	// ErrNotFound signals the transaction does not exist.
	ErrNotFound = errors.New("trade: transaction not found")
	// ErrAlreadyCompleted signals the transaction is no longer pending.
	ErrAlreadyCompleted = errors.New("trade: transaction already completed")
	// ErrExists signals this buyer already transacted on this listing.
	ErrExists = errors.New("trade: transaction already exists")
	// ErrRefundPeriodNotElapsed signals the escrow release window is still open.
	ErrRefundPeriodNotElapsed = errors.New("trade: refund period not elapsed")
	// ErrSelfPurchase rejects a seller buying their own listing.
	ErrSelfPurchase = errors.New("trade: buyer is the seller")
)

const transactionColumns = `id, buyer_id, seller_id, listing_id, amount, currency, status::text, created_at, completed_at, escrow_release_time, dispute_deadline`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert records a new pending transaction under its derived key.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO transactions (id, buyer_id, seller_id, listing_id, amount, currency, status, created_at, escrow_release_time, dispute_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9)
		RETURNING `+transactionColumns,
		t.ID, t.BuyerID, t.SellerID, t.ListingID, t.Amount, t.Currency, t.CreatedAt, t.EscrowReleaseTime, t.DisputeDeadline)

	created, err := scanTransaction(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Transaction{}, ErrExists
		}
		return Transaction{}, fmt.Errorf("trade: insert transaction: %w", err)
	}
	return created, nil
}

// GetForUpdate locks and returns the transaction row. Operations that gate
// on transaction status lock here first so racing callers serialize.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (Transaction, error) {
	row := tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, transactionID)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("trade: get for update: %w", err)
	}
	return t, nil
}

// SetStatus rewrites the transaction status and optionally completed_at.
// Callers hold the row lock; the transition was validated against the
// status they observed under that lock.
func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, transactionID string, status Status, completedAt *time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = $2::transaction_status,
		    completed_at = COALESCE($3, completed_at)
		WHERE id = $1
	`, transactionID, status, completedAt)
	if err != nil {
		return fmt.Errorf("trade: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get reads the transaction inside the caller's transaction without
// locking it. Used where taking the row lock would invert lock order.
func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, transactionID string) (Transaction, error) {
	row := tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, transactionID)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("trade: get: %w", err)
	}
	return t, nil
}

// GetByID reads a transaction outside any transaction.
func (r *PGRepository) GetByID(ctx context.Context, transactionID string) (Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, transactionID)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("trade: get by id: %w", err)
	}
	return t, nil
}

// ListForParticipant returns transactions where the participant is buyer or
// seller, newest first.
func (r *PGRepository) ListForParticipant(ctx context.Context, participantID string) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("trade: list for participant: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, 8)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("trade: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade: iterate transactions: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t           Transaction
		completedAt *time.Time
	)
	err := row.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.ListingID, &t.Amount, &t.Currency, &t.Status,
		&t.CreatedAt, &completedAt, &t.EscrowReleaseTime, &t.DisputeDeadline)
	if err != nil {
		return Transaction{}, err
	}
	t.CompletedAt = completedAt
	return t, nil
}
