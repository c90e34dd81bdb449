package dispute

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
	// ErrNotFound signals the dispute does not exist.
	ErrNotFound = errors.New("dispute: not found")
	// ErrInvalidStatus signals a dispute status gate rejected the operation.
	ErrInvalidStatus = errors.New("dispute: invalid dispute status")
	// ErrExists signals the transaction is already disputed.
	ErrExists = errors.New("dispute: already filed for transaction")
	// ErrForbidden signals the caller is not a party to the transaction or
	// lacks adjudication rights.
	ErrForbidden = errors.New("dispute: forbidden")
)

const disputeColumns = `id, transaction_id, complainant_id, respondent_id, reason, status::text, created_at, resolved_at, resolution`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert files a new dispute under its derived key.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO disputes (id, transaction_id, complainant_id, respondent_id, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'filed', $6)
		RETURNING `+disputeColumns,
		d.ID, d.TransactionID, d.ComplainantID, d.RespondentID, d.Reason, d.CreatedAt)

	created, err := scanDispute(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrExists
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return created, nil
}

// GetForUpdate locks and returns the dispute row.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	row := tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, disputeID)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return d, nil
}

// MarkUnderReview flips filed -> under_review.
func (r *PGRepository) MarkUnderReview(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	row := tx.QueryRow(ctx, `
		UPDATE disputes
		SET status = 'under_review'
		WHERE id = $1 AND status = 'filed'
		RETURNING `+disputeColumns, disputeID)

	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, r.classify(ctx, tx, disputeID)
		}
		return Dispute{}, fmt.Errorf("dispute: mark under review: %w", err)
	}
	return d, nil
}

// MarkResolved records the adjudication outcome. The caller holds the row
// lock and has already validated the under_review gate.
func (r *PGRepository) MarkResolved(ctx context.Context, tx pgx.Tx, disputeID string, resolvedAt time.Time, resolution string) (Dispute, error) {
	row := tx.QueryRow(ctx, `
		UPDATE disputes
		SET status = 'resolved', resolved_at = $2, resolution = $3
		WHERE id = $1 AND status = 'under_review'
		RETURNING `+disputeColumns, disputeID, resolvedAt, resolution)

	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, r.classify(ctx, tx, disputeID)
		}
		return Dispute{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return d, nil
}

// MarkDismissed throws out a dispute that never reached a resolution.
func (r *PGRepository) MarkDismissed(ctx context.Context, tx pgx.Tx, disputeID string, dismissedAt time.Time) (Dispute, error) {
	row := tx.QueryRow(ctx, `
		UPDATE disputes
		SET status = 'dismissed', resolved_at = $2
		WHERE id = $1 AND status IN ('filed', 'under_review')
		RETURNING `+disputeColumns, disputeID, dismissedAt)

	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, r.classify(ctx, tx, disputeID)
		}
		return Dispute{}, fmt.Errorf("dispute: mark dismissed: %w", err)
	}
	return d, nil
}

func (r *PGRepository) classify(ctx context.Context, tx pgx.Tx, disputeID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, disputeID).Scan(&exists); err != nil {
		return fmt.Errorf("dispute: classify: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidStatus
}

// GetByID reads a dispute outside any transaction.
func (r *PGRepository) GetByID(ctx context.Context, disputeID string) (Dispute, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, disputeID)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get by id: %w", err)
	}
	return d, nil
}

// ListForParticipant returns disputes where the participant is complainant
// or respondent, newest first.
func (r *PGRepository) ListForParticipant(ctx context.Context, participantID string) ([]Dispute, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE complainant_id = $1 OR respondent_id = $1
		ORDER BY created_at DESC
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var (
		d          Dispute
		resolvedAt *time.Time
		resolution *string
	)
	err := row.Scan(&d.ID, &d.TransactionID, &d.ComplainantID, &d.RespondentID, &d.Reason, &d.Status,
		&d.CreatedAt, &resolvedAt, &resolution)
	if err != nil {
		return Dispute{}, err
	}
	d.ResolvedAt = resolvedAt
	d.Resolution = resolution
	return d, nil
}
