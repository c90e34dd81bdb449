package listing

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
	// ErrNotFound signals the listing does not exist.
	ErrNotFound = errors.New("listing: not found")
	// ErrNotActive signals a status gate rejected the operation.
	ErrNotActive = errors.New("listing: not active")
	// ErrExists signals the seller already has a live listing for the asset.
	ErrExists = errors.New("listing: already exists")
	// ErrForbidden signals the caller does not own the listing.
	ErrForbidden = errors.New("listing: forbidden")
)

const listingColumns = `id, seller_id, asset_id, price, rent_price, currency, status::text, escrow_id, created_at, updated_at`

// PGRepository is the pgx-backed listing store. Mutations take the caller's
// transaction so listing writes commit or abort with the rest of the
// operation.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert creates a new active listing under its derived key.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, l Listing) (Listing, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO listings (id, seller_id, asset_id, price, rent_price, currency, status, escrow_id)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7)
		RETURNING `+listingColumns, l.ID, l.SellerID, l.AssetID, l.Price, l.RentPrice, l.Currency, l.EscrowID)

	created, err := scanListing(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Listing{}, ErrExists
		}
		return Listing{}, fmt.Errorf("listing: insert: %w", err)
	}
	return created, nil
}

// MarkSold atomically flips an active listing to sold and returns it. This
// is the purchase-side gate: of two racing callers only one observes the
// active row.
func (r *PGRepository) MarkSold(ctx context.Context, tx pgx.Tx, listingID string) (Listing, error) {
	row := tx.QueryRow(ctx, `
		UPDATE listings
		SET status = 'sold', updated_at = now()
		WHERE id = $1 AND status = 'active'
		RETURNING `+listingColumns, listingID)

	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, r.classifyGateMiss(ctx, tx, listingID, "")
		}
		return Listing{}, fmt.Errorf("listing: mark sold: %w", err)
	}
	return l, nil
}

// MarkDelisted atomically flips an active listing owned by the seller to
// delisted. The same status gate that guards purchase guards cancellation,
// so the loser of a purchase/cancel race fails cleanly.
func (r *PGRepository) MarkDelisted(ctx context.Context, tx pgx.Tx, listingID, sellerID string) (Listing, error) {
	row := tx.QueryRow(ctx, `
		UPDATE listings
		SET status = 'delisted', updated_at = now()
		WHERE id = $1 AND seller_id = $2 AND status = 'active'
		RETURNING `+listingColumns, listingID, sellerID)

	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, r.classifyGateMiss(ctx, tx, listingID, sellerID)
		}
		return Listing{}, fmt.Errorf("listing: mark delisted: %w", err)
	}
	return l, nil
}

// SetStatus applies a transition between the seller-controlled states. Only
// active<->paused transitions are representable here; anything else is
// rejected by the WHERE clause.
func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, listingID, sellerID string, from, to Status) (Listing, error) {
	if !(from == StatusActive && to == StatusPaused) && !(from == StatusPaused && to == StatusActive) {
		return Listing{}, ErrNotActive
	}

	row := tx.QueryRow(ctx, `
		UPDATE listings
		SET status = $4::listing_status, updated_at = now()
		WHERE id = $1 AND seller_id = $2 AND status = $3::listing_status
		RETURNING `+listingColumns, listingID, sellerID, from, to)

	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, r.classifyGateMiss(ctx, tx, listingID, sellerID)
		}
		return Listing{}, fmt.Errorf("listing: set status: %w", err)
	}
	return l, nil
}

// classifyGateMiss distinguishes "no such listing", "not yours", and "wrong
// state" after a conditional update matched nothing.
func (r *PGRepository) classifyGateMiss(ctx context.Context, tx pgx.Tx, listingID, sellerID string) error {
	var owner string
	err := tx.QueryRow(ctx, `SELECT seller_id FROM listings WHERE id = $1`, listingID).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("listing: classify gate miss: %w", err)
	}
	if sellerID != "" && owner != sellerID {
		return ErrForbidden
	}
	return ErrNotActive
}

// GetByID reads a listing outside any transaction.
func (r *PGRepository) GetByID(ctx context.Context, listingID string) (Listing, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, listingID)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get by id: %w", err)
	}
	return l, nil
}

// ListBySeller returns the seller's listings, newest first.
func (r *PGRepository) ListBySeller(ctx context.Context, sellerID string) ([]Listing, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE seller_id = $1
		ORDER BY created_at DESC
	`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("listing: list by seller: %w", err)
	}
	defer rows.Close()

	out := make([]Listing, 0, 8)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: scan: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate: %w", err)
	}
	return out, nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var (
		l         Listing
		rentPrice *int64
		escrowID  *string
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(&l.ID, &l.SellerID, &l.AssetID, &l.Price, &rentPrice, &l.Currency, &l.Status, &escrowID, &createdAt, &updatedAt)
	if err != nil {
		return Listing{}, err
	}
	l.RentPrice = rentPrice
	l.EscrowID = escrowID
	l.CreatedAt = createdAt
	l.UpdatedAt = updatedAt
	return l, nil
}
