package listing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"agentmarket/custody"
	"agentmarket/event"
	"agentmarket/keys"
)

// ErrCurrencyIsAsset rejects a listing whose settlement currency is the
// asset itself: currency and asset are distinct ledgers.
var ErrCurrencyIsAsset = errors.New("listing: currency must differ from asset id")

// One agent per listing; the asset ledger holds whole units.
const assetQuantity = 1

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the listing data access required by the service.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, l Listing) (Listing, error)
	MarkDelisted(ctx context.Context, tx pgx.Tx, listingID, sellerID string) (Listing, error)
	SetStatus(ctx context.Context, tx pgx.Tx, listingID, sellerID string, from, to Status) (Listing, error)
	GetByID(ctx context.Context, listingID string) (Listing, error)
	ListBySeller(ctx context.Context, sellerID string) ([]Listing, error)
}

// EscrowStore is the slice of the escrow package the listing flow needs:
// creating the paired escrow and retiring it on cancellation.
type EscrowStore interface {
	Create(ctx context.Context, tx pgx.Tx, escrowID, listingID, currency string) error
	MarkRefunded(ctx context.Context, tx pgx.Tx, escrowID string) (bool, error)
}

type Service struct {
	pool    TxBeginner
	repo    Repository
	escrows EscrowStore
	gateway custody.Gateway
}

func NewService(pool TxBeginner, repo Repository, escrows EscrowStore, gateway custody.Gateway) *Service {
	return &Service{
		pool:    pool,
		repo:    repo,
		escrows: escrows,
		gateway: gateway,
	}
}

// Create lists an agent for sale: it writes the listing and its paired
// escrow, then moves the agent from the seller's custody into escrow
// custody. Any transfer failure aborts both writes.
func (s *Service) Create(ctx context.Context, params CreateParams) (Listing, error) {
	if params.SellerID == "" {
		return Listing{}, fmt.Errorf("listing: seller id required")
	}
	if params.AssetID == "" {
		return Listing{}, fmt.Errorf("listing: asset id required")
	}
	if params.Price <= 0 {
		return Listing{}, fmt.Errorf("listing: price must be positive")
	}
	if params.Currency == "" {
		return Listing{}, fmt.Errorf("listing: currency required")
	}
	if params.Currency == params.AssetID {
		return Listing{}, ErrCurrencyIsAsset
	}
	if params.RentPrice != nil && *params.RentPrice <= 0 {
		return Listing{}, fmt.Errorf("listing: rent price must be positive")
	}

	listingID := keys.Derive(keys.TagListing, params.SellerID, params.AssetID)
	escrowID := keys.Derive(keys.TagEscrow, listingID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, Listing{
		ID:        listingID,
		SellerID:  params.SellerID,
		AssetID:   params.AssetID,
		Price:     params.Price,
		RentPrice: params.RentPrice,
		Currency:  params.Currency,
		EscrowID:  &escrowID,
	})
	if err != nil {
		return Listing{}, err
	}

	if err := s.escrows.Create(ctx, tx, escrowID, listingID, params.Currency); err != nil {
		return Listing{}, err
	}

	// Move the agent into escrow custody.
	if err := s.gateway.Transfer(ctx, tx, params.SellerID, escrowID, params.AssetID, assetQuantity); err != nil {
		return Listing{}, err
	}

	if err := event.AppendTimeline(ctx, tx, listingID, "LISTING_CREATED", &params.SellerID, map[string]any{
		"asset_id": params.AssetID,
		"price":    params.Price,
		"currency": params.Currency,
	}); err != nil {
		return Listing{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicListingCreated, map[string]any{
		"listing_id": listingID,
		"seller_id":  params.SellerID,
		"asset_id":   params.AssetID,
		"price":      params.Price,
		"currency":   params.Currency,
	}); err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit create: %w", err)
	}
	return created, nil
}

// Cancel delists an active listing and returns the agent to the seller. The
// paired escrow is retired in the same transaction so the listing/escrow
// consistency invariant survives.
func (s *Service) Cancel(ctx context.Context, sellerID, listingID string) (Listing, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.repo.MarkDelisted(ctx, tx, listingID, sellerID)
	if err != nil {
		return Listing{}, err
	}
	if l.EscrowID == nil {
		return Listing{}, fmt.Errorf("listing: %s has no bound escrow", listingID)
	}

	if _, err := s.escrows.MarkRefunded(ctx, tx, *l.EscrowID); err != nil {
		return Listing{}, err
	}

	if err := s.gateway.Transfer(ctx, tx, *l.EscrowID, sellerID, l.AssetID, assetQuantity); err != nil {
		return Listing{}, err
	}

	if err := event.AppendTimeline(ctx, tx, listingID, "LISTING_DELISTED", &sellerID, nil); err != nil {
		return Listing{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicListingDelisted, map[string]any{
		"listing_id": listingID,
		"seller_id":  sellerID,
	}); err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit cancel: %w", err)
	}
	return l, nil
}

// Pause takes an active listing off the market without moving the asset.
func (s *Service) Pause(ctx context.Context, sellerID, listingID string) (Listing, error) {
	return s.flip(ctx, sellerID, listingID, StatusActive, StatusPaused)
}

// Resume puts a paused listing back on the market.
func (s *Service) Resume(ctx context.Context, sellerID, listingID string) (Listing, error) {
	return s.flip(ctx, sellerID, listingID, StatusPaused, StatusActive)
}

func (s *Service) flip(ctx context.Context, sellerID, listingID string, from, to Status) (Listing, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.repo.SetStatus(ctx, tx, listingID, sellerID, from, to)
	if err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit status flip: %w", err)
	}
	return l, nil
}

// Get returns a listing by id.
func (s *Service) Get(ctx context.Context, listingID string) (Listing, error) {
	return s.repo.GetByID(ctx, listingID)
}

// ListBySeller returns the seller's listings.
func (s *Service) ListBySeller(ctx context.Context, sellerID string) ([]Listing, error) {
	return s.repo.ListBySeller(ctx, sellerID)
}
