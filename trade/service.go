package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agentmarket/custody"
	"agentmarket/escrow"
	"agentmarket/event"
	"agentmarket/keys"
	"agentmarket/listing"
)

const assetQuantity = 1

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the transaction data access required by the service.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (Transaction, error)
	Get(ctx context.Context, tx pgx.Tx, transactionID string) (Transaction, error)
	SetStatus(ctx context.Context, tx pgx.Tx, transactionID string, status Status, completedAt *time.Time) error
	GetByID(ctx context.Context, transactionID string) (Transaction, error)
	ListForParticipant(ctx context.Context, participantID string) ([]Transaction, error)
}

// ListingStore is the purchase-side gate into the listing package.
type ListingStore interface {
	MarkSold(ctx context.Context, tx pgx.Tx, listingID string) (listing.Listing, error)
}

// EscrowStore is the settlement surface of the escrow package.
type EscrowStore interface {
	BindTransaction(ctx context.Context, tx pgx.Tx, escrowID, transactionID string, amount int64, currency string, releaseTime time.Time) (escrow.Escrow, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, escrowID string) (escrow.Escrow, error)
	GetByTransactionForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (escrow.Escrow, error)
	MarkReleased(ctx context.Context, tx pgx.Tx, escrowID string) (bool, error)
	GetByID(ctx context.Context, escrowID string) (escrow.Escrow, error)
}

// Service implements the settlement path: purchase, completion, and the
// escrow-only release entry point. Every method is one transaction; time
// gates are evaluated once per call against the injected clock.
type Service struct {
	pool     TxBeginner
	repo     Repository
	listings ListingStore
	escrows  EscrowStore
	gateway  custody.Gateway
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, listings ListingStore, escrows EscrowStore, gateway custody.Gateway) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		listings: listings,
		escrows:  escrows,
		gateway:  gateway,
		now:      time.Now,
	}
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Purchase opens a transaction against an active listing: the listing is
// atomically flipped to sold (the loser of a purchase/cancel race fails with
// the listing gate error and moves nothing), settlement currency moves from
// the buyer into escrow custody, and the agent is delivered to the buyer
// immediately. The seller is paid only after the release window.
func (s *Service) Purchase(ctx context.Context, buyerID, listingID string) (Transaction, error) {
	if buyerID == "" {
		return Transaction{}, fmt.Errorf("trade: buyer id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("trade: begin purchase tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.listings.MarkSold(ctx, tx, listingID)
	if err != nil {
		return Transaction{}, err
	}
	if l.SellerID == buyerID {
		return Transaction{}, ErrSelfPurchase
	}
	if l.EscrowID == nil {
		return Transaction{}, fmt.Errorf("trade: listing %s has no bound escrow", listingID)
	}

	now := s.now()
	t := Transaction{
		ID:                keys.Derive(keys.TagTransaction, buyerID, listingID),
		BuyerID:           buyerID,
		SellerID:          l.SellerID,
		ListingID:         listingID,
		Amount:            l.Price,
		Currency:          l.Currency,
		CreatedAt:         now,
		EscrowReleaseTime: now.Add(ReleaseWindow),
		DisputeDeadline:   now.Add(DisputeWindow),
	}

	created, err := s.repo.Insert(ctx, tx, t)
	if err != nil {
		return Transaction{}, err
	}

	if _, err := s.escrows.BindTransaction(ctx, tx, *l.EscrowID, created.ID, l.Price, l.Currency, created.EscrowReleaseTime); err != nil {
		return Transaction{}, err
	}

	// Buyer funds the escrow on the currency ledger.
	if err := s.gateway.Transfer(ctx, tx, buyerID, *l.EscrowID, l.Currency, l.Price); err != nil {
		return Transaction{}, err
	}

	// Optimistic delivery: the agent goes to the buyer before the seller is
	// paid, so counterparty risk during the lock window sits with the seller.
	if err := s.gateway.Transfer(ctx, tx, *l.EscrowID, buyerID, l.AssetID, assetQuantity); err != nil {
		return Transaction{}, err
	}

	if err := event.AppendTimeline(ctx, tx, created.ID, "PURCHASE_INITIATED", &buyerID, map[string]any{
		"listing_id": listingID,
		"amount":     l.Price,
		"currency":   l.Currency,
	}); err != nil {
		return Transaction{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicPurchaseInitiated, map[string]any{
		"transaction_id": created.ID,
		"listing_id":     listingID,
		"buyer_id":       buyerID,
		"seller_id":      l.SellerID,
		"amount":         l.Price,
		"currency":       l.Currency,
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("trade: commit purchase: %w", err)
	}
	return created, nil
}

// Complete settles a pending transaction after the release window: the
// escrow is flipped to released and the held currency moves to the seller.
// The escrow flip is the at-most-once guard shared with Release — whichever
// caller flips first wins, the other observes the settled state and fails.
func (s *Service) Complete(ctx context.Context, transactionID string) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("trade: begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if t.Status != StatusPending {
		return Transaction{}, ErrAlreadyCompleted
	}

	esc, err := s.escrows.GetByTransactionForUpdate(ctx, tx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	now := s.now()
	if esc.ReleaseTime == nil || now.Before(*esc.ReleaseTime) {
		return Transaction{}, ErrRefundPeriodNotElapsed
	}

	flipped, err := s.escrows.MarkReleased(ctx, tx, esc.ID)
	if err != nil {
		return Transaction{}, err
	}
	if !flipped {
		return Transaction{}, escrow.ErrInvalidState
	}

	completedAt := now
	if err := s.repo.SetStatus(ctx, tx, transactionID, StatusCompleted, &completedAt); err != nil {
		return Transaction{}, err
	}

	if err := s.gateway.Transfer(ctx, tx, esc.ID, t.SellerID, esc.Currency, esc.Amount); err != nil {
		return Transaction{}, err
	}

	if err := event.AppendTimeline(ctx, tx, transactionID, "TRANSACTION_COMPLETED", nil, map[string]any{
		"amount":   esc.Amount,
		"currency": esc.Currency,
	}); err != nil {
		return Transaction{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicTransactionCompleted, map[string]any{
		"transaction_id": transactionID,
		"buyer_id":       t.BuyerID,
		"seller_id":      t.SellerID,
		"amount":         esc.Amount,
		"currency":       esc.Currency,
	}); err != nil {
		return Transaction{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicEscrowReleased, map[string]any{
		"transaction_id": transactionID,
		"escrow_id":      esc.ID,
		"amount":         esc.Amount,
		"currency":       esc.Currency,
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("trade: commit complete: %w", err)
	}

	t.Status = StatusCompleted
	t.CompletedAt = &completedAt
	return t, nil
}

// Release is the escrow-only settlement entry point: it pays the seller out
// of an elapsed escrow without touching transaction bookkeeping. Together
// with Complete, the conditional status flip guarantees the seller is paid
// exactly once per escrow.
func (s *Service) Release(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("trade: begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	esc, err := s.escrows.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if esc.Status != escrow.StatusActive || esc.TransactionID == nil {
		return escrow.Escrow{}, escrow.ErrInvalidState
	}
	if esc.ReleaseTime == nil || s.now().Before(*esc.ReleaseTime) {
		return escrow.Escrow{}, ErrRefundPeriodNotElapsed
	}

	flipped, err := s.escrows.MarkReleased(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if !flipped {
		return escrow.Escrow{}, escrow.ErrInvalidState
	}

	// Resolve the payee without locking the transaction row: Complete locks
	// transaction then escrow, so taking the transaction lock here could
	// deadlock.
	t, err := s.repo.Get(ctx, tx, *esc.TransactionID)
	if err != nil {
		return escrow.Escrow{}, err
	}

	if err := s.gateway.Transfer(ctx, tx, escrowID, t.SellerID, esc.Currency, esc.Amount); err != nil {
		return escrow.Escrow{}, err
	}

	if err := event.AppendTimeline(ctx, tx, *esc.TransactionID, "ESCROW_RELEASED", nil, map[string]any{
		"escrow_id": escrowID,
		"amount":    esc.Amount,
		"currency":  esc.Currency,
	}); err != nil {
		return escrow.Escrow{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicEscrowReleased, map[string]any{
		"transaction_id": *esc.TransactionID,
		"escrow_id":      escrowID,
		"amount":         esc.Amount,
		"currency":       esc.Currency,
	}); err != nil {
		return escrow.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("trade: commit release: %w", err)
	}

	esc.Status = escrow.StatusReleased
	return esc, nil
}

// Get retrieves a transaction by id.
func (s *Service) Get(ctx context.Context, transactionID string) (Transaction, error) {
	return s.repo.GetByID(ctx, transactionID)
}

// GetEscrow retrieves an escrow by id.
func (s *Service) GetEscrow(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	return s.escrows.GetByID(ctx, escrowID)
}

// ListForParticipant lists transactions where the participant is buyer or
// seller, newest first.
func (s *Service) ListForParticipant(ctx context.Context, participantID string) ([]Transaction, error) {
	return s.repo.ListForParticipant(ctx, participantID)
}
