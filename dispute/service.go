package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agentmarket/custody"
	"agentmarket/escrow"
	"agentmarket/event"
	"agentmarket/keys"
	"agentmarket/trade"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the dispute data access required by the service.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error)
	MarkUnderReview(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, disputeID string, resolvedAt time.Time, resolution string) (Dispute, error)
	MarkDismissed(ctx context.Context, tx pgx.Tx, disputeID string, dismissedAt time.Time) (Dispute, error)
	GetByID(ctx context.Context, disputeID string) (Dispute, error)
	ListForParticipant(ctx context.Context, participantID string) ([]Dispute, error)
}

// TransactionStore is the slice of the trade package the resolver needs.
type TransactionStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (trade.Transaction, error)
	SetStatus(ctx context.Context, tx pgx.Tx, transactionID string, status trade.Status, completedAt *time.Time) error
}

// EscrowStore locates and retires the escrow backing a disputed transaction.
type EscrowStore interface {
	GetByTransactionForUpdate(ctx context.Context, tx pgx.Tx, transactionID string) (escrow.Escrow, error)
	MarkRefunded(ctx context.Context, tx pgx.Tx, escrowID string) (bool, error)
}

// Service creates and adjudicates disputes. A buyer-favored resolution
// overrides the default settlement with a concrete compensating transfer.
type Service struct {
	pool    TxBeginner
	repo    Repository
	txns    TransactionStore
	escrows EscrowStore
	gateway custody.Gateway
	authz   Authorizer
	now     func() time.Time
}

func NewService(pool TxBeginner, repo Repository, txns TransactionStore, escrows EscrowStore, gateway custody.Gateway, authz Authorizer) *Service {
	return &Service{
		pool:    pool,
		repo:    repo,
		txns:    txns,
		escrows: escrows,
		gateway: gateway,
		authz:   authz,
		now:     time.Now,
	}
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// File opens a dispute against a completed transaction within the dispute
// window. The complainant must be a party to the transaction; the seller is
// always the respondent.
func (s *Service) File(ctx context.Context, complainantID, transactionID, reason string) (Dispute, error) {
	if reason == "" {
		return Dispute{}, fmt.Errorf("dispute: reason required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin file tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.txns.GetForUpdate(ctx, tx, transactionID)
	if err != nil {
		return Dispute{}, err
	}
	if t.Status != trade.StatusCompleted {
		return Dispute{}, trade.ErrAlreadyCompleted
	}

	now := s.now()
	if now.After(t.DisputeDeadline) {
		return Dispute{}, ErrInvalidStatus
	}
	if complainantID != t.BuyerID && complainantID != t.SellerID {
		return Dispute{}, ErrForbidden
	}

	d := Dispute{
		ID:            keys.Derive(keys.TagDispute, transactionID),
		TransactionID: transactionID,
		ComplainantID: complainantID,
		RespondentID:  t.SellerID,
		Reason:        reason,
		CreatedAt:     now,
	}
	created, err := s.repo.Insert(ctx, tx, d)
	if err != nil {
		return Dispute{}, err
	}

	if err := s.txns.SetStatus(ctx, tx, transactionID, trade.StatusDisputed, nil); err != nil {
		return Dispute{}, err
	}

	if err := event.AppendTimeline(ctx, tx, transactionID, "DISPUTE_FILED", &complainantID, map[string]any{
		"dispute_id": created.ID,
		"reason":     reason,
	}); err != nil {
		return Dispute{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicDisputeFiled, map[string]any{
		"dispute_id":     created.ID,
		"transaction_id": transactionID,
		"complainant_id": complainantID,
		"respondent_id":  t.SellerID,
		"reason":         reason,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit file: %w", err)
	}
	return created, nil
}

// BeginReview moves a filed dispute under review. Adjudicator only.
func (s *Service) BeginReview(ctx context.Context, arbiterID, disputeID string) (Dispute, error) {
	if err := s.requireAdjudicator(ctx, arbiterID); err != nil {
		return Dispute{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin review tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.MarkUnderReview(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}

	if err := event.AppendTimeline(ctx, tx, d.TransactionID, "DISPUTE_UNDER_REVIEW", &arbiterID, map[string]any{
		"dispute_id": disputeID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit review: %w", err)
	}
	return d, nil
}

// Resolve closes a dispute under review with a binary outcome. Favoring the
// complainant refunds the buyer: out of escrow custody when the funds are
// still held, otherwise by clawback from the seller (which can fail with
// the gateway's insufficient-funds rejection and abort the resolution).
// Favoring the respondent reaffirms the default settlement and moves no
// funds.
func (s *Service) Resolve(ctx context.Context, arbiterID, disputeID, resolution string, favorComplainant bool) (Dispute, error) {
	if resolution == "" {
		return Dispute{}, fmt.Errorf("dispute: resolution required")
	}
	if err := s.requireAdjudicator(ctx, arbiterID); err != nil {
		return Dispute{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin resolve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusUnderReview {
		return Dispute{}, ErrInvalidStatus
	}

	t, err := s.txns.GetForUpdate(ctx, tx, d.TransactionID)
	if err != nil {
		return Dispute{}, err
	}

	now := s.now()
	resolved, err := s.repo.MarkResolved(ctx, tx, disputeID, now, resolution)
	if err != nil {
		return Dispute{}, err
	}

	if favorComplainant {
		if err := s.refundBuyer(ctx, tx, t); err != nil {
			return Dispute{}, err
		}
		if err := s.txns.SetStatus(ctx, tx, t.ID, trade.StatusRefunded, &now); err != nil {
			return Dispute{}, err
		}
	} else {
		if err := s.txns.SetStatus(ctx, tx, t.ID, trade.StatusCompleted, nil); err != nil {
			return Dispute{}, err
		}
	}

	if err := event.AppendTimeline(ctx, tx, d.TransactionID, "DISPUTE_RESOLVED", &arbiterID, map[string]any{
		"dispute_id":        disputeID,
		"favor_complainant": favorComplainant,
		"resolution":        resolution,
	}); err != nil {
		return Dispute{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicDisputeResolved, map[string]any{
		"dispute_id":        disputeID,
		"transaction_id":    d.TransactionID,
		"favor_complainant": favorComplainant,
		"resolution":        resolution,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return resolved, nil
}

// refundBuyer sources the compensating transfer: escrow custody when the
// funds are still held there, seller custody once the escrow was released.
func (s *Service) refundBuyer(ctx context.Context, tx pgx.Tx, t trade.Transaction) error {
	esc, err := s.escrows.GetByTransactionForUpdate(ctx, tx, t.ID)
	if err != nil {
		return err
	}

	if esc.Status == escrow.StatusActive {
		flipped, err := s.escrows.MarkRefunded(ctx, tx, esc.ID)
		if err != nil {
			return err
		}
		if !flipped {
			return escrow.ErrInvalidState
		}
		return s.gateway.Transfer(ctx, tx, esc.ID, t.BuyerID, t.Currency, t.Amount)
	}

	// Funds already paid out: claw back from the seller.
	return s.gateway.Transfer(ctx, tx, t.SellerID, t.BuyerID, t.Currency, t.Amount)
}

// Dismiss throws out a dispute without overriding settlement; the
// transaction returns to its completed state.
func (s *Service) Dismiss(ctx context.Context, arbiterID, disputeID string) (Dispute, error) {
	if err := s.requireAdjudicator(ctx, arbiterID); err != nil {
		return Dispute{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin dismiss tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusFiled && d.Status != StatusUnderReview {
		return Dispute{}, ErrInvalidStatus
	}

	now := s.now()
	dismissed, err := s.repo.MarkDismissed(ctx, tx, disputeID, now)
	if err != nil {
		return Dispute{}, err
	}

	if err := s.txns.SetStatus(ctx, tx, d.TransactionID, trade.StatusCompleted, nil); err != nil {
		return Dispute{}, err
	}

	if err := event.AppendTimeline(ctx, tx, d.TransactionID, "DISPUTE_DISMISSED", &arbiterID, map[string]any{
		"dispute_id": disputeID,
	}); err != nil {
		return Dispute{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicDisputeResolved, map[string]any{
		"dispute_id":     disputeID,
		"transaction_id": d.TransactionID,
		"outcome":        "dismissed",
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit dismiss: %w", err)
	}
	return dismissed, nil
}

// Get retrieves a dispute by id.
func (s *Service) Get(ctx context.Context, disputeID string) (Dispute, error) {
	return s.repo.GetByID(ctx, disputeID)
}

// ListForParticipant lists disputes where the participant is complainant or
// respondent, newest first.
func (s *Service) ListForParticipant(ctx context.Context, participantID string) ([]Dispute, error) {
	return s.repo.ListForParticipant(ctx, participantID)
}

func (s *Service) requireAdjudicator(ctx context.Context, participantID string) error {
	ok, err := s.authz.CanAdjudicate(ctx, participantID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}
