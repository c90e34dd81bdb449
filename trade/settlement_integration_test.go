package trade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agentmarket/custody"
	"agentmarket/escrow"
	"agentmarket/listing"
)

// TestSettlement_Integration connects to a real PostgreSQL via DATABASE_URL
// and runs the full listing -> purchase -> completion path, including the
// release-window gate and the at-most-once payout guard.
func TestSettlement_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"participants", "listings", "escrows", "transactions", "custody_accounts"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skipf("table %s missing; apply migrations first", table)
		}
	}

	nonce := time.Now().UnixNano()
	sellerID := seedParticipant(ctx, t, pool, fmt.Sprintf("seller+%d@example.com", nonce))
	buyerID := seedParticipant(ctx, t, pool, fmt.Sprintf("buyer+%d@example.com", nonce))
	assetID := fmt.Sprintf("agent-itest-%d", nonce)

	mustExec(ctx, t, pool, `INSERT INTO custody_accounts (owner_id, ledger_id, balance) VALUES ($1, $2, 1)`, sellerID, assetID)
	mustExec(ctx, t, pool, `INSERT INTO custody_accounts (owner_id, ledger_id, balance) VALUES ($1, 'credits', 5000)`, buyerID)

	gateway := custody.NewGateway()
	escrowRepo := escrow.NewRepository(pool)
	listingRepo := listing.NewRepository(pool)
	listings := listing.NewService(pool, listingRepo, escrowRepo, gateway)
	trades := NewService(pool, NewRepository(pool), listingRepo, escrowRepo, gateway)

	l, err := listings.Create(ctx, listing.CreateParams{
		SellerID: sellerID,
		AssetID:  assetID,
		Price:    1000,
		Currency: "credits",
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE subject_id IN (SELECT id FROM transactions WHERE listing_id = $1) OR subject_id = $1`, l.ID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'listing_id' = $1`, l.ID)
		pool.Exec(ctx2, `DELETE FROM transactions WHERE listing_id = $1`, l.ID)
		pool.Exec(ctx2, `UPDATE listings SET escrow_id = NULL WHERE id = $1`, l.ID)
		pool.Exec(ctx2, `DELETE FROM escrows WHERE listing_id = $1`, l.ID)
		pool.Exec(ctx2, `DELETE FROM listings WHERE id = $1`, l.ID)
		pool.Exec(ctx2, `DELETE FROM custody_accounts WHERE owner_id IN ($1, $2) OR ledger_id = $3`, sellerID, buyerID, assetID)
		pool.Exec(ctx2, `DELETE FROM participants WHERE id IN ($1, $2)`, sellerID, buyerID)
	})

	if bal := balance(ctx, t, pool, *l.EscrowID, assetID); bal != 1 {
		t.Fatalf("expected escrow to hold the agent after listing, balance=%d", bal)
	}

	txn, err := trades.Purchase(ctx, buyerID, l.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if bal := balance(ctx, t, pool, buyerID, assetID); bal != 1 {
		t.Fatalf("expected optimistic delivery of the agent to the buyer, balance=%d", bal)
	}
	if bal := balance(ctx, t, pool, *l.EscrowID, "credits"); bal != 1000 {
		t.Fatalf("expected escrow to hold the purchase price, balance=%d", bal)
	}

	var listingStatus string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM listings WHERE id = $1`, l.ID).Scan(&listingStatus); err != nil {
		t.Fatalf("read listing: %v", err)
	}
	if listingStatus != "sold" {
		t.Fatalf("expected listing sold after purchase, got %q", listingStatus)
	}

	// Inside the release window completion is rejected.
	if _, err := trades.Complete(ctx, txn.ID); !errors.Is(err, ErrRefundPeriodNotElapsed) {
		t.Fatalf("expected ErrRefundPeriodNotElapsed before the window, got %v", err)
	}

	after := trades.WithClock(func() time.Time { return time.Now().Add(ReleaseWindow + time.Hour) })
	completed, err := after.Complete(ctx, txn.ID)
	if err != nil {
		t.Fatalf("complete after window: %v", err)
	}
	if completed.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %s", completed.Status)
	}
	if bal := balance(ctx, t, pool, sellerID, "credits"); bal != 1000 {
		t.Fatalf("expected seller paid exactly once, balance=%d", bal)
	}

	// Both settlement entry points observe the released escrow.
	if _, err := after.Complete(ctx, txn.ID); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted on replay, got %v", err)
	}
	if _, err := after.Release(ctx, *l.EscrowID); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on release after payout, got %v", err)
	}
}

func seedParticipant(ctx context.Context, t *testing.T, pool *pgxpool.Pool, email string) string {
	t.Helper()
	var id string
	if err := pool.QueryRow(ctx, `INSERT INTO participants (email, display_name) VALUES ($1, $2) RETURNING id`, email, "Integration Trader").Scan(&id); err != nil {
		t.Fatalf("seed participant: %v", err)
	}
	return id
}

func mustExec(ctx context.Context, t *testing.T, pool *pgxpool.Pool, sql string, args ...any) {
	t.Helper()
	if _, err := pool.Exec(ctx, sql, args...); err != nil {
		t.Fatalf("exec %s: %v", sql, err)
	}
}

func balance(ctx context.Context, t *testing.T, pool *pgxpool.Pool, ownerID, ledgerID string) int64 {
	t.Helper()
	bal, err := custody.Balance(ctx, pool, ownerID, ledgerID)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return bal
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
