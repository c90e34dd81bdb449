// Package actors holds the concurrent workload drivers for the stress
// harness. Each actor loops through a single service operation with
// random jitter until stopped; domain rejections under contention are
// expected and swallowed, because the correctness story lives in the
// oracle queries, not in actor return values.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agentmarket/custody"
	"agentmarket/dispute"
	"agentmarket/listing"
	"agentmarket/stake"
	"agentmarket/trade"
)

func jitter(base, spread int) time.Duration {
	return time.Duration(base+rand.Intn(spread)) * time.Millisecond
}

func fatal(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func mintAsset(ctx context.Context, pool *pgxpool.Pool, sellerID, assetID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := custody.Provision(ctx, tx, sellerID, assetID, 1); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Seller mints fresh agents into its own custody and lists them, and
// occasionally pauses, resumes, or cancels one of its active listings
// to race the buyers.
func Seller(ctx context.Context, pool *pgxpool.Pool, listings *listing.Service, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		assetID := fmt.Sprintf("agent-%d", rand.Int63())
		if err := mintAsset(ctx, pool, sellerID, assetID); err != nil {
			if fatal(err) {
				return err
			}
			continue
		}

		created, err := listings.Create(ctx, listing.CreateParams{
			SellerID: sellerID,
			AssetID:  assetID,
			Price:    int64(100 + rand.Intn(900)),
			Currency: "credits",
		})
		if err != nil {
			if fatal(err) {
				return err
			}
			time.Sleep(jitter(10, 20))
			continue
		}

		switch rand.Intn(5) {
		case 0:
			// Race the buyers for the active flip.
			_, _ = listings.Cancel(ctx, sellerID, created.ID)
		case 1:
			_, _ = listings.Pause(ctx, sellerID, created.ID)
			_, _ = listings.Resume(ctx, sellerID, created.ID)
		}

		time.Sleep(jitter(15, 35))
	}
}

// Buyer purchases random active listings. Losing the sold flip to a
// racing buyer or to the seller's cancel is the expected outcome under
// contention.
func Buyer(ctx context.Context, pool *pgxpool.Pool, trades *trade.Service, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var listingID string
		err := pool.QueryRow(ctx, `SELECT id FROM listings WHERE status = 'active' ORDER BY random() LIMIT 1`).Scan(&listingID)
		if err != nil {
			if fatal(err) {
				return err
			}
			time.Sleep(jitter(20, 30))
			continue
		}

		if _, err := trades.Purchase(ctx, buyerID, listingID); err != nil && fatal(err) {
			return err
		}
		time.Sleep(jitter(10, 30))
	}
}

// Settler completes pending transactions through the transaction entry
// point. It shares the escrow released flip with Releaser, so exactly
// one of them pays the seller for any given escrow.
func Settler(ctx context.Context, pool *pgxpool.Pool, trades *trade.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var txnID string
		err := pool.QueryRow(ctx, `SELECT id FROM transactions WHERE status = 'pending' ORDER BY random() LIMIT 1`).Scan(&txnID)
		if err != nil {
			if fatal(err) {
				return err
			}
			time.Sleep(jitter(20, 40))
			continue
		}

		if _, err := trades.Complete(ctx, txnID); err != nil && fatal(err) {
			return err
		}
		time.Sleep(jitter(10, 30))
	}
}

// Releaser drives the escrow-only settlement entry point against the
// same population of bound escrows the Settler works on.
func Releaser(ctx context.Context, pool *pgxpool.Pool, trades *trade.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var escrowID string
		err := pool.QueryRow(ctx, `SELECT id FROM escrows WHERE status = 'active' AND transaction_id IS NOT NULL ORDER BY random() LIMIT 1`).Scan(&escrowID)
		if err != nil {
			if fatal(err) {
				return err
			}
			time.Sleep(jitter(20, 40))
			continue
		}

		if _, err := trades.Release(ctx, escrowID); err != nil && fatal(err) {
			return err
		}
		time.Sleep(jitter(15, 35))
	}
}

// Disputer files disputes as the buyer of completed transactions and
// runs them to a verdict as the arbiter. Roughly half the verdicts
// favor the complainant, exercising both the escrow refund and the
// seller clawback path.
func Disputer(ctx context.Context, pool *pgxpool.Pool, disputes *dispute.Service, arbiterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var txnID, buyerID string
		err := pool.QueryRow(ctx, `SELECT id, buyer_id FROM transactions WHERE status = 'completed' ORDER BY random() LIMIT 1`).Scan(&txnID, &buyerID)
		if err != nil {
			if fatal(err) {
				return err
			}
			time.Sleep(jitter(40, 60))
			continue
		}

		d, err := disputes.File(ctx, buyerID, txnID, "agent does not match the listing")
		if err != nil {
			if fatal(err) {
				return err
			}
			time.Sleep(jitter(40, 60))
			continue
		}

		if _, err := disputes.BeginReview(ctx, arbiterID, d.ID); err != nil && fatal(err) {
			return err
		}
		if rand.Intn(4) == 0 {
			if _, err := disputes.Dismiss(ctx, arbiterID, d.ID); err != nil && fatal(err) {
				return err
			}
		} else {
			favor := rand.Intn(2) == 0
			if _, err := disputes.Resolve(ctx, arbiterID, d.ID, "reviewed transfer history", favor); err != nil && fatal(err) {
				return err
			}
		}
		time.Sleep(jitter(60, 80))
	}
}

// Staker cycles deposits and withdrawals against the stake vault so
// the vault balance oracle has movement to check.
func Staker(ctx context.Context, stakes *stake.Service, ownerID string, stop <-chan struct{}) error {
	if _, err := stakes.InitAccount(ctx, ownerID); err != nil && fatal(err) {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := int64(10 + rand.Intn(90))
		if _, err := stakes.Deposit(ctx, ownerID, amount); err != nil && fatal(err) {
			return err
		}
		if rand.Intn(2) == 0 {
			if _, err := stakes.Withdraw(ctx, ownerID, amount); err != nil && fatal(err) {
				return err
			}
		}
		time.Sleep(jitter(30, 50))
	}
}
