package stake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func newTestService(pool *fakePool, repo *fakeRepo, gw *fakeGateway, authz *fakeAuthority) *Service {
	svc := NewService(pool, repo, gw, authz, "credits")
	return svc.WithClock(func() time.Time {
		return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	})
}

func TestInitAccount_StartsAtFullReputation(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	svc := newTestService(pool, repo, &fakeGateway{}, &fakeAuthority{})

	a, err := svc.InitAccount(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if a.Reputation != startingReputation {
		t.Errorf("reputation: got %d want %d", a.Reputation, startingReputation)
	}
	if a.StakedAmount != 0 || a.ActiveAgents != 0 || a.IsFrozen {
		t.Errorf("unexpected account: %+v", a)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestDeposit_MovesFundsToVault(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	gw := &fakeGateway{}
	svc := newTestService(pool, repo, gw, &fakeAuthority{})

	if _, err := svc.Deposit(context.Background(), "owner-1", 500); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if len(gw.moves) != 1 {
		t.Fatalf("expected 1 transfer, got %+v", gw.moves)
	}
	m := gw.moves[0]
	if m.from != "owner-1" || m.to != VaultID() || m.ledger != "credits" || m.amount != 500 {
		t.Errorf("deposit leg: %+v", m)
	}
	if repo.added != 500 {
		t.Errorf("expected 500 staked, got %d", repo.added)
	}
}

func TestDeposit_RejectsNonPositiveAmount(t *testing.T) {
	svc := newTestService(&fakePool{}, &fakeRepo{}, &fakeGateway{}, &fakeAuthority{})

	for _, amount := range []int64{0, -10} {
		if _, err := svc.Deposit(context.Background(), "owner-1", amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestWithdraw_ReturnsFundsFromVault(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	gw := &fakeGateway{}
	svc := newTestService(pool, repo, gw, &fakeAuthority{})

	if _, err := svc.Withdraw(context.Background(), "owner-1", 200); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if len(gw.moves) != 1 {
		t.Fatalf("expected 1 transfer, got %+v", gw.moves)
	}
	m := gw.moves[0]
	if m.from != VaultID() || m.to != "owner-1" || m.amount != 200 {
		t.Errorf("withdraw leg: %+v", m)
	}
}

func TestWithdraw_GuardErrorsBlockTransfer(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"frozen", ErrFrozen},
		{"agents deployed", ErrAgentsActive},
		{"short balance", ErrInsufficientStake},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pool := &fakePool{}
			gw := &fakeGateway{}
			svc := newTestService(pool, &fakeRepo{subtractErr: tc.err}, gw, &fakeAuthority{})

			_, err := svc.Withdraw(context.Background(), "owner-1", 200)
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
			if len(gw.moves) != 0 {
				t.Errorf("expected no transfers, got %+v", gw.moves)
			}
			if pool.tx.committed {
				t.Error("expected rollback")
			}
		})
	}
}

func TestFreeze_AuthorityOnly(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	svc := newTestService(pool, repo, &fakeGateway{}, &fakeAuthority{ok: true})

	a, err := svc.Freeze(context.Background(), "authority-1", "owner-1")
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if !a.IsFrozen {
		t.Error("expected frozen account")
	}

	svc = newTestService(&fakePool{}, repo, &fakeGateway{}, &fakeAuthority{ok: false})
	if _, err := svc.Freeze(context.Background(), "trader-1", "owner-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAgentCounters(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	svc := newTestService(pool, repo, &fakeGateway{}, &fakeAuthority{})

	if _, err := svc.AgentDeployed(context.Background(), "owner-1"); err != nil {
		t.Fatalf("deployed: %v", err)
	}
	if repo.delta != 1 {
		t.Errorf("expected delta 1, got %d", repo.delta)
	}

	if _, err := svc.AgentUndeployed(context.Background(), "owner-1"); err != nil {
		t.Fatalf("undeployed: %v", err)
	}
	if repo.delta != -1 {
		t.Errorf("expected delta -1, got %d", repo.delta)
	}
}

// --- fakes ---

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type fakeRepo struct {
	added       int64
	delta       int
	subtractErr error
}

func (f *fakeRepo) Insert(_ context.Context, _ pgx.Tx, ownerID string, now time.Time) (Account, error) {
	return Account{OwnerID: ownerID, Reputation: startingReputation, UpdatedAt: now}, nil
}

func (f *fakeRepo) AddStake(_ context.Context, _ pgx.Tx, ownerID string, amount int64, now time.Time) (Account, error) {
	f.added = amount
	return Account{OwnerID: ownerID, StakedAmount: amount, Reputation: startingReputation, UpdatedAt: now}, nil
}

func (f *fakeRepo) SubtractStake(_ context.Context, _ pgx.Tx, ownerID string, amount int64, now time.Time) (Account, error) {
	if f.subtractErr != nil {
		return Account{}, f.subtractErr
	}
	return Account{OwnerID: ownerID, Reputation: startingReputation, UpdatedAt: now}, nil
}

func (f *fakeRepo) SetFrozen(_ context.Context, _ pgx.Tx, ownerID string, now time.Time) (Account, error) {
	return Account{OwnerID: ownerID, Reputation: startingReputation, IsFrozen: true, FrozenAt: &now, UpdatedAt: now}, nil
}

func (f *fakeRepo) AdjustAgents(_ context.Context, _ pgx.Tx, ownerID string, delta int, now time.Time) (Account, error) {
	f.delta = delta
	return Account{OwnerID: ownerID, Reputation: startingReputation, ActiveAgents: delta, UpdatedAt: now}, nil
}

func (f *fakeRepo) GetByOwner(_ context.Context, ownerID string) (Account, error) {
	return Account{OwnerID: ownerID, Reputation: startingReputation}, nil
}

type move struct {
	from   string
	to     string
	ledger string
	amount int64
}

type fakeGateway struct {
	moves []move
	err   error
}

func (f *fakeGateway) Transfer(_ context.Context, _ pgx.Tx, from, to, ledgerID string, amount int64) error {
	if f.err != nil {
		return f.err
	}
	f.moves = append(f.moves, move{from: from, to: to, ledger: ledgerID, amount: amount})
	return nil
}

type fakeAuthority struct {
	ok bool
}

func (f *fakeAuthority) IsAuthority(_ context.Context, _ string) (bool, error) {
	return f.ok, nil
}
