package listing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"agentmarket/keys"
)

func validParams() CreateParams {
	return CreateParams{
		SellerID: "seller-1",
		AssetID:  "agent-9",
		Price:    1000,
		Currency: "credits",
	}
}

func TestCreate_EscrowsAssetAndCommits(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	escrows := &fakeEscrows{}
	gw := &fakeGateway{}
	svc := NewService(pool, repo, escrows, gw)

	l, err := svc.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	wantID := keys.Derive(keys.TagListing, "seller-1", "agent-9")
	if l.ID != wantID {
		t.Errorf("listing id: got %s want %s", l.ID, wantID)
	}
	wantEscrow := keys.Derive(keys.TagEscrow, wantID)
	if l.EscrowID == nil || *l.EscrowID != wantEscrow {
		t.Errorf("escrow id: got %v want %s", l.EscrowID, wantEscrow)
	}
	if escrows.created != wantEscrow {
		t.Errorf("expected escrow %s created, got %s", wantEscrow, escrows.created)
	}

	if len(gw.moves) != 1 {
		t.Fatalf("expected 1 transfer, got %+v", gw.moves)
	}
	m := gw.moves[0]
	if m.from != "seller-1" || m.to != wantEscrow || m.ledger != "agent-9" || m.amount != 1 {
		t.Errorf("asset leg: %+v", m)
	}

	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if len(pool.tx.outboxTopics) != 1 || pool.tx.outboxTopics[0] != "listing.created" {
		t.Errorf("outbox topics: %v", pool.tx.outboxTopics)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeRepo{}, &fakeEscrows{}, &fakeGateway{})

	p := validParams()
	p.Currency = p.AssetID
	if _, err := svc.Create(context.Background(), p); !errors.Is(err, ErrCurrencyIsAsset) {
		t.Fatalf("expected ErrCurrencyIsAsset, got %v", err)
	}

	p = validParams()
	p.Price = 0
	if _, err := svc.Create(context.Background(), p); err == nil {
		t.Fatal("expected error for zero price")
	}

	p = validParams()
	rent := int64(-5)
	p.RentPrice = &rent
	if _, err := svc.Create(context.Background(), p); err == nil {
		t.Fatal("expected error for negative rent price")
	}
}

func TestCreate_DuplicateAsset(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{insertErr: ErrExists}
	gw := &fakeGateway{}
	svc := NewService(pool, repo, &fakeEscrows{}, gw)

	_, err := svc.Create(context.Background(), validParams())
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if pool.tx.committed {
		t.Error("expected rollback")
	}
	if len(gw.moves) != 0 {
		t.Errorf("expected no transfers, got %+v", gw.moves)
	}
}

func TestCancel_ReturnsAssetToSeller(t *testing.T) {
	eid := "escrow-1"
	pool := &fakePool{}
	repo := &fakeRepo{l: Listing{
		ID:       "listing-1",
		SellerID: "seller-1",
		AssetID:  "agent-9",
		Status:   StatusDelisted,
		EscrowID: &eid,
	}}
	escrows := &fakeEscrows{}
	gw := &fakeGateway{}
	svc := NewService(pool, repo, escrows, gw)

	l, err := svc.Cancel(context.Background(), "seller-1", "listing-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if l.Status != StatusDelisted {
		t.Fatalf("expected delisted, got %s", l.Status)
	}
	if escrows.refunded != eid {
		t.Errorf("expected escrow %s refunded, got %s", eid, escrows.refunded)
	}
	if len(gw.moves) != 1 {
		t.Fatalf("expected single return transfer, got %+v", gw.moves)
	}
	m := gw.moves[0]
	if m.from != eid || m.to != "seller-1" || m.ledger != "agent-9" || m.amount != 1 {
		t.Errorf("return leg: %+v", m)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestCancel_GateErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"not active", ErrNotActive},
		{"forbidden", ErrForbidden},
		{"not found", ErrNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pool := &fakePool{}
			gw := &fakeGateway{}
			svc := NewService(pool, &fakeRepo{delistErr: tc.err}, &fakeEscrows{}, gw)

			_, err := svc.Cancel(context.Background(), "seller-1", "listing-1")
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

func TestPauseResume_FlipStatus(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{l: Listing{ID: "listing-1", SellerID: "seller-1", Status: StatusPaused}}
	svc := NewService(pool, repo, &fakeEscrows{}, &fakeGateway{})

	if _, err := svc.Pause(context.Background(), "seller-1", "listing-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if repo.flipFrom != StatusActive || repo.flipTo != StatusPaused {
		t.Errorf("pause flip: %s -> %s", repo.flipFrom, repo.flipTo)
	}

	if _, err := svc.Resume(context.Background(), "seller-1", "listing-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if repo.flipFrom != StatusPaused || repo.flipTo != StatusActive {
		t.Errorf("resume flip: %s -> %s", repo.flipFrom, repo.flipTo)
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
	rolled       bool
	committed    bool
	outboxTopics []string
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

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "INSERT INTO outbox") {
		f.outboxTopics = append(f.outboxTopics, args[0].(string))
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	if strings.Contains(sql, "timeline_events") {
		return seqRow{}
	}
	panic("unexpected query: " + sql)
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

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type seqRow struct{}

func (seqRow) Scan(dest ...any) error {
	if p, ok := dest[0].(*int); ok {
		*p = 1
	}
	return nil
}

type fakeRepo struct {
	l         Listing
	insertErr error
	delistErr error
	flipFrom  Status
	flipTo    Status
}

func (f *fakeRepo) Insert(_ context.Context, _ pgx.Tx, l Listing) (Listing, error) {
	if f.insertErr != nil {
		return Listing{}, f.insertErr
	}
	return l, nil
}

func (f *fakeRepo) MarkDelisted(_ context.Context, _ pgx.Tx, _, _ string) (Listing, error) {
	if f.delistErr != nil {
		return Listing{}, f.delistErr
	}
	return f.l, nil
}

func (f *fakeRepo) SetStatus(_ context.Context, _ pgx.Tx, _, _ string, from, to Status) (Listing, error) {
	f.flipFrom = from
	f.flipTo = to
	return f.l, nil
}

func (f *fakeRepo) GetByID(_ context.Context, _ string) (Listing, error) {
	return f.l, nil
}

func (f *fakeRepo) ListBySeller(_ context.Context, _ string) ([]Listing, error) {
	return []Listing{f.l}, nil
}

type fakeEscrows struct {
	created  string
	refunded string
}

func (f *fakeEscrows) Create(_ context.Context, _ pgx.Tx, escrowID, _, _ string) error {
	f.created = escrowID
	return nil
}

func (f *fakeEscrows) MarkRefunded(_ context.Context, _ pgx.Tx, escrowID string) (bool, error) {
	f.refunded = escrowID
	return true, nil
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
