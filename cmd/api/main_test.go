package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"agentmarket/auth"
	"agentmarket/dispute"
	"agentmarket/escrow"
	"agentmarket/listing"
	"agentmarket/stake"
	"agentmarket/trade"
)

type stubListingService struct {
	item  listing.Listing
	items []listing.Listing
	err   error
}

func (s *stubListingService) Create(_ context.Context, _ listing.CreateParams) (listing.Listing, error) {
	return s.item, s.err
}

func (s *stubListingService) Cancel(_ context.Context, _, _ string) (listing.Listing, error) {
	return s.item, s.err
}

func (s *stubListingService) Pause(_ context.Context, _, _ string) (listing.Listing, error) {
	return s.item, s.err
}

func (s *stubListingService) Resume(_ context.Context, _, _ string) (listing.Listing, error) {
	return s.item, s.err
}

func (s *stubListingService) Get(_ context.Context, _ string) (listing.Listing, error) {
	return s.item, s.err
}

func (s *stubListingService) ListBySeller(_ context.Context, _ string) ([]listing.Listing, error) {
	return s.items, s.err
}

type stubTradeService struct {
	txn   trade.Transaction
	txns  []trade.Transaction
	esc   escrow.Escrow
	err   error
	buyer string
}

func (s *stubTradeService) Purchase(_ context.Context, buyerID, _ string) (trade.Transaction, error) {
	s.buyer = buyerID
	return s.txn, s.err
}

func (s *stubTradeService) Complete(_ context.Context, _ string) (trade.Transaction, error) {
	return s.txn, s.err
}

func (s *stubTradeService) Release(_ context.Context, _ string) (escrow.Escrow, error) {
	return s.esc, s.err
}

func (s *stubTradeService) Get(_ context.Context, _ string) (trade.Transaction, error) {
	return s.txn, s.err
}

func (s *stubTradeService) GetEscrow(_ context.Context, _ string) (escrow.Escrow, error) {
	return s.esc, s.err
}

func (s *stubTradeService) ListForParticipant(_ context.Context, _ string) ([]trade.Transaction, error) {
	return s.txns, s.err
}

type stubDisputeService struct {
	record dispute.Dispute
	items  []dispute.Dispute
	err    error
}

func (s *stubDisputeService) File(_ context.Context, _, _, _ string) (dispute.Dispute, error) {
	return s.record, s.err
}

func (s *stubDisputeService) BeginReview(_ context.Context, _, _ string) (dispute.Dispute, error) {
	return s.record, s.err
}

func (s *stubDisputeService) Resolve(_ context.Context, _, _, _ string, _ bool) (dispute.Dispute, error) {
	return s.record, s.err
}

func (s *stubDisputeService) Dismiss(_ context.Context, _, _ string) (dispute.Dispute, error) {
	return s.record, s.err
}

func (s *stubDisputeService) Get(_ context.Context, _ string) (dispute.Dispute, error) {
	return s.record, s.err
}

func (s *stubDisputeService) ListForParticipant(_ context.Context, _ string) ([]dispute.Dispute, error) {
	return s.items, s.err
}

type stubStakeService struct {
	account stake.Account
	err     error
}

func (s *stubStakeService) InitAccount(_ context.Context, _ string) (stake.Account, error) {
	return s.account, s.err
}

func (s *stubStakeService) Deposit(_ context.Context, _ string, _ int64) (stake.Account, error) {
	return s.account, s.err
}

func (s *stubStakeService) Withdraw(_ context.Context, _ string, _ int64) (stake.Account, error) {
	return s.account, s.err
}

func (s *stubStakeService) Freeze(_ context.Context, _, _ string) (stake.Account, error) {
	return s.account, s.err
}

func (s *stubStakeService) AgentDeployed(_ context.Context, _ string) (stake.Account, error) {
	return s.account, s.err
}

func (s *stubStakeService) AgentUndeployed(_ context.Context, _ string) (stake.Account, error) {
	return s.account, s.err
}

func (s *stubStakeService) Get(_ context.Context, _ string) (stake.Account, error) {
	return s.account, s.err
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func withParticipant(r *http.Request, id string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxKeyParticipantID, id))
}

func testServer() *Server {
	return &Server{logger: slog.Default()}
}

func TestHandleGetListing_Success(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	server := testServer()
	server.listingService = &stubListingService{
		item: listing.Listing{
			ID:        "l1",
			SellerID:  "seller-1",
			AssetID:   "agent-9",
			Price:     1000,
			Currency:  "credits",
			Status:    listing.StatusActive,
			CreatedAt: now,
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/listings/l1", nil)
	req = withURLParam(req, "id", "l1")
	rec := httptest.NewRecorder()

	server.handleGetListing(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp listingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "l1" || resp.Price != 1000 || resp.Status != "active" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected createdAt %s, got %s", now.Format(time.RFC3339), resp.CreatedAt)
	}
}

func TestHandleGetListing_NotFound(t *testing.T) {
	server := testServer()
	server.listingService = &stubListingService{err: listing.ErrNotFound}

	req := httptest.NewRequest(http.MethodGet, "/api/listings/missing", nil)
	req = withURLParam(req, "id", "missing")
	rec := httptest.NewRecorder()

	server.handleGetListing(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCreateListing_CurrencyIsAsset(t *testing.T) {
	server := testServer()
	server.listingService = &stubListingService{err: listing.ErrCurrencyIsAsset}

	body := strings.NewReader(`{"assetId":"credits","price":100,"currency":"credits"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/listings", body)
	req = withParticipant(req, "seller-1")
	rec := httptest.NewRecorder()

	server.handleCreateListing(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlePurchase_PassesAuthenticatedBuyer(t *testing.T) {
	stub := &stubTradeService{txn: trade.Transaction{ID: "t1", BuyerID: "buyer-1", Status: trade.StatusPending}}
	server := testServer()
	server.tradeService = stub

	req := httptest.NewRequest(http.MethodPost, "/api/listings/l1/purchase", nil)
	req = withParticipant(withURLParam(req, "id", "l1"), "buyer-1")
	rec := httptest.NewRecorder()

	server.handlePurchase(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if stub.buyer != "buyer-1" {
		t.Fatalf("expected buyer from context, got %q", stub.buyer)
	}
}

func TestHandlePurchase_SelfPurchase(t *testing.T) {
	server := testServer()
	server.tradeService = &stubTradeService{err: trade.ErrSelfPurchase}

	req := httptest.NewRequest(http.MethodPost, "/api/listings/l1/purchase", nil)
	req = withParticipant(withURLParam(req, "id", "l1"), "seller-1")
	rec := httptest.NewRecorder()

	server.handlePurchase(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleComplete_BeforeReleaseWindow(t *testing.T) {
	server := testServer()
	server.tradeService = &stubTradeService{err: trade.ErrRefundPeriodNotElapsed}

	req := httptest.NewRequest(http.MethodPost, "/api/transactions/t1/complete", nil)
	req = withParticipant(withURLParam(req, "id", "t1"), "buyer-1")
	rec := httptest.NewRecorder()

	server.handleComplete(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleRelease_AlreadySettled(t *testing.T) {
	server := testServer()
	server.tradeService = &stubTradeService{err: escrow.ErrInvalidState}

	req := httptest.NewRequest(http.MethodPost, "/api/escrows/e1/release", nil)
	req = withParticipant(withURLParam(req, "id", "e1"), "seller-1")
	rec := httptest.NewRecorder()

	server.handleRelease(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleFileDispute_MissingFields(t *testing.T) {
	server := testServer()
	server.disputeService = &stubDisputeService{}

	req := httptest.NewRequest(http.MethodPost, "/api/disputes", strings.NewReader(`{"reason":""}`))
	req = withParticipant(req, "buyer-1")
	rec := httptest.NewRecorder()

	server.handleFileDispute(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleFileDispute_Success(t *testing.T) {
	now := time.Now().UTC()
	server := testServer()
	server.disputeService = &stubDisputeService{
		record: dispute.Dispute{
			ID:            "d1",
			TransactionID: "t1",
			ComplainantID: "buyer-1",
			RespondentID:  "seller-1",
			Reason:        "agent does not respond",
			Status:        dispute.StatusFiled,
			CreatedAt:     now,
		},
	}

	body := strings.NewReader(`{"transactionId":"t1","reason":"agent does not respond"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/disputes", body)
	req = withParticipant(req, "buyer-1")
	rec := httptest.NewRecorder()

	server.handleFileDispute(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp disputeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "d1" || resp.Status != "filed" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleResolveDispute_Forbidden(t *testing.T) {
	server := testServer()
	server.disputeService = &stubDisputeService{err: dispute.ErrForbidden}

	body := strings.NewReader(`{"resolution":"refund issued","favorComplainant":true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/disputes/d1/resolve", body)
	req = withParticipant(withURLParam(req, "id", "d1"), "trader-1")
	rec := httptest.NewRecorder()

	server.handleResolveDispute(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleStakeWithdraw_Insufficient(t *testing.T) {
	server := testServer()
	server.stakeService = &stubStakeService{err: stake.ErrInsufficientStake}

	body := strings.NewReader(`{"amount":500}`)
	req := httptest.NewRequest(http.MethodPost, "/api/stakes/withdraw", body)
	req = withParticipant(req, "owner-1")
	rec := httptest.NewRecorder()

	server.handleStakeWithdraw(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleGetTransaction_UnexpectedError(t *testing.T) {
	server := testServer()
	server.tradeService = &stubTradeService{err: errors.New("boom")}

	req := httptest.NewRequest(http.MethodGet, "/api/transactions/t1", nil)
	req = withParticipant(withURLParam(req, "id", "t1"), "buyer-1")
	rec := httptest.NewRecorder()

	server.handleGetTransaction(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRequireAuth(t *testing.T) {
	authService := auth.NewService(nil, "test-secret")
	server := testServer()
	server.authService = authService

	var gotID string
	handler := server.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = participantID(r)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/listings", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/listings", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", rec.Code)
	}

	repo := newTokenRepo()
	authService = auth.NewService(repo, "test-secret")
	server.authService = authService
	p, err := authService.Register(context.Background(), auth.RegisterRequest{
		Email:       "alice@example.com",
		Password:    "strongpassword",
		DisplayName: "Alice",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	login, err := authService.Login(context.Background(), auth.LoginRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/listings", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d", rec.Code)
	}
	if gotID != p.ID {
		t.Fatalf("expected participant id %q in context, got %q", p.ID, gotID)
	}
}

type tokenRepo struct {
	byEmail map[string]auth.Participant
	byID    map[string]auth.Participant
}

func newTokenRepo() *tokenRepo {
	return &tokenRepo{
		byEmail: make(map[string]auth.Participant),
		byID:    make(map[string]auth.Participant),
	}
}

func (r *tokenRepo) CreateParticipant(_ context.Context, params auth.CreateParticipantParams) (auth.Participant, error) {
	p := auth.Participant{
		ID:           "p-" + params.Email,
		Email:        params.Email,
		DisplayName:  params.DisplayName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
	}
	r.byEmail[p.Email] = p
	r.byID[p.ID] = p
	return p, nil
}

func (r *tokenRepo) GetParticipantByEmail(_ context.Context, email string) (auth.Participant, error) {
	p, ok := r.byEmail[email]
	if !ok {
		return auth.Participant{}, auth.ErrParticipantNotFound
	}
	return p, nil
}

func (r *tokenRepo) GetParticipantByID(_ context.Context, id string) (auth.Participant, error) {
	p, ok := r.byID[id]
	if !ok {
		return auth.Participant{}, auth.ErrParticipantNotFound
	}
	return p, nil
}
