package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentmarket/auth"
	"agentmarket/custody"
	"agentmarket/dispute"
	"agentmarket/escrow"
	"agentmarket/listing"
	"agentmarket/stake"
	"agentmarket/trade"
)

type ctxKey int

const (
	ctxKeyParticipantID ctxKey = iota
	ctxKeyRole
)

// AuthService is the slice of the auth package the server needs.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Participant, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
	GetParticipantByID(ctx context.Context, participantID string) (*auth.Participant, error)
}

// ListingService exposes the listing lifecycle.
type ListingService interface {
	Create(ctx context.Context, params listing.CreateParams) (listing.Listing, error)
	Cancel(ctx context.Context, sellerID, listingID string) (listing.Listing, error)
	Pause(ctx context.Context, sellerID, listingID string) (listing.Listing, error)
	Resume(ctx context.Context, sellerID, listingID string) (listing.Listing, error)
	Get(ctx context.Context, listingID string) (listing.Listing, error)
	ListBySeller(ctx context.Context, sellerID string) ([]listing.Listing, error)
}

// TradeService exposes purchase and settlement.
type TradeService interface {
	Purchase(ctx context.Context, buyerID, listingID string) (trade.Transaction, error)
	Complete(ctx context.Context, transactionID string) (trade.Transaction, error)
	Release(ctx context.Context, escrowID string) (escrow.Escrow, error)
	Get(ctx context.Context, transactionID string) (trade.Transaction, error)
	GetEscrow(ctx context.Context, escrowID string) (escrow.Escrow, error)
	ListForParticipant(ctx context.Context, participantID string) ([]trade.Transaction, error)
}

// DisputeService exposes dispute filing and adjudication.
type DisputeService interface {
	File(ctx context.Context, complainantID, transactionID, reason string) (dispute.Dispute, error)
	BeginReview(ctx context.Context, arbiterID, disputeID string) (dispute.Dispute, error)
	Resolve(ctx context.Context, arbiterID, disputeID, resolution string, favorComplainant bool) (dispute.Dispute, error)
	Dismiss(ctx context.Context, arbiterID, disputeID string) (dispute.Dispute, error)
	Get(ctx context.Context, disputeID string) (dispute.Dispute, error)
	ListForParticipant(ctx context.Context, participantID string) ([]dispute.Dispute, error)
}

// StakeService exposes stake account management.
type StakeService interface {
	InitAccount(ctx context.Context, ownerID string) (stake.Account, error)
	Deposit(ctx context.Context, ownerID string, amount int64) (stake.Account, error)
	Withdraw(ctx context.Context, ownerID string, amount int64) (stake.Account, error)
	Freeze(ctx context.Context, authorityID, ownerID string) (stake.Account, error)
	AgentDeployed(ctx context.Context, ownerID string) (stake.Account, error)
	AgentUndeployed(ctx context.Context, ownerID string) (stake.Account, error)
	Get(ctx context.Context, ownerID string) (stake.Account, error)
}

// Server wires the domain services to HTTP.
type Server struct {
	authService    AuthService
	listingService ListingService
	tradeService   TradeService
	disputeService DisputeService
	stakeService   StakeService
	logger         *slog.Logger
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/me", s.handleMe)

			r.Post("/listings", s.handleCreateListing)
			r.Get("/listings", s.handleMyListings)
			r.Get("/listings/{id}", s.handleGetListing)
			r.Delete("/listings/{id}", s.handleCancelListing)
			r.Post("/listings/{id}/pause", s.handlePauseListing)
			r.Post("/listings/{id}/resume", s.handleResumeListing)
			r.Post("/listings/{id}/purchase", s.handlePurchase)

			r.Get("/transactions", s.handleMyTransactions)
			r.Get("/transactions/{id}", s.handleGetTransaction)
			r.Post("/transactions/{id}/complete", s.handleComplete)

			r.Get("/escrows/{id}", s.handleGetEscrow)
			r.Post("/escrows/{id}/release", s.handleRelease)

			r.Post("/disputes", s.handleFileDispute)
			r.Get("/disputes", s.handleMyDisputes)
			r.Get("/disputes/{id}", s.handleGetDispute)
			r.Post("/disputes/{id}/review", s.handleReviewDispute)
			r.Post("/disputes/{id}/resolve", s.handleResolveDispute)
			r.Post("/disputes/{id}/dismiss", s.handleDismissDispute)

			r.Post("/stakes", s.handleInitStake)
			r.Get("/stakes", s.handleGetStake)
			r.Post("/stakes/deposit", s.handleStakeDeposit)
			r.Post("/stakes/withdraw", s.handleStakeWithdraw)
			r.Post("/stakes/deploy", s.handleAgentDeployed)
			r.Post("/stakes/undeploy", s.handleAgentUndeployed)
			r.Post("/stakes/{owner}/freeze", s.handleFreezeStake)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		participantID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyParticipantID, participantID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func participantID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyParticipantID).(string)
	return id
}

// --- auth ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, participantResponseFrom(*p))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:       result.Token,
		Participant: participantResponseFrom(result.Participant),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, err := s.authService.GetParticipantByID(r.Context(), participantID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participantResponseFrom(*p))
}

// --- listings ---

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	l, err := s.listingService.Create(r.Context(), listing.CreateParams{
		SellerID:  participantID(r),
		AssetID:   req.AssetID,
		Price:     req.Price,
		Currency:  req.Currency,
		RentPrice: req.RentPrice,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listingResponseFrom(l))
}

func (s *Server) handleMyListings(w http.ResponseWriter, r *http.Request) {
	items, err := s.listingService.ListBySeller(r.Context(), participantID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := make([]listingResponse, 0, len(items))
	for _, l := range items {
		resp = append(resp, listingResponseFrom(l))
	}
	writeJSON(w, http.StatusOK, listPayload[listingResponse]{Items: resp, Total: len(resp)})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.listingService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponseFrom(l))
}

func (s *Server) handleCancelListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.listingService.Cancel(r.Context(), participantID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponseFrom(l))
}

func (s *Server) handlePauseListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.listingService.Pause(r.Context(), participantID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponseFrom(l))
}

func (s *Server) handleResumeListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.listingService.Resume(r.Context(), participantID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingResponseFrom(l))
}

// --- trades ---

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	t, err := s.tradeService.Purchase(r.Context(), participantID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, transactionResponseFrom(t))
}

func (s *Server) handleMyTransactions(w http.ResponseWriter, r *http.Request) {
	items, err := s.tradeService.ListForParticipant(r.Context(), participantID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := make([]transactionResponse, 0, len(items))
	for _, t := range items {
		resp = append(resp, transactionResponseFrom(t))
	}
	writeJSON(w, http.StatusOK, listPayload[transactionResponse]{Items: resp, Total: len(resp)})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.tradeService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionResponseFrom(t))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	t, err := s.tradeService.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionResponseFrom(t))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	esc, err := s.tradeService.GetEscrow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponseFrom(esc))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	esc, err := s.tradeService.Release(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponseFrom(esc))
}

// --- disputes ---

func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request) {
	var req fileDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TransactionID == "" || req.Reason == "" {
		writeJSONError(w, http.StatusBadRequest, "transactionId and reason are required")
		return
	}

	d, err := s.disputeService.File(r.Context(), participantID(r), req.TransactionID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, disputeResponseFrom(d))
}

func (s *Server) handleMyDisputes(w http.ResponseWriter, r *http.Request) {
	items, err := s.disputeService.ListForParticipant(r.Context(), participantID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := make([]disputeResponse, 0, len(items))
	for _, d := range items {
		resp = append(resp, disputeResponseFrom(d))
	}
	writeJSON(w, http.StatusOK, listPayload[disputeResponse]{Items: resp, Total: len(resp)})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeResponseFrom(d))
}

func (s *Server) handleReviewDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.BeginReview(r.Context(), participantID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeResponseFrom(d))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Resolution == "" {
		writeJSONError(w, http.StatusBadRequest, "resolution is required")
		return
	}

	d, err := s.disputeService.Resolve(r.Context(), participantID(r), chi.URLParam(r, "id"), req.Resolution, req.FavorComplainant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeResponseFrom(d))
}

func (s *Server) handleDismissDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.Dismiss(r.Context(), participantID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeResponseFrom(d))
}

// --- stakes ---

func (s *Server) handleInitStake(w http.ResponseWriter, r *http.Request) {
	a, err := s.stakeService.InitAccount(r.Context(), participantID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stakeResponseFrom(a))
}

func (s *Server) handleGetStake(w http.ResponseWriter, r *http.Request) {
	a, err := s.stakeService.Get(r.Context(), participantID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stakeResponseFrom(a))
}

func (s *Server) handleStakeDeposit(w http.ResponseWriter, r *http.Request) {
	var req stakeAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := s.stakeService.Deposit(r.Context(), participantID(r), req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stakeResponseFrom(a))
}

func (s *Server) handleStakeWithdraw(w http.ResponseWriter, r *http.Request) {
	var req stakeAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := s.stakeService.Withdraw(r.Context(), participantID(r), req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stakeResponseFrom(a))
}

func (s *Server) handleAgentDeployed(w http.ResponseWriter, r *http.Request) {
	a, err := s.stakeService.AgentDeployed(r.Context(), participantID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stakeResponseFrom(a))
}

func (s *Server) handleAgentUndeployed(w http.ResponseWriter, r *http.Request) {
	a, err := s.stakeService.AgentUndeployed(r.Context(), participantID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stakeResponseFrom(a))
}

func (s *Server) handleFreezeStake(w http.ResponseWriter, r *http.Request) {
	a, err := s.stakeService.Freeze(r.Context(), participantID(r), chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stakeResponseFrom(a))
}

// --- error mapping ---

// writeError maps domain sentinels to HTTP statuses; anything unrecognized
// is a 500 and gets logged.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, listing.ErrNotFound),
		errors.Is(err, trade.ErrNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, stake.ErrNotFound),
		errors.Is(err, auth.ErrParticipantNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, listing.ErrForbidden),
		errors.Is(err, dispute.ErrForbidden),
		errors.Is(err, stake.ErrForbidden),
		errors.Is(err, custody.ErrUnauthorized):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeJSONError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, listing.ErrExists),
		errors.Is(err, trade.ErrExists),
		errors.Is(err, dispute.ErrExists),
		errors.Is(err, stake.ErrExists),
		errors.Is(err, auth.ErrDuplicateEmail):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, listing.ErrNotActive),
		errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, trade.ErrAlreadyCompleted),
		errors.Is(err, trade.ErrRefundPeriodNotElapsed),
		errors.Is(err, dispute.ErrInvalidStatus),
		errors.Is(err, stake.ErrFrozen),
		errors.Is(err, stake.ErrAgentsActive),
		errors.Is(err, custody.ErrInsufficientFunds),
		errors.Is(err, stake.ErrInsufficientStake):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, listing.ErrCurrencyIsAsset),
		errors.Is(err, trade.ErrSelfPurchase),
		errors.Is(err, custody.ErrInvalidAmount),
		errors.Is(err, stake.ErrInvalidAmount),
		errors.Is(err, stake.ErrNoAgents),
		errors.Is(err, auth.ErrWeakPassword):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
