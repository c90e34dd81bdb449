package main

import (
	"time"

	"agentmarket/auth"
	"agentmarket/dispute"
	"agentmarket/escrow"
	"agentmarket/listing"
	"agentmarket/stake"
	"agentmarket/trade"
)

type listPayload[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

type createListingRequest struct {
	AssetID   string `json:"assetId"`
	Price     int64  `json:"price"`
	Currency  string `json:"currency"`
	RentPrice *int64 `json:"rentPrice,omitempty"`
}

type fileDisputeRequest struct {
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason"`
}

type resolveDisputeRequest struct {
	Resolution       string `json:"resolution"`
	FavorComplainant bool   `json:"favorComplainant"`
}

type stakeAmountRequest struct {
	Amount int64 `json:"amount"`
}

type participantResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	CreatedAt   string `json:"createdAt"`
}

type loginResponse struct {
	Token       string              `json:"token"`
	Participant participantResponse `json:"participant"`
}

type listingResponse struct {
	ID        string `json:"id"`
	SellerID  string `json:"sellerId"`
	AssetID   string `json:"assetId"`
	Price     int64  `json:"price"`
	RentPrice *int64 `json:"rentPrice,omitempty"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	EscrowID  string `json:"escrowId,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type transactionResponse struct {
	ID                string `json:"id"`
	BuyerID           string `json:"buyerId"`
	SellerID          string `json:"sellerId"`
	ListingID         string `json:"listingId"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	CreatedAt         string `json:"createdAt"`
	CompletedAt       string `json:"completedAt,omitempty"`
	EscrowReleaseTime string `json:"escrowReleaseTime"`
	DisputeDeadline   string `json:"disputeDeadline"`
}

type escrowResponse struct {
	ID            string `json:"id"`
	ListingID     string `json:"listingId"`
	TransactionID string `json:"transactionId,omitempty"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	ReleaseTime   string `json:"releaseTime,omitempty"`
}

type disputeResponse struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	ComplainantID string `json:"complainantId"`
	RespondentID  string `json:"respondentId"`
	Reason        string `json:"reason"`
	Status        string `json:"status"`
	CreatedAt     string `json:"createdAt"`
	ResolvedAt    string `json:"resolvedAt,omitempty"`
	Resolution    string `json:"resolution,omitempty"`
}

type stakeResponse struct {
	OwnerID      string `json:"ownerId"`
	StakedAmount int64  `json:"stakedAmount"`
	Reputation   int    `json:"reputation"`
	ActiveAgents int    `json:"activeAgents"`
	IsFrozen     bool   `json:"isFrozen"`
	FrozenAt     string `json:"frozenAt,omitempty"`
}

func participantResponseFrom(p auth.Participant) participantResponse {
	return participantResponse{
		ID:          p.ID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Role:        string(p.Role),
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
}

func listingResponseFrom(l listing.Listing) listingResponse {
	resp := listingResponse{
		ID:        l.ID,
		SellerID:  l.SellerID,
		AssetID:   l.AssetID,
		Price:     l.Price,
		RentPrice: l.RentPrice,
		Currency:  l.Currency,
		Status:    string(l.Status),
		CreatedAt: l.CreatedAt.Format(time.RFC3339),
	}
	if l.EscrowID != nil {
		resp.EscrowID = *l.EscrowID
	}
	return resp
}

func transactionResponseFrom(t trade.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:                t.ID,
		BuyerID:           t.BuyerID,
		SellerID:          t.SellerID,
		ListingID:         t.ListingID,
		Amount:            t.Amount,
		Currency:          t.Currency,
		Status:            string(t.Status),
		CreatedAt:         t.CreatedAt.Format(time.RFC3339),
		EscrowReleaseTime: t.EscrowReleaseTime.Format(time.RFC3339),
		DisputeDeadline:   t.DisputeDeadline.Format(time.RFC3339),
	}
	if t.CompletedAt != nil {
		resp.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

func escrowResponseFrom(e escrow.Escrow) escrowResponse {
	resp := escrowResponse{
		ID:        e.ID,
		ListingID: e.ListingID,
		Amount:    e.Amount,
		Currency:  e.Currency,
		Status:    string(e.Status),
	}
	if e.TransactionID != nil {
		resp.TransactionID = *e.TransactionID
	}
	if e.ReleaseTime != nil {
		resp.ReleaseTime = e.ReleaseTime.Format(time.RFC3339)
	}
	return resp
}

func disputeResponseFrom(d dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:            d.ID,
		TransactionID: d.TransactionID,
		ComplainantID: d.ComplainantID,
		RespondentID:  d.RespondentID,
		Reason:        d.Reason,
		Status:        string(d.Status),
		CreatedAt:     d.CreatedAt.Format(time.RFC3339),
	}
	if d.ResolvedAt != nil {
		resp.ResolvedAt = d.ResolvedAt.Format(time.RFC3339)
	}
	if d.Resolution != nil {
		resp.Resolution = *d.Resolution
	}
	return resp
}

func stakeResponseFrom(a stake.Account) stakeResponse {
	resp := stakeResponse{
		OwnerID:      a.OwnerID,
		StakedAmount: a.StakedAmount,
		Reputation:   a.Reputation,
		ActiveAgents: a.ActiveAgents,
		IsFrozen:     a.IsFrozen,
	}
	if a.FrozenAt != nil {
		resp.FrozenAt = a.FrozenAt.Format(time.RFC3339)
	}
	return resp
}
