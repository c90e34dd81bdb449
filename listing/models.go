package listing

import "time"

// Status is the closed listing lifecycle enumeration.
type Status string

const (
	StatusActive   Status = "active"
	StatusSold     Status = "sold"
	StatusDelisted Status = "delisted"
	StatusPaused   Status = "paused"
)

// Listing mirrors the listings table. The escrow reference is non-owning:
// callers resolve it through the escrow store.
type Listing struct {
	ID        string
	SellerID  string
	AssetID   string
	Price     int64
	RentPrice *int64
	Currency  string
	Status    Status
	EscrowID  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateParams enumerates the fields a seller supplies when listing an agent.
type CreateParams struct {
	SellerID  string
	AssetID   string
	Price     int64
	Currency  string
	RentPrice *int64
}
