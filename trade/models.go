package trade

import "time"

// Status is the transaction lifecycle enumeration.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
	StatusDisputed  Status = "disputed"
)

// Settlement windows, measured from the moment of purchase. Held funds
// unlock for the seller after ReleaseWindow; a dispute must be filed within
// DisputeWindow.
const (
	ReleaseWindow = 7 * 24 * time.Hour
	DisputeWindow = 3 * 24 * time.Hour
)

// Transaction mirrors the transactions table: one buyer-seller exchange
// with its time windows.
type Transaction struct {
	ID                string
	BuyerID           string
	SellerID          string
	ListingID         string
	Amount            int64
	Currency          string
	Status            Status
	CreatedAt         time.Time
	CompletedAt       *time.Time
	EscrowReleaseTime time.Time
	DisputeDeadline   time.Time
}
