package escrow

import "time"

// Status is the escrow disposition enumeration. Every transition out of
// Active is terminal.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

// Escrow mirrors the escrows table. It is bound to exactly one listing at
// creation and rebound to one transaction at purchase time. References are
// held by identifier only.
type Escrow struct {
	ID            string
	ListingID     string
	TransactionID *string
	Amount        int64
	Currency      string
	Status        Status
	ReleaseTime   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
