package dispute

import "time"

// Status is the dispute lifecycle enumeration.
type Status string

const (
	StatusFiled       Status = "filed"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusDismissed   Status = "dismissed"
)

// Dispute mirrors the disputes table. The respondent is always the seller
// of the disputed transaction.
type Dispute struct {
	ID            string
	TransactionID string
	ComplainantID string
	RespondentID  string
	Reason        string
	Status        Status
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	Resolution    *string
}
