package stake

import "time"

// startingReputation is granted to every new stake account.
const startingReputation = 100

// Account tracks a participant's deposited stake and standing.
type Account struct {
	OwnerID      string
	StakedAmount int64
	Reputation   int
	ActiveAgents int
	IsFrozen     bool
	FrozenAt     *time.Time
	UpdatedAt    time.Time
}
