// Package keys implements the derived-key addressing convention: every
// record's storage key is computed deterministically from a fixed tag plus
// the identifiers of its parents, so there is at most one live record per
// tuple and no directory table is needed.
package keys

import "github.com/google/uuid"

// namespace anchors all derived keys; changing it would relocate every record.
var namespace = uuid.MustParse("7a1c2f04-9b3d-4e18-8f52-c6a0d4b9e371")

const (
	TagMarketplace = "marketplace"
	TagListing     = "agent_listing"
	TagEscrow      = "escrow"
	TagTransaction = "transaction"
	TagDispute     = "dispute"
	TagStake       = "stake"
)

// Derive computes the storage key for the record identified by tag and its
// parent ids. The same inputs always map to the same key.
func Derive(tag string, parents ...string) string {
	name := tag
	for _, p := range parents {
		name += "\x00" + p
	}
	return uuid.NewSHA1(namespace, []byte(name)).String()
}
