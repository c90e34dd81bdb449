// Package event provides the timeline and transactional-outbox writers
// shared by every mutating marketplace operation. Both writes happen in the
// operation's own transaction; delivery to external observers is the relay's
// job and observers must tolerate replays.
package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Domain notification topics.
const (
	TopicListingCreated       = "listing.created"
	TopicListingDelisted      = "listing.delisted"
	TopicPurchaseInitiated    = "purchase.initiated"
	TopicTransactionCompleted = "transaction.completed"
	TopicEscrowReleased       = "escrow.released"
	TopicDisputeFiled         = "dispute.filed"
	TopicDisputeResolved      = "dispute.resolved"
)

// AppendTimeline records an immutable business event against a subject. The
// sequence number is assigned under the caller's locks, so it is monotonic
// per subject.
func AppendTimeline(ctx context.Context, tx pgx.Tx, subjectID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(ensure(payload))
	if err != nil {
		return fmt.Errorf("event: marshal timeline payload: %w", err)
	}

	var seq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE subject_id = $1`,
		subjectID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("event: next timeline seq: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO timeline_events (subject_id, seq, type, payload, actor_id)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, subjectID, seq, eventType, body, actor); err != nil {
		return fmt.Errorf("event: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox stages a domain notification for the relay.
func EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(ensure(payload))
	if err != nil {
		return fmt.Errorf("event: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`,
		topic, body,
	); err != nil {
		return fmt.Errorf("event: enqueue outbox: %w", err)
	}
	return nil
}

func ensure(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	return payload
}
