// Package relay drains the transactional outbox into a Redis stream.
// Each operation's events are committed with its data changes; the relay
// publishes them after the fact, so consumers see an event at least once
// and only for committed operations.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_relay_published_total",
		Help: "Outbox entries published to the event stream.",
	})
	failedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_relay_failures_total",
		Help: "Publish attempts that failed.",
	})
	deadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_relay_dead_total",
		Help: "Outbox entries parked after exhausting attempts.",
	})
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Options tune the relay loop.
type Options struct {
	Stream      string
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// Relay publishes pending outbox entries to a Redis stream.
type Relay struct {
	pool   TxBeginner
	rdb    redis.Cmdable
	opts   Options
	logger *slog.Logger
}

func New(pool TxBeginner, rdb redis.Cmdable, opts Options, logger *slog.Logger) *Relay {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Relay{pool: pool, rdb: rdb, opts: opts, logger: logger}
}

// Run drains the outbox until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.DrainOnce(ctx); err != nil {
				r.logger.Error("outbox drain failed", "error", err)
			} else if n > 0 {
				r.logger.Debug("outbox drained", "published", n)
			}
		}
	}
}

type entry struct {
	id       string
	topic    string
	payload  []byte
	attempts int
}

// DrainOnce publishes up to one batch of pending entries and reports how
// many were published. Rows are claimed with SKIP LOCKED so concurrent
// relays never double-publish a committed claim.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("relay: begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		r.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("relay: select pending: %w", err)
	}

	var batch []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.topic, &e.payload, &e.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("relay: scan outbox row: %w", err)
		}
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("relay: iterate outbox rows: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	published := 0
	now := time.Now().UTC()
	for _, e := range batch {
		if err := r.publish(ctx, e); err != nil {
			failedTotal.Inc()
			status := "pending"
			if e.attempts+1 >= r.opts.MaxAttempts {
				status = "dead"
				deadTotal.Inc()
				r.logger.Warn("outbox entry parked", "id", e.id, "topic", e.topic, "attempts", e.attempts+1)
			}
			if _, uerr := tx.Exec(ctx, `
				UPDATE outbox SET attempts = attempts + 1, last_attempt = $2, status = $3
				WHERE id = $1`,
				e.id, now, status); uerr != nil {
				return published, fmt.Errorf("relay: record failed attempt: %w", uerr)
			}
			continue
		}

		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = $2
			WHERE id = $1`,
			e.id, now); err != nil {
			return published, fmt.Errorf("relay: mark processed: %w", err)
		}
		publishedTotal.Inc()
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return published, fmt.Errorf("relay: commit drain: %w", err)
	}
	return published, nil
}

// publish appends one entry to the stream. The entry id rides along so
// consumers can deduplicate redeliveries.
func (r *Relay) publish(ctx context.Context, e entry) error {
	return r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.opts.Stream,
		Values: map[string]interface{}{
			"id":      e.id,
			"topic":   e.topic,
			"payload": string(e.payload),
		},
	}).Err()
}
