// Package oracles holds the invariant queries the stress harness runs
// against a live database. Every query is written so that any returned
// row is a violation; an empty result set means the invariant holds at
// that committed snapshot.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"agentmarket/stake"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_escrow_per_listing",
			SQL: `SELECT listing_id, COUNT(*) FROM escrows
                  GROUP BY listing_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_one_purchase_per_listing",
			SQL: `SELECT listing_id, COUNT(*) FROM transactions
                  GROUP BY listing_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_sold_listing_has_transaction",
			SQL: `SELECT l.id FROM listings l
                  WHERE l.status = 'sold'
                    AND NOT EXISTS (SELECT 1 FROM transactions t WHERE t.listing_id = l.id)`,
		},
		{
			Name: "O4_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT subject_id, seq,
                             LAG(seq) OVER (PARTITION BY subject_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O5_no_negative_balance",
			SQL:  `SELECT * FROM custody_accounts WHERE balance < 0`,
		},
		{
			Name: "O6_settled_escrow_holds_no_currency",
			SQL: `SELECT e.id, e.status, c.balance FROM escrows e
                  JOIN custody_accounts c ON c.owner_id = e.id AND c.ledger_id = e.currency
                  WHERE e.status IN ('released', 'refunded') AND c.balance <> 0`,
		},
		{
			Name: "O7_agent_conservation",
			SQL: `SELECT ledger_id, SUM(balance) FROM custody_accounts
                  WHERE ledger_id LIKE 'agent-%'
                  GROUP BY ledger_id HAVING SUM(balance) <> 1`,
		},
		{
			Name: "O8_disputed_transaction_has_dispute",
			SQL: `SELECT t.id FROM transactions t
                  WHERE t.status = 'disputed'
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.transaction_id = t.id)`,
		},
		{
			Name: "O9_resolved_dispute_settles_transaction",
			SQL: `SELECT d.id, t.status FROM disputes d
                  JOIN transactions t ON t.id = d.transaction_id
                  WHERE d.status IN ('resolved', 'dismissed')
                    AND t.status NOT IN ('completed', 'refunded')`,
		},
		{
			Name: "O10_outbox_drains",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O11_stake_vault_matches_ledger",
			SQL: fmt.Sprintf(`SELECT staked, vault FROM
                      (SELECT COALESCE(SUM(staked_amount), 0) AS staked FROM stakes) s,
                      (SELECT COALESCE(SUM(balance), 0) AS vault
                       FROM custody_accounts
                       WHERE owner_id = '%s' AND ledger_id = 'credits') v
                  WHERE s.staked <> v.vault`, stake.VaultID()),
		},
	}
}

// Run executes all oracles and returns the first failure (name and a
// sample row) or an empty name if every invariant holds.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
