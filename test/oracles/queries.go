package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the market is consistent.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_bid",
			SQL: `SELECT task_id, COUNT(*) FROM bids
                  WHERE state = 'accepted'
                  GROUP BY task_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_window_points_at_accepted_bid",
			SQL: `SELECT w.task_id, w.accepted_bid_id, b.state FROM bid_windows w
                  LEFT JOIN bids b ON b.id = w.accepted_bid_id
                  WHERE w.accepted_bid_id IS NOT NULL
                    AND (b.state IS DISTINCT FROM 'accepted' OR b.task_id <> w.task_id OR w.state <> 'resolved')`,
		},
		{
			Name: "O3_one_sealed_bid_per_helper",
			SQL: `SELECT task_id, helper_id, COUNT(*) FROM bids
                  WHERE state = 'sealed'
                  GROUP BY task_id, helper_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_sealed_content_hidden",
			SQL: `SELECT b.id, b.state, w.state FROM bids b
                  JOIN bid_windows w ON w.task_id = b.task_id
                  WHERE (b.state = 'sealed' AND (b.amount IS NOT NULL OR w.state <> 'collecting'))
                     OR (b.submitted_at > w.closes_at)`,
		},
		{
			Name: "O5_escrow_conservation",
			SQL: `SELECT e.id, e.total_amount, e.released_amount, e.refunded_amount FROM escrows e
                  LEFT JOIN (
                      SELECT escrow_id,
                             COALESCE(SUM(amount) FILTER (WHERE kind <> 'refund'), 0) AS released,
                             COALESCE(SUM(amount) FILTER (WHERE kind = 'refund'), 0) AS refunded
                      FROM escrow_transactions GROUP BY escrow_id) t ON t.escrow_id = e.id
                  WHERE e.released_amount <> COALESCE(t.released, 0)
                     OR e.refunded_amount <> COALESCE(t.refunded, 0)
                     OR e.released_amount + e.refunded_amount > e.total_amount
                     OR (e.state = 'released' AND e.released_amount + e.refunded_amount <> e.total_amount)`,
		},
		{
			Name: "O6_escrow_matches_accepted_bid",
			SQL: `SELECT e.id, e.bid_id, b.state FROM escrows e
                  LEFT JOIN bids b ON b.id = e.bid_id
                  WHERE b.state IS DISTINCT FROM 'accepted'
                     OR b.amount <> e.total_amount
                     OR b.helper_id <> e.helper_id`,
		},
		{
			Name: "O7_ledger_sequence_contiguous",
			SQL: `SELECT escrow_id, MIN(seq), MAX(seq), COUNT(*) FROM escrow_transactions
                  GROUP BY escrow_id HAVING MIN(seq) <> 1 OR MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O8_response_after_expiry",
			SQL: `SELECT broadcast_id, helper_id, state FROM broadcast_notifications
                  WHERE (state IN ('accepted', 'declined')) <> (responded_at IS NOT NULL)
                     OR (state = 'accepted' AND responded_at > expires_at)`,
		},
		{
			Name: "O9_outbox_drained",
			SQL: `SELECT id, topic, attempts, last_error FROM outbox
                  WHERE status = 'dead'
                     OR (status = 'pending' AND now() - created_at > interval '5 minutes')`,
		},
	}
}

// Run executes every oracle and returns the first failure's name and a sample
// row. An empty name means all passed.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
