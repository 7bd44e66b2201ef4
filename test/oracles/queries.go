package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against the database while actors
// hammer it. Each query returns rows only when the invariant is violated.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_active_implies_fully_signed",
			SQL: `SELECT e.id FROM engagements e
                  LEFT JOIN contracts c ON c.engagement_id = e.id
                  WHERE e.status IN ('active','finished')
                    AND (c.id IS NULL
                         OR c.signed_by_initiator_at IS NULL
                         OR c.signed_by_counterpart_at IS NULL)`,
		},
		{
			Name: "O2_activation_exactly_once",
			SQL: `SELECT engagement_id, COUNT(*) FROM engagement_events
                  WHERE type = 'ENGAGEMENT_ACTIVATED'
                  GROUP BY engagement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT engagement_id, seq,
                             LAG(seq) OVER (PARTITION BY engagement_id ORDER BY seq) AS prev
                      FROM engagement_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O4_one_contract_per_engagement",
			SQL: `SELECT engagement_id, COUNT(*) FROM contracts
                  GROUP BY engagement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_schedule_only_after_activation",
			SQL: `SELECT s.id FROM schedule_items s
                  JOIN engagements e ON e.id = s.engagement_id
                  WHERE e.status NOT IN ('active','canceled','finished')`,
		},
		{
			Name: "O6_budget_positive",
			SQL:  `SELECT id FROM engagements WHERE budget <= 0`,
		},
		{
			Name: "O7_distinct_parties",
			SQL:  `SELECT id FROM engagements WHERE initiator_id = counterpart_id`,
		},
		{
			Name: "O8_active_has_activation_event",
			SQL: `SELECT e.id FROM engagements e
                  WHERE e.status IN ('active','finished')
                    AND NOT EXISTS (SELECT 1 FROM engagement_events ev
                                    WHERE ev.engagement_id = e.id AND ev.type = 'ENGAGEMENT_ACTIVATED')`,
		},
		{
			Name: "O9_outbox_liveness",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
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
	}
	return "", "", nil
}
