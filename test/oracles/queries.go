package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that returns rows only when an invariant is broken.
type Oracle struct {
	Name string
	SQL  string
	Args []any
}

// Record layout offsets inside custody_records.data.
const (
	amountOffset = 72
	statusOffset = 80
)

// amountSQL decodes the little-endian u64 amount of custody_records row r.
var amountSQL = fmt.Sprintf(`(SELECT sum(get_byte(r.data, %d + i)::numeric * power(256::numeric, i))
                                FROM generate_series(0, 7) AS i)`, amountOffset)

var statusSQL = fmt.Sprintf(`get_byte(r.data, %d)`, statusOffset)

// All returns the oracles for a run that seeded funded units in total.
func All(funded int64) []Oracle {
	return []Oracle{
		{
			Name: "O1_value_conserved",
			SQL: `SELECT coalesce(sum(balance), 0) AS total FROM balances
                  HAVING coalesce(sum(balance), 0) <> $1`,
			Args: []any{funded},
		},
		{
			Name: "O2_custody_matches_record",
			SQL: fmt.Sprintf(`SELECT encode(r.address, 'hex'), %[2]s AS status, %[1]s AS amount, coalesce(b.balance, 0) AS custody
                  FROM custody_records r
                  LEFT JOIN balances b ON b.kind = 2 AND b.account = r.address
                  WHERE (%[2]s IN (0, 1) AND coalesce(b.balance, 0) <> %[1]s)
                     OR (%[2]s IN (2, 3) AND coalesce(b.balance, 0) <> 0)`, amountSQL, statusSQL),
		},
		{
			Name: "O3_status_byte_valid",
			SQL:  fmt.Sprintf(`SELECT encode(r.address, 'hex'), %s FROM custody_records r WHERE %s > 3`, statusSQL, statusSQL),
		},
		{
			Name: "O4_event_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT address, seq,
                             LAG(seq) OVER (PARTITION BY address ORDER BY seq) AS prev
                      FROM record_events)
                  SELECT encode(address, 'hex'), seq, prev FROM seqs
                  WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O5_single_settlement",
			SQL: `SELECT encode(address, 'hex'), count(*) FROM record_events
                  WHERE type IN ('escrow.released', 'escrow.disputed')
                  GROUP BY address HAVING count(*) > 1`,
		},
		{
			Name: "O6_record_has_creation_event",
			SQL: `SELECT encode(r.address, 'hex') FROM custody_records r
                  WHERE NOT EXISTS (
                      SELECT 1 FROM record_events e
                      WHERE e.address = r.address AND e.seq = 1 AND e.type = 'escrow.created')`,
		},
		{
			Name: "O7_published_after_created",
			SQL:  `SELECT id FROM record_events WHERE published_at IS NOT NULL AND published_at < created_at`,
		},
		{
			Name: "O8_record_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_custody_records')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, funded int64) (string, string, error) {
	for _, o := range All(funded) {
		rows, err := pool.Query(ctx, o.SQL, o.Args...)
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
		err = rows.Err()
		rows.Close()
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
