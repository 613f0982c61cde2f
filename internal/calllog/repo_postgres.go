package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"callbridge/pkg/utils"
)

// PostgresRepo persists records via database/sql (pgx stdlib driver).
//
// Assumed table:
//
//	CREATE TABLE call_records (
//	    id               TEXT PRIMARY KEY,
//	    call_id          TEXT NOT NULL,
//	    to_number        TEXT NOT NULL,
//	    started_at       TIMESTAMPTZ NOT NULL,
//	    ended_at         TIMESTAMPTZ NOT NULL,
//	    duration_seconds INT NOT NULL,
//	    cause            TEXT NOT NULL,
//	    plan             TEXT NOT NULL DEFAULT '',
//	    transcript       JSONB NOT NULL DEFAULT '[]'
//	);
type PostgresRepo struct {
	db *sql.DB
}

// retainRecords caps the table size; Append prunes anything older than the
// newest retainRecords rows in the same transaction as the insert.
const retainRecords = 1000

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, rec Record) error {
	transcript, err := json.Marshal(rec.Transcript)
	if err != nil {
		return fmt.Errorf("calllog: marshal transcript: %w", err)
	}
	const insertQ = `
INSERT INTO call_records (id, call_id, to_number, started_at, ended_at, duration_seconds, cause, plan, transcript)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	const pruneQ = `
DELETE FROM call_records
WHERE id IN (
    SELECT id FROM call_records ORDER BY ended_at DESC OFFSET $1
)
`
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertQ,
			rec.ID,
			rec.CallID,
			rec.ToNumber,
			rec.StartedAt,
			rec.EndedAt,
			rec.DurationSeconds,
			string(rec.Cause),
			rec.Plan,
			transcript,
		); err != nil {
			return fmt.Errorf("calllog: insert record: %w", err)
		}
		if _, err := tx.ExecContext(ctx, pruneQ, retainRecords); err != nil {
			return fmt.Errorf("calllog: prune records: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepo) Recent(ctx context.Context, limit int) ([]Record, error) {
	const q = `
SELECT id, call_id, to_number, started_at, ended_at, duration_seconds, cause, plan, transcript
FROM call_records
ORDER BY ended_at DESC
LIMIT $1
`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("calllog: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var cause string
		var transcript []byte
		if err := rows.Scan(
			&rec.ID,
			&rec.CallID,
			&rec.ToNumber,
			&rec.StartedAt,
			&rec.EndedAt,
			&rec.DurationSeconds,
			&cause,
			&rec.Plan,
			&transcript,
		); err != nil {
			return nil, fmt.Errorf("calllog: scan record: %w", err)
		}
		rec.Cause = EndCause(cause)
		if len(transcript) > 0 {
			if err := json.Unmarshal(transcript, &rec.Transcript); err != nil {
				return nil, fmt.Errorf("calllog: decode transcript: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
