package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository reads the audit timeline from PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository constructs the repository.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// TimelineWindow returns audit events newest first, with optional actor,
// entity and time-range filters. Every value is bound, never interpolated.
func (r *PgRepository) TimelineWindow(ctx context.Context, f TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	query := `
		SELECT actor, entity, entity_id, operation, old_state, new_state, occurred_at
		FROM audit_events
		WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
		  AND ($2::timestamptz IS NULL OR occurred_at < $2)
		  AND ($3::text IS NULL OR actor = $3)
		  AND ($4::text IS NULL OR entity = $4)
		ORDER BY occurred_at DESC, id DESC
		LIMIT $5 OFFSET $6`

	rows, err := r.pool.Query(ctx, query,
		toPgTime(f.From), toPgTime(f.To), optionalText(f.Actor), optionalText(f.Entity), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("audit: timeline query: %w", err)
	}
	defer rows.Close()

	var result []TimelineRow
	for rows.Next() {
		var row TimelineRow
		var oldJSON, newJSON []byte
		if err := rows.Scan(&row.Actor, &row.Entity, &row.EntityID, &row.Operation, &oldJSON, &newJSON, &row.At); err != nil {
			return nil, fmt.Errorf("audit: scan timeline row: %w", err)
		}
		if len(oldJSON) > 0 {
			if err := json.Unmarshal(oldJSON, &row.Old); err != nil {
				return nil, fmt.Errorf("audit: decode old state: %w", err)
			}
		}
		if len(newJSON) > 0 {
			if err := json.Unmarshal(newJSON, &row.New); err != nil {
				return nil, fmt.Errorf("audit: decode new state: %w", err)
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}
