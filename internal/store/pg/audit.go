package pg

import (
	"context"
	"encoding/json"

	"consultport.org/internal/audit"
	"consultport.org/internal/auth"
	"consultport.org/internal/workflow"
)

// QueryAuditTrail pages through audit_records in sequence order. The
// returned cursor is the sequence of the last record, suitable for the
// next call's AfterSeq.
func (s *Store) QueryAuditTrail(ctx context.Context, actor workflow.Actor, f audit.Filter) ([]audit.Record, uint64, error) {
	if err := auth.Authorize(actor, auth.PermAuditQuery); err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, sequence, occurred_at, entity_type, entity_id, action,
			coalesce(prior_state,''), coalesce(new_state,''), actor_id, coalesce(actor_role,''), fields
		from audit_records
		where sequence > $1
			and ($2 = '' or entity_type = $2)
			and ($3 = '' or entity_id = $3)
		order by sequence asc
		limit $4
	`, f.AfterSeq, f.EntityType, f.EntityID, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recs []audit.Record
	var last uint64
	for rows.Next() {
		var rec audit.Record
		var fields []byte
		if err := rows.Scan(&rec.ID, &rec.Sequence, &rec.OccurredAt, &rec.EntityType, &rec.EntityID,
			&rec.Action, &rec.PriorState, &rec.NewState, &rec.ActorID, &rec.ActorRole, &fields); err != nil {
			return nil, 0, err
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &rec.Fields); err != nil {
				return nil, 0, err
			}
		}
		recs = append(recs, rec)
		last = rec.Sequence
	}
	return recs, last, rows.Err()
}
