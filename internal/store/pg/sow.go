package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"consultport.org/internal/auth"
	"consultport.org/internal/ids"
	"consultport.org/internal/workflow"
)

const sowColumns = `id, client_id, revision, coalesce(supersedes_id,''), status,
	coalesce(approver_id,''), coalesce(decided_by,''), decided_at,
	coalesce(rejection_reason,''), effective_from, effective_to, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSOW(row rowScanner) (workflow.SOW, error) {
	var sow workflow.SOW
	var status string
	var decidedAt sql.NullTime
	err := row.Scan(&sow.ID, &sow.ClientID, &sow.Revision, &sow.SupersedesID, &status,
		&sow.ApproverID, &sow.DecidedBy, &decidedAt,
		&sow.RejectionReason, &sow.EffectiveFrom, &sow.EffectiveTo, &sow.CreatedAt, &sow.UpdatedAt)
	if err != nil {
		return workflow.SOW{}, err
	}
	sow.Status = workflow.SOWStatus(status)
	if decidedAt.Valid {
		t := decidedAt.Time
		sow.DecidedAt = &t
	}
	return sow, nil
}

func loadSOWLineItems(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, sowID string) ([]workflow.LineItem, error) {
	rows, err := q.QueryContext(ctx, `
		select description, rate_cents, quantity, coalesce(unit,'')
		from sow_line_items where sow_id=$1 order by position asc
	`, sowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []workflow.LineItem
	for rows.Next() {
		var li workflow.LineItem
		if err := rows.Scan(&li.Description, &li.RateCents, &li.Quantity, &li.Unit); err != nil {
			return nil, err
		}
		items = append(items, li)
	}
	return items, rows.Err()
}

// lockSOW loads a SOW revision under a row lock so concurrent approvers
// serialize on it.
func lockSOW(ctx context.Context, tx *sql.Tx, id string) (workflow.SOW, error) {
	row := tx.QueryRowContext(ctx, `select `+sowColumns+` from sows where id=$1 for update`, id)
	sow, err := scanSOW(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.SOW{}, fmt.Errorf("%w: sow %s", workflow.ErrNotFound, id)
	}
	if err != nil {
		return workflow.SOW{}, err
	}
	sow.LineItems, err = loadSOWLineItems(ctx, tx, id)
	if err != nil {
		return workflow.SOW{}, err
	}
	return sow, nil
}

func (s *Store) CreateSOW(ctx context.Context, actor workflow.Actor, in workflow.SOWInput) (workflow.SOW, error) {
	if err := auth.Authorize(actor, auth.PermSOWCreate); err != nil {
		return workflow.SOW{}, err
	}
	if err := workflow.ValidateSOWInput(in); err != nil {
		return workflow.SOW{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return workflow.SOW{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `select 1 from clients where id=$1`, in.ClientID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.SOW{}, fmt.Errorf("%w: client %s", workflow.ErrNotFound, in.ClientID)
	}
	if err != nil {
		return workflow.SOW{}, err
	}

	now := s.now()
	sow := workflow.SOW{
		ID:            ids.New(),
		ClientID:      in.ClientID,
		Revision:      1,
		LineItems:     append([]workflow.LineItem(nil), in.LineItems...),
		Status:        workflow.SOWDraft,
		ApproverID:    strings.TrimSpace(in.ApproverID),
		EffectiveFrom: workflow.Day(in.EffectiveFrom),
		EffectiveTo:   workflow.Day(in.EffectiveTo),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into sows(id, client_id, revision, status, approver_id, effective_from, effective_to, created_at, updated_at)
		values ($1,$2,$3,$4,nullif($5,''),$6,$7,$8,$9)
	`, sow.ID, sow.ClientID, sow.Revision, string(sow.Status), sow.ApproverID,
		sow.EffectiveFrom, sow.EffectiveTo, sow.CreatedAt, sow.UpdatedAt); err != nil {
		return workflow.SOW{}, err
	}
	if err := insertLineItems(ctx, tx, sow.ID, sow.LineItems); err != nil {
		return workflow.SOW{}, err
	}
	rec := auditRecord(actor, workflow.EntitySOW, sow.ID, workflow.ActionCreate, "", string(workflow.SOWDraft),
		map[string]string{"client_id": sow.ClientID, "revision": strconv.Itoa(sow.Revision)})
	if err := s.insertAudit(ctx, tx, rec); err != nil {
		return workflow.SOW{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.SOW{}, err
	}
	return sow, nil
}

func insertLineItems(ctx context.Context, tx *sql.Tx, sowID string, items []workflow.LineItem) error {
	for i, li := range items {
		if _, err := tx.ExecContext(ctx, `
			insert into sow_line_items(sow_id, position, description, rate_cents, quantity, unit)
			values ($1,$2,$3,$4,$5,nullif($6,''))
		`, sowID, i, li.Description, li.RateCents, li.Quantity, li.Unit); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetSOW(ctx context.Context, id string) (workflow.SOW, error) {
	row := s.db.QueryRowContext(ctx, `select `+sowColumns+` from sows where id=$1`, id)
	sow, err := scanSOW(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.SOW{}, fmt.Errorf("%w: sow %s", workflow.ErrNotFound, id)
	}
	if err != nil {
		return workflow.SOW{}, err
	}
	sow.LineItems, err = loadSOWLineItems(ctx, s.db, id)
	if err != nil {
		return workflow.SOW{}, err
	}
	return sow, nil
}

func (s *Store) SubmitSOW(ctx context.Context, actor workflow.Actor, sowID string) (workflow.SOW, error) {
	if err := auth.Authorize(actor, auth.PermSOWSubmit); err != nil {
		return workflow.SOW{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return workflow.SOW{}, err
	}
	defer func() { _ = tx.Rollback() }()

	sow, err := lockSOW(ctx, tx, sowID)
	if err != nil {
		return workflow.SOW{}, err
	}
	if !workflow.CanTransitionSOW(sow.Status, workflow.SOWPending) {
		return workflow.SOW{}, fmt.Errorf("%w: sow %s -> %s", workflow.ErrInvalidTransition, sow.Status, workflow.SOWPending)
	}
	if len(sow.LineItems) == 0 {
		return workflow.SOW{}, workflow.ErrEmptySOW
	}
	for _, li := range sow.LineItems {
		if err := workflow.ValidateRate(li.RateCents); err != nil {
			return workflow.SOW{}, err
		}
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		update sows set status=$1, updated_at=$2 where id=$3 and status=$4
	`, string(workflow.SOWPending), now, sow.ID, string(sow.Status))
	if err != nil {
		return workflow.SOW{}, err
	}
	if err := checkAffected(res, "sows", "submit"); err != nil {
		return workflow.SOW{}, err
	}
	rec := auditRecord(actor, workflow.EntitySOW, sow.ID, workflow.ActionSubmit,
		string(sow.Status), string(workflow.SOWPending), nil)
	if err := s.insertAudit(ctx, tx, rec); err != nil {
		return workflow.SOW{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.SOW{}, err
	}
	sow.Status = workflow.SOWPending
	sow.UpdatedAt = now
	return sow, nil
}

// canDecide gates approval decisions: the actor's role must hold the decide
// permission in the capability table, or the actor must be the SOW's
// designated approver.
func canDecide(actor workflow.Actor, sow workflow.SOW, perm string) bool {
	if auth.Authorize(actor, perm) == nil {
		return true
	}
	return sow.ApproverID != "" && actor.ID == sow.ApproverID
}

func (s *Store) ApproveSOW(ctx context.Context, actor workflow.Actor, sowID string) (workflow.SOW, error) {
	return s.decideSOW(ctx, actor, sowID, workflow.SOWApproved, "")
}

func (s *Store) RejectSOW(ctx context.Context, actor workflow.Actor, sowID, reason string) (workflow.SOW, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return workflow.SOW{}, fmt.Errorf("%w: rejection reason is required", workflow.ErrValidation)
	}
	return s.decideSOW(ctx, actor, sowID, workflow.SOWRejected, reason)
}

func (s *Store) decideSOW(ctx context.Context, actor workflow.Actor, sowID string, to workflow.SOWStatus, reason string) (workflow.SOW, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return workflow.SOW{}, err
	}
	defer func() { _ = tx.Rollback() }()

	sow, err := lockSOW(ctx, tx, sowID)
	if err != nil {
		return workflow.SOW{}, err
	}
	perm := auth.PermSOWApprove
	if to == workflow.SOWRejected {
		perm = auth.PermSOWReject
	}
	if !canDecide(actor, sow, perm) {
		return workflow.SOW{}, fmt.Errorf("%w: %s may not decide sow %s", auth.ErrUnauthorized, actor.ID, sowID)
	}
	if !workflow.CanTransitionSOW(sow.Status, to) {
		return workflow.SOW{}, fmt.Errorf("%w: sow %s -> %s", workflow.ErrInvalidTransition, sow.Status, to)
	}
	if to == workflow.SOWApproved && len(sow.LineItems) == 0 {
		return workflow.SOW{}, workflow.ErrEmptySOW
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		update sows set status=$1, decided_by=$2, decided_at=$3, rejection_reason=nullif($4,''), updated_at=$3
		where id=$5 and status=$6
	`, string(to), actor.ID, now, reason, sow.ID, string(sow.Status))
	if err != nil {
		return workflow.SOW{}, err
	}
	if err := checkAffected(res, "sows", string(to)); err != nil {
		return workflow.SOW{}, err
	}

	action := workflow.ActionApprove
	var fields map[string]string
	if to == workflow.SOWRejected {
		action = workflow.ActionReject
		fields = map[string]string{"reason": reason}
	}
	rec := auditRecord(actor, workflow.EntitySOW, sow.ID, action, string(sow.Status), string(to), fields)
	if err := s.insertAudit(ctx, tx, rec); err != nil {
		return workflow.SOW{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.SOW{}, err
	}

	sow.Status = to
	sow.DecidedBy = actor.ID
	sow.DecidedAt = &now
	sow.RejectionReason = reason
	sow.UpdatedAt = now
	return sow, nil
}

func (s *Store) ReviseSOW(ctx context.Context, actor workflow.Actor, sowID string) (workflow.SOW, error) {
	if err := auth.Authorize(actor, auth.PermSOWRevise); err != nil {
		return workflow.SOW{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return workflow.SOW{}, err
	}
	defer func() { _ = tx.Rollback() }()

	prior, err := lockSOW(ctx, tx, sowID)
	if err != nil {
		return workflow.SOW{}, err
	}
	if prior.Status != workflow.SOWRejected {
		return workflow.SOW{}, fmt.Errorf("%w: sow revise from %s", workflow.ErrInvalidTransition, prior.Status)
	}

	now := s.now()
	next := workflow.SOW{
		ID:            ids.New(),
		ClientID:      prior.ClientID,
		Revision:      prior.Revision + 1,
		SupersedesID:  prior.ID,
		LineItems:     append([]workflow.LineItem(nil), prior.LineItems...),
		Status:        workflow.SOWDraft,
		ApproverID:    prior.ApproverID,
		EffectiveFrom: prior.EffectiveFrom,
		EffectiveTo:   prior.EffectiveTo,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into sows(id, client_id, revision, supersedes_id, status, approver_id, effective_from, effective_to, created_at, updated_at)
		values ($1,$2,$3,$4,$5,nullif($6,''),$7,$8,$9,$10)
	`, next.ID, next.ClientID, next.Revision, next.SupersedesID, string(next.Status),
		next.ApproverID, next.EffectiveFrom, next.EffectiveTo, next.CreatedAt, next.UpdatedAt); err != nil {
		return workflow.SOW{}, err
	}
	if err := insertLineItems(ctx, tx, next.ID, next.LineItems); err != nil {
		return workflow.SOW{}, err
	}
	rec := auditRecord(actor, workflow.EntitySOW, next.ID, workflow.ActionRevise,
		string(workflow.SOWRejected), string(workflow.SOWDraft),
		map[string]string{"supersedes": prior.ID, "revision": strconv.Itoa(next.Revision)})
	if err := s.insertAudit(ctx, tx, rec); err != nil {
		return workflow.SOW{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.SOW{}, err
	}
	return next, nil
}
