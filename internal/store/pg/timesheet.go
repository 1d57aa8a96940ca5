package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"consultport.org/internal/auth"
	"consultport.org/internal/ids"
	"consultport.org/internal/workflow"
)

const entryColumns = `id, consultant_id, project_id, work_date, minutes, rate_cents,
	rate_override, coalesce(note,''), status, coalesce(rejection_reason,''),
	coalesce(invoice_id,''), created_at, updated_at`

func scanEntry(row rowScanner) (workflow.TimesheetEntry, error) {
	var e workflow.TimesheetEntry
	var status string
	err := row.Scan(&e.ID, &e.ConsultantID, &e.ProjectID, &e.WorkDate, &e.Minutes, &e.RateCents,
		&e.RateOverride, &e.Note, &status, &e.RejectionReason,
		&e.InvoiceID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return workflow.TimesheetEntry{}, err
	}
	e.Status = workflow.EntryStatus(status)
	return e, nil
}

// lockProject pins the project row so concurrent submissions for the same
// project serialize, which makes the daily-cap check race free.
func lockProject(ctx context.Context, tx *sql.Tx, id string) (workflow.Project, error) {
	row := tx.QueryRowContext(ctx, `select `+projectColumns+` from projects where id=$1 for update`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Project{}, fmt.Errorf("%w: project %s", workflow.ErrNotFound, id)
	}
	if err != nil {
		return workflow.Project{}, err
	}
	p.Resources, err = loadProjectResources(ctx, tx, id)
	if err != nil {
		return workflow.Project{}, err
	}
	return p, nil
}

func (s *Store) SubmitTimesheetEntry(ctx context.Context, actor workflow.Actor, in workflow.EntryInput) (workflow.TimesheetEntry, error) {
	if err := auth.Authorize(actor, auth.PermTimesheetSubmit); err != nil {
		return workflow.TimesheetEntry{}, err
	}
	if actor.Role == auth.RoleConsultant && actor.ID != in.ConsultantID {
		return workflow.TimesheetEntry{}, fmt.Errorf("%w: consultant %s may not log time for %s",
			auth.ErrUnauthorized, actor.ID, in.ConsultantID)
	}
	if err := workflow.ValidateMinutes(in.Minutes); err != nil {
		return workflow.TimesheetEntry{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return workflow.TimesheetEntry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	project, err := lockProject(ctx, tx, in.ProjectID)
	if err != nil {
		return workflow.TimesheetEntry{}, err
	}
	var sowStatus string
	err = tx.QueryRowContext(ctx, `select status from sows where id=$1`, project.SOWID).Scan(&sowStatus)
	if err != nil || workflow.SOWStatus(sowStatus) != workflow.SOWApproved {
		return workflow.TimesheetEntry{}, fmt.Errorf("%w: project %s", workflow.ErrProjectNotActive, project.ID)
	}
	if err := workflow.ValidateDateWithin(in.WorkDate, project.StartDate, project.EndDate); err != nil {
		return workflow.TimesheetEntry{}, err
	}

	res, ok := projectResource(project, in.ConsultantID)
	if !ok {
		return workflow.TimesheetEntry{}, fmt.Errorf("%w: consultant %s on project %s",
			workflow.ErrNotAssigned, in.ConsultantID, project.ID)
	}
	rate := in.RateCents
	if rate == 0 {
		rate = res.RateCents
	}
	if err := workflow.ValidateRate(rate); err != nil {
		return workflow.TimesheetEntry{}, err
	}
	if rate != res.RateCents && !in.RateOverride {
		return workflow.TimesheetEntry{}, fmt.Errorf("%w: entry rate %d, project rate %d",
			workflow.ErrRateMismatch, rate, res.RateCents)
	}

	entry := workflow.TimesheetEntry{
		ID:           ids.New(),
		ConsultantID: in.ConsultantID,
		ProjectID:    project.ID,
		WorkDate:     workflow.Day(in.WorkDate),
		Minutes:      in.Minutes,
		RateCents:    rate,
		RateOverride: in.RateOverride && rate != res.RateCents,
		Note:         strings.TrimSpace(in.Note),
		Status:       workflow.EntrySubmitted,
	}
	existing, err := entriesForKey(ctx, tx, entry.ConsultantID, entry.ProjectID, entry.WorkDate)
	if err != nil {
		return workflow.TimesheetEntry{}, err
	}
	if err := workflow.DetectOverlap(existing, entry); err != nil {
		return workflow.TimesheetEntry{}, err
	}

	now := s.now()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `
		insert into timesheet_entries(id, consultant_id, project_id, work_date, minutes, rate_cents, rate_override, note, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,nullif($8,''),$9,$10,$11)
	`, entry.ID, entry.ConsultantID, entry.ProjectID, entry.WorkDate, entry.Minutes, entry.RateCents,
		entry.RateOverride, entry.Note, string(entry.Status), entry.CreatedAt, entry.UpdatedAt); err != nil {
		return workflow.TimesheetEntry{}, err
	}

	fields := map[string]string{
		"minutes":    strconv.Itoa(entry.Minutes),
		"rate_cents": strconv.FormatInt(entry.RateCents, 10),
		"work_date":  entry.WorkDate.Format("2006-01-02"),
	}
	if entry.RateOverride {
		fields["rate_override"] = "true"
	}
	rec := auditRecord(actor, workflow.EntityTimesheet, entry.ID, workflow.ActionSubmit, "", string(workflow.EntrySubmitted), fields)
	if err := s.insertAudit(ctx, tx, rec); err != nil {
		return workflow.TimesheetEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.TimesheetEntry{}, err
	}
	return entry, nil
}

func projectResource(p workflow.Project, consultantID string) (workflow.Resource, bool) {
	for _, res := range p.Resources {
		if res.ConsultantID == consultantID {
			return res, true
		}
	}
	return workflow.Resource{}, false
}

func entriesForKey(ctx context.Context, tx *sql.Tx, consultantID, projectID string, day time.Time) ([]workflow.TimesheetEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		select `+entryColumns+` from timesheet_entries
		where consultant_id=$1 and project_id=$2 and work_date=$3
		order by id asc
	`, consultantID, projectID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.TimesheetEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func lockEntry(ctx context.Context, tx *sql.Tx, id string) (workflow.TimesheetEntry, error) {
	row := tx.QueryRowContext(ctx, `select `+entryColumns+` from timesheet_entries where id=$1 for update`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.TimesheetEntry{}, fmt.Errorf("%w: timesheet entry %s", workflow.ErrNotFound, id)
	}
	return e, err
}

func (s *Store) ApproveTimesheetEntry(ctx context.Context, actor workflow.Actor, entryID string) (workflow.TimesheetEntry, error) {
	if err := auth.Authorize(actor, auth.PermTimesheetApprove); err != nil {
		return workflow.TimesheetEntry{}, err
	}
	return s.decideEntry(ctx, actor, entryID, workflow.EntryApproved, "")
}

func (s *Store) RejectTimesheetEntry(ctx context.Context, actor workflow.Actor, entryID, reason string) (workflow.TimesheetEntry, error) {
	if err := auth.Authorize(actor, auth.PermTimesheetApprove); err != nil {
		return workflow.TimesheetEntry{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return workflow.TimesheetEntry{}, fmt.Errorf("%w: rejection reason is required", workflow.ErrValidation)
	}
	return s.decideEntry(ctx, actor, entryID, workflow.EntryDraft, reason)
}

func (s *Store) decideEntry(ctx context.Context, actor workflow.Actor, entryID string, to workflow.EntryStatus, reason string) (workflow.TimesheetEntry, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return workflow.TimesheetEntry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := lockEntry(ctx, tx, entryID)
	if err != nil {
		return workflow.TimesheetEntry{}, err
	}
	if !workflow.CanTransitionEntry(entry.Status, to) {
		return workflow.TimesheetEntry{}, fmt.Errorf("%w: timesheet entry %s -> %s",
			workflow.ErrInvalidTransition, entry.Status, to)
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		update timesheet_entries set status=$1, rejection_reason=nullif($2,''), updated_at=$3
		where id=$4 and status=$5
	`, string(to), reason, now, entry.ID, string(entry.Status))
	if err != nil {
		return workflow.TimesheetEntry{}, err
	}
	if err := checkAffected(res, "timesheet_entries", string(to)); err != nil {
		return workflow.TimesheetEntry{}, err
	}

	action := workflow.ActionApprove
	var fields map[string]string
	if to == workflow.EntryDraft {
		action = workflow.ActionReject
		fields = map[string]string{"reason": reason}
	}
	rec := auditRecord(actor, workflow.EntityTimesheet, entry.ID, action, string(entry.Status), string(to), fields)
	if err := s.insertAudit(ctx, tx, rec); err != nil {
		return workflow.TimesheetEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.TimesheetEntry{}, err
	}

	entry.Status = to
	entry.RejectionReason = reason
	entry.UpdatedAt = now
	return entry, nil
}
