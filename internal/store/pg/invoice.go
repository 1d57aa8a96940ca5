package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"consultport.org/internal/auth"
	"consultport.org/internal/ids"
	"consultport.org/internal/workflow"
)

const invoiceColumns = `id, number, client_id, period_start, period_end,
	total_cents, status, net_days, issued_at, updated_at`

const prefixedEntryColumns = `e.id, e.consultant_id, e.project_id, e.work_date, e.minutes, e.rate_cents,
	e.rate_override, coalesce(e.note,''), e.status, coalesce(e.rejection_reason,''),
	coalesce(e.invoice_id,''), e.created_at, e.updated_at`

func scanInvoice(row rowScanner) (workflow.Invoice, error) {
	var inv workflow.Invoice
	var status string
	err := row.Scan(&inv.ID, &inv.Number, &inv.ClientID, &inv.PeriodStart, &inv.PeriodEnd,
		&inv.TotalCents, &status, &inv.NetDays, &inv.IssuedAt, &inv.UpdatedAt)
	if err != nil {
		return workflow.Invoice{}, err
	}
	inv.Status = workflow.InvoiceStatus(status)
	return inv, nil
}

func (s *Store) GenerateInvoice(ctx context.Context, actor workflow.Actor, clientID string, period workflow.Period, netDays int) (workflow.Invoice, error) {
	if err := auth.Authorize(actor, auth.PermInvoiceGenerate); err != nil {
		return workflow.Invoice{}, err
	}
	start, end := workflow.Day(period.Start), workflow.Day(period.End)
	if end.Before(start) {
		return workflow.Invoice{}, fmt.Errorf("%w: billing period end precedes start", workflow.ErrOutOfRange)
	}
	if netDays <= 0 {
		netDays = 30
	}

	// Serializable isolation keeps two generators for the same client and
	// period from both claiming the same approved entries.
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return workflow.Invoice{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `select 1 from clients where id=$1`, clientID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Invoice{}, fmt.Errorf("%w: client %s", workflow.ErrNotFound, clientID)
	}
	if err != nil {
		return workflow.Invoice{}, err
	}

	candidates, alreadyBilled, err := billableEntries(ctx, tx, clientID, start, end)
	if err != nil {
		return workflow.Invoice{}, err
	}
	if len(candidates) == 0 {
		if alreadyBilled {
			return workflow.Invoice{}, fmt.Errorf("%w: client %s, %s to %s", workflow.ErrAlreadyInvoiced,
				clientID, start.Format("2006-01-02"), end.Format("2006-01-02"))
		}
		return workflow.Invoice{}, fmt.Errorf("%w: client %s, %s to %s", workflow.ErrNoBillableWork,
			clientID, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	var failed []string
	for _, e := range candidates {
		if workflow.ValidateMinutes(e.Minutes) != nil || workflow.ValidateRate(e.RateCents) != nil {
			failed = append(failed, e.ID)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return workflow.Invoice{}, &workflow.BatchError{FailedEntryIDs: failed, Reason: workflow.ErrValidation}
	}

	names, err := projectNames(ctx, tx, candidates)
	if err != nil {
		return workflow.Invoice{}, err
	}

	now := s.now()
	inv := workflow.Invoice{
		ID:          ids.New(),
		Number:      ids.InvoiceNumber(now),
		ClientID:    clientID,
		PeriodStart: start,
		PeriodEnd:   end,
		Status:      workflow.InvoiceDraft,
		NetDays:     netDays,
		IssuedAt:    now,
		UpdatedAt:   now,
	}
	inv.Lines = buildLines(candidates, func(projectID string) string {
		if name, ok := names[projectID]; ok {
			return name
		}
		return projectID
	})
	for _, line := range inv.Lines {
		inv.TotalCents += line.AmountCents
	}

	if _, err := tx.ExecContext(ctx, `
		insert into invoices(id, number, client_id, period_start, period_end, total_cents, status, net_days, issued_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, inv.ID, inv.Number, inv.ClientID, inv.PeriodStart, inv.PeriodEnd,
		inv.TotalCents, string(inv.Status), inv.NetDays, inv.IssuedAt, inv.UpdatedAt); err != nil {
		return workflow.Invoice{}, err
	}
	for i, line := range inv.Lines {
		if _, err := tx.ExecContext(ctx, `
			insert into invoice_lines(invoice_id, position, project_id, description, minutes, rate_cents, amount_cents)
			values ($1,$2,$3,$4,$5,$6,$7)
		`, inv.ID, i, line.ProjectID, line.Description, line.Minutes, line.RateCents, line.AmountCents); err != nil {
			return workflow.Invoice{}, err
		}
	}

	for _, e := range candidates {
		res, err := tx.ExecContext(ctx, `
			update timesheet_entries set status=$1, invoice_id=$2, updated_at=$3
			where id=$4 and status=$5
		`, string(workflow.EntryInvoiced), inv.ID, now, e.ID, string(workflow.EntryApproved))
		if err != nil {
			return workflow.Invoice{}, err
		}
		if err := checkAffected(res, "timesheet_entries", "invoice"); err != nil {
			return workflow.Invoice{}, err
		}
		rec := auditRecord(actor, workflow.EntityTimesheet, e.ID, workflow.ActionInvoice,
			string(workflow.EntryApproved), string(workflow.EntryInvoiced),
			map[string]string{"invoice_id": inv.ID})
		if err := s.insertAudit(ctx, tx, rec); err != nil {
			return workflow.Invoice{}, err
		}
	}
	rec := auditRecord(actor, workflow.EntityInvoice, inv.ID, workflow.ActionGenerate, "", string(workflow.InvoiceDraft),
		map[string]string{
			"client_id":   clientID,
			"number":      inv.Number,
			"total_cents": strconv.FormatInt(inv.TotalCents, 10),
			"entries":     strconv.Itoa(len(candidates)),
		})
	if err := s.insertAudit(ctx, tx, rec); err != nil {
		return workflow.Invoice{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.Invoice{}, err
	}
	return inv, nil
}

// billableEntries loads approved entries of the client's projects in the
// period, locked for update, ordered by project then entry id so invoice
// lines come out deterministic. Invoiced entries in the same window mark
// the period as already billed.
func billableEntries(ctx context.Context, tx *sql.Tx, clientID string, start, end time.Time) ([]*workflow.TimesheetEntry, bool, error) {
	rows, err := tx.QueryContext(ctx, `
		select `+prefixedEntryColumns+` from timesheet_entries e
		join projects p on p.id = e.project_id
		where p.client_id=$1 and e.work_date >= $2 and e.work_date <= $3
			and e.status in ('approved','invoiced')
		order by e.project_id asc, e.id asc
		for update of e
	`, clientID, start, end)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var candidates []*workflow.TimesheetEntry
	alreadyBilled := false
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, false, err
		}
		switch e.Status {
		case workflow.EntryApproved:
			candidates = append(candidates, &e)
		case workflow.EntryInvoiced:
			alreadyBilled = true
		}
	}
	return candidates, alreadyBilled, rows.Err()
}

func projectNames(ctx context.Context, tx *sql.Tx, entries []*workflow.TimesheetEntry) (map[string]string, error) {
	names := make(map[string]string)
	for _, e := range entries {
		if _, ok := names[e.ProjectID]; ok {
			continue
		}
		var name string
		if err := tx.QueryRowContext(ctx, `select name from projects where id=$1`, e.ProjectID).Scan(&name); err != nil {
			return nil, err
		}
		names[e.ProjectID] = name
	}
	return names, nil
}

// buildLines groups entries by project into one line each, mirroring the
// in-memory engine. Entries arrive sorted by project then id.
func buildLines(entries []*workflow.TimesheetEntry, projectName func(string) string) []workflow.InvoiceLine {
	var lines []workflow.InvoiceLine
	var cur *workflow.InvoiceLine
	uniformRate := true
	for _, e := range entries {
		if cur == nil || cur.ProjectID != e.ProjectID {
			if cur != nil && !uniformRate {
				cur.RateCents = 0
			}
			lines = append(lines, workflow.InvoiceLine{
				ProjectID:   e.ProjectID,
				Description: "Professional services - " + projectName(e.ProjectID),
				RateCents:   e.RateCents,
			})
			cur = &lines[len(lines)-1]
			uniformRate = true
		}
		if e.RateCents != cur.RateCents {
			uniformRate = false
		}
		cur.Minutes += e.Minutes
		cur.AmountCents += e.Amount()
		cur.EntryIDs = append(cur.EntryIDs, e.ID)
	}
	if cur != nil && !uniformRate {
		cur.RateCents = 0
	}
	return lines
}

func (s *Store) GetInvoice(ctx context.Context, actor workflow.Actor, id string) (workflow.Invoice, error) {
	if err := auth.Authorize(actor, auth.PermInvoiceRead); err != nil {
		return workflow.Invoice{}, err
	}

	row := s.db.QueryRowContext(ctx, `select `+invoiceColumns+` from invoices where id=$1`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Invoice{}, fmt.Errorf("%w: invoice %s", workflow.ErrNotFound, id)
	}
	if err != nil {
		return workflow.Invoice{}, err
	}
	inv.Lines, err = loadInvoiceLines(ctx, s.db, id)
	if err != nil {
		return workflow.Invoice{}, err
	}
	return inv, nil
}

func loadInvoiceLines(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, invoiceID string) ([]workflow.InvoiceLine, error) {
	rows, err := q.QueryContext(ctx, `
		select project_id, description, minutes, rate_cents, amount_cents
		from invoice_lines where invoice_id=$1 order by position asc
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []workflow.InvoiceLine
	for rows.Next() {
		var line workflow.InvoiceLine
		if err := rows.Scan(&line.ProjectID, &line.Description, &line.Minutes, &line.RateCents, &line.AmountCents); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range lines {
		entryIDs, err := lineEntryIDs(ctx, q, invoiceID, lines[i].ProjectID)
		if err != nil {
			return nil, err
		}
		lines[i].EntryIDs = entryIDs
	}
	return lines, nil
}

func lineEntryIDs(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, invoiceID, projectID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		select id from timesheet_entries where invoice_id=$1 and project_id=$2 order by id asc
	`, invoiceID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) UpdateInvoiceStatus(ctx context.Context, actor workflow.Actor, invoiceID string, to workflow.InvoiceStatus) (workflow.Invoice, error) {
	if err := auth.Authorize(actor, auth.PermInvoiceUpdate); err != nil {
		return workflow.Invoice{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return workflow.Invoice{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+invoiceColumns+` from invoices where id=$1 for update`, invoiceID)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Invoice{}, fmt.Errorf("%w: invoice %s", workflow.ErrNotFound, invoiceID)
	}
	if err != nil {
		return workflow.Invoice{}, err
	}
	if !workflow.CanTransitionInvoice(inv.Status, to) {
		return workflow.Invoice{}, fmt.Errorf("%w: invoice %s -> %s", workflow.ErrInvalidTransition, inv.Status, to)
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		update invoices set status=$1, updated_at=$2 where id=$3 and status=$4
	`, string(to), now, inv.ID, string(inv.Status))
	if err != nil {
		return workflow.Invoice{}, err
	}
	if err := checkAffected(res, "invoices", string(to)); err != nil {
		return workflow.Invoice{}, err
	}
	rec := auditRecord(actor, workflow.EntityInvoice, inv.ID, workflow.ActionStatus, string(inv.Status), string(to), nil)
	if err := s.insertAudit(ctx, tx, rec); err != nil {
		return workflow.Invoice{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.Invoice{}, err
	}

	inv.Status = to
	inv.UpdatedAt = now
	return inv, nil
}
