package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"consultport.org/internal/auth"
	"consultport.org/internal/workflow"
)

var (
	testAdmin      = workflow.Actor{ID: "admin-1", Role: auth.RoleAdmin}
	testPM         = workflow.Actor{ID: "pm-1", Role: auth.RoleProjectManager}
	testConsultant = workflow.Actor{ID: "con-1", Role: auth.RoleConsultant}
	testAccountant = workflow.Actor{ID: "acc-1", Role: auth.RoleAccountant}
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := New(db)
	s.SetClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	return s, mock
}

func sowRows(id, status, approver string) *sqlmock.Rows {
	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "client_id", "revision", "supersedes_id", "status", "approver_id",
		"decided_by", "decided_at", "rejection_reason", "effective_from", "effective_to",
		"created_at", "updated_at",
	}).AddRow(id, "client-1", 1, "", status, approver, "", nil, "", day, day.AddDate(0, 1, 0), day, day)
}

func lineItemRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"description", "rate_cents", "quantity", "unit"}).
		AddRow("Senior consulting", int64(15000), int64(10), "day")
}

func TestSubmitSOWHappyPath(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from sows where id=").WithArgs("sow-1").
		WillReturnRows(sowRows("sow-1", "draft", ""))
	mock.ExpectQuery("from sow_line_items").WithArgs("sow-1").
		WillReturnRows(lineItemRows())
	mock.ExpectExec("update sows set status=").
		WithArgs("pending", sqlmock.AnyArg(), "sow-1", "draft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_records").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "sow", "sow-1", "submit",
			"draft", "pending", "pm-1", "project_manager", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	sow, err := s.SubmitSOW(context.Background(), testPM, "sow-1")
	if err != nil {
		t.Fatalf("SubmitSOW: %v", err)
	}
	if sow.Status != workflow.SOWPending {
		t.Fatalf("status: %s", sow.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubmitSOWLostRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from sows where id=").WithArgs("sow-1").
		WillReturnRows(sowRows("sow-1", "draft", ""))
	mock.ExpectQuery("from sow_line_items").WithArgs("sow-1").
		WillReturnRows(lineItemRows())
	mock.ExpectExec("update sows set status=").
		WithArgs("pending", sqlmock.AnyArg(), "sow-1", "draft").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.SubmitSOW(context.Background(), testPM, "sow-1")
	if !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApproveSOWRequiresDesignatedApprover(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from sows where id=").WithArgs("sow-1").
		WillReturnRows(sowRows("sow-1", "pending", "partner-9"))
	mock.ExpectQuery("from sow_line_items").WithArgs("sow-1").
		WillReturnRows(lineItemRows())
	mock.ExpectRollback()

	_, err := s.ApproveSOW(context.Background(), testPM, "sow-1")
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetSOWNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("from sows where id=").WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetSOW(context.Background(), "missing")
	if !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestAuditFailureAbortsTransition(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from sows where id=").WithArgs("sow-1").
		WillReturnRows(sowRows("sow-1", "draft", ""))
	mock.ExpectQuery("from sow_line_items").WithArgs("sow-1").
		WillReturnRows(lineItemRows())
	mock.ExpectExec("update sows set status=").
		WithArgs("pending", sqlmock.AnyArg(), "sow-1", "draft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_records").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.SubmitSOW(context.Background(), testPM, "sow-1")
	if !errors.Is(err, workflow.ErrAuditUnavailable) {
		t.Fatalf("want ErrAuditUnavailable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateInvoiceStatusInvalidTransition(t *testing.T) {
	s, mock := newMockStore(t)
	issued := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("from invoices where id=").WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "number", "client_id", "period_start", "period_end",
			"total_cents", "status", "net_days", "issued_at", "updated_at",
		}).AddRow("inv-1", "INV-20260301-ABCD1234", "client-1", issued, issued,
			int64(120000), "draft", 30, issued, issued))
	mock.ExpectRollback()

	_, err := s.UpdateInvoiceStatus(context.Background(), testAdmin, "inv-1", workflow.InvoicePaid)
	if !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func projectRows() *sqlmock.Rows {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "sow_id", "client_id", "name", "start_date", "end_date", "created_at",
	}).AddRow("proj-1", "sow-1", "client-1", "Migration", start, start.AddDate(0, 0, 27), start)
}

func entryRows(id string, minutes int, status string) *sqlmock.Rows {
	day := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "consultant_id", "project_id", "work_date", "minutes", "rate_cents",
		"rate_override", "note", "status", "rejection_reason", "invoice_id",
		"created_at", "updated_at",
	}).AddRow(id, "con-1", "proj-1", day, minutes, int64(15000), false, "", status, "", "", day, day)
}

func TestGenerateInvoiceMarksEntriesAndCommits(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from clients").WithArgs("client-1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("from timesheet_entries e").
		WithArgs("client-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(entryRows("entry-1", 480, "approved"))
	mock.ExpectQuery("select name from projects").WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Migration"))
	mock.ExpectExec("insert into invoices").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "client-1", sqlmock.AnyArg(), sqlmock.AnyArg(),
			int64(120000), "draft", 30, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into invoice_lines").
		WithArgs(sqlmock.AnyArg(), 0, "proj-1", "Professional services - Migration",
			480, int64(15000), int64(120000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("update timesheet_entries set status=").
		WithArgs("invoiced", sqlmock.AnyArg(), sqlmock.AnyArg(), "entry-1", "approved").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_records").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "timesheet_entry", "entry-1", "invoice",
			"approved", "invoiced", "acc-1", "accountant", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into audit_records").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "invoice", sqlmock.AnyArg(), "generate",
			"", "draft", "acc-1", "accountant", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	period := workflow.Period{
		Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
	}
	inv, err := s.GenerateInvoice(context.Background(), testAccountant, "client-1", period, 0)
	if err != nil {
		t.Fatalf("GenerateInvoice: %v", err)
	}
	if inv.Status != workflow.InvoiceDraft || inv.TotalCents != 120000 {
		t.Fatalf("invoice: status %s total %d", inv.Status, inv.TotalCents)
	}
	if len(inv.Lines) != 1 || inv.Lines[0].Minutes != 480 {
		t.Fatalf("unexpected lines: %+v", inv.Lines)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGenerateInvoicePeriodAlreadyBilled(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from clients").WithArgs("client-1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("from timesheet_entries e").
		WithArgs("client-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(entryRows("entry-1", 480, "invoiced"))
	mock.ExpectRollback()

	period := workflow.Period{
		Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
	}
	_, err := s.GenerateInvoice(context.Background(), testAccountant, "client-1", period, 0)
	if !errors.Is(err, workflow.ErrAlreadyInvoiced) {
		t.Fatalf("want ErrAlreadyInvoiced, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubmitTimesheetEntryDoubleBillingRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from projects where id=").WithArgs("proj-1").
		WillReturnRows(projectRows())
	mock.ExpectQuery("from project_resources").WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"consultant_id", "rate_cents", "rate_override"}).
			AddRow("con-1", int64(15000), false))
	mock.ExpectQuery("select status from sows").WithArgs("sow-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("approved"))
	mock.ExpectQuery("from timesheet_entries").
		WithArgs("con-1", "proj-1", sqlmock.AnyArg()).
		WillReturnRows(entryRows("entry-1", 480, "submitted"))
	mock.ExpectRollback()

	_, err := s.SubmitTimesheetEntry(context.Background(), testConsultant, workflow.EntryInput{
		ConsultantID: "con-1",
		ProjectID:    "proj-1",
		WorkDate:     time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		Minutes:      1200,
	})
	if !errors.Is(err, workflow.ErrDoubleBilling) {
		t.Fatalf("want ErrDoubleBilling, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateClientInsertsAudit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into clients").
		WithArgs(sqlmock.AnyArg(), "Acme Consulting Ltd", "ap@acme.example", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into audit_records").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "client", sqlmock.AnyArg(), "create",
			"", "", "pm-1", "project_manager", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	c, err := s.CreateClient(context.Background(), testPM, " Acme Consulting Ltd ", "ap@acme.example")
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if c.LegalName != "Acme Consulting Ltd" {
		t.Fatalf("legal name: %q", c.LegalName)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
