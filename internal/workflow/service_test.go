package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"consultport.org/internal/audit"
	"consultport.org/internal/auth"
)

var (
	admin      = Actor{ID: "admin-1", Role: auth.RoleAdmin}
	pm         = Actor{ID: "pm-1", Role: auth.RoleProjectManager}
	consultant = Actor{ID: "con-1", Role: auth.RoleConsultant}
	accountant = Actor{ID: "acc-1", Role: auth.RoleAccountant}
)

// fixture builds the common scenario: client, approved SOW at 150.00/h x 10,
// project covering February 2026 with one assigned consultant.
func fixture(t *testing.T, s *InMemory) (Client, SOW, Project) {
	t.Helper()
	ctx := context.Background()

	client, err := s.CreateClient(ctx, pm, "Globex LLC", "ap@globex.example")
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	sow, err := s.CreateSOW(ctx, pm, SOWInput{
		ClientID: client.ID,
		LineItems: []LineItem{
			{Description: "Senior consulting", RateCents: 15000, Quantity: 10, Unit: "day"},
		},
		EffectiveFrom: date(2026, 1, 1),
		EffectiveTo:   date(2026, 6, 30),
	})
	if err != nil {
		t.Fatalf("create sow: %v", err)
	}
	if sow, err = s.SubmitSOW(ctx, pm, sow.ID); err != nil {
		t.Fatalf("submit sow: %v", err)
	}
	if sow, err = s.ApproveSOW(ctx, admin, sow.ID); err != nil {
		t.Fatalf("approve sow: %v", err)
	}
	project, err := s.CreateProjectFromSOW(ctx, pm, ProjectInput{
		SOWID:     sow.ID,
		Name:      "Migration",
		StartDate: date(2026, 2, 1),
		EndDate:   date(2026, 2, 28),
		Resources: []Resource{{ConsultantID: consultant.ID, RateCents: 15000}},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return client, sow, project
}

func TestEndToEndScenario(t *testing.T) {
	s := NewInMemory(nil)
	ctx := context.Background()
	client, _, project := fixture(t, s)

	// Consultant logs 8 hours on day 1: accepted.
	entry, err := s.SubmitTimesheetEntry(ctx, consultant, EntryInput{
		ConsultantID: consultant.ID,
		ProjectID:    project.ID,
		WorkDate:     date(2026, 2, 2),
		Minutes:      8 * 60,
	})
	if err != nil {
		t.Fatalf("submit entry: %v", err)
	}
	if entry.Status != EntrySubmitted {
		t.Fatalf("unexpected entry status: %s", entry.Status)
	}
	if entry.RateCents != 15000 {
		t.Fatalf("rate not copied from project: %d", entry.RateCents)
	}

	// 20 more hours the same day: 28h > 24h, double billing.
	_, err = s.SubmitTimesheetEntry(ctx, consultant, EntryInput{
		ConsultantID: consultant.ID,
		ProjectID:    project.ID,
		WorkDate:     date(2026, 2, 2),
		Minutes:      20 * 60,
	})
	if !errors.Is(err, ErrDoubleBilling) {
		t.Fatalf("expected ErrDoubleBilling, got %v", err)
	}

	if _, err := s.ApproveTimesheetEntry(ctx, pm, entry.ID); err != nil {
		t.Fatalf("approve entry: %v", err)
	}

	period := Period{Start: date(2026, 2, 1), End: date(2026, 2, 28)}
	inv, err := s.GenerateInvoice(ctx, accountant, client.ID, period, 30)
	if err != nil {
		t.Fatalf("generate invoice: %v", err)
	}
	if len(inv.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(inv.Lines))
	}
	// 8h x 150.00 = 1200.00
	if inv.TotalCents != 120000 {
		t.Fatalf("expected total 120000, got %d", inv.TotalCents)
	}
	if inv.Lines[0].Minutes != 480 || inv.Lines[0].RateCents != 15000 {
		t.Fatalf("unexpected line: %+v", inv.Lines[0])
	}
	if inv.Status != InvoiceDraft {
		t.Fatalf("unexpected invoice status: %s", inv.Status)
	}

	// Second run for the same period fails rather than double-counting.
	if _, err := s.GenerateInvoice(ctx, accountant, client.ID, period, 30); !errors.Is(err, ErrAlreadyInvoiced) {
		t.Fatalf("expected ErrAlreadyInvoiced, got %v", err)
	}
}

func TestSubmitEmptySOW(t *testing.T) {
	s := NewInMemory(nil)
	ctx := context.Background()

	client, _ := s.CreateClient(ctx, pm, "Initech", "")
	sow, err := s.CreateSOW(ctx, pm, SOWInput{
		ClientID:      client.ID,
		EffectiveFrom: date(2026, 1, 1),
		EffectiveTo:   date(2026, 12, 31),
	})
	if err != nil {
		t.Fatalf("create sow: %v", err)
	}
	if _, err := s.SubmitSOW(ctx, pm, sow.ID); !errors.Is(err, ErrEmptySOW) {
		t.Fatalf("expected ErrEmptySOW, got %v", err)
	}
}

func TestApproveTwiceFails(t *testing.T) {
	s := NewInMemory(nil)
	ctx := context.Background()
	_, sow, _ := fixture(t, s)

	if _, err := s.ApproveSOW(ctx, admin, sow.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second approval, got %v", err)
	}
}

func TestRejectRequiresReasonAndRecordsIt(t *testing.T) {
	s := NewInMemory(nil)
	ctx := context.Background()

	client, _ := s.CreateClient(ctx, pm, "Hooli", "")
	sow, _ := s.CreateSOW(ctx, pm, SOWInput{
		ClientID:      client.ID,
		LineItems:     []LineItem{{Description: "Advisory", RateCents: 20000, Quantity: 5}},
		EffectiveFrom: date(2026, 1, 1),
		EffectiveTo:   date(2026, 12, 31),
	})
	sow, _ = s.SubmitSOW(ctx, pm, sow.ID)

	if _, err := s.RejectSOW(ctx, admin, sow.ID, "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for blank reason, got %v", err)
	}

	rejected, err := s.RejectSOW(ctx, admin, sow.ID, "rates out of policy")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != SOWRejected || rejected.RejectionReason != "rates out of policy" {
		t.Fatalf("unexpected rejected sow: %+v", rejected)
	}

	recs, _, err := s.QueryAuditTrail(ctx, admin, audit.Filter{EntityType: EntitySOW, EntityID: sow.ID})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	var found bool
	for _, rec := range recs {
		if rec.Action == ActionReject && rec.Fields["reason"] == "rates out of policy" {
			found = true
		}
	}
	if !found {
		t.Fatal("rejection reason not recorded in audit trail")
	}

	// Rejected revisions are terminal; revision continues via clone.
	if _, err := s.SubmitSOW(ctx, pm, sow.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition reopening rejected sow, got %v", err)
	}
	clone, err := s.ReviseSOW(ctx, pm, sow.ID)
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if clone.ID == sow.ID || clone.Revision != 2 || clone.SupersedesID != sow.ID || clone.Status != SOWDraft {
		t.Fatalf("unexpected clone: %+v", clone)
	}
	if len(clone.LineItems) != 1 {
		t.Fatal("clone should retain line items for comparison")
	}
}

func TestDesignatedApprover(t *testing.T) {
	s := NewInMemory(nil)
	ctx := context.Background()

	approver := Actor{ID: "approver-1", Role: auth.RoleProjectManager}
	client, _ := s.CreateClient(ctx, pm, "Vandelay", "")
	sow, _ := s.CreateSOW(ctx, pm, SOWInput{
		ClientID:      client.ID,
		LineItems:     []LineItem{{Description: "Imports", RateCents: 9000, Quantity: 1}},
		EffectiveFrom: date(2026, 1, 1),
		EffectiveTo:   date(2026, 12, 31),
		ApproverID:    approver.ID,
	})
	sow, _ = s.SubmitSOW(ctx, pm, sow.ID)

	// The submitting PM is not the designated approver and the PM role
	// holds no approve permission in the capability table.
	if _, err := s.ApproveSOW(ctx, pm, sow.ID); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// Rejection goes through the same gate.
	if _, err := s.RejectSOW(ctx, accountant, sow.ID, "rates"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for accountant reject, got %v", err)
	}
	approved, err := s.ApproveSOW(ctx, approver, sow.ID)
	if err != nil {
		t.Fatalf("designated approver rejected: %v", err)
	}
	if approved.DecidedBy != approver.ID || approved.DecidedAt == nil {
		t.Fatalf("approver identity not recorded: %+v", approved)
	}
}

func TestProjectRequiresApprovedSOWAndContainedRange(t *testing.T) {
	s := NewInMemory(nil)
	ctx := context.Background()

	client, _ := s.CreateClient(ctx, pm, "Acme", "")
	sow, _ := s.CreateSOW(ctx, pm, SOWInput{
		ClientID:      client.ID,
		LineItems:     []LineItem{{Description: "Build", RateCents: 12000, Quantity: 3}},
		EffectiveFrom: date(2026, 1, 1),
		EffectiveTo:   date(2026, 3, 31),
	})

	_, err := s.CreateProjectFromSOW(ctx, pm, ProjectInput{
		SOWID: sow.ID, Name: "Early", StartDate: date(2026, 1, 1), EndDate: date(2026, 2, 1),
		Resources: []Resource{{ConsultantID: "c", RateCents: 12000}},
	})
	if !errors.Is(err, ErrProjectNotActive) {
		t.Fatalf("expected ErrProjectNotActive for draft sow, got %v", err)
	}

	sow, _ = s.SubmitSOW(ctx, pm, sow.ID)
	sow, _ = s.ApproveSOW(ctx, admin, sow.ID)

	_, err = s.CreateProjectFromSOW(ctx, pm, ProjectInput{
		SOWID: sow.ID, Name: "Overrun", StartDate: date(2026, 3, 1), EndDate: date(2026, 4, 15),
		Resources: []Resource{{ConsultantID: "c", RateCents: 12000}},
	})
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for range outside sow, got %v", err)
	}

	_, err = s.CreateProjectFromSOW(ctx, pm, ProjectInput{
		SOWID: sow.ID, Name: "Wrong rate", StartDate: date(2026, 1, 10), EndDate: date(2026, 2, 10),
		Resources: []Resource{{ConsultantID: "c", RateCents: 9999}},
	})
	if !errors.Is(err, ErrRateMismatch) {
		t.Fatalf("expected ErrRateMismatch without override, got %v", err)
	}

	// Explicit override is allowed and logged.
	p, err := s.CreateProjectFromSOW(ctx, pm, ProjectInput{
		SOWID: sow.ID, Name: "Discounted", StartDate: date(2026, 1, 10), EndDate: date(2026, 2, 10),
		Resources: []Resource{{ConsultantID: "c", RateCents: 9999, RateOverride: true}},
	})
	if err != nil {
		t.Fatalf("override rejected: %v", err)
	}
	recs, _, _ := s.QueryAuditTrail(ctx, admin, audit.Filter{EntityType: EntityProject, EntityID: p.ID})
	if len(recs) != 1 || recs[0].Fields["rate_override.c"] == "" {
		t.Fatalf("override not audited: %+v", recs)
	}
}

func TestTimesheetValidationFailures(t *testing.T) {
	s := NewInMemory(nil)
	ctx := context.Background()
	_, _, project := fixture(t, s)

	cases := []struct {
		name string
		in   EntryInput
		want error
	}{
		{"outside project range", EntryInput{ConsultantID: consultant.ID, ProjectID: project.ID, WorkDate: date(2026, 3, 5), Minutes: 60}, ErrOutOfRange},
		{"zero minutes", EntryInput{ConsultantID: consultant.ID, ProjectID: project.ID, WorkDate: date(2026, 2, 3), Minutes: 0}, ErrInvalidMinutes},
		{"over 24h", EntryInput{ConsultantID: consultant.ID, ProjectID: project.ID, WorkDate: date(2026, 2, 3), Minutes: 1441}, ErrInvalidMinutes},
		{"unknown project", EntryInput{ConsultantID: consultant.ID, ProjectID: "nope", WorkDate: date(2026, 2, 3), Minutes: 60}, ErrNotFound},
		{"unassigned consultant", EntryInput{ConsultantID: "stranger", ProjectID: project.ID, WorkDate: date(2026, 2, 3), Minutes: 60}, ErrNotAssigned},
		{"diverging rate", EntryInput{ConsultantID: consultant.ID, ProjectID: project.ID, WorkDate: date(2026, 2, 3), Minutes: 60, RateCents: 17000}, ErrRateMismatch},
	}
	for _, tc := range cases {
		actor := consultant
		if tc.in.ConsultantID != consultant.ID {
			actor = admin
		}
		if _, err := s.SubmitTimesheetEntry(ctx, actor, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	// Overridden rate is accepted and flagged.
	e, err := s.SubmitTimesheetEntry(ctx, consultant, EntryInput{
		ConsultantID: consultant.ID, ProjectID: project.ID, WorkDate: date(2026, 2, 3),
		Minutes: 60, RateCents: 17000, RateOverride: true,
	})
	if err != nil {
		t.Fatalf("override submission failed: %v", err)
	}
	if !e.RateOverride || e.RateCents != 17000 {
		t.Fatalf("override not recorded: %+v", e)
	}
}

func TestRejectedEntryReturnsToDraft(t *testing.T) {
	s := NewInMemory(nil)
	ctx := context.Background()
	_, _, project := fixture(t, s)

	e, err := s.SubmitTimesheetEntry(ctx, consultant, EntryInput{
		ConsultantID: consultant.ID, ProjectID: project.ID, WorkDate: date(2026, 2, 4), Minutes: 240,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	e, err = s.RejectTimesheetEntry(ctx, pm, e.ID, "wrong project code")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if e.Status != EntryDraft || e.RejectionReason == "" {
		t.Fatalf("unexpected rejected entry: %+v", e)
	}
	// Draft entries cannot be approved or invoiced.
	if _, err := s.ApproveTimesheetEntry(ctx, pm, e.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestGenerateInvoiceNoWork(t *testing.T) {
	s := NewInMemory(nil)
	ctx := context.Background()
	client, _, _ := fixture(t, s)

	_, err := s.GenerateInvoice(ctx, accountant, client.ID,
		Period{Start: date(2026, 2, 1), End: date(2026, 2, 28)}, 30)
	if !errors.Is(err, ErrNoBillableWork) {
		t.Fatalf("expected ErrNoBillableWork, got %v", err)
	}
}

// failingRecorder appends successfully until tripped.
type failingRecorder struct {
	inner *audit.Log
	fail  bool
}

func (f *failingRecorder) Append(ctx context.Context, rec audit.Record) (audit.Record, error) {
	if f.fail {
		return audit.Record{}, errors.New("sink down")
	}
	return f.inner.Append(ctx, rec)
}

func (f *failingRecorder) AppendAll(ctx context.Context, recs []audit.Record) ([]audit.Record, error) {
	if f.fail {
		return nil, errors.New("sink down")
	}
	return f.inner.AppendAll(ctx, recs)
}

func (f *failingRecorder) Query(ctx context.Context, filter audit.Filter) ([]audit.Record, uint64, error) {
	return f.inner.Query(ctx, filter)
}

func TestAuditWriteAhead(t *testing.T) {
	rec := &failingRecorder{inner: audit.NewLog()}
	s := NewInMemory(rec)
	ctx := context.Background()

	client, _ := s.CreateClient(ctx, pm, "Stark", "")
	sow, _ := s.CreateSOW(ctx, pm, SOWInput{
		ClientID:      client.ID,
		LineItems:     []LineItem{{Description: "Research", RateCents: 30000, Quantity: 2}},
		EffectiveFrom: date(2026, 1, 1),
		EffectiveTo:   date(2026, 12, 31),
	})

	rec.fail = true
	if _, err := s.SubmitSOW(ctx, pm, sow.ID); !errors.Is(err, ErrAuditUnavailable) {
		t.Fatalf("expected ErrAuditUnavailable, got %v", err)
	}

	// The transition must not have committed.
	got, err := s.GetSOW(ctx, sow.ID)
	if err != nil {
		t.Fatalf("get sow: %v", err)
	}
	if got.Status != SOWDraft {
		t.Fatalf("transition committed without audit record: %s", got.Status)
	}

	rec.fail = false
	if _, err := s.SubmitSOW(ctx, pm, sow.ID); err != nil {
		t.Fatalf("submit after recovery: %v", err)
	}
}

func TestInvoiceAuditBatchIsAllOrNothing(t *testing.T) {
	rec := &failingRecorder{inner: audit.NewLog()}
	s := NewInMemory(rec)
	ctx := context.Background()
	client, _, project := fixture(t, s)

	for _, day := range []int{3, 4} {
		e, err := s.SubmitTimesheetEntry(ctx, consultant, EntryInput{
			ConsultantID: consultant.ID, ProjectID: project.ID, WorkDate: date(2026, 2, day), Minutes: 480,
		})
		if err != nil {
			t.Fatalf("submit entry: %v", err)
		}
		if _, err := s.ApproveTimesheetEntry(ctx, pm, e.ID); err != nil {
			t.Fatalf("approve entry: %v", err)
		}
	}

	rec.fail = true
	_, err := s.GenerateInvoice(ctx, accountant, client.ID,
		Period{Start: date(2026, 2, 1), End: date(2026, 2, 28)}, 30)
	if !errors.Is(err, ErrAuditUnavailable) {
		t.Fatalf("expected ErrAuditUnavailable, got %v", err)
	}

	// The trail must carry no record of the aborted batch: no entry marked
	// invoiced, no invoice generated.
	recs, _, err := rec.inner.Query(ctx, audit.Filter{Limit: 1000})
	if err != nil {
		t.Fatalf("query trail: %v", err)
	}
	for _, r := range recs {
		if r.Action == ActionInvoice || r.EntityType == EntityInvoice {
			t.Fatalf("trail attests a transition that never committed: %+v", r)
		}
	}

	// After recovery the same period bills everything exactly once.
	rec.fail = false
	inv, err := s.GenerateInvoice(ctx, accountant, client.ID,
		Period{Start: date(2026, 2, 1), End: date(2026, 2, 28)}, 30)
	if err != nil {
		t.Fatalf("generate after recovery: %v", err)
	}
	if len(inv.Lines) != 1 || inv.Lines[0].Minutes != 960 {
		t.Fatalf("unexpected lines after recovery: %+v", inv.Lines)
	}
}

func TestEveryTransitionProducesOneAuditRecord(t *testing.T) {
	log := audit.NewLog()
	s := NewInMemory(log)
	ctx := context.Background()
	client, sow, project := fixture(t, s)

	e, _ := s.SubmitTimesheetEntry(ctx, consultant, EntryInput{
		ConsultantID: consultant.ID, ProjectID: project.ID, WorkDate: date(2026, 2, 5), Minutes: 480,
	})
	_, _ = s.ApproveTimesheetEntry(ctx, pm, e.ID)
	inv, err := s.GenerateInvoice(ctx, accountant, client.ID,
		Period{Start: date(2026, 2, 1), End: date(2026, 2, 28)}, 30)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	recs, _, err := log.Query(ctx, audit.Filter{Limit: 1000})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// client create, sow create/submit/approve, project create, entry
	// submit/approve/invoice, invoice generate.
	if len(recs) != 9 {
		for _, r := range recs {
			t.Logf("%s %s %s", r.EntityType, r.EntityID, r.Action)
		}
		t.Fatalf("expected 9 audit records, got %d", len(recs))
	}
	counts := map[string]int{}
	for _, r := range recs {
		counts[r.EntityType+"/"+r.Action]++
	}
	for key, n := range counts {
		if n != 1 {
			t.Fatalf("expected exactly one %s record, got %d", key, n)
		}
	}
	_ = sow
	_ = inv
}

func TestConcurrentSubmissionsNeverExceedDay(t *testing.T) {
	s := NewInMemory(nil)
	ctx := context.Background()
	_, _, project := fixture(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.SubmitTimesheetEntry(ctx, consultant, EntryInput{
				ConsultantID: consultant.ID, ProjectID: project.ID,
				WorkDate: date(2026, 2, 6), Minutes: 120,
			})
		}()
	}
	wg.Wait()

	total := 0
	s.mu.RLock()
	for _, e := range s.entries {
		if SameDay(e.WorkDate, date(2026, 2, 6)) {
			total += e.Minutes
		}
	}
	s.mu.RUnlock()
	if total > MinutesPerDay {
		t.Fatalf("double billing under concurrency: %d minutes accepted", total)
	}
}

func TestAuthorizationDenials(t *testing.T) {
	s := NewInMemory(nil)
	ctx := context.Background()
	client, sow, project := fixture(t, s)

	clientUser := Actor{ID: "client-1", Role: auth.RoleClient}

	if _, err := s.CreateSOW(ctx, consultant, SOWInput{ClientID: client.ID}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("consultant created sow: %v", err)
	}
	if _, err := s.SubmitTimesheetEntry(ctx, pm, EntryInput{
		ConsultantID: consultant.ID, ProjectID: project.ID, WorkDate: date(2026, 2, 9), Minutes: 60,
	}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("pm submitted timesheet: %v", err)
	}
	if _, err := s.SubmitTimesheetEntry(ctx, consultant, EntryInput{
		ConsultantID: "someone-else", ProjectID: project.ID, WorkDate: date(2026, 2, 9), Minutes: 60,
	}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("consultant logged time for another: %v", err)
	}
	if _, err := s.GenerateInvoice(ctx, pm, client.ID, Period{Start: date(2026, 2, 1), End: date(2026, 2, 28)}, 30); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("pm generated invoice: %v", err)
	}
	if _, _, err := s.QueryAuditTrail(ctx, clientUser, audit.Filter{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("client read audit trail: %v", err)
	}
	_ = sow
}

func TestInvoiceStatusChain(t *testing.T) {
	s := NewInMemory(nil)
	ctx := context.Background()
	client, _, project := fixture(t, s)

	e, _ := s.SubmitTimesheetEntry(ctx, consultant, EntryInput{
		ConsultantID: consultant.ID, ProjectID: project.ID, WorkDate: date(2026, 2, 10), Minutes: 300,
	})
	_, _ = s.ApproveTimesheetEntry(ctx, pm, e.ID)
	inv, err := s.GenerateInvoice(ctx, accountant, client.ID,
		Period{Start: date(2026, 2, 1), End: date(2026, 2, 28)}, 45)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if inv.NetDays != 45 {
		t.Fatalf("net days not honoured: %d", inv.NetDays)
	}

	if _, err := s.UpdateInvoiceStatus(ctx, accountant, inv.ID, InvoicePaid); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("draft -> paid allowed: %v", err)
	}
	inv, err = s.UpdateInvoiceStatus(ctx, accountant, inv.ID, InvoiceSent)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	inv, err = s.UpdateInvoiceStatus(ctx, accountant, inv.ID, InvoiceOverdue)
	if err != nil {
		t.Fatalf("overdue: %v", err)
	}
	if inv, err = s.UpdateInvoiceStatus(ctx, accountant, inv.ID, InvoicePaid); err != nil {
		t.Fatalf("late payment: %v", err)
	}
	if inv.Status != InvoicePaid {
		t.Fatalf("unexpected status: %s", inv.Status)
	}
}

func TestClockInjection(t *testing.T) {
	s := NewInMemory(nil)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })

	c, err := s.CreateClient(context.Background(), pm, "Clockwork", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !c.CreatedAt.Equal(fixed) {
		t.Fatalf("clock not injected: %s", c.CreatedAt)
	}
}
