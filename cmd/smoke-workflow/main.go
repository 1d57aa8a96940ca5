// Command smoke-workflow drives the full SOW-to-invoice flow against the
// in-memory engine and exits non-zero on any deviation.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"consultport.org/internal/audit"
	"consultport.org/internal/auth"
	"consultport.org/internal/workflow"
)

func main() {
	log.SetFlags(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := workflow.NewInMemory(nil)

	admin := workflow.Actor{ID: "smoke-admin", Role: auth.RoleAdmin}
	pm := workflow.Actor{ID: "smoke-pm", Role: auth.RoleProjectManager}
	consultant := workflow.Actor{ID: "smoke-consultant", Role: auth.RoleConsultant}
	accountant := workflow.Actor{ID: "smoke-accountant", Role: auth.RoleAccountant}

	client, err := svc.CreateClient(ctx, pm, "Smoke Test Client Ltd", "ap@smoke.example")
	if err != nil {
		log.Fatalf("create client: %v", err)
	}

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	sow, err := svc.CreateSOW(ctx, pm, workflow.SOWInput{
		ClientID: client.ID,
		LineItems: []workflow.LineItem{
			{Description: "Senior consulting", RateCents: 15000, Quantity: 10, Unit: "day"},
		},
		EffectiveFrom: from,
		EffectiveTo:   to,
	})
	if err != nil {
		log.Fatalf("create sow: %v", err)
	}
	if _, err := svc.SubmitSOW(ctx, pm, sow.ID); err != nil {
		log.Fatalf("submit sow: %v", err)
	}
	if _, err := svc.ApproveSOW(ctx, admin, sow.ID); err != nil {
		log.Fatalf("approve sow: %v", err)
	}

	project, err := svc.CreateProjectFromSOW(ctx, pm, workflow.ProjectInput{
		SOWID:     sow.ID,
		Name:      "Platform Migration",
		StartDate: from,
		EndDate:   to,
		Resources: []workflow.Resource{{ConsultantID: consultant.ID, RateCents: 15000}},
	})
	if err != nil {
		log.Fatalf("create project: %v", err)
	}

	workDate := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	entry, err := svc.SubmitTimesheetEntry(ctx, consultant, workflow.EntryInput{
		ConsultantID: consultant.ID,
		ProjectID:    project.ID,
		WorkDate:     workDate,
		Minutes:      8 * 60,
	})
	if err != nil {
		log.Fatalf("submit entry: %v", err)
	}

	// A second entry that would push the day past 24 hours must bounce.
	_, err = svc.SubmitTimesheetEntry(ctx, consultant, workflow.EntryInput{
		ConsultantID: consultant.ID,
		ProjectID:    project.ID,
		WorkDate:     workDate,
		Minutes:      20 * 60,
	})
	if !errors.Is(err, workflow.ErrDoubleBilling) {
		log.Fatalf("double billing not detected: %v", err)
	}

	if _, err := svc.ApproveTimesheetEntry(ctx, pm, entry.ID); err != nil {
		log.Fatalf("approve entry: %v", err)
	}

	period := workflow.Period{Start: from, End: to}
	inv, err := svc.GenerateInvoice(ctx, accountant, client.ID, period, 0)
	if err != nil {
		log.Fatalf("generate invoice: %v", err)
	}
	if inv.TotalCents != 120000 {
		log.Fatalf("invoice total: want 120000 cents, got %d", inv.TotalCents)
	}
	if len(inv.Lines) != 1 || inv.Lines[0].Minutes != 480 {
		log.Fatalf("unexpected invoice lines: %+v", inv.Lines)
	}

	// Regenerating the same period must report the work as already billed.
	if _, err := svc.GenerateInvoice(ctx, accountant, client.ID, period, 0); !errors.Is(err, workflow.ErrAlreadyInvoiced) {
		log.Fatalf("idempotency not enforced: %v", err)
	}

	recs, _, err := svc.QueryAuditTrail(ctx, admin, audit.Filter{})
	if err != nil {
		log.Fatalf("audit query: %v", err)
	}
	if len(recs) != 9 {
		log.Fatalf("audit trail: want 9 records, got %d", len(recs))
	}

	fmt.Printf("workflow smoke test passed: invoice=%s total=%d cents\n", inv.Number, inv.TotalCents)
}
