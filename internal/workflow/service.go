package workflow

import (
	"context"
	"time"

	"consultport.org/internal/audit"
	"consultport.org/internal/auth"
)

// Actor is re-exported so callers of the engine do not need to import auth
// for the common case.
type Actor = auth.Actor

// Period is an inclusive billing date range, compared at day granularity.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// SOWInput creates a draft SOW revision.
type SOWInput struct {
	ClientID      string     `json:"client_id"`
	LineItems     []LineItem `json:"line_items"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   time.Time  `json:"effective_to"`
	ApproverID    string     `json:"approver_id,omitempty"`
}

// ProjectInput creates a project under an approved SOW.
type ProjectInput struct {
	SOWID     string     `json:"sow_id"`
	Name      string     `json:"name"`
	StartDate time.Time  `json:"start_date"`
	EndDate   time.Time  `json:"end_date"`
	Resources []Resource `json:"resources"`
}

// EntryInput submits one timesheet entry.
type EntryInput struct {
	ConsultantID string    `json:"consultant_id"`
	ProjectID    string    `json:"project_id"`
	WorkDate     time.Time `json:"work_date"`
	Minutes      int       `json:"minutes"`
	RateCents    int64     `json:"rate_cents"`
	RateOverride bool      `json:"rate_override,omitempty"`
	Note         string    `json:"note,omitempty"`
}

// Service defines the workflow engine operations. Every call receives the
// acting identity explicitly and authorizes it before touching state; every
// state transition appends exactly one audit record, write-ahead: if the
// record cannot be appended the transition does not happen.
type Service interface {
	CreateClient(ctx context.Context, actor Actor, legalName, contactEmail string) (Client, error)

	CreateSOW(ctx context.Context, actor Actor, in SOWInput) (SOW, error)
	GetSOW(ctx context.Context, id string) (SOW, error)
	SubmitSOW(ctx context.Context, actor Actor, sowID string) (SOW, error)
	ApproveSOW(ctx context.Context, actor Actor, sowID string) (SOW, error)
	RejectSOW(ctx context.Context, actor Actor, sowID, reason string) (SOW, error)
	ReviseSOW(ctx context.Context, actor Actor, sowID string) (SOW, error)

	CreateProjectFromSOW(ctx context.Context, actor Actor, in ProjectInput) (Project, error)
	GetProject(ctx context.Context, id string) (Project, error)

	SubmitTimesheetEntry(ctx context.Context, actor Actor, in EntryInput) (TimesheetEntry, error)
	ApproveTimesheetEntry(ctx context.Context, actor Actor, entryID string) (TimesheetEntry, error)
	RejectTimesheetEntry(ctx context.Context, actor Actor, entryID, reason string) (TimesheetEntry, error)

	GenerateInvoice(ctx context.Context, actor Actor, clientID string, period Period, netDays int) (Invoice, error)
	GetInvoice(ctx context.Context, actor Actor, id string) (Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, actor Actor, invoiceID string, to InvoiceStatus) (Invoice, error)

	QueryAuditTrail(ctx context.Context, actor Actor, f audit.Filter) ([]audit.Record, uint64, error)
}

// Audit entity type and action names shared by all Service implementations.
const (
	EntitySOW       = "sow"
	EntityProject   = "project"
	EntityTimesheet = "timesheet_entry"
	EntityInvoice   = "invoice"
	EntityClient    = "client"
)

const (
	ActionCreate   = "create"
	ActionSubmit   = "submit"
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionRevise   = "revise"
	ActionInvoice  = "invoice"
	ActionGenerate = "generate"
	ActionStatus   = "status"
)
