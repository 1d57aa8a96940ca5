// Package workflow implements the SOW-to-timesheet-to-invoice engine: the
// approval state machine, timesheet validation, deterministic invoice
// generation and the audit coupling between them.
package workflow

import (
	"time"
)

// Money amounts are integer cents and durations are integer minutes.
// No floats in stored state.
const MinutesPerDay = 24 * 60

// SOWStatus is the lifecycle state of a statement of work revision.
type SOWStatus string

const (
	SOWDraft    SOWStatus = "draft"
	SOWPending  SOWStatus = "pending"
	SOWApproved SOWStatus = "approved"
	SOWRejected SOWStatus = "rejected"
)

// EntryStatus is the lifecycle state of a timesheet entry.
type EntryStatus string

const (
	EntryDraft     EntryStatus = "draft"
	EntrySubmitted EntryStatus = "submitted"
	EntryApproved  EntryStatus = "approved"
	EntryInvoiced  EntryStatus = "invoiced"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft   InvoiceStatus = "draft"
	InvoiceSent    InvoiceStatus = "sent"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceOverdue InvoiceStatus = "overdue"
)

// Client is a billing counterparty. Referenced, never owned, by SOWs.
type Client struct {
	ID           string    `json:"id"`
	LegalName    string    `json:"legal_name"`
	ContactEmail string    `json:"contact_email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LineItem is a single priced service within a SOW.
type LineItem struct {
	Description string `json:"description"`
	RateCents   int64  `json:"rate_cents"` // per hour
	Quantity    int64  `json:"quantity"`
	Unit        string `json:"unit,omitempty"`
}

// SOW is one revision of a statement of work. Approved and rejected
// revisions are immutable; a rejected revision is superseded by a clone
// created through ReviseSOW, never reopened in place.
type SOW struct {
	ID              string     `json:"id"`
	ClientID        string     `json:"client_id"`
	Revision        int        `json:"revision"`
	SupersedesID    string     `json:"supersedes_id,omitempty"`
	LineItems       []LineItem `json:"line_items"`
	Status          SOWStatus  `json:"status"`
	ApproverID      string     `json:"approver_id,omitempty"` // designated approver, optional
	DecidedBy       string     `json:"decided_by,omitempty"`  // set on approval or rejection
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	EffectiveFrom   time.Time  `json:"effective_from"`
	EffectiveTo     time.Time  `json:"effective_to"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Resource allocates a consultant to a project at an effective billing rate.
// The rate must come from the SOW unless explicitly overridden.
type Resource struct {
	ConsultantID string `json:"consultant_id"`
	RateCents    int64  `json:"rate_cents"` // per hour
	RateOverride bool   `json:"rate_override,omitempty"`
}

// Project is authorized work under an approved SOW. Its date range must fall
// within the SOW's effective range.
type Project struct {
	ID        string     `json:"id"`
	SOWID     string     `json:"sow_id"`
	ClientID  string     `json:"client_id"`
	Name      string     `json:"name"`
	StartDate time.Time  `json:"start_date"`
	EndDate   time.Time  `json:"end_date"`
	Resources []Resource `json:"resources"`
	CreatedAt time.Time  `json:"created_at"`
}

// TimesheetEntry records worked minutes for one consultant, project and day.
// The rate is copied at submission time so later SOW changes never move
// already-billed amounts.
type TimesheetEntry struct {
	ID              string      `json:"id"`
	ConsultantID    string      `json:"consultant_id"`
	ProjectID       string      `json:"project_id"`
	WorkDate        time.Time   `json:"work_date"`
	Minutes         int         `json:"minutes"`
	RateCents       int64       `json:"rate_cents"` // per hour, copied at submission
	RateOverride    bool        `json:"rate_override,omitempty"`
	Note            string      `json:"note,omitempty"`
	Status          EntryStatus `json:"status"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	InvoiceID       string      `json:"invoice_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Amount returns the entry's billable value in cents, rounded to the
// nearest cent.
func (e TimesheetEntry) Amount() int64 {
	return (int64(e.Minutes)*e.RateCents + 30) / 60
}

// InvoiceLine aggregates the approved entries of one project.
type InvoiceLine struct {
	ProjectID   string   `json:"project_id"`
	Description string   `json:"description"`
	Minutes     int      `json:"minutes"`
	RateCents   int64    `json:"rate_cents,omitempty"` // set when uniform across entries
	AmountCents int64    `json:"amount_cents"`
	EntryIDs    []string `json:"entry_ids"`
}

// Invoice bills a client for the approved entries of one period.
type Invoice struct {
	ID          string        `json:"id"`
	Number      string        `json:"number"`
	ClientID    string        `json:"client_id"`
	PeriodStart time.Time     `json:"period_start"`
	PeriodEnd   time.Time     `json:"period_end"`
	Lines       []InvoiceLine `json:"lines"`
	TotalCents  int64         `json:"total_cents"`
	Status      InvoiceStatus `json:"status"`
	NetDays     int           `json:"net_days"`
	IssuedAt    time.Time     `json:"issued_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Day truncates a timestamp to its UTC calendar day. All work dates and
// range bounds are stored in this form.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether two timestamps fall on the same UTC day.
func SameDay(a, b time.Time) bool {
	return Day(a).Equal(Day(b))
}
