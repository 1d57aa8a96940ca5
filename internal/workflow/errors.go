package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidRate       = errors.New("rate must be > 0")
	ErrInvalidMinutes    = errors.New("minutes must be in (0, 1440]")
	ErrOutOfRange        = errors.New("date out of range")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrEmptySOW          = errors.New("sow has no line items")
	ErrProjectNotActive  = errors.New("project is not backed by an approved sow")
	ErrNotAssigned       = errors.New("consultant is not assigned to project")
	ErrRateMismatch      = errors.New("rate differs from sow rate without override")
	ErrDoubleBilling     = errors.New("double billing")
	ErrAlreadyInvoiced   = errors.New("entries already invoiced for period")
	ErrNoBillableWork    = errors.New("no billable entries for period")
	ErrAuditUnavailable  = errors.New("audit sink unavailable")
)

// DoubleBillingError reports an entry that would push a (consultant,
// project, date) key past 24 hours, with the conflicting entry ids so the
// caller can resolve the overlap.
type DoubleBillingError struct {
	ConsultantID    string
	ProjectID       string
	WorkDate        time.Time
	ProposedMinutes int
	ExistingMinutes int
	ConflictingIDs  []string
}

func (e *DoubleBillingError) Error() string {
	return fmt.Sprintf("double billing: %d existing + %d proposed minutes on %s exceed %d (conflicts: %s)",
		e.ExistingMinutes, e.ProposedMinutes, e.WorkDate.Format("2006-01-02"),
		MinutesPerDay, strings.Join(e.ConflictingIDs, ","))
}

func (e *DoubleBillingError) Is(target error) bool { return target == ErrDoubleBilling }

// BatchError aborts a multi-entry operation, carrying the entries that
// failed validation. Nothing in the batch is persisted.
type BatchError struct {
	FailedEntryIDs []string
	Reason         error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch aborted, %d entries failed (%s): %v",
		len(e.FailedEntryIDs), strings.Join(e.FailedEntryIDs, ","), e.Reason)
}

func (e *BatchError) Unwrap() error { return e.Reason }
