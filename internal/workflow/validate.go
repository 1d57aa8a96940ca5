package workflow

import (
	"fmt"
	"strings"
	"time"
)

// Pure validation helpers. Deterministic, no side effects.

// ValidateRate fails when a billing rate is not strictly positive.
func ValidateRate(rateCents int64) error {
	if rateCents <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidRate, rateCents)
	}
	return nil
}

// ValidateMinutes fails when worked minutes fall outside (0, 1440].
func ValidateMinutes(minutes int) error {
	if minutes <= 0 || minutes > MinutesPerDay {
		return fmt.Errorf("%w: got %d", ErrInvalidMinutes, minutes)
	}
	return nil
}

// ValidateDateWithin fails when date falls outside [start, end], compared at
// day granularity.
func ValidateDateWithin(date, start, end time.Time) error {
	d, s, e := Day(date), Day(start), Day(end)
	if d.Before(s) || d.After(e) {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrOutOfRange,
			d.Format("2006-01-02"), s.Format("2006-01-02"), e.Format("2006-01-02"))
	}
	return nil
}

// ValidateRangeWithin fails unless [innerStart, innerEnd] is an ordered range
// contained in [outerStart, outerEnd].
func ValidateRangeWithin(innerStart, innerEnd, outerStart, outerEnd time.Time) error {
	if Day(innerEnd).Before(Day(innerStart)) {
		return fmt.Errorf("%w: range end precedes start", ErrOutOfRange)
	}
	if err := ValidateDateWithin(innerStart, outerStart, outerEnd); err != nil {
		return err
	}
	return ValidateDateWithin(innerEnd, outerStart, outerEnd)
}

// ValidateSOWInput checks line items and the effective range of a draft
// statement of work.
func ValidateSOWInput(in SOWInput) error {
	for i, li := range in.LineItems {
		if strings.TrimSpace(li.Description) == "" {
			return fmt.Errorf("%w: line item %d has no description", ErrValidation, i)
		}
		if err := ValidateRate(li.RateCents); err != nil {
			return err
		}
		if li.Quantity <= 0 {
			return fmt.Errorf("%w: line item %d quantity must be > 0", ErrValidation, i)
		}
	}
	if Day(in.EffectiveTo).Before(Day(in.EffectiveFrom)) {
		return fmt.Errorf("%w: effective range end precedes start", ErrOutOfRange)
	}
	return nil
}

// DetectOverlap fails with a DoubleBillingError when the existing entries
// for next's (consultant, project, date) key plus next itself exceed 24
// hours. Draft and rejected entries do not count against the cap; entries
// already invoiced still do.
func DetectOverlap(existing []TimesheetEntry, next TimesheetEntry) error {
	total := 0
	var conflicting []string
	for _, e := range existing {
		if e.ID == next.ID {
			continue
		}
		if e.ConsultantID != next.ConsultantID || e.ProjectID != next.ProjectID {
			continue
		}
		if !SameDay(e.WorkDate, next.WorkDate) {
			continue
		}
		if e.Status != EntrySubmitted && e.Status != EntryApproved && e.Status != EntryInvoiced {
			continue
		}
		total += e.Minutes
		conflicting = append(conflicting, e.ID)
	}
	if total+next.Minutes > MinutesPerDay {
		return &DoubleBillingError{
			ConsultantID:    next.ConsultantID,
			ProjectID:       next.ProjectID,
			WorkDate:        Day(next.WorkDate),
			ProposedMinutes: next.Minutes,
			ExistingMinutes: total,
			ConflictingIDs:  conflicting,
		}
	}
	return nil
}
