package workflow

import "fmt"

// Explicit transition tables. Every status change in the engine goes through
// checkTransition against one of these; there is no ad-hoc branching on
// status anywhere else.

var sowTransitions = map[SOWStatus][]SOWStatus{
	SOWDraft:   {SOWPending},
	SOWPending: {SOWApproved, SOWRejected},
	// approved and rejected are terminal for a revision; a rejected SOW is
	// cloned into a new draft revision, never reopened.
	SOWApproved: {},
	SOWRejected: {},
}

var entryTransitions = map[EntryStatus][]EntryStatus{
	EntryDraft:     {EntrySubmitted},
	EntrySubmitted: {EntryApproved, EntryDraft}, // rejection returns to draft
	EntryApproved:  {EntryInvoiced},
	EntryInvoiced:  {},
}

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceDraft:   {InvoiceSent},
	InvoiceSent:    {InvoicePaid, InvoiceOverdue},
	InvoiceOverdue: {InvoicePaid},
	InvoicePaid:    {},
}

// CanTransitionSOW reports whether a SOW may move from one status to another.
func CanTransitionSOW(from, to SOWStatus) bool {
	for _, next := range sowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionEntry reports whether a timesheet entry may change status.
func CanTransitionEntry(from, to EntryStatus) bool {
	for _, next := range entryTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionInvoice reports whether an invoice may change status.
func CanTransitionInvoice(from, to InvoiceStatus) bool {
	for _, next := range invoiceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkSOWTransition(from, to SOWStatus) error {
	if !CanTransitionSOW(from, to) {
		return fmt.Errorf("%w: sow %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func checkEntryTransition(from, to EntryStatus) error {
	if !CanTransitionEntry(from, to) {
		return fmt.Errorf("%w: entry %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func checkInvoiceTransition(from, to InvoiceStatus) error {
	if !CanTransitionInvoice(from, to) {
		return fmt.Errorf("%w: invoice %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
