package workflow

import "testing"

func TestSOWTransitions(t *testing.T) {
	allowed := map[[2]SOWStatus]bool{
		{SOWDraft, SOWPending}:    true,
		{SOWPending, SOWApproved}: true,
		{SOWPending, SOWRejected}: true,
	}
	states := []SOWStatus{SOWDraft, SOWPending, SOWApproved, SOWRejected}
	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]SOWStatus{from, to}]
			if got := CanTransitionSOW(from, to); got != want {
				t.Fatalf("sow %s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestEntryTransitions(t *testing.T) {
	allowed := map[[2]EntryStatus]bool{
		{EntryDraft, EntrySubmitted}:    true,
		{EntrySubmitted, EntryApproved}: true,
		{EntrySubmitted, EntryDraft}:    true,
		{EntryApproved, EntryInvoiced}:  true,
	}
	states := []EntryStatus{EntryDraft, EntrySubmitted, EntryApproved, EntryInvoiced}
	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]EntryStatus{from, to}]
			if got := CanTransitionEntry(from, to); got != want {
				t.Fatalf("entry %s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestInvoiceTransitions(t *testing.T) {
	allowed := map[[2]InvoiceStatus]bool{
		{InvoiceDraft, InvoiceSent}:   true,
		{InvoiceSent, InvoicePaid}:    true,
		{InvoiceSent, InvoiceOverdue}: true,
		{InvoiceOverdue, InvoicePaid}: true,
	}
	states := []InvoiceStatus{InvoiceDraft, InvoiceSent, InvoicePaid, InvoiceOverdue}
	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]InvoiceStatus{from, to}]
			if got := CanTransitionInvoice(from, to); got != want {
				t.Fatalf("invoice %s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}
