package workflow

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"consultport.org/internal/audit"
	"consultport.org/internal/auth"
	"consultport.org/internal/ids"
)

// InMemory implements Service with in-process concurrency safety. The single
// mutex serializes the double-billing check and invoice generation the same
// way the Postgres engine serializes them with row locks.
type InMemory struct {
	mu       sync.RWMutex
	recorder audit.Recorder
	now      func() time.Time

	clients  map[string]*Client
	sows     map[string]*SOW
	projects map[string]*Project
	entries  map[string]*TimesheetEntry
	invoices map[string]*Invoice
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates a fresh engine. A nil recorder gets an in-memory
// audit log; passing one explicitly lets tests inject failing sinks.
func NewInMemory(rec audit.Recorder) *InMemory {
	if rec == nil {
		rec = audit.NewLog()
	}
	return &InMemory{
		recorder: rec,
		now:      func() time.Time { return time.Now().UTC() },
		clients:  make(map[string]*Client),
		sows:     make(map[string]*SOW),
		projects: make(map[string]*Project),
		entries:  make(map[string]*TimesheetEntry),
		invoices: make(map[string]*Invoice),
	}
}

// SetClock injects a deterministic clock. Call before use; not safe
// concurrently with operations.
func (s *InMemory) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// appendAudit couples a transition to its audit record, write-ahead: call it
// before mutating state, and abort the transition when it fails.
func (s *InMemory) appendAudit(ctx context.Context, rec audit.Record) error {
	if _, err := s.recorder.Append(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	return nil
}

// appendAuditAll records a multi-record transition atomically: either every
// record lands in the trail or none does, so a refused batch never leaves
// phantom records attesting transitions that did not commit.
func (s *InMemory) appendAuditAll(ctx context.Context, recs []audit.Record) error {
	if _, err := s.recorder.AppendAll(ctx, recs); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	return nil
}

func actorRecord(actor Actor, entity, id, action, prior, next string, fields map[string]string) audit.Record {
	return audit.Record{
		EntityType: entity,
		EntityID:   id,
		Action:     action,
		PriorState: prior,
		NewState:   next,
		ActorID:    actor.ID,
		ActorRole:  string(actor.Role),
		Fields:     fields,
	}
}

func (s *InMemory) CreateClient(ctx context.Context, actor Actor, legalName, contactEmail string) (Client, error) {
	if err := auth.Authorize(actor, auth.PermClientCreate); err != nil {
		return Client{}, err
	}
	legalName = strings.TrimSpace(legalName)
	if legalName == "" {
		return Client{}, fmt.Errorf("%w: legal name is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := Client{
		ID:           ids.New(),
		LegalName:    legalName,
		ContactEmail: strings.TrimSpace(contactEmail),
		CreatedAt:    s.now(),
	}
	rec := actorRecord(actor, EntityClient, c.ID, ActionCreate, "", "", map[string]string{"legal_name": legalName})
	if err := s.appendAudit(ctx, rec); err != nil {
		return Client{}, err
	}
	s.clients[c.ID] = &c
	return c, nil
}

func (s *InMemory) CreateSOW(ctx context.Context, actor Actor, in SOWInput) (SOW, error) {
	if err := auth.Authorize(actor, auth.PermSOWCreate); err != nil {
		return SOW{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[in.ClientID]; !ok {
		return SOW{}, fmt.Errorf("%w: client %s", ErrNotFound, in.ClientID)
	}
	if err := ValidateSOWInput(in); err != nil {
		return SOW{}, err
	}

	now := s.now()
	sow := SOW{
		ID:            ids.New(),
		ClientID:      in.ClientID,
		Revision:      1,
		LineItems:     append([]LineItem(nil), in.LineItems...),
		Status:        SOWDraft,
		ApproverID:    strings.TrimSpace(in.ApproverID),
		EffectiveFrom: Day(in.EffectiveFrom),
		EffectiveTo:   Day(in.EffectiveTo),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	rec := actorRecord(actor, EntitySOW, sow.ID, ActionCreate, "", string(SOWDraft), map[string]string{
		"client_id": sow.ClientID,
		"revision":  strconv.Itoa(sow.Revision),
	})
	if err := s.appendAudit(ctx, rec); err != nil {
		return SOW{}, err
	}
	s.sows[sow.ID] = &sow
	return sow, nil
}

func (s *InMemory) GetSOW(ctx context.Context, id string) (SOW, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sow, ok := s.sows[id]
	if !ok {
		return SOW{}, fmt.Errorf("%w: sow %s", ErrNotFound, id)
	}
	return cloneSOW(sow), nil
}

func (s *InMemory) SubmitSOW(ctx context.Context, actor Actor, sowID string) (SOW, error) {
	if err := auth.Authorize(actor, auth.PermSOWSubmit); err != nil {
		return SOW{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sow, ok := s.sows[sowID]
	if !ok {
		return SOW{}, fmt.Errorf("%w: sow %s", ErrNotFound, sowID)
	}
	if err := checkSOWTransition(sow.Status, SOWPending); err != nil {
		return SOW{}, err
	}
	if len(sow.LineItems) == 0 {
		return SOW{}, ErrEmptySOW
	}
	for _, li := range sow.LineItems {
		if err := ValidateRate(li.RateCents); err != nil {
			return SOW{}, err
		}
	}

	rec := actorRecord(actor, EntitySOW, sow.ID, ActionSubmit, string(sow.Status), string(SOWPending), nil)
	if err := s.appendAudit(ctx, rec); err != nil {
		return SOW{}, err
	}
	sow.Status = SOWPending
	sow.UpdatedAt = s.now()
	return cloneSOW(sow), nil
}

// canDecide gates approval decisions: the actor's role must hold the decide
// permission in the capability table, or the actor must be the SOW's
// designated approver.
func canDecide(actor Actor, sow *SOW, perm string) bool {
	if auth.Authorize(actor, perm) == nil {
		return true
	}
	return sow.ApproverID != "" && actor.ID == sow.ApproverID
}

func (s *InMemory) ApproveSOW(ctx context.Context, actor Actor, sowID string) (SOW, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sow, ok := s.sows[sowID]
	if !ok {
		return SOW{}, fmt.Errorf("%w: sow %s", ErrNotFound, sowID)
	}
	if !canDecide(actor, sow, auth.PermSOWApprove) {
		return SOW{}, fmt.Errorf("%w: %s may not approve sow %s", auth.ErrUnauthorized, actor.ID, sowID)
	}
	if err := checkSOWTransition(sow.Status, SOWApproved); err != nil {
		return SOW{}, err
	}
	if len(sow.LineItems) == 0 {
		return SOW{}, ErrEmptySOW
	}

	rec := actorRecord(actor, EntitySOW, sow.ID, ActionApprove, string(sow.Status), string(SOWApproved), nil)
	if err := s.appendAudit(ctx, rec); err != nil {
		return SOW{}, err
	}
	now := s.now()
	sow.Status = SOWApproved
	sow.DecidedBy = actor.ID
	sow.DecidedAt = &now
	sow.UpdatedAt = now
	return cloneSOW(sow), nil
}

func (s *InMemory) RejectSOW(ctx context.Context, actor Actor, sowID, reason string) (SOW, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return SOW{}, fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sow, ok := s.sows[sowID]
	if !ok {
		return SOW{}, fmt.Errorf("%w: sow %s", ErrNotFound, sowID)
	}
	if !canDecide(actor, sow, auth.PermSOWReject) {
		return SOW{}, fmt.Errorf("%w: %s may not reject sow %s", auth.ErrUnauthorized, actor.ID, sowID)
	}
	if err := checkSOWTransition(sow.Status, SOWRejected); err != nil {
		return SOW{}, err
	}

	rec := actorRecord(actor, EntitySOW, sow.ID, ActionReject, string(sow.Status), string(SOWRejected),
		map[string]string{"reason": reason})
	if err := s.appendAudit(ctx, rec); err != nil {
		return SOW{}, err
	}
	now := s.now()
	sow.Status = SOWRejected
	sow.DecidedBy = actor.ID
	sow.DecidedAt = &now
	sow.RejectionReason = reason
	sow.UpdatedAt = now
	return cloneSOW(sow), nil
}

func (s *InMemory) ReviseSOW(ctx context.Context, actor Actor, sowID string) (SOW, error) {
	if err := auth.Authorize(actor, auth.PermSOWRevise); err != nil {
		return SOW{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.sows[sowID]
	if !ok {
		return SOW{}, fmt.Errorf("%w: sow %s", ErrNotFound, sowID)
	}
	// Only rejected revisions are cloned; the rejected one stays immutable
	// so its line items remain comparable against the new draft.
	if prior.Status != SOWRejected {
		return SOW{}, fmt.Errorf("%w: sow revise from %s", ErrInvalidTransition, prior.Status)
	}

	now := s.now()
	next := SOW{
		ID:            ids.New(),
		ClientID:      prior.ClientID,
		Revision:      prior.Revision + 1,
		SupersedesID:  prior.ID,
		LineItems:     append([]LineItem(nil), prior.LineItems...),
		Status:        SOWDraft,
		ApproverID:    prior.ApproverID,
		EffectiveFrom: prior.EffectiveFrom,
		EffectiveTo:   prior.EffectiveTo,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	rec := actorRecord(actor, EntitySOW, next.ID, ActionRevise, string(SOWRejected), string(SOWDraft),
		map[string]string{"supersedes": prior.ID, "revision": strconv.Itoa(next.Revision)})
	if err := s.appendAudit(ctx, rec); err != nil {
		return SOW{}, err
	}
	s.sows[next.ID] = &next
	return cloneSOW(&next), nil
}

func (s *InMemory) CreateProjectFromSOW(ctx context.Context, actor Actor, in ProjectInput) (Project, error) {
	if err := auth.Authorize(actor, auth.PermProjectCreate); err != nil {
		return Project{}, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return Project{}, fmt.Errorf("%w: project name is required", ErrValidation)
	}
	if len(in.Resources) == 0 {
		return Project{}, fmt.Errorf("%w: at least one resource is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sow, ok := s.sows[in.SOWID]
	if !ok {
		return Project{}, fmt.Errorf("%w: sow %s", ErrNotFound, in.SOWID)
	}
	if sow.Status != SOWApproved {
		return Project{}, fmt.Errorf("%w: sow %s is %s", ErrProjectNotActive, sow.ID, sow.Status)
	}
	if err := ValidateRangeWithin(in.StartDate, in.EndDate, sow.EffectiveFrom, sow.EffectiveTo); err != nil {
		return Project{}, err
	}
	overrides := map[string]string{}
	for _, res := range in.Resources {
		if err := ValidateRate(res.RateCents); err != nil {
			return Project{}, err
		}
		if !sowHasRate(sow, res.RateCents) {
			if !res.RateOverride {
				return Project{}, fmt.Errorf("%w: resource %s rate %d", ErrRateMismatch, res.ConsultantID, res.RateCents)
			}
			overrides[res.ConsultantID] = strconv.FormatInt(res.RateCents, 10)
		}
	}

	fields := map[string]string{"sow_id": sow.ID, "name": strings.TrimSpace(in.Name)}
	for id, rate := range overrides {
		fields["rate_override."+id] = rate
	}
	p := Project{
		ID:        ids.New(),
		SOWID:     sow.ID,
		ClientID:  sow.ClientID,
		Name:      strings.TrimSpace(in.Name),
		StartDate: Day(in.StartDate),
		EndDate:   Day(in.EndDate),
		Resources: append([]Resource(nil), in.Resources...),
		CreatedAt: s.now(),
	}
	rec := actorRecord(actor, EntityProject, p.ID, ActionCreate, "", "", fields)
	if err := s.appendAudit(ctx, rec); err != nil {
		return Project{}, err
	}
	s.projects[p.ID] = &p
	return cloneProject(&p), nil
}

func sowHasRate(sow *SOW, rateCents int64) bool {
	for _, li := range sow.LineItems {
		if li.RateCents == rateCents {
			return true
		}
	}
	return false
}

func (s *InMemory) GetProject(ctx context.Context, id string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return cloneProject(p), nil
}

func (s *InMemory) SubmitTimesheetEntry(ctx context.Context, actor Actor, in EntryInput) (TimesheetEntry, error) {
	if err := auth.Authorize(actor, auth.PermTimesheetSubmit); err != nil {
		return TimesheetEntry{}, err
	}
	// Consultants may only log their own time.
	if actor.Role == auth.RoleConsultant && actor.ID != in.ConsultantID {
		return TimesheetEntry{}, fmt.Errorf("%w: consultant %s may not log time for %s",
			auth.ErrUnauthorized, actor.ID, in.ConsultantID)
	}
	if err := ValidateMinutes(in.Minutes); err != nil {
		return TimesheetEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	project, ok := s.projects[in.ProjectID]
	if !ok {
		return TimesheetEntry{}, fmt.Errorf("%w: project %s", ErrNotFound, in.ProjectID)
	}
	sow, ok := s.sows[project.SOWID]
	if !ok || sow.Status != SOWApproved {
		return TimesheetEntry{}, fmt.Errorf("%w: project %s", ErrProjectNotActive, project.ID)
	}
	if err := ValidateDateWithin(in.WorkDate, project.StartDate, project.EndDate); err != nil {
		return TimesheetEntry{}, err
	}

	res, ok := projectResource(project, in.ConsultantID)
	if !ok {
		return TimesheetEntry{}, fmt.Errorf("%w: consultant %s on project %s",
			ErrNotAssigned, in.ConsultantID, project.ID)
	}
	rate := in.RateCents
	if rate == 0 {
		rate = res.RateCents
	}
	if err := ValidateRate(rate); err != nil {
		return TimesheetEntry{}, err
	}
	if rate != res.RateCents && !in.RateOverride {
		return TimesheetEntry{}, fmt.Errorf("%w: entry rate %d, project rate %d",
			ErrRateMismatch, rate, res.RateCents)
	}

	entry := TimesheetEntry{
		ID:           ids.New(),
		ConsultantID: in.ConsultantID,
		ProjectID:    project.ID,
		WorkDate:     Day(in.WorkDate),
		Minutes:      in.Minutes,
		RateCents:    rate,
		RateOverride: in.RateOverride && rate != res.RateCents,
		Note:         strings.TrimSpace(in.Note),
		Status:       EntrySubmitted,
	}
	if err := DetectOverlap(s.entriesForKey(entry.ConsultantID, entry.ProjectID, entry.WorkDate), entry); err != nil {
		return TimesheetEntry{}, err
	}

	fields := map[string]string{
		"minutes":    strconv.Itoa(entry.Minutes),
		"rate_cents": strconv.FormatInt(entry.RateCents, 10),
		"work_date":  entry.WorkDate.Format("2006-01-02"),
	}
	if entry.RateOverride {
		fields["rate_override"] = "true"
	}
	rec := actorRecord(actor, EntityTimesheet, entry.ID, ActionSubmit, "", string(EntrySubmitted), fields)
	if err := s.appendAudit(ctx, rec); err != nil {
		return TimesheetEntry{}, err
	}
	now := s.now()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	s.entries[entry.ID] = &entry
	return entry, nil
}

func projectResource(p *Project, consultantID string) (Resource, bool) {
	for _, res := range p.Resources {
		if res.ConsultantID == consultantID {
			return res, true
		}
	}
	return Resource{}, false
}

func (s *InMemory) entriesForKey(consultantID, projectID string, day time.Time) []TimesheetEntry {
	var out []TimesheetEntry
	for _, e := range s.entries {
		if e.ConsultantID == consultantID && e.ProjectID == projectID && SameDay(e.WorkDate, day) {
			out = append(out, *e)
		}
	}
	return out
}

func (s *InMemory) ApproveTimesheetEntry(ctx context.Context, actor Actor, entryID string) (TimesheetEntry, error) {
	if err := auth.Authorize(actor, auth.PermTimesheetApprove); err != nil {
		return TimesheetEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return TimesheetEntry{}, fmt.Errorf("%w: timesheet entry %s", ErrNotFound, entryID)
	}
	if err := checkEntryTransition(entry.Status, EntryApproved); err != nil {
		return TimesheetEntry{}, err
	}

	rec := actorRecord(actor, EntityTimesheet, entry.ID, ActionApprove, string(entry.Status), string(EntryApproved), nil)
	if err := s.appendAudit(ctx, rec); err != nil {
		return TimesheetEntry{}, err
	}
	entry.Status = EntryApproved
	entry.UpdatedAt = s.now()
	return *entry, nil
}

func (s *InMemory) RejectTimesheetEntry(ctx context.Context, actor Actor, entryID, reason string) (TimesheetEntry, error) {
	if err := auth.Authorize(actor, auth.PermTimesheetApprove); err != nil {
		return TimesheetEntry{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return TimesheetEntry{}, fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return TimesheetEntry{}, fmt.Errorf("%w: timesheet entry %s", ErrNotFound, entryID)
	}
	if err := checkEntryTransition(entry.Status, EntryDraft); err != nil {
		return TimesheetEntry{}, err
	}

	rec := actorRecord(actor, EntityTimesheet, entry.ID, ActionReject, string(entry.Status), string(EntryDraft),
		map[string]string{"reason": reason})
	if err := s.appendAudit(ctx, rec); err != nil {
		return TimesheetEntry{}, err
	}
	entry.Status = EntryDraft
	entry.RejectionReason = reason
	entry.UpdatedAt = s.now()
	return *entry, nil
}

func (s *InMemory) GenerateInvoice(ctx context.Context, actor Actor, clientID string, period Period, netDays int) (Invoice, error) {
	if err := auth.Authorize(actor, auth.PermInvoiceGenerate); err != nil {
		return Invoice{}, err
	}
	start, end := Day(period.Start), Day(period.End)
	if end.Before(start) {
		return Invoice{}, fmt.Errorf("%w: billing period end precedes start", ErrOutOfRange)
	}
	if netDays <= 0 {
		netDays = 30
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return Invoice{}, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}

	var candidates []*TimesheetEntry
	alreadyBilled := false
	for _, e := range s.entries {
		project, ok := s.projects[e.ProjectID]
		if !ok || project.ClientID != clientID {
			continue
		}
		if e.WorkDate.Before(start) || e.WorkDate.After(end) {
			continue
		}
		switch e.Status {
		case EntryApproved:
			candidates = append(candidates, e)
		case EntryInvoiced:
			alreadyBilled = true
		}
	}
	if len(candidates) == 0 {
		if alreadyBilled {
			return Invoice{}, fmt.Errorf("%w: client %s, %s to %s", ErrAlreadyInvoiced,
				clientID, start.Format("2006-01-02"), end.Format("2006-01-02"))
		}
		return Invoice{}, fmt.Errorf("%w: client %s, %s to %s", ErrNoBillableWork,
			clientID, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	// Entries were validated at submission; a corrupt one aborts the whole
	// batch rather than producing a partial invoice.
	var failed []string
	for _, e := range candidates {
		if ValidateMinutes(e.Minutes) != nil || ValidateRate(e.RateCents) != nil {
			failed = append(failed, e.ID)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return Invoice{}, &BatchError{FailedEntryIDs: failed, Reason: ErrValidation}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ProjectID != candidates[j].ProjectID {
			return candidates[i].ProjectID < candidates[j].ProjectID
		}
		return candidates[i].ID < candidates[j].ID
	})

	now := s.now()
	inv := Invoice{
		ID:          ids.New(),
		Number:      ids.InvoiceNumber(now),
		ClientID:    clientID,
		PeriodStart: start,
		PeriodEnd:   end,
		Status:      InvoiceDraft,
		NetDays:     netDays,
		IssuedAt:    now,
		UpdatedAt:   now,
	}
	inv.Lines = buildLines(candidates, func(projectID string) string {
		if p, ok := s.projects[projectID]; ok {
			return p.Name
		}
		return projectID
	})
	for _, line := range inv.Lines {
		inv.TotalCents += line.AmountCents
	}

	// Write-ahead: one record per entry transition plus one for the
	// invoice, appended as a single atomic batch.
	recs := make([]audit.Record, 0, len(candidates)+1)
	for _, e := range candidates {
		recs = append(recs, actorRecord(actor, EntityTimesheet, e.ID, ActionInvoice,
			string(EntryApproved), string(EntryInvoiced),
			map[string]string{"invoice_id": inv.ID}))
	}
	recs = append(recs, actorRecord(actor, EntityInvoice, inv.ID, ActionGenerate, "", string(InvoiceDraft),
		map[string]string{
			"client_id":   clientID,
			"number":      inv.Number,
			"total_cents": strconv.FormatInt(inv.TotalCents, 10),
			"entries":     strconv.Itoa(len(candidates)),
		}))
	if err := s.appendAuditAll(ctx, recs); err != nil {
		return Invoice{}, err
	}

	for _, e := range candidates {
		e.Status = EntryInvoiced
		e.InvoiceID = inv.ID
		e.UpdatedAt = now
	}
	s.invoices[inv.ID] = &inv
	return cloneInvoice(&inv), nil
}

// buildLines groups entries by project into one deterministic line each.
// Rates are taken from the entries' stored values, never recomputed from
// current SOW state.
func buildLines(entries []*TimesheetEntry, projectName func(string) string) []InvoiceLine {
	var lines []InvoiceLine
	var cur *InvoiceLine
	uniformRate := true
	for _, e := range entries {
		if cur == nil || cur.ProjectID != e.ProjectID {
			if cur != nil && !uniformRate {
				cur.RateCents = 0
			}
			lines = append(lines, InvoiceLine{
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

func (s *InMemory) GetInvoice(ctx context.Context, actor Actor, id string) (Invoice, error) {
	if err := auth.Authorize(actor, auth.PermInvoiceRead); err != nil {
		return Invoice{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return Invoice{}, fmt.Errorf("%w: invoice %s", ErrNotFound, id)
	}
	return cloneInvoice(inv), nil
}

func (s *InMemory) UpdateInvoiceStatus(ctx context.Context, actor Actor, invoiceID string, to InvoiceStatus) (Invoice, error) {
	if err := auth.Authorize(actor, auth.PermInvoiceUpdate); err != nil {
		return Invoice{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[invoiceID]
	if !ok {
		return Invoice{}, fmt.Errorf("%w: invoice %s", ErrNotFound, invoiceID)
	}
	if err := checkInvoiceTransition(inv.Status, to); err != nil {
		return Invoice{}, err
	}

	rec := actorRecord(actor, EntityInvoice, inv.ID, ActionStatus, string(inv.Status), string(to), nil)
	if err := s.appendAudit(ctx, rec); err != nil {
		return Invoice{}, err
	}
	inv.Status = to
	inv.UpdatedAt = s.now()
	return cloneInvoice(inv), nil
}

func (s *InMemory) QueryAuditTrail(ctx context.Context, actor Actor, f audit.Filter) ([]audit.Record, uint64, error) {
	if err := auth.Authorize(actor, auth.PermAuditQuery); err != nil {
		return nil, 0, err
	}
	return s.recorder.Query(ctx, f)
}

// --- copy helpers: callers never observe internal pointers ---

func cloneSOW(sow *SOW) SOW {
	out := *sow
	out.LineItems = append([]LineItem(nil), sow.LineItems...)
	if sow.DecidedAt != nil {
		t := *sow.DecidedAt
		out.DecidedAt = &t
	}
	return out
}

func cloneProject(p *Project) Project {
	out := *p
	out.Resources = append([]Resource(nil), p.Resources...)
	return out
}

func cloneInvoice(inv *Invoice) Invoice {
	out := *inv
	out.Lines = make([]InvoiceLine, len(inv.Lines))
	for i, line := range inv.Lines {
		out.Lines[i] = line
		out.Lines[i].EntryIDs = append([]string(nil), line.EntryIDs...)
	}
	return out
}
