package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"consultport.org/internal/audit"
	"consultport.org/internal/obs"
	"consultport.org/internal/workflow"
)

type createClientRequest struct {
	LegalName    string `json:"legal_name"`
	ContactEmail string `json:"contact_email"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type generateInvoiceRequest struct {
	ClientID    string    `json:"client_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	NetDays     int       `json:"net_days"`
}

type invoiceStatusRequest struct {
	Status string `json:"status"`
}

type auditTrailResponse struct {
	Items     []audit.Record `json:"items"`
	NextAfter uint64         `json:"next_after"`
	AsOf      time.Time      `json:"as_of"`
}

// --- clients ---

func (a *API) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	var req createClientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.svc.CreateClient(r.Context(), actor, req.LegalName, req.ContactEmail)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/clients/"+c.ID)
	writeJSON(w, http.StatusCreated, c)
}

// --- SOWs ---

func (a *API) handleSOWCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	var in workflow.SOWInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sow, err := a.svc.CreateSOW(r.Context(), actor, in)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	a.publishTransition(actor, workflow.EntitySOW, sow.ID, "", string(sow.Status))
	w.Header().Set("Location", "/v1/sows/"+sow.ID)
	writeJSON(w, http.StatusCreated, sow)
}

func (a *API) handleSOWResource(w http.ResponseWriter, r *http.Request) {
	id, action := splitResource(strings.TrimPrefix(r.URL.Path, "/v1/sows/"))
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		sow, err := a.svc.GetSOW(r.Context(), id)
		if err != nil {
			handleWorkflowError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sow)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	var sow workflow.SOW
	var err error
	var from workflow.SOWStatus
	switch action {
	case "submit":
		from = workflow.SOWDraft
		sow, err = a.svc.SubmitSOW(r.Context(), actor, id)
	case "approve":
		from = workflow.SOWPending
		sow, err = a.svc.ApproveSOW(r.Context(), actor, id)
	case "reject":
		var req rejectRequest
		if derr := decodeJSON(w, r, &req); derr != nil {
			writeError(w, r, http.StatusBadRequest, derr.Error())
			return
		}
		from = workflow.SOWPending
		sow, err = a.svc.RejectSOW(r.Context(), actor, id, req.Reason)
	case "revise":
		from = workflow.SOWRejected
		sow, err = a.svc.ReviseSOW(r.Context(), actor, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	a.publishTransition(actor, workflow.EntitySOW, sow.ID, string(from), string(sow.Status))
	writeJSON(w, http.StatusOK, sow)
}

// --- projects ---

func (a *API) handleProjectCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	var in workflow.ProjectInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.svc.CreateProjectFromSOW(r.Context(), actor, in)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/projects/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleProjectResource(w http.ResponseWriter, r *http.Request) {
	id, action := splitResource(strings.TrimPrefix(r.URL.Path, "/v1/projects/"))
	if id == "" || action != "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, err := a.svc.GetProject(r.Context(), id)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// rejectionReason labels a timesheet submission refused at validation for
// the rejections counter. Errors that are not validation rejections map to
// the empty string and are not counted.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, workflow.ErrDoubleBilling):
		return "double_billing"
	case errors.Is(err, workflow.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, workflow.ErrRateMismatch):
		return "rate_mismatch"
	case errors.Is(err, workflow.ErrInvalidMinutes):
		return "invalid_minutes"
	case errors.Is(err, workflow.ErrNotAssigned):
		return "not_assigned"
	default:
		return ""
	}
}

// --- timesheets ---

func (a *API) handleTimesheetCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	var in workflow.EntryInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := a.svc.SubmitTimesheetEntry(r.Context(), actor, in)
	if err != nil {
		if reason := rejectionReason(err); reason != "" {
			obs.ObserveTimesheetRejection(reason)
		}
		handleWorkflowError(w, r, err)
		return
	}
	a.publishTransition(actor, workflow.EntityTimesheet, entry.ID, "", string(entry.Status))
	w.Header().Set("Location", "/v1/timesheets/"+entry.ID)
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleTimesheetResource(w http.ResponseWriter, r *http.Request) {
	id, action := splitResource(strings.TrimPrefix(r.URL.Path, "/v1/timesheets/"))
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	var entry workflow.TimesheetEntry
	var err error
	switch action {
	case "approve":
		entry, err = a.svc.ApproveTimesheetEntry(r.Context(), actor, id)
	case "reject":
		var req rejectRequest
		if derr := decodeJSON(w, r, &req); derr != nil {
			writeError(w, r, http.StatusBadRequest, derr.Error())
			return
		}
		entry, err = a.svc.RejectTimesheetEntry(r.Context(), actor, id, req.Reason)
		if err == nil {
			obs.ObserveTimesheetRejection("manual")
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	a.publishTransition(actor, workflow.EntityTimesheet, entry.ID, string(workflow.EntrySubmitted), string(entry.Status))
	writeJSON(w, http.StatusOK, entry)
}

// --- invoices ---

func (a *API) handleInvoiceGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	var req generateInvoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ClientID) == "" {
		writeError(w, r, http.StatusBadRequest, "client_id is required")
		return
	}
	inv, err := a.svc.GenerateInvoice(r.Context(), actor, req.ClientID,
		workflow.Period{Start: req.PeriodStart, End: req.PeriodEnd}, req.NetDays)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	obs.ObserveInvoiceGenerated()
	a.publishTransition(actor, workflow.EntityInvoice, inv.ID, "", string(inv.Status))
	w.Header().Set("Location", "/v1/invoices/"+inv.ID)
	writeJSON(w, http.StatusCreated, inv)
}

func (a *API) handleInvoiceResource(w http.ResponseWriter, r *http.Request) {
	id, action := splitResource(strings.TrimPrefix(r.URL.Path, "/v1/invoices/"))
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		inv, err := a.svc.GetInvoice(r.Context(), actor, id)
		if err != nil {
			handleWorkflowError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, inv)
	case "status":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var req invoiceStatusRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		to := workflow.InvoiceStatus(strings.TrimSpace(req.Status))
		switch to {
		case workflow.InvoiceSent, workflow.InvoicePaid, workflow.InvoiceOverdue:
		default:
			writeError(w, r, http.StatusBadRequest, "status must be sent, paid or overdue")
			return
		}
		// The prior status comes from a read before the update; the stream
		// is advisory, the audit trail stays the system of record.
		from := ""
		if cur, err := a.svc.GetInvoice(r.Context(), actor, id); err == nil {
			from = string(cur.Status)
		}
		inv, err := a.svc.UpdateInvoiceStatus(r.Context(), actor, id, to)
		if err != nil {
			handleWorkflowError(w, r, err)
			return
		}
		a.publishTransition(actor, workflow.EntityInvoice, inv.ID, from, string(inv.Status))
		writeJSON(w, http.StatusOK, inv)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- audit ---

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		EntityType: strings.TrimSpace(q.Get("entity_type")),
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
	}
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		f.AfterSeq = v
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		f.Limit = v
	}

	items, next, err := a.svc.QueryAuditTrail(r.Context(), actor, f)
	if err != nil {
		handleWorkflowError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditTrailResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

// splitResource separates "{id}" or "{id}/{action}" path tails. Deeper
// nesting is rejected by returning an empty id.
func splitResource(tail string) (id, action string) {
	tail = strings.Trim(tail, "/")
	if tail == "" {
		return "", ""
	}
	parts := strings.Split(tail, "/")
	switch len(parts) {
	case 1:
		return parts[0], ""
	case 2:
		return parts[0], parts[1]
	default:
		return "", ""
	}
}
