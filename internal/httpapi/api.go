// Package httpapi exposes the workflow engine over HTTP. Routing is a
// plain ServeMux with manual path dispatch; every mutating route requires a
// bearer token and resolves the acting identity before calling the engine.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"consultport.org/internal/auth"
	"consultport.org/internal/obs"
	"consultport.org/internal/stream"
	"consultport.org/internal/workflow"
)

// ReadyProbe reports whether the backing store can take traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over a workflow.Service.
type API struct {
	mux        *http.ServeMux
	svc        workflow.Service
	users      *auth.Directory
	stream     *stream.Stream
	readyProbe ReadyProbe
	version    string

	rateBurst  int
	ratePerSec int
}

// New wires the routes. A nil directory disables password login; a nil
// stream disables the events endpoint.
func New(svc workflow.Service, users *auth.Directory, st *stream.Stream, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		users:      users,
		stream:     st,
		readyProbe: rp,
		version:    version,
		rateBurst:  50,
		ratePerSec: 25,
	}

	a.mux.HandleFunc("/healthz", a.healthz)
	a.mux.HandleFunc("/readyz", a.ready)
	a.mux.HandleFunc("/v1/info", a.info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/clients", a.handleClients)
	a.mux.HandleFunc("/v1/sows", a.handleSOWCollection)
	a.mux.HandleFunc("/v1/sows/", a.handleSOWResource)
	a.mux.HandleFunc("/v1/projects", a.handleProjectCollection)
	a.mux.HandleFunc("/v1/projects/", a.handleProjectResource)
	a.mux.HandleFunc("/v1/timesheets", a.handleTimesheetCollection)
	a.mux.HandleFunc("/v1/timesheets/", a.handleTimesheetResource)
	a.mux.HandleFunc("/v1/invoices/generate", a.handleInvoiceGenerate)
	a.mux.HandleFunc("/v1/invoices/", a.handleInvoiceResource)
	a.mux.HandleFunc("/v1/audit", a.handleAuditQuery)
	a.mux.HandleFunc("/v1/events", a.handleEvents)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "consultport-api",
		"version": a.version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "consultport-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleWorkflowError maps engine sentinels onto HTTP statuses. Unknown
// errors stay opaque.
func handleWorkflowError(w http.ResponseWriter, r *http.Request, err error) {
	var batch *workflow.BatchError
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, workflow.ErrDoubleBilling),
		errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrAlreadyInvoiced),
		errors.Is(err, workflow.ErrProjectNotActive),
		errors.Is(err, workflow.ErrRateMismatch),
		errors.Is(err, workflow.ErrNotAssigned):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrNoBillableWork):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &batch):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, workflow.ErrValidation),
		errors.Is(err, workflow.ErrInvalidRate),
		errors.Is(err, workflow.ErrInvalidMinutes),
		errors.Is(err, workflow.ErrOutOfRange),
		errors.Is(err, workflow.ErrEmptySOW):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrAuditUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "audit log unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// publishTransition fans the transition out to SSE subscribers and the
// metrics counters.
func (a *API) publishTransition(actor workflow.Actor, entity, entityID, from, to string) {
	obs.ObserveTransition(entity, to)
	if a.stream == nil {
		return
	}
	a.stream.Publish(stream.TransitionEvent{
		Entity:    entity,
		EntityID:  entityID,
		From:      from,
		To:        to,
		Actor:     actor.ID,
		Timestamp: time.Now().UTC(),
	})
}
