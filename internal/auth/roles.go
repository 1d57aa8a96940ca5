package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Role is one of the fixed portal roles. The set is closed: the portal has no
// tenant-defined roles, so authorization is a static capability table.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleProjectManager Role = "project_manager"
	RoleConsultant     Role = "consultant"
	RoleClient         Role = "client"
	RoleAccountant     Role = "accountant"
)

// Permission keys checked before every state mutation.
const (
	PermClientCreate     = "client.create"
	PermSOWCreate        = "sow.create"
	PermSOWSubmit        = "sow.submit"
	PermSOWApprove       = "sow.approve"
	PermSOWReject        = "sow.reject"
	PermSOWRevise        = "sow.revise"
	PermProjectCreate    = "project.create"
	PermTimesheetSubmit  = "timesheet.submit"
	PermTimesheetApprove = "timesheet.approve"
	PermInvoiceGenerate  = "invoice.generate"
	PermInvoiceUpdate    = "invoice.update"
	PermInvoiceRead      = "invoice.read"
	PermAuditQuery       = "audit.query"
)

// ErrUnauthorized indicates the actor's role lacks the required permission.
var ErrUnauthorized = errors.New("auth: unauthorized")

// rolePermissions is the full capability table. Admin rows are listed
// explicitly rather than special-cased so the table is the single source of
// truth for what each role may do.
var rolePermissions = map[Role]map[string]struct{}{
	RoleAdmin: permSet(
		PermClientCreate, PermSOWCreate, PermSOWSubmit, PermSOWApprove,
		PermSOWReject, PermSOWRevise, PermProjectCreate, PermTimesheetSubmit,
		PermTimesheetApprove, PermInvoiceGenerate, PermInvoiceUpdate,
		PermInvoiceRead, PermAuditQuery,
	),
	RoleProjectManager: permSet(
		PermClientCreate, PermSOWCreate, PermSOWSubmit, PermSOWRevise,
		PermProjectCreate, PermTimesheetApprove,
	),
	RoleConsultant: permSet(
		PermTimesheetSubmit,
	),
	RoleClient: permSet(
		PermInvoiceRead,
	),
	RoleAccountant: permSet(
		PermInvoiceGenerate, PermInvoiceUpdate, PermInvoiceRead, PermAuditQuery,
	),
}

func permSet(keys ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// ParseRole normalizes and validates a role string.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := rolePermissions[role]; !ok {
		return "", fmt.Errorf("unknown role %q", raw)
	}
	return role, nil
}

// Actor is the identity every core operation receives explicitly. Nothing in
// the workflow engine reads identity from ambient state.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// HasPermission reports whether the actor's role grants the permission key.
func (a Actor) HasPermission(key string) bool {
	perms, ok := rolePermissions[a.Role]
	if !ok {
		return false
	}
	_, ok = perms[key]
	return ok
}

// Authorize fails with ErrUnauthorized when the actor may not perform the
// operation identified by the permission key.
func Authorize(actor Actor, key string) error {
	if strings.TrimSpace(actor.ID) == "" {
		return ErrUnauthorized
	}
	if !actor.HasPermission(key) {
		return fmt.Errorf("%w: role %s lacks %s", ErrUnauthorized, actor.Role, key)
	}
	return nil
}
