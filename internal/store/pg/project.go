package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"consultport.org/internal/auth"
	"consultport.org/internal/ids"
	"consultport.org/internal/workflow"
)

const projectColumns = `id, sow_id, client_id, name, start_date, end_date, created_at`

func scanProject(row rowScanner) (workflow.Project, error) {
	var p workflow.Project
	err := row.Scan(&p.ID, &p.SOWID, &p.ClientID, &p.Name, &p.StartDate, &p.EndDate, &p.CreatedAt)
	if err != nil {
		return workflow.Project{}, err
	}
	return p, nil
}

func loadProjectResources(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, projectID string) ([]workflow.Resource, error) {
	rows, err := q.QueryContext(ctx, `
		select consultant_id, rate_cents, rate_override
		from project_resources where project_id=$1 order by consultant_id asc
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.Resource
	for rows.Next() {
		var r workflow.Resource
		if err := rows.Scan(&r.ConsultantID, &r.RateCents, &r.RateOverride); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateProjectFromSOW(ctx context.Context, actor workflow.Actor, in workflow.ProjectInput) (workflow.Project, error) {
	if err := auth.Authorize(actor, auth.PermProjectCreate); err != nil {
		return workflow.Project{}, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return workflow.Project{}, fmt.Errorf("%w: project name is required", workflow.ErrValidation)
	}
	if len(in.Resources) == 0 {
		return workflow.Project{}, fmt.Errorf("%w: at least one resource is required", workflow.ErrValidation)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return workflow.Project{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// The row lock keeps the SOW approved for the duration of the insert.
	sow, err := lockSOW(ctx, tx, in.SOWID)
	if err != nil {
		return workflow.Project{}, err
	}
	if sow.Status != workflow.SOWApproved {
		return workflow.Project{}, fmt.Errorf("%w: sow %s is %s", workflow.ErrProjectNotActive, sow.ID, sow.Status)
	}
	if err := workflow.ValidateRangeWithin(in.StartDate, in.EndDate, sow.EffectiveFrom, sow.EffectiveTo); err != nil {
		return workflow.Project{}, err
	}
	overrides := map[string]string{}
	for _, res := range in.Resources {
		if err := workflow.ValidateRate(res.RateCents); err != nil {
			return workflow.Project{}, err
		}
		if !sowHasRate(sow, res.RateCents) {
			if !res.RateOverride {
				return workflow.Project{}, fmt.Errorf("%w: resource %s rate %d",
					workflow.ErrRateMismatch, res.ConsultantID, res.RateCents)
			}
			overrides[res.ConsultantID] = strconv.FormatInt(res.RateCents, 10)
		}
	}

	p := workflow.Project{
		ID:        ids.New(),
		SOWID:     sow.ID,
		ClientID:  sow.ClientID,
		Name:      strings.TrimSpace(in.Name),
		StartDate: workflow.Day(in.StartDate),
		EndDate:   workflow.Day(in.EndDate),
		Resources: append([]workflow.Resource(nil), in.Resources...),
		CreatedAt: s.now(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into projects(id, sow_id, client_id, name, start_date, end_date, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, p.ID, p.SOWID, p.ClientID, p.Name, p.StartDate, p.EndDate, p.CreatedAt); err != nil {
		return workflow.Project{}, err
	}
	for _, res := range p.Resources {
		if _, err := tx.ExecContext(ctx, `
			insert into project_resources(project_id, consultant_id, rate_cents, rate_override)
			values ($1,$2,$3,$4)
		`, p.ID, res.ConsultantID, res.RateCents, res.RateOverride); err != nil {
			return workflow.Project{}, err
		}
	}

	fields := map[string]string{"sow_id": sow.ID, "name": p.Name}
	for id, rate := range overrides {
		fields["rate_override."+id] = rate
	}
	rec := auditRecord(actor, workflow.EntityProject, p.ID, workflow.ActionCreate, "", "", fields)
	if err := s.insertAudit(ctx, tx, rec); err != nil {
		return workflow.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.Project{}, err
	}
	return p, nil
}

func sowHasRate(sow workflow.SOW, rateCents int64) bool {
	for _, li := range sow.LineItems {
		if li.RateCents == rateCents {
			return true
		}
	}
	return false
}

func (s *Store) GetProject(ctx context.Context, id string) (workflow.Project, error) {
	row := s.db.QueryRowContext(ctx, `select `+projectColumns+` from projects where id=$1`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Project{}, fmt.Errorf("%w: project %s", workflow.ErrNotFound, id)
	}
	if err != nil {
		return workflow.Project{}, err
	}
	p.Resources, err = loadProjectResources(ctx, s.db, id)
	if err != nil {
		return workflow.Project{}, err
	}
	return p, nil
}
