// Package pg implements the workflow engine on PostgreSQL. Concurrency
// control follows the storage layer: row locks serialize the double-billing
// key and the invoice period, and status transitions are compare-and-swap
// updates guarded by the expected prior state. Audit records are inserted in
// the same transaction as the transition they describe, so both commit or
// neither does.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"consultport.org/internal/audit"
	"consultport.org/internal/auth"
	"consultport.org/internal/ids"
	"consultport.org/internal/workflow"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ workflow.Service = (*Store)(nil)

// Open connects with pool defaults tuned for request-per-call traffic.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle; used by tests with sqlmock.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// SetClock injects a deterministic clock. Not safe concurrently with
// operations.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// insertAudit appends a record inside the caller's transaction. Any failure
// surfaces as ErrAuditUnavailable so the caller aborts the transition.
func (s *Store) insertAudit(ctx context.Context, tx *sql.Tx, rec audit.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", workflow.ErrAuditUnavailable, err)
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("%w: %v", workflow.ErrAuditUnavailable, err)
	}
	_, err = tx.ExecContext(ctx, `
		insert into audit_records(id, occurred_at, entity_type, entity_id, action, prior_state, new_state, actor_id, actor_role, fields)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, ids.New(), s.now(), rec.EntityType, rec.EntityID, rec.Action,
		rec.PriorState, rec.NewState, rec.ActorID, rec.ActorRole, fields)
	if err != nil {
		return fmt.Errorf("%w: %v", workflow.ErrAuditUnavailable, err)
	}
	return nil
}

func auditRecord(actor workflow.Actor, entity, id, action, prior, next string, fields map[string]string) audit.Record {
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

func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func (s *Store) beginSerializable(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

func (s *Store) CreateClient(ctx context.Context, actor workflow.Actor, legalName, contactEmail string) (workflow.Client, error) {
	if err := auth.Authorize(actor, auth.PermClientCreate); err != nil {
		return workflow.Client{}, err
	}
	legalName = strings.TrimSpace(legalName)
	if legalName == "" {
		return workflow.Client{}, fmt.Errorf("%w: legal name is required", workflow.ErrValidation)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return workflow.Client{}, err
	}
	defer func() { _ = tx.Rollback() }()

	c := workflow.Client{
		ID:           ids.New(),
		LegalName:    legalName,
		ContactEmail: strings.TrimSpace(contactEmail),
		CreatedAt:    s.now(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into clients(id, legal_name, contact_email, created_at)
		values ($1,$2,$3,$4)
	`, c.ID, c.LegalName, c.ContactEmail, c.CreatedAt); err != nil {
		return workflow.Client{}, err
	}
	rec := auditRecord(actor, workflow.EntityClient, c.ID, workflow.ActionCreate, "", "",
		map[string]string{"legal_name": legalName})
	if err := s.insertAudit(ctx, tx, rec); err != nil {
		return workflow.Client{}, err
	}
	if err := tx.Commit(); err != nil {
		return workflow.Client{}, err
	}
	return c, nil
}

// checkAffected turns a compare-and-swap update that matched no row into a
// state conflict: the caller saw the row moments ago, so it was not deleted,
// another transition won the race.
func checkAffected(res sql.Result, table, transition string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s %s lost to a concurrent update", workflow.ErrInvalidTransition, table, transition)
	}
	return nil
}
