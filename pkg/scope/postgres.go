package scope

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/observability"
)

// DocumentSchema is the relational store DDL. Row-level security keeps every
// statement inside the tenant pinned by app.tenant_id, even if a WHERE clause
// is forgotten somewhere.
const DocumentSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id UUID PRIMARY KEY,
	tenant_id VARCHAR(255) NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	created_by VARCHAR(255) NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id);

ALTER TABLE documents ENABLE ROW LEVEL SECURITY;
ALTER TABLE documents FORCE ROW LEVEL SECURITY;

DROP POLICY IF EXISTS documents_tenant_isolation ON documents;
CREATE POLICY documents_tenant_isolation ON documents
	USING (tenant_id = current_setting('app.tenant_id'))
	WITH CHECK (tenant_id = current_setting('app.tenant_id'));
`

// Document is a row in the tenant-scoped relational store.
type Document struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TenantDB runs statements inside a transaction with the tenant pinned in
// the app.tenant_id session variable, which the RLS policies read.
type TenantDB struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewTenantDB creates a tenant-scoped database wrapper.
func NewTenantDB(db *sql.DB, logger *observability.Logger, metrics *observability.Metrics) *TenantDB {
	return &TenantDB{db: db, logger: logger, metrics: metrics}
}

// WithTenant runs fn inside a transaction scoped to the tenant. set_config
// with is_local=true clears the variable at COMMIT/ROLLBACK, so a pooled
// connection never leaks one tenant's scope to the next request.
func (t *TenantDB) WithTenant(ctx context.Context, sc Scope, fn func(*sql.Tx) error) error {
	if err := validateTenantID(sc.TenantID); err != nil {
		t.recordViolation("postgres")
		return err
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tenant transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.tenant_id', $1, true)`, sc.TenantID); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to pin tenant scope: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tenant transaction: %w", err)
	}
	return nil
}

func (t *TenantDB) recordOp(operation string, start time.Time, err error) {
	if t.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.metrics.StorageOperationsTotal.WithLabelValues(operation, "postgres", status).Inc()
	t.metrics.StorageOperationDuration.WithLabelValues(operation, "postgres").Observe(time.Since(start).Seconds())
}

func (t *TenantDB) recordViolation(backend string) {
	if t.metrics != nil {
		t.metrics.IsolationViolationsTotal.WithLabelValues(backend).Inc()
	}
}

// DocumentStore is the tenant-scoped relational adapter.
type DocumentStore struct {
	tdb *TenantDB
}

// NewDocumentStore creates a document store over a tenant-scoped database.
func NewDocumentStore(tdb *TenantDB) *DocumentStore {
	return &DocumentStore{tdb: tdb}
}

// List returns the scope tenant's documents, newest first.
func (s *DocumentStore) List(ctx context.Context, sc Scope) ([]Document, error) {
	start := time.Now()
	var docs []Document

	err := s.tdb.WithTenant(ctx, sc, func(tx *sql.Tx) error {
		// tenant_id predicate is redundant with RLS; belt and braces.
		rows, err := tx.QueryContext(ctx, `
			SELECT id, tenant_id, title, body, created_by, created_at, updated_at
			FROM documents
			WHERE tenant_id = $1
			ORDER BY updated_at DESC`, sc.TenantID)
		if err != nil {
			return fmt.Errorf("failed to list documents: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var d Document
			if err := rows.Scan(&d.ID, &d.TenantID, &d.Title, &d.Body, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt); err != nil {
				return fmt.Errorf("failed to scan document: %w", err)
			}
			docs = append(docs, d)
		}
		return rows.Err()
	})

	s.tdb.recordOp("list", start, err)
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Get returns a single document, or nil when the tenant has no such row.
func (s *DocumentStore) Get(ctx context.Context, sc Scope, id string) (*Document, error) {
	start := time.Now()
	var doc *Document

	err := s.tdb.WithTenant(ctx, sc, func(tx *sql.Tx) error {
		var d Document
		err := tx.QueryRowContext(ctx, `
			SELECT id, tenant_id, title, body, created_by, created_at, updated_at
			FROM documents
			WHERE id = $1 AND tenant_id = $2`, id, sc.TenantID).
			Scan(&d.ID, &d.TenantID, &d.Title, &d.Body, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get document: %w", err)
		}
		doc = &d
		return nil
	})

	s.tdb.recordOp("get", start, err)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Upsert inserts or updates a document inside the scope tenant. A document
// carrying another tenant's ID is an isolation violation, not a no-op.
func (s *DocumentStore) Upsert(ctx context.Context, sc Scope, doc *Document) error {
	if doc.TenantID != "" && doc.TenantID != sc.TenantID {
		s.tdb.recordViolation("postgres")
		return fmt.Errorf("document belongs to tenant %s: %w", doc.TenantID, auth.ErrTenantIsolationViolation)
	}

	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.TenantID = sc.TenantID
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.CreatedBy == "" {
		doc.CreatedBy = sc.UserID
	}

	start := time.Now()
	err := s.tdb.WithTenant(ctx, sc, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, tenant_id, title, body, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				body = EXCLUDED.body,
				updated_at = EXCLUDED.updated_at`,
			doc.ID, doc.TenantID, doc.Title, doc.Body, doc.CreatedBy, doc.CreatedAt, doc.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert document: %w", err)
		}
		return nil
	})

	s.tdb.recordOp("upsert", start, err)
	return err
}

// Delete removes a document. Deleting a document the tenant does not own is
// indistinguishable from deleting a missing one.
func (s *DocumentStore) Delete(ctx context.Context, sc Scope, id string) error {
	start := time.Now()
	err := s.tdb.WithTenant(ctx, sc, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = $1 AND tenant_id = $2`, id, sc.TenantID)
		if err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		return nil
	})

	s.tdb.recordOp("delete", start, err)
	return err
}
