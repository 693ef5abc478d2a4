package scope

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kelpielabs/gatehouse/pkg/auth"
	"github.com/kelpielabs/gatehouse/pkg/observability"
)

const vectorSchema = `
CREATE TABLE IF NOT EXISTS embeddings (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	embedding BLOB NOT NULL,
	dimensions INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_embeddings_document ON embeddings(document_id);
`

// Embedding is one vector in a tenant's index.
type Embedding struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Vector     []float32 `json:"vector"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Match is a search hit with its cosine similarity score.
type Match struct {
	Embedding Embedding `json:"embedding"`
	Score     float64   `json:"score"`
}

// VectorIndex keeps one SQLite index file per tenant under a root directory.
// Physical separation is the isolation mechanism: a tenant's queries run
// against a database that contains nothing but that tenant's vectors.
type VectorIndex struct {
	root    string
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	handles *lru.Cache[string, *sql.DB]
}

// VectorIndexOptions tunes the per-tenant handle cache.
type VectorIndexOptions struct {
	// MaxOpenTenants bounds how many tenant index files stay open at once.
	// Defaults to 64. Evicted handles are closed and reopened on demand.
	MaxOpenTenants int
}

// NewVectorIndex creates a vector index rooted at dir.
func NewVectorIndex(dir string, logger *observability.Logger, metrics *observability.Metrics, opts VectorIndexOptions) (*VectorIndex, error) {
	if opts.MaxOpenTenants <= 0 {
		opts.MaxOpenTenants = 64
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create vector index root: %w", err)
	}

	v := &VectorIndex{root: dir, logger: logger, metrics: metrics}
	handles, err := lru.NewWithEvict[string, *sql.DB](opts.MaxOpenTenants, func(tenantID string, db *sql.DB) {
		if err := db.Close(); err != nil {
			logger.WithError(err).WithField("tenant_id", tenantID).Warn("failed to close evicted vector index handle")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handle cache: %w", err)
	}
	v.handles = handles
	return v, nil
}

// Close closes all open tenant index handles.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handles.Purge()
	return nil
}

// tenantDB opens (or reuses) the scope tenant's index file.
func (v *VectorIndex) tenantDB(sc Scope) (*sql.DB, error) {
	if err := validateTenantID(sc.TenantID); err != nil {
		v.recordViolation()
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if db, ok := v.handles.Get(sc.TenantID); ok {
		return db, nil
	}

	path := filepath.Join(v.root, sc.TenantID+".idx.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant index: %w", err)
	}
	if _, err := db.Exec(vectorSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tenant index: %w", err)
	}

	v.handles.Add(sc.TenantID, db)
	return db, nil
}

// Upsert stores an embedding in the scope tenant's index. A document
// reference carrying another tenant's prefix is an isolation violation.
func (v *VectorIndex) Upsert(ctx context.Context, sc Scope, emb Embedding) error {
	if emb.ID == "" || emb.DocumentID == "" {
		return fmt.Errorf("embedding needs id and document_id")
	}
	if len(emb.Vector) == 0 {
		return fmt.Errorf("embedding needs a non-empty vector")
	}
	if owner, ok := referencedTenant(emb.DocumentID); ok && owner != sc.TenantID {
		v.recordViolation()
		return fmt.Errorf("document %s belongs to tenant %s: %w", emb.DocumentID, owner, auth.ErrTenantIsolationViolation)
	}

	db, err := v.tenantDB(sc)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = db.ExecContext(ctx, `
		INSERT INTO embeddings (id, document_id, embedding, dimensions, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id,
			embedding = excluded.embedding,
			dimensions = excluded.dimensions,
			updated_at = excluded.updated_at`,
		emb.ID, emb.DocumentID, encodeVector(emb.Vector), len(emb.Vector), time.Now().UTC().Unix())
	v.recordOp("upsert", start, err)
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// Search returns the top-k entries by cosine similarity against the query
// vector, scanning only the scope tenant's index.
func (v *VectorIndex) Search(ctx context.Context, sc Scope, query []float32, k int) ([]Match, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if k <= 0 {
		k = 10
	}

	db, err := v.tenantDB(sc)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := db.QueryContext(ctx, `SELECT id, document_id, embedding, dimensions, updated_at FROM embeddings`)
	if err != nil {
		v.recordOp("search", start, err)
		return nil, fmt.Errorf("failed to scan tenant index: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			emb  Embedding
			blob []byte
			dims int
			ts   int64
		)
		if err := rows.Scan(&emb.ID, &emb.DocumentID, &blob, &dims, &ts); err != nil {
			v.recordOp("search", start, err)
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		emb.Vector = decodeVector(blob, dims)
		emb.UpdatedAt = time.Unix(ts, 0).UTC()

		if len(emb.Vector) != len(query) {
			continue
		}
		matches = append(matches, Match{Embedding: emb, Score: cosineSimilarity(query, emb.Vector)})
	}
	if err := rows.Err(); err != nil {
		v.recordOp("search", start, err)
		return nil, fmt.Errorf("failed to iterate tenant index: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	v.recordOp("search", start, nil)
	return matches, nil
}

// Delete removes an embedding from the scope tenant's index.
func (v *VectorIndex) Delete(ctx context.Context, sc Scope, id string) error {
	db, err := v.tenantDB(sc)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = db.ExecContext(ctx, `DELETE FROM embeddings WHERE id = ?`, id)
	v.recordOp("delete", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	return nil
}

func (v *VectorIndex) recordOp(operation string, start time.Time, err error) {
	if v.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	v.metrics.StorageOperationsTotal.WithLabelValues(operation, "vector", status).Inc()
	v.metrics.StorageOperationDuration.WithLabelValues(operation, "vector").Observe(time.Since(start).Seconds())
}

func (v *VectorIndex) recordViolation() {
	if v.metrics != nil {
		v.metrics.IsolationViolationsTotal.WithLabelValues("vector").Inc()
	}
}

// referencedTenant extracts the tenant owner from a namespaced document
// reference of the form "tenant/document". Bare references have no owner
// and are taken to mean the caller's own tenant.
func referencedTenant(documentID string) (string, bool) {
	for i := 0; i < len(documentID); i++ {
		if documentID[i] == '/' {
			return documentID[:i], true
		}
	}
	return "", false
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte, dims int) []float32 {
	if len(blob) < dims*4 {
		dims = len(blob) / 4
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
