package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kelpielabs/gatehouse/pkg/auth"
)

// Store persists audit records in PostgreSQL. Append-only: there is no
// update or single-record delete, only retention pruning.
type Store struct {
	db *sql.DB
}

// NewStore creates an audit store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Schema is the DDL for the audit table. Applied by migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id UUID PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	event_type TEXT NOT NULL,
	outcome TEXT NOT NULL,
	actor_user_id TEXT,
	actor_tenant_id TEXT,
	actor_role TEXT,
	actor_method TEXT,
	actor_key_id TEXT,
	target_tenant TEXT,
	operation TEXT,
	error_code TEXT,
	request_id TEXT,
	http_method TEXT,
	path TEXT,
	status_code INTEGER,
	ip_address TEXT,
	user_agent TEXT,
	duration_ms BIGINT,
	message TEXT,
	metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_target_tenant ON audit_records(target_tenant);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_records(event_type);
`

// Append writes one record.
func (s *Store) Append(ctx context.Context, record *Record) error {
	var metadataJSON []byte
	if record.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(record.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_records (
			id, timestamp, event_type, outcome,
			actor_user_id, actor_tenant_id, actor_role, actor_method, actor_key_id,
			target_tenant, operation, error_code,
			request_id, http_method, path, status_code, ip_address, user_agent,
			duration_ms, message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Timestamp,
		string(record.EventType),
		string(record.Outcome),
		nullable(record.Actor.UserID),
		nullable(record.Actor.Tenant),
		nullable(string(record.Actor.Role)),
		nullable(string(record.Actor.Method)),
		nullable(record.Actor.KeyID),
		nullable(record.TargetTenant),
		nullable(record.Operation),
		nullable(record.ErrorCode),
		nullable(record.RequestID),
		nullable(record.HTTPMethod),
		nullable(record.Path),
		record.StatusCode,
		nullable(record.IPAddress),
		nullable(record.UserAgent),
		record.DurationMS,
		nullable(record.Message),
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// scopeFilter narrows the filter to what the caller's role may see:
// platform_admin is unrestricted, tenant_admin is pinned to its own tenant,
// everyone else is denied.
func scopeFilter(caller *auth.Identity, filter Filter) (Filter, error) {
	switch {
	case caller.IsPlatformAdmin():
		// Unrestricted.
	case caller.Role == auth.RoleTenantAdmin:
		if filter.TenantID != "" && filter.TenantID != caller.TenantID {
			return filter, fmt.Errorf("%w: tenant_admin may only query its own tenant", auth.ErrForbidden)
		}
		filter.TenantID = caller.TenantID
	default:
		return filter, fmt.Errorf("%w: role %s may not query audit records", auth.ErrForbidden, caller.Role)
	}
	return filter, nil
}

// Query returns records matching the filter, scoped by the caller's role.
func (s *Store) Query(ctx context.Context, caller *auth.Identity, filter Filter) ([]Record, error) {
	filter, err := scopeFilter(caller, filter)
	if err != nil {
		return nil, err
	}

	where := []string{"1=1"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TenantID != "" {
		where = append(where, "target_tenant = "+arg(filter.TenantID))
	}
	if filter.StartTime != nil {
		where = append(where, "timestamp >= "+arg(*filter.StartTime))
	}
	if filter.EndTime != nil {
		where = append(where, "timestamp <= "+arg(*filter.EndTime))
	}
	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, 0, len(filter.EventTypes))
		for _, et := range filter.EventTypes {
			placeholders = append(placeholders, arg(string(et)))
		}
		where = append(where, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Outcome != nil {
		where = append(where, "outcome = "+arg(string(*filter.Outcome)))
	}
	if filter.UserID != "" {
		where = append(where, "actor_user_id = "+arg(filter.UserID))
	}
	if filter.Operation != "" {
		where = append(where, "operation = "+arg(filter.Operation))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, timestamp, event_type, outcome,
			actor_user_id, actor_tenant_id, actor_role, actor_method, actor_key_id,
			target_tenant, operation, error_code,
			request_id, http_method, path, status_code, ip_address, user_agent,
			duration_ms, message, metadata
		FROM audit_records
		WHERE %s
		ORDER BY timestamp DESC
		LIMIT %s OFFSET %s
	`, strings.Join(where, " AND "), arg(limit), arg(filter.Offset))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// StatsBucket is one (event_type, outcome) count.
type StatsBucket struct {
	EventType EventType `json:"event_type"`
	Outcome   Outcome   `json:"outcome"`
	Count     int64     `json:"count"`
}

// Stats aggregates record counts by event type and outcome, under the same
// role scoping as Query. Only the time-window and tenant parts of the
// filter apply.
func (s *Store) Stats(ctx context.Context, caller *auth.Identity, filter Filter) ([]StatsBucket, error) {
	filter, err := scopeFilter(caller, filter)
	if err != nil {
		return nil, err
	}

	where := []string{"1=1"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TenantID != "" {
		where = append(where, "target_tenant = "+arg(filter.TenantID))
	}
	if filter.StartTime != nil {
		where = append(where, "timestamp >= "+arg(*filter.StartTime))
	}
	if filter.EndTime != nil {
		where = append(where, "timestamp <= "+arg(*filter.EndTime))
	}

	query := fmt.Sprintf(`
		SELECT event_type, outcome, COUNT(*)
		FROM audit_records
		WHERE %s
		GROUP BY event_type, outcome
		ORDER BY event_type, outcome
	`, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit records: %w", err)
	}
	defer rows.Close()

	var buckets []StatsBucket
	for rows.Next() {
		var b StatsBucket
		if err := rows.Scan(&b.EventType, &b.Outcome, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan audit stats: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// Prune deletes records older than the cutoff and returns how many were
// removed. Called by the retention scheduler.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit records: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned records: %w", err)
	}
	return removed, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var record Record
	var actorUserID, actorTenant, actorRole, actorMethod, actorKeyID sql.NullString
	var targetTenant, operation, errorCode sql.NullString
	var requestID, httpMethod, path, ipAddress, userAgent, message sql.NullString
	var statusCode sql.NullInt64
	var durationMS sql.NullInt64
	var metadataJSON []byte

	err := rows.Scan(
		&record.ID,
		&record.Timestamp,
		&record.EventType,
		&record.Outcome,
		&actorUserID,
		&actorTenant,
		&actorRole,
		&actorMethod,
		&actorKeyID,
		&targetTenant,
		&operation,
		&errorCode,
		&requestID,
		&httpMethod,
		&path,
		&statusCode,
		&ipAddress,
		&userAgent,
		&durationMS,
		&message,
		&metadataJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}

	record.Actor = Actor{
		UserID: actorUserID.String,
		Tenant: actorTenant.String,
		Role:   auth.Role(actorRole.String),
		Method: auth.Method(actorMethod.String),
		KeyID:  actorKeyID.String,
	}
	record.TargetTenant = targetTenant.String
	record.Operation = operation.String
	record.ErrorCode = errorCode.String
	record.RequestID = requestID.String
	record.HTTPMethod = httpMethod.String
	record.Path = path.String
	record.StatusCode = int(statusCode.Int64)
	record.IPAddress = ipAddress.String
	record.UserAgent = userAgent.String
	record.DurationMS = durationMS.Int64
	record.Message = message.String

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
		}
	}

	return &record, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
