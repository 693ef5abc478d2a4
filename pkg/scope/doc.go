// Package scope provides tenant-scoped adapters over the storage backends.
//
// Handlers never talk to a backend directly. Each adapter derives the
// tenant boundary from the authenticated identity on the request context
// and makes cross-tenant access structurally impossible:
//
//   - Postgres: every statement runs in a transaction with the tenant ID
//     pinned in a session variable that row-level security policies read.
//   - Vector index: one SQLite index file per tenant; a tenant's queries
//     physically cannot see another tenant's file.
//   - Cache and memory: every Redis key is prefixed with the tenant (and,
//     for agent memory, the user) so keyspaces never overlap.
//   - Object store: every S3 key lives under a per-tenant prefix.
//
// Adapters return auth.ErrTenantIsolationViolation when a caller-supplied
// reference points outside its own tenant. Those errors are counted and
// audited; the caller sees a generic 403.
package scope
