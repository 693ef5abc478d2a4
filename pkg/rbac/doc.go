// Package rbac maps operations to the roles allowed to perform them.
//
// Permissions live in a static in-process table: handlers register their
// operations at startup via Registry.Register, and an optional YAML overlay
// adjusts grants at runtime without a redeploy. There is no per-user grant
// storage; the caller's role comes from its resolved identity and the table
// is the single source of truth for what that role may do.
package rbac
