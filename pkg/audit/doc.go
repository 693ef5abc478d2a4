// Package audit records authentication and authorization decisions.
//
// Records are written asynchronously: the pipeline enqueues onto a bounded
// queue and a background writer persists to the store. Audit writes must
// never block or fail a request, so when the queue is full the record is
// dropped, counted, and logged. The store is append-only; queries are
// scoped by the caller's role.
package audit
