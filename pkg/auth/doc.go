// Package auth defines the identity model shared by every stage of the
// request pipeline: credential extraction, the role and error taxonomies,
// and identity resolution.
//
// The flow is: an Extractor pulls a raw Credential off the request, an
// authenticator (pkg/auth/oauth or pkg/auth/apikey) verifies it and emits a
// Seed, and the Resolver completes the Seed into an Identity using the
// profile service for anything the credential did not assert itself. Only a
// complete Identity is ever attached to a request context.
package auth
