// Package auth implements the Huddle identity verifier.
//
// A bearer credential presented at connection time is checked structurally
// (a signed, unexpired token from a trusted issuer), its subject claim is
// extracted, and the subject is resolved against the identity store.
//
// Two token formats are supported:
//   - PASETO v4.public (Ed25519), the default.
//   - JWT HS256, for deployments whose identity provider issues JWTs.
//
// Token issuance belongs to the identity provider. The signing side here
// exists for tests and local tooling only.
package auth
