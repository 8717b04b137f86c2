// Package identity holds Huddle's user principal and the read-only user store
// consulted when a bearer credential is resolved to a user.
//
// Users are created elsewhere (an external identity provider or admin tooling);
// this package only looks them up.
package identity
