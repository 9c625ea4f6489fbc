// Package auth provides authentication for parley-gateway.
//
// Clients authenticate with JWT bearer tokens signed with HS256 using the
// configured jwt_secret. Every token carries a unique jti claim so a single
// token can be revoked without rotating the secret; revoked jtis are kept
// in the store until the token would have expired anyway.
//
// The validated subject claim is treated as an opaque user identifier. It
// namespaces persisted history and is never interpreted further.
package auth
