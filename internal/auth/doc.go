// Package auth authenticates callers of the waypost HTTP API.
//
// Two credentials are accepted, either or both may be configured:
//
//   - JWT bearer tokens signed with HS256 using auth.jwt_secret. The "sub"
//     claim becomes the actor recorded in the audit log. Tokens are minted
//     with `waypost token`.
//
//   - A static API key sent as X-API-Key, checked against the bcrypt hash in
//     auth.api_key_hash.
//
// When neither is configured the middleware is a pass-through and every
// caller is recorded as "anonymous".
package auth
