// Package session manages the lifecycle of messaging sessions.
//
// # Overview
//
// A Registry holds one record per sanitized session id. Each record owns an
// Adapter, the messaging client for that tenant, and tracks its status:
//
//	initializing -> qr_pending | authenticated -> ready
//	any state    -> auth_failed | disconnected
//
// Adapters report progress as Events on a channel. The registry consumes
// each adapter's channel in its own goroutine, so events for one session
// are applied in order while sessions progress independently.
//
// A session that reports a disconnect stays visible for a grace window and
// is then removed. Any later transition cancels the pending removal.
//
// # Identifiers
//
// Every public method sanitizes the id it is given with Sanitize, so
// "tenant a" and "tenant_a" name the same session.
//
// # Errors
//
// Failures are *Error values that unwrap to one of ErrNotFound,
// ErrAlreadyExists, ErrNotReady, ErrNotAuthenticated, ErrUnsupported or
// ErrInvalid. Adapter failures are never returned; they become state
// transitions.
package session
