// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - SessionEvent: one notification recorded against a session (status
//     transitions, QR and pairing challenges, inbound and outbound messages)
//   - AuditEntry: an administrative action taken through the HTTP API
//
// Session credentials are never stored here; they live in the credential
// store selected by configuration.
//
// # SQLite Configuration
//
// The store uses the pure Go modernc.org/sqlite driver with WAL mode so the
// history endpoint can read while the notifier writes:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// # Errors
//
//   - ErrNotFound: Requested entity does not exist
//
// All methods accept context.Context for cancellation support.
package store
