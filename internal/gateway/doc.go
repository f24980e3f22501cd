// Package gateway orchestrates the waypost server components.
//
// # Overview
//
// The gateway package is the central coordinator of the waypost server. It
// owns the session registry, the credential resolver, the notification hub,
// the SQLite event ledger and the HTTP and gRPC servers.
//
// # Wiring
//
// New builds the components in dependency order:
//
//	store.NewSQLiteStore         event ledger and audit log
//	credstore.NewResolver        local or Redis-backed credential stores
//	notify.NewHub                SSE fan-out, webhook and ledger recording
//	session.NewRegistry          sessions driven by the Matrix adapter
//	transfer.NewEngine           export and import of credential trees
//	auth.NewAuthenticator        bearer JWT or API key for /api/*
//
// NewWithAdapters accepts any session.AdapterFactory and is what tests use.
//
// # HTTP API
//
//   - POST /api/sessions - Create a session
//   - GET /api/sessions - List sessions
//   - GET /api/sessions/{id} - Session snapshot
//   - DELETE /api/sessions/{id} - Delete, ?purge=true also removes local files
//   - POST /api/sessions/{id}/restart - Restart keeping credentials
//   - GET /api/sessions/{id}/qr - Pending pairing payload
//   - POST /api/sessions/{id}/pair - Submit a pairing answer
//   - GET /api/sessions/{id}/health - Session health (404 when unknown)
//   - GET /api/sessions/health - Aggregate health
//   - GET /api/sessions/{id}/export - Export credentials, ?cache=false skips the cache
//   - POST /api/sessions/import - Import an export document
//   - POST /api/sessions/{id}/messages - Send a text message
//   - GET /api/sessions/{id}/events - Ledger history
//   - GET /api/sessions/{id}/chats - Chats, most recent first
//   - GET /api/sessions/{id}/chats/{chatId}/messages - Recent messages, ?limit=N (default 50)
//   - GET /api/sessions/{id}/chats/{chatId}/messages/{messageId}/media - Attachment, base64 encoded
//   - POST /api/sessions/{id}/contacts/validate - Whether a contact is registered
//   - POST /api/sessions/{id}/contacts/block - Block a contact
//   - POST /api/sessions/{id}/contacts/unblock - Unblock a contact
//   - GET /api/events - Server-sent events for every notification
//   - GET /api/audit - Audit log
//   - GET /health - Liveness check
//
// Session errors map to statuses by kind: not found 404, conflicts 409,
// unsupported 501, invalid input 400.
//
// # gRPC
//
// The gRPC server carries only grpc.health.v1. Service "" reports overall
// health; each session id is its own service.
//
// # Networking
//
// Listeners are plain TCP, or a tsnet node when tailscale.enabled is set.
//
// # Shutdown
//
// Shutdown stops the servers, tears down sessions without touching their
// credentials, drains the notifier and closes the ledger.
package gateway
