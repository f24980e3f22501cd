// Package notify delivers session notifications.
//
// A Hub receives every notification from the session registry and routes it
// to three outputs:
//
//   - Broadcaster: in-memory pub/sub consumed by the SSE endpoint
//   - Webhook: one HTTP POST per message notification, never retried
//   - Ledger: the SQLite session event history
//
// None of the outputs may block the registry. Slow subscribers lose events,
// throttled webhooks drop them and a full ledger queue drops them with a
// warning.
package notify
