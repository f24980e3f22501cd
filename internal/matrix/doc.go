// Package matrix implements session.Adapter on top of a Matrix homeserver
// using mautrix.
//
// Every session is one Matrix device. A session without stored credentials
// starts by publishing an SSO login URL as its pairing challenge; the
// operator completes the login in a browser and hands the resulting login
// token back through Pair. The access token is then kept in
// credentials.json inside the session's credential workspace, together with
// the sync position (sync.json) and, when encryption is enabled, the crypto
// store (crypto.db). Remote workspaces are pushed back to their store after
// login, every few minutes while running and on Destroy.
//
// Inbound m.room.message events from other users become session messages;
// replies carry the quoted event. Outbound text is rendered from Markdown
// with goldmark.
package matrix
