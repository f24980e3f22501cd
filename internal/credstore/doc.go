// Package credstore persists the authentication state of messaging sessions.
//
// Two strategies implement Store:
//
//   - Local keeps each session's files in its own directory under the
//     auth root. Save is a no-op because adapters write there directly.
//   - Remote keeps them in Redis under "<prefix>:<id>:". The mandatory
//     credentials document lives at "creds" and every other file is its
//     own "keys:<path>" entry.
//
// Adapters do not talk to a Store directly; they open a Workspace, which
// gives them a directory to work in and a Persist hook that pushes the
// directory back to the store.
//
// Resolver picks the strategy once per session. When the remote store
// cannot be reached it logs a warning and hands out a Local store instead.
package credstore
