// ABOUTME: Credential store contract shared by the local and remote strategies
// ABOUTME: Files is the in-memory form of a session's credential tree

package credstore

import (
	"context"
	"errors"
)

// Kind names a credential strategy.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// CredentialsFile is the mandatory document of every credential tree.
const CredentialsFile = "credentials.json"

// ErrMissingCredentials is returned when a tree without CredentialsFile is saved remotely.
var ErrMissingCredentials = errors.New("credential tree has no " + CredentialsFile)

// Files maps a slash-separated relative path to file content.
type Files map[string][]byte

// Store persists one session's credential tree.
type Store interface {
	Kind() Kind
	// Save persists the tree. Local stores ignore it.
	Save(ctx context.Context, files Files) error
	// Extract returns the stored tree, or nil when nothing is stored.
	Extract(ctx context.Context) (Files, error)
	// Delete removes everything stored for the session.
	Delete(ctx context.Context) error
}
