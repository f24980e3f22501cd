// ABOUTME: Working directory handed to adapters regardless of strategy
// ABOUTME: Remote stores are materialized into a temp dir and pushed back on Persist

package credstore

import (
	"context"
	"fmt"
	"os"
)

// Workspace is the directory an adapter keeps its session files in.
type Workspace struct {
	Dir   string
	store Store
	temp  bool
}

// OpenWorkspace prepares a working directory for store. Local stores work in
// place; any other store is extracted into a fresh temporary directory.
func OpenWorkspace(ctx context.Context, store Store) (*Workspace, error) {
	if l, ok := store.(*Local); ok {
		if err := os.MkdirAll(l.Dir(), 0o700); err != nil {
			return nil, fmt.Errorf("creating %s: %w", l.Dir(), err)
		}
		return &Workspace{Dir: l.Dir(), store: store}, nil
	}

	dir, err := os.MkdirTemp("", "waypost-session-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	files, err := store.Extract(ctx)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	if err := WriteTree(dir, files); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("materializing credentials: %w", err)
	}
	return &Workspace{Dir: dir, store: store, temp: true}, nil
}

// Store returns the backing store.
func (w *Workspace) Store() Store { return w.store }

// Persist pushes the directory contents to the backing store.
func (w *Workspace) Persist(ctx context.Context) error {
	if !w.temp {
		return w.store.Save(ctx, nil)
	}
	files, err := ReadTree(w.Dir)
	if err != nil {
		return err
	}
	if _, ok := files[CredentialsFile]; !ok {
		// nothing worth saving until the adapter has logged in
		return nil
	}
	return w.store.Save(ctx, files)
}

// Close removes a temporary directory. In-place workspaces are left alone.
func (w *Workspace) Close() error {
	if !w.temp {
		return nil
	}
	return os.RemoveAll(w.Dir)
}
