// ABOUTME: Filesystem credential store, one directory per session
// ABOUTME: Adapters write into Dir directly so Save has nothing to do

package credstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Local keeps a session's credential tree under <authRoot>/<id> and its
// cache under <cacheRoot>/<id>.
type Local struct {
	id        string
	authRoot  string
	cacheRoot string
}

// NewLocal returns the local store for a session id. The id must already be sanitized.
func NewLocal(authRoot, cacheRoot, id string) *Local {
	return &Local{id: id, authRoot: authRoot, cacheRoot: cacheRoot}
}

func (l *Local) Kind() Kind { return KindLocal }

// Dir is the session's credential directory.
func (l *Local) Dir() string { return filepath.Join(l.authRoot, l.id) }

// CacheDir is the session's cache directory.
func (l *Local) CacheDir() string { return filepath.Join(l.cacheRoot, l.id) }

func (l *Local) Save(context.Context, Files) error { return nil }

// Extract reads the session directory. An absent or empty directory yields nil.
func (l *Local) Extract(context.Context) (Files, error) {
	files, err := ReadTree(l.Dir())
	if err != nil {
		return nil, fmt.Errorf("reading local credentials for %s: %w", l.id, err)
	}
	if len(files) == 0 {
		return nil, nil
	}
	return files, nil
}

// Delete removes the session's credential and cache directories.
func (l *Local) Delete(context.Context) error {
	if err := os.RemoveAll(l.Dir()); err != nil {
		return fmt.Errorf("removing %s: %w", l.Dir(), err)
	}
	if l.cacheRoot != "" {
		if err := os.RemoveAll(l.CacheDir()); err != nil {
			return fmt.Errorf("removing %s: %w", l.CacheDir(), err)
		}
	}
	return nil
}
