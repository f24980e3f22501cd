// ABOUTME: Moves session credentials between hosts as a portable Document
// ABOUTME: Only the local strategy can export or import; remote credentials already live off-host

package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/2389/waypost/internal/config"
	"github.com/2389/waypost/internal/credstore"
	"github.com/2389/waypost/internal/session"
)

// Sessions is the part of the registry the engine needs.
type Sessions interface {
	Strategy() credstore.Kind
	Get(id string) (session.Info, error)
	Exists(id string) bool
	Create(ctx context.Context, id string) (session.Info, error)
}

// Engine exports and imports session credentials.
type Engine struct {
	sessions   Sessions
	authRoots  []string
	cacheRoots []string
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewEngine creates an engine. Export searches local.AuthRoots() in order;
// imports are written to the primary roots.
func NewEngine(sessions Sessions, local config.LocalConfig, logger *slog.Logger) *Engine {
	return &Engine{
		sessions:   sessions,
		authRoots:  local.AuthRoots(),
		cacheRoots: local.CacheRoots(),
		logger:     logger.With("component", "transfer"),
		now:        time.Now,
		inFlight:   make(map[string]struct{}),
	}
}

// Export serializes a session's credential tree and, when includeCache is
// set, its cache tree. The cache is best-effort.
func (e *Engine) Export(ctx context.Context, rawID string, includeCache bool) (*Document, error) {
	if e.sessions.Strategy() == credstore.KindRemote {
		return nil, session.NewError(session.ErrUnsupported, "", "export is not available with remote credentials", nil)
	}

	info, err := e.sessions.Get(rawID)
	if err != nil {
		return nil, err
	}
	id := info.ID

	authDir, cacheDir, checked := e.locate(id)
	if authDir == "" {
		return nil, session.NewError(session.ErrNotAuthenticated, id,
			"no credentials on disk, checked "+strings.Join(checked, ", "), nil)
	}

	auth, err := credstore.ReadTree(authDir)
	if err != nil {
		return nil, fmt.Errorf("exporting session %s: %w", id, err)
	}

	doc := &Document{
		SessionID:  id,
		OriginalID: info.OriginalID,
		ExportedAt: e.now().UTC(),
	}
	var encoded []string
	doc.Auth, encoded = encodeFiles(authSection, auth)
	doc.Encoded = append(doc.Encoded, encoded...)

	if includeCache && cacheDir != "" {
		cache, err := credstore.ReadTree(cacheDir)
		switch {
		case err != nil:
			e.logger.Warn("skipping unreadable cache", "session_id", id, "dir", cacheDir, "error", err)
		case len(cache) == 0:
			e.logger.Debug("no cache found", "session_id", id)
		default:
			doc.Cache, encoded = encodeFiles(cacheSection, cache)
			doc.Encoded = append(doc.Encoded, encoded...)
		}
	}

	e.logger.Info("exported session",
		"session_id", id,
		"auth_files", len(doc.Auth),
		"cache_files", len(doc.Cache),
		"dir", authDir,
	)
	return doc, nil
}

// locate returns the first auth directory with real content and its paired cache directory.
func (e *Engine) locate(id string) (authDir, cacheDir string, checked []string) {
	for i, root := range e.authRoots {
		dir := filepath.Join(root, id)
		checked = append(checked, dir)
		if !credstore.HasContent(dir) {
			continue
		}
		if i < len(e.cacheRoots) && e.cacheRoots[i] != "" {
			cacheDir = filepath.Join(e.cacheRoots[i], id)
		}
		return dir, cacheDir, checked
	}
	return "", "", checked
}

// Import writes a document's trees under the primary roots and creates the
// session. The target id is newID, else the document's original id, else
// its session id, sanitized. Nothing is written unless the document is
// valid and the target is free: not live, not being imported concurrently
// and without leftover files on disk.
func (e *Engine) Import(ctx context.Context, doc *Document, newID string) (session.Info, error) {
	if e.sessions.Strategy() == credstore.KindRemote {
		return session.Info{}, session.NewError(session.ErrUnsupported, "", "import is not available with remote credentials", nil)
	}
	if doc == nil || doc.Auth == nil {
		return session.Info{}, session.NewError(session.ErrInvalid, "", "export data has no auth section", nil)
	}

	id := session.Sanitize(firstNonEmpty(newID, doc.OriginalID, doc.SessionID))

	auth, cache, err := doc.Files()
	if err != nil {
		return session.Info{}, session.NewError(session.ErrInvalid, id, "malformed export data", err)
	}
	if !e.reserve(id) {
		return session.Info{}, session.NewError(session.ErrAlreadyExists, id, "import already in progress", nil)
	}
	defer e.release(id)

	if e.sessions.Exists(id) {
		return session.Info{}, session.NewError(session.ErrAlreadyExists, id, "", nil)
	}

	authDir := filepath.Join(e.authRoots[0], id)
	cacheDir := filepath.Join(e.cacheRoots[0], id)
	for _, dir := range []string{authDir, cacheDir} {
		if hasEntries(dir) {
			return session.Info{}, session.NewError(session.ErrAlreadyExists, id,
				"credentials already on disk at "+dir+", delete with purge first", nil)
		}
	}
	cleanup := e.cleanupFor(authDir, cacheDir)

	if err := credstore.WriteTree(authDir, auth); err != nil {
		cleanup()
		return session.Info{}, fmt.Errorf("importing session %s: %w", id, err)
	}
	if len(cache) > 0 {
		if err := credstore.WriteTree(cacheDir, cache); err != nil {
			cleanup()
			return session.Info{}, fmt.Errorf("importing cache for session %s: %w", id, err)
		}
	}

	info, err := e.sessions.Create(ctx, id)
	if err != nil {
		return session.Info{}, fmt.Errorf("creating imported session %s: %w", id, err)
	}

	e.logger.Info("imported session",
		"session_id", id,
		"from", doc.SessionID,
		"auth_files", len(auth),
		"cache_files", len(cache),
	)
	return info, nil
}

// reserve claims id for one import at a time.
func (e *Engine) reserve(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
}

func hasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// cleanupFor removes the given directories after a failed import, but only
// those that did not exist beforehand.
func (e *Engine) cleanupFor(dirs ...string) func() {
	var fresh []string
	for _, dir := range dirs {
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			fresh = append(fresh, dir)
		}
	}
	return func() {
		for _, dir := range fresh {
			if err := os.RemoveAll(dir); err != nil {
				e.logger.Warn("failed to clean up partial import", "dir", dir, "error", err)
			}
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
