// ABOUTME: Chooses the credential strategy for each session
// ABOUTME: Owns the shared Redis client and downgrades to local storage when Redis is unreachable

package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/2389/waypost/internal/config"
)

const pingTimeout = 5 * time.Second

// Resolver hands out a Store per session according to the configured strategy.
type Resolver struct {
	cfg    config.CredentialsConfig
	logger *slog.Logger

	pingTimeout time.Duration

	// dial collapses concurrent first connections into one; mu only
	// guards the published client and is never held across network I/O.
	dial   singleflight.Group
	mu     sync.Mutex
	rdb    redis.UniversalClient
	closed bool
}

// NewResolver creates a resolver. The Redis client is created on first use.
func NewResolver(cfg config.CredentialsConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		cfg:         cfg,
		logger:      logger.With("component", "credstore"),
		pingTimeout: pingTimeout,
	}
}

// NewResolverWithClient creates a remote resolver around an existing client.
func NewResolverWithClient(cfg config.CredentialsConfig, rdb redis.UniversalClient, logger *slog.Logger) *Resolver {
	r := NewResolver(cfg, logger)
	r.rdb = rdb
	return r
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Kind {
	if strings.EqualFold(r.cfg.Strategy, config.StrategyRemote) {
		return KindRemote
	}
	return KindLocal
}

// For returns the store for a sanitized session id. Under the remote
// strategy a Redis failure is logged and a Local store is returned.
func (r *Resolver) For(ctx context.Context, id string) Store {
	if r.Strategy() != KindRemote {
		return r.Local(id)
	}

	rdb, err := r.client(ctx)
	if err != nil {
		r.logger.Warn("remote credential store unavailable, falling back to local",
			"session_id", id, "error", err)
		return r.Local(id)
	}

	store := NewRemote(rdb, r.cfg.Remote.KeyPrefix, id)
	existing, err := store.Extract(ctx)
	switch {
	case err != nil:
		r.logger.Warn("remote credential lookup failed, falling back to local",
			"session_id", id, "error", err)
		return r.Local(id)
	case existing != nil:
		r.logger.Info("restoring remote credentials", "session_id", id, "files", len(existing))
	default:
		r.logger.Info("no remote credentials yet", "session_id", id)
	}
	return store
}

// Local returns the local store for a sanitized session id.
func (r *Resolver) Local(id string) *Local {
	return NewLocal(r.cfg.Local.AuthRoot, r.cfg.Local.CacheRoot, id)
}

// LocalSessionIDs lists the session directories under the primary auth root.
// A missing root yields no ids.
func (r *Resolver) LocalSessionIDs() ([]string, error) {
	entries, err := os.ReadDir(r.cfg.Local.AuthRoot)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", r.cfg.Local.AuthRoot, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Close releases the shared Redis client.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.rdb == nil {
		return nil
	}
	err := r.rdb.Close()
	r.rdb = nil
	return err
}

// client returns the shared Redis client, connecting on first use. A failed
// connection is not cached so the next session retries.
func (r *Resolver) client(ctx context.Context) (redis.UniversalClient, error) {
	if rdb := r.published(); rdb != nil {
		return rdb, nil
	}

	v, err, _ := r.dial.Do("redis", func() (any, error) {
		if rdb := r.published(); rdb != nil {
			return rdb, nil
		}
		rdb, err := r.connect(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			_ = rdb.Close()
			return nil, errors.New("credential resolver closed")
		}
		r.rdb = rdb
		return rdb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(redis.UniversalClient), nil
}

func (r *Resolver) published() redis.UniversalClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rdb
}

func (r *Resolver) connect(ctx context.Context) (*redis.Client, error) {
	opts, err := redis.ParseURL(r.cfg.Remote.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if r.cfg.Remote.Password != "" {
		opts.Password = r.cfg.Remote.Password
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, r.pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	r.logger.Info("connected to redis", "addr", opts.Addr)
	return rdb, nil
}
