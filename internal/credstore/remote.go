// ABOUTME: Redis-backed credential store keyed under <prefix>:<id>:
// ABOUTME: The credentials document and every other file are separate Redis entries

package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	credsKey   = "creds"
	keysPrefix = "keys:"
	scanCount  = 200
)

// Remote keeps a session's credential tree in Redis.
type Remote struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRemote returns a Remote store for id using keys under "<keyPrefix>:<id>:".
func NewRemote(rdb redis.UniversalClient, keyPrefix, id string) *Remote {
	return &Remote{rdb: rdb, prefix: fmt.Sprintf("%s:%s:", keyPrefix, id)}
}

func (r *Remote) Kind() Kind { return KindRemote }

// Prefix is the key prefix owned by this session.
func (r *Remote) Prefix() string { return r.prefix }

// Save writes the credentials document and one entry per remaining file.
// Entries left over from an earlier save that are no longer in the tree are removed.
func (r *Remote) Save(ctx context.Context, files Files) error {
	creds, ok := files[CredentialsFile]
	if !ok {
		return ErrMissingCredentials
	}

	existing, err := r.scan(ctx, r.prefix+keysPrefix+"*")
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, r.prefix+credsKey, creds, 0)
	wanted := make(map[string]struct{}, len(files))
	for p, data := range files {
		if p == CredentialsFile {
			continue
		}
		key := r.prefix + keysPrefix + p
		wanted[key] = struct{}{}
		pipe.Set(ctx, key, data, 0)
	}
	var stale []string
	for _, key := range existing {
		if _, ok := wanted[key]; !ok {
			stale = append(stale, key)
		}
	}
	if len(stale) > 0 {
		pipe.Del(ctx, stale...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving credentials under %s: %w", r.prefix, err)
	}
	return nil
}

// Extract returns nil unless the credentials document exists.
func (r *Remote) Extract(ctx context.Context) (Files, error) {
	creds, err := r.rdb.Get(ctx, r.prefix+credsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials under %s: %w", r.prefix, err)
	}

	files := Files{CredentialsFile: creds}
	keys, err := r.scan(ctx, r.prefix+keysPrefix+"*")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return files, nil
	}

	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading credential keys under %s: %w", r.prefix, err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// deleted between SCAN and MGET
			continue
		}
		files[strings.TrimPrefix(keys[i], r.prefix+keysPrefix)] = []byte(s)
	}
	return files, nil
}

// Delete removes every key under the session prefix in one command.
func (r *Remote) Delete(ctx context.Context) error {
	keys, err := r.scan(ctx, r.prefix+"*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting credentials under %s: %w", r.prefix, err)
	}
	return nil
}

func (r *Remote) scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, match, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", match, err)
	}
	return keys, nil
}
