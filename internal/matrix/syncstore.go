// ABOUTME: File-backed mautrix sync store living next to the credentials
// ABOUTME: Keeps the filter id and next batch token so restarts resume where they stopped

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const syncStateFile = "sync.json"

type syncState struct {
	FilterID  string `json:"filterId,omitempty"`
	NextBatch string `json:"nextBatch,omitempty"`
}

// fileSyncStore stores one user's sync position as JSON.
type fileSyncStore struct {
	mu    sync.Mutex
	path  string
	state syncState
}

var _ mautrix.SyncStore = (*fileSyncStore)(nil)

func newFileSyncStore(dir string) (*fileSyncStore, error) {
	s := &fileSyncStore{path: filepath.Join(dir, syncStateFile)}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sync state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		// a corrupt position only costs a full sync
		s.state = syncState{}
	}
	return s, nil
}

func (s *fileSyncStore) SaveFilterID(_ context.Context, _ id.UserID, filterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.FilterID = filterID
	return s.flushLocked()
}

func (s *fileSyncStore) LoadFilterID(_ context.Context, _ id.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.FilterID, nil
}

func (s *fileSyncStore) SaveNextBatch(_ context.Context, _ id.UserID, nextBatchToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.NextBatch = nextBatchToken
	return s.flushLocked()
}

func (s *fileSyncStore) LoadNextBatch(_ context.Context, _ id.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.NextBatch, nil
}

// resumed reports whether a previous run left a sync position.
func (s *fileSyncStore) resumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.NextBatch != ""
}

func (s *fileSyncStore) flushLocked() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing sync state: %w", err)
	}
	return os.Rename(tmp, s.path)
}
