// ABOUTME: Matrix login state kept in the session credential workspace
// ABOUTME: credentials.json holds the access token and device of one session

package matrix

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/2389/waypost/internal/credstore"
)

// credentials is the content of credentials.json.
type credentials struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"userId"`
	DeviceID    string `json:"deviceId"`
	AccessToken string `json:"accessToken"`
}

func (c *credentials) valid() bool {
	return c != nil && c.UserID != "" && c.AccessToken != ""
}

// loadCredentials returns nil without error when dir holds no credentials.
func loadCredentials(dir string) (*credentials, error) {
	data, err := os.ReadFile(filepath.Join(dir, credstore.CredentialsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	var c credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if !c.valid() {
		return nil, nil
	}
	return &c, nil
}

func saveCredentials(dir string, c *credentials) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, credstore.CredentialsFile), data, 0o600); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	return nil
}

func removeCredentials(dir string) error {
	err := os.Remove(filepath.Join(dir, credstore.CredentialsFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing credentials: %w", err)
	}
	return nil
}
